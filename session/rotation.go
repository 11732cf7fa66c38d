package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RekeyFunc negotiates a replacement session key with the peer over a side
// channel (a fresh ephemeral exchange carried inside the already-secure
// transport). It runs off the audio path; the sender is never stalled
// waiting for it.
type RekeyFunc func(ctx context.Context) ([32]byte, error)

// Rotator replaces the session key on a fixed interval or on demand.
type Rotator struct {
	session  *Session
	rekey    RekeyFunc
	interval time.Duration
	trigger  chan struct{}
}

// NewRotator creates a rotator for the session. The interval comes from the
// session config's RotationInterval.
func NewRotator(s *Session, rekey RekeyFunc) *Rotator {
	return &Rotator{
		session:  s,
		rekey:    rekey,
		interval: s.config.RotationInterval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests an immediate rotation. It never blocks; a rotation
// already pending absorbs the request.
func (r *Rotator) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run rotates keys until ctx is cancelled. A failed negotiation leaves the
// current key in place and retries at the next interval.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}

		if err := r.rotate(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"error":    err,
			}).Warn("Key rotation failed, keeping current key")
		}
	}
}

func (r *Rotator) rotate(ctx context.Context) error {
	key, err := r.rekey(ctx)
	if err != nil {
		return fmt.Errorf("rekey exchange failed: %w", err)
	}
	if err := r.session.InstallKey(key); err != nil {
		return fmt.Errorf("failed to install rotated key: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "rotate",
	}).Info("Session key rotated")
	return nil
}
