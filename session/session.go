// Package session turns a derived session key into an encrypted frame
// stream. A Session owns the send AEAD behind an atomic pointer so key
// rotation never tears a frame, keeps a bounded replay window over received
// nonces, and retains the previous receive key across a rotation until the
// peer demonstrably sends under the new one.
package session

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/opd-ai/humr/crypto"
	"github.com/opd-ai/humr/transport"
)

// Frame handling errors. All of them are non-fatal to the session: the
// offending frame is dropped and counted, and the stream continues.
var (
	// ErrReplayDetected indicates a frame whose nonce was already accepted.
	ErrReplayDetected = errors.New("frame nonce already seen")
	// ErrAuthenticationFailed indicates an AEAD tag mismatch under every
	// candidate key.
	ErrAuthenticationFailed = errors.New("frame authentication failed")
	// ErrDecodeFailed indicates a structurally invalid frame.
	ErrDecodeFailed = errors.New("frame decode failed")
)

// Keys is the negotiated key material for one session direction pair.
type Keys struct {
	// Key is the shared 256-bit session key.
	Key [32]byte
	// PeerIdentity is the authenticated long-term identity of the peer.
	PeerIdentity ed25519.PublicKey
	// CreatedAt records when the key was derived.
	CreatedAt time.Time
	// NextRotationAt is when the rotator should negotiate a replacement.
	NextRotationAt time.Time
}

// Config defines session parameters.
type Config struct {
	// ReplayWindowSize bounds the set of remembered inbound nonces
	// (default: 1024). Oldest entries are evicted first.
	ReplayWindowSize int
	// RotationInterval is the key lifetime before rekeying (default: 1h).
	RotationInterval time.Duration
}

// DefaultConfig returns session parameters matching the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		ReplayWindowSize: 1024,
		RotationInterval: time.Hour,
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.ReplayWindowSize <= 0 {
		return fmt.Errorf("replay window size must be positive")
	}
	if c.RotationInterval <= 0 {
		return fmt.Errorf("rotation interval must be positive")
	}
	return nil
}

// Stats holds the session's traffic counters. All fields are atomics so the
// quality monitor can read them from its sampling goroutine without taking
// any lock shared with the frame path.
type Stats struct {
	FramesSent      atomic.Uint64
	FramesReceived  atomic.Uint64
	FramesDropped   atomic.Uint64
	ReplaysDetected atomic.Uint64
	AuthFailures    atomic.Uint64
	BytesSent       atomic.Uint64
	BytesReceived   atomic.Uint64
	// HighestSequence is the largest inbound sequence number accepted.
	// Sequence gaps against the received count measure network loss.
	HighestSequence atomic.Uint64
	// JitterNanos is the smoothed inter-arrival deviation of inbound frames.
	JitterNanos atomic.Uint64
	// KeyRotations counts keys installed after the initial one.
	KeyRotations atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FramesSent      uint64
	FramesReceived  uint64
	FramesDropped   uint64
	ReplaysDetected uint64
	AuthFailures    uint64
	BytesSent       uint64
	BytesReceived   uint64
	HighestSequence uint64
	JitterNanos     uint64
	KeyRotations    uint64
}

// Snapshot reads every counter once.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		FramesSent:      s.FramesSent.Load(),
		FramesReceived:  s.FramesReceived.Load(),
		FramesDropped:   s.FramesDropped.Load(),
		ReplaysDetected: s.ReplaysDetected.Load(),
		AuthFailures:    s.AuthFailures.Load(),
		BytesSent:       s.BytesSent.Load(),
		BytesReceived:   s.BytesReceived.Load(),
		HighestSequence: s.HighestSequence.Load(),
		JitterNanos:     s.JitterNanos.Load(),
		KeyRotations:    s.KeyRotations.Load(),
	}
}

// sendState pairs an AEAD with the key bytes it was built from so the key
// can be wiped when the state is retired.
type sendState struct {
	aead cipher.AEAD
	key  [32]byte
}

// Session encrypts outbound audio frames and decrypts inbound ones.
//
// The send path touches only the atomic key pointer and the sequence
// counter; the receive path serializes on its own mutex for the replay
// window and the current/previous key pair.
type Session struct {
	peerIdentity ed25519.PublicKey
	config       *Config
	stats        Stats

	send    atomic.Pointer[sendState]
	sendSeq atomic.Uint64

	recvMu sync.Mutex
	// current and previous receive keys. previous is non-nil only between
	// a rotation and the first inbound frame that decrypts under current.
	recvCurrent  *sendState
	recvPrevious *sendState
	seen         map[[transport.NonceSize]byte]struct{}
	seenOrder    [][transport.NonceSize]byte

	// Inter-arrival tracking for the jitter estimate, under recvMu.
	lastArrival time.Time
	gapEWMA     time.Duration
	jitterEWMA  time.Duration
}

// New creates a session from negotiated keys. A nil config uses defaults.
func New(keys *Keys, config *Config) (*Session, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	state, err := newSendState(keys.Key)
	if err != nil {
		return nil, err
	}
	if keys.NextRotationAt.IsZero() {
		keys.NextRotationAt = keys.CreatedAt.Add(config.RotationInterval)
	}

	s := &Session{
		peerIdentity: keys.PeerIdentity,
		config:       config,
		recvCurrent:  state,
		seen:         make(map[[transport.NonceSize]byte]struct{}, config.ReplayWindowSize),
		seenOrder:    make([][transport.NonceSize]byte, 0, config.ReplayWindowSize),
	}
	s.send.Store(state)
	return s, nil
}

func newSendState(key [32]byte) (*sendState, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	return &sendState{aead: aead, key: key}, nil
}

// PeerIdentity returns the authenticated identity of the peer.
func (s *Session) PeerIdentity() ed25519.PublicKey {
	return s.peerIdentity
}

// Stats returns the session's counters for lock-free sampling.
func (s *Session) Stats() *Stats {
	return &s.stats
}

// EncryptFrame seals plaintext into an outbound frame. The ciphertext is
// written into buf, which must have capacity for len(plaintext) +
// transport.TagSize; with a sized buffer the call does not allocate.
func (s *Session) EncryptFrame(plaintext, buf []byte) (transport.Frame, error) {
	var frame transport.Frame
	if _, err := rand.Read(frame.Nonce[:]); err != nil {
		return transport.Frame{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	frame.Sequence = s.sendSeq.Add(1)

	state := s.send.Load()
	frame.Payload = state.aead.Seal(buf[:0], frame.Nonce[:], plaintext, nil)

	s.stats.FramesSent.Add(1)
	s.stats.BytesSent.Add(uint64(len(frame.Payload)))
	return frame, nil
}

// DecryptFrame authenticates and opens an inbound frame, writing the
// plaintext into buf. The replay check runs before any decryption; a frame
// whose nonce was already accepted is rejected with ErrReplayDetected. After
// a rotation, frames are tried under the current key first and then the
// retained previous key, so packets from just before the switch still land.
func (s *Session) DecryptFrame(frame transport.Frame, buf []byte) ([]byte, error) {
	if len(frame.Payload) < transport.TagSize {
		s.stats.FramesDropped.Add(1)
		return nil, fmt.Errorf("%w: payload %d bytes below tag size", ErrDecodeFailed, len(frame.Payload))
	}

	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	if _, replayed := s.seen[frame.Nonce]; replayed {
		s.stats.ReplaysDetected.Add(1)
		s.stats.FramesDropped.Add(1)
		return nil, ErrReplayDetected
	}

	plaintext, err := s.recvCurrent.aead.Open(buf[:0], frame.Nonce[:], frame.Payload, nil)
	if err == nil {
		// First frame under the new key confirms the peer rotated;
		// the old key is no longer needed and must not linger.
		if s.recvPrevious != nil {
			crypto.ZeroBytes(s.recvPrevious.key[:])
			s.recvPrevious = nil
			logrus.WithFields(logrus.Fields{
				"function": "DecryptFrame",
			}).Info("Peer confirmed key rotation, previous key wiped")
		}
		s.accept(frame)
		return plaintext, nil
	}

	if s.recvPrevious != nil {
		plaintext, err = s.recvPrevious.aead.Open(buf[:0], frame.Nonce[:], frame.Payload, nil)
		if err == nil {
			s.accept(frame)
			return plaintext, nil
		}
	}

	s.stats.AuthFailures.Add(1)
	s.stats.FramesDropped.Add(1)
	return nil, ErrAuthenticationFailed
}

// accept records a successfully decrypted frame: nonce into the replay
// window (evicting the oldest past capacity), loss and jitter measurements,
// and counters updated. Caller must hold recvMu.
func (s *Session) accept(frame transport.Frame) {
	if len(s.seenOrder) >= s.config.ReplayWindowSize {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}
	s.seen[frame.Nonce] = struct{}{}
	s.seenOrder = append(s.seenOrder, frame.Nonce)

	// Sequence numbers measure loss, never ordering: the gap between the
	// highest sequence seen and the frames that actually arrived is what
	// the network ate.
	if frame.Sequence > s.stats.HighestSequence.Load() {
		s.stats.HighestSequence.Store(frame.Sequence)
	}
	s.observeArrival(time.Now())

	s.stats.FramesReceived.Add(1)
	s.stats.BytesReceived.Add(uint64(len(frame.Payload)))
}

// observeArrival folds one inter-arrival gap into the smoothed jitter
// estimate (deviation from the running mean gap, EWMA with gain 1/16).
// Caller must hold recvMu.
func (s *Session) observeArrival(now time.Time) {
	if !s.lastArrival.IsZero() {
		gap := now.Sub(s.lastArrival)
		if s.gapEWMA == 0 {
			s.gapEWMA = gap
		} else {
			dev := gap - s.gapEWMA
			if dev < 0 {
				dev = -dev
			}
			s.jitterEWMA += (dev - s.jitterEWMA) / 16
			s.gapEWMA += (gap - s.gapEWMA) / 16
			s.stats.JitterNanos.Store(uint64(s.jitterEWMA))
		}
	}
	s.lastArrival = now
}

// InstallKey switches the session to a freshly negotiated key. The send key
// is swapped atomically, so in-flight EncryptFrame calls complete entirely
// under one key or the other. The previous receive key is retained until
// the peer's first frame decrypts under the new key.
func (s *Session) InstallKey(key [32]byte) error {
	state, err := newSendState(key)
	if err != nil {
		return err
	}

	s.recvMu.Lock()
	if s.recvPrevious != nil {
		// Peer never confirmed the last rotation; its key dies now.
		crypto.ZeroBytes(s.recvPrevious.key[:])
	}
	s.recvPrevious = s.recvCurrent
	s.recvCurrent = state
	old := s.send.Swap(state)
	if old != nil && old != s.recvPrevious {
		crypto.ZeroBytes(old.key[:])
	}
	s.recvMu.Unlock()

	s.stats.KeyRotations.Add(1)

	logrus.WithFields(logrus.Fields{
		"function": "InstallKey",
	}).Info("Session key installed")
	return nil
}

// Close wipes all key material held by the session.
func (s *Session) Close() {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	if s.recvPrevious != nil {
		crypto.ZeroBytes(s.recvPrevious.key[:])
		s.recvPrevious = nil
	}
	if s.recvCurrent != nil {
		crypto.ZeroBytes(s.recvCurrent.key[:])
	}
	if state := s.send.Load(); state != nil && state != s.recvCurrent {
		crypto.ZeroBytes(state.key[:])
	}
	s.recvCurrent = nil
}
