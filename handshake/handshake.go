package handshake

import (
	"crypto/ed25519"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humr/crypto"
	"github.com/opd-ai/humr/session"
	"github.com/opd-ai/humr/trust"
)

// Config defines handshake verification parameters.
type Config struct {
	// ReplayWindow bounds how far a message timestamp may differ from the
	// local clock, in either direction (default: 300s).
	ReplayWindow time.Duration
	// ReplayCacheSize bounds the remembered (identity, ephemeral,
	// timestamp) tuples (default: 1024).
	ReplayCacheSize int
}

// DefaultConfig returns handshake parameters matching the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		ReplayWindow:    300 * time.Second,
		ReplayCacheSize: 1024,
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.ReplayWindow <= 0 {
		return fmt.Errorf("replay window must be positive")
	}
	if c.ReplayCacheSize <= 0 {
		return fmt.Errorf("replay cache size must be positive")
	}
	return nil
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// verify checks a received message: structure, freshness, signature, then
// the trust predicate. Freshness comes before the signature so an expired
// message is rejected as expired no matter what its signature says.
func verify(m Message, store trust.Store, window time.Duration, now time.Time) error {
	if len(m.Identity) != identitySize {
		return ErrMalformedMessage
	}

	// Compare skew in whole seconds: converting an attacker-chosen
	// timestamp to a Duration could overflow and wrap back inside the
	// window.
	if m.Timestamp > math.MaxInt64 {
		return fmt.Errorf("%w: timestamp beyond representable range", ErrTimestampExpired)
	}
	skew := now.Unix() - int64(m.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(window/time.Second) {
		return fmt.Errorf("%w: %ds skew", ErrTimestampExpired, skew)
	}

	if !crypto.Verify(m.Identity, signingDigest(m.Ephemeral, m.Timestamp), m.Signature[:]) {
		return ErrSignatureInvalid
	}

	if !store.IsTrusted(m.Identity) {
		return ErrUntrustedIdentity
	}
	return nil
}

// buildMessage generates a fresh ephemeral and signs it with the identity.
func buildMessage(identity *crypto.IdentityKeyPair, now time.Time) (Message, *crypto.EphemeralKeyPair, error) {
	ephemeral, err := crypto.GenerateEphemeral()
	if err != nil {
		return Message{}, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	m := Message{
		Identity:  identity.Public,
		Ephemeral: ephemeral.Public,
		Timestamp: uint64(now.Unix()),
	}
	copy(m.Signature[:], identity.Sign(signingDigest(m.Ephemeral, m.Timestamp)))
	return m, ephemeral, nil
}

// deriveKeys computes the session key from our ephemeral and the peer's
// message. Identities are ordered initiator-first on both sides so the two
// derivations agree.
func deriveKeys(ephemeral *crypto.EphemeralKeyPair, peer Message,
	initiatorIdentity, responderIdentity ed25519.PublicKey, now time.Time) (*session.Keys, error) {

	shared, err := crypto.DeriveSharedSecret(ephemeral.Private, peer.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	keys := &session.Keys{
		Key:          crypto.DeriveSessionKey(shared, initiatorIdentity, responderIdentity),
		PeerIdentity: peer.Identity,
		CreatedAt:    now,
	}
	crypto.ZeroBytes(shared[:])
	return keys, nil
}

// Initiator drives the requesting side of the exchange.
type Initiator struct {
	identity *crypto.IdentityKeyPair
	store    trust.Store
	config   *Config

	timeProvider TimeProvider
	ephemeral    *crypto.EphemeralKeyPair
}

// NewInitiator prepares an initiator. A nil config uses defaults.
func NewInitiator(identity *crypto.IdentityKeyPair, store trust.Store, config *Config) *Initiator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Initiator{
		identity:     identity,
		store:        store,
		config:       config,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets the time provider for deterministic testing.
func (i *Initiator) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	i.timeProvider = tp
}

// Message1 generates the opening message. The ephemeral private key stays
// inside the initiator until Finish or Abort.
func (i *Initiator) Message1() (Message, error) {
	m, ephemeral, err := buildMessage(i.identity, i.timeProvider.Now())
	if err != nil {
		return Message{}, err
	}
	i.ephemeral = ephemeral
	return m, nil
}

// Finish verifies the responder's reply and derives the session key. The
// ephemeral is wiped on every exit path.
func (i *Initiator) Finish(msg2 Message) (*session.Keys, error) {
	if i.ephemeral == nil {
		return nil, fmt.Errorf("%w: no message 1 outstanding", ErrMalformedMessage)
	}
	defer i.Abort()

	now := i.timeProvider.Now()
	if err := verify(msg2, i.store, i.config.ReplayWindow, now); err != nil {
		return nil, err
	}

	keys, err := deriveKeys(i.ephemeral, msg2, i.identity.Public, msg2.Identity, now)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Finish",
	}).Info("Handshake complete, session key derived")
	return keys, nil
}

// Abort wipes the pending ephemeral key. Safe to call at any point.
func (i *Initiator) Abort() {
	if i.ephemeral != nil {
		i.ephemeral.Wipe()
		i.ephemeral = nil
	}
}

// replayKey is the remembered tuple for one seen opening message.
type replayKey struct {
	identity  [identitySize]byte
	ephemeral [ephemeralSize]byte
	timestamp uint64
}

// Responder answers opening messages, remembering seen tuples so a captured
// message 1 cannot be replayed inside the timestamp window.
type Responder struct {
	identity *crypto.IdentityKeyPair
	store    trust.Store
	config   *Config

	timeProvider TimeProvider

	mu    sync.Mutex
	seen  map[replayKey]struct{}
	order []replayKey
}

// NewResponder prepares a responder. A nil config uses defaults.
func NewResponder(identity *crypto.IdentityKeyPair, store trust.Store, config *Config) *Responder {
	if config == nil {
		config = DefaultConfig()
	}
	return &Responder{
		identity:     identity,
		store:        store,
		config:       config,
		timeProvider: DefaultTimeProvider{},
		seen:         make(map[replayKey]struct{}, config.ReplayCacheSize),
		order:        make([]replayKey, 0, config.ReplayCacheSize),
	}
}

// SetTimeProvider sets the time provider for deterministic testing.
func (r *Responder) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	r.timeProvider = tp
}

// Respond verifies an opening message and, on success, returns the reply
// message and the derived session key. The responder's ephemeral is wiped
// before return on every path.
func (r *Responder) Respond(msg1 Message) (Message, *session.Keys, error) {
	now := r.timeProvider.Now()
	if err := verify(msg1, r.store, r.config.ReplayWindow, now); err != nil {
		return Message{}, nil, err
	}
	if err := r.remember(msg1); err != nil {
		return Message{}, nil, err
	}

	msg2, ephemeral, err := buildMessage(r.identity, now)
	if err != nil {
		return Message{}, nil, err
	}
	defer ephemeral.Wipe()

	keys, err := deriveKeys(ephemeral, msg1, msg1.Identity, r.identity.Public, now)
	if err != nil {
		return Message{}, nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Respond",
	}).Info("Handshake answered, session key derived")
	return msg2, keys, nil
}

// remember rejects a repeated tuple and records a fresh one, evicting the
// oldest entry past capacity.
func (r *Responder) remember(m Message) error {
	var key replayKey
	copy(key.identity[:], m.Identity)
	key.ephemeral = m.Ephemeral
	key.timestamp = m.Timestamp

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[key]; ok {
		logrus.WithFields(logrus.Fields{
			"function": "remember",
		}).Warn("Replayed handshake message rejected")
		return ErrReplayedHandshake
	}

	if len(r.order) >= r.config.ReplayCacheSize {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
	r.seen[key] = struct{}{}
	r.order = append(r.order, key)
	return nil
}
