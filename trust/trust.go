// Package trust provides the trust-store capability consumed by the
// handshake. The handshake only ever asks "is this identity trusted?";
// which identities qualify is policy, decided here and injected explicitly.
// There is no process-wide trust registry.
package trust

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Store is the capability interface the handshake consumes.
// Implementations must be safe for concurrent use.
type Store interface {
	// IsTrusted reports whether the identity may complete a handshake.
	IsTrusted(identity ed25519.PublicKey) bool
	// Remember records an identity for future trust decisions.
	Remember(identity ed25519.PublicKey)
}

// AllowList is an explicit allow-list trust store: only identities added
// through Remember (or Add) are trusted.
type AllowList struct {
	mu    sync.RWMutex
	known map[string]struct{}
}

// NewAllowList creates an empty allow-list, optionally seeded with
// pre-trusted identities.
func NewAllowList(seed ...ed25519.PublicKey) *AllowList {
	al := &AllowList{known: make(map[string]struct{}, len(seed))}
	for _, identity := range seed {
		al.known[string(identity)] = struct{}{}
	}
	return al
}

// IsTrusted reports whether the identity is on the allow-list.
func (al *AllowList) IsTrusted(identity ed25519.PublicKey) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()
	_, ok := al.known[string(identity)]
	return ok
}

// Remember adds an identity to the allow-list.
func (al *AllowList) Remember(identity ed25519.PublicKey) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if _, exists := al.known[string(identity)]; exists {
		return
	}
	al.known[string(identity)] = struct{}{}

	logrus.WithFields(logrus.Fields{
		"function":        "AllowList.Remember",
		"identity_prefix": fmt.Sprintf("%x", identity[:8]),
	}).Info("Identity added to trust store")
}

// Size returns the number of trusted identities.
func (al *AllowList) Size() int {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return len(al.known)
}

// TOFU wraps a Store with trust-on-first-use semantics: an unseen identity
// is accepted and remembered on first contact; subsequent decisions defer
// to the underlying store.
type TOFU struct {
	backing Store
}

// NewTOFU creates a trust-on-first-use policy over the given store.
func NewTOFU(backing Store) *TOFU {
	return &TOFU{backing: backing}
}

// IsTrusted always accepts; unseen identities are remembered as a side
// effect so a later switch to an allow-list policy keeps them.
func (t *TOFU) IsTrusted(identity ed25519.PublicKey) bool {
	if !t.backing.IsTrusted(identity) {
		logrus.WithFields(logrus.Fields{
			"function":        "TOFU.IsTrusted",
			"identity_prefix": fmt.Sprintf("%x", identity[:8]),
		}).Warn("Unseen identity accepted on first use")
		t.backing.Remember(identity)
	}
	return true
}

// Remember records an identity in the underlying store.
func (t *TOFU) Remember(identity ed25519.PublicKey) {
	t.backing.Remember(identity)
}
