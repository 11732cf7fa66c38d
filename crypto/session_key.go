package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
)

// SessionKeyContext is the protocol-version string mixed into session-key
// derivation. Bumping the protocol version changes every derived key.
const SessionKeyContext = "HUMR_SESSION_KEY_V1"

// DeriveSessionKey derives the symmetric session key from an ephemeral
// shared secret and both peers' long-term identities:
//
//	key = SHA-256(shared ‖ initiator_identity ‖ responder_identity ‖ context)
//
// Both sides must order the identities as (initiator, responder) so the
// derivation agrees. Forward secrecy holds because the key depends on the
// ephemeral shared secret, which is discarded after derivation.
func DeriveSessionKey(shared [32]byte, initiatorIdentity, responderIdentity ed25519.PublicKey) [32]byte {
	h := sha256.New()
	h.Write(shared[:])
	h.Write(initiatorIdentity)
	h.Write(responderIdentity)
	h.Write([]byte(SessionKeyContext))

	var key [32]byte
	h.Sum(key[:0])
	return key
}
