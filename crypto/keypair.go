// Package crypto implements the key material primitives for humr sessions.
//
// This package handles identity and ephemeral key generation, shared-secret
// derivation, session-key derivation, and secure wiping of sensitive data,
// using Go's standard and x/crypto packages.
//
// Example:
//
//	identity, err := crypto.GenerateIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(identity.Public))
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// IdentityKeyPair is a device's long-term Ed25519 signing key pair. It never
// rotates within the connection core; persistence is the caller's concern.
type IdentityKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentity creates a new random long-term identity key pair.
func GenerateIdentity() (*IdentityKeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}

	return &IdentityKeyPair{Public: public, Private: private}, nil
}

// IdentityFromSeed reconstructs an identity key pair from a 32-byte seed,
// for callers that persist identities externally.
func IdentityFromSeed(seed []byte) (*IdentityKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	private := ed25519.NewKeyFromSeed(seed)
	return &IdentityKeyPair{
		Public:  private.Public().(ed25519.PublicKey),
		Private: private,
	}, nil
}

// Sign signs a message with the identity's private key.
func (kp *IdentityKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify reports whether sig is a valid signature of message by identity.
// A malformed identity key verifies nothing.
func Verify(identity ed25519.PublicKey, message, sig []byte) bool {
	return len(identity) == ed25519.PublicKeySize && ed25519.Verify(identity, message, sig)
}

// WipeKeyPair securely erases an identity key pair's private material.
// The pair must not be used for signing afterwards.
func WipeKeyPair(kp *IdentityKeyPair) {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private)
}

// EphemeralKeyPair is a fresh X25519 key pair generated per handshake
// attempt. It exists only for the duration of one handshake and must be
// wiped immediately after session-key derivation.
type EphemeralKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateEphemeral creates a new random X25519 ephemeral key pair.
func GenerateEphemeral() (*EphemeralKeyPair, error) {
	var kp EphemeralKeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	public, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		ZeroBytes(kp.Private[:])
		return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}
	copy(kp.Public[:], public)
	ZeroBytes(public)

	return &kp, nil
}

// Wipe securely erases the ephemeral private key. Safe to call more than
// once; a wiped key pair must not be used for derivation.
func (kp *EphemeralKeyPair) Wipe() {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key []byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
