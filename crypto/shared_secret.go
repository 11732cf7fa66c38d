package crypto

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// ErrLowOrderPoint indicates the ECDH computation produced an all-zero
// shared secret, meaning the peer supplied a low-order public key.
var ErrLowOrderPoint = errors.New("shared secret is all zeros: low-order peer key")

// DeriveSharedSecret computes a shared secret between two parties using
// Elliptic Curve Diffie-Hellman (ECDH) on Curve25519. The ephemeral private
// key copy used for the computation is wiped before return.
func DeriveSharedSecret(ephemeralPrivate, peerEphemeralPublic [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerEphemeralPublic[:8]),
	}).Debug("Computing shared secret using ECDH")

	// Work on copies so the caller's key material is never modified.
	var privateCopy [32]byte
	copy(privateCopy[:], ephemeralPrivate[:])

	sharedSecret, err := curve25519.X25519(privateCopy[:], peerEphemeralPublic[:])
	ZeroBytes(privateCopy[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"error":    err.Error(),
		}).Error("X25519 computation failed")
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	if isZeroKey(sharedSecret) {
		ZeroBytes(sharedSecret)
		return [32]byte{}, ErrLowOrderPoint
	}

	var result [32]byte
	copy(result[:], sharedSecret)
	ZeroBytes(sharedSecret)

	return result, nil
}
