// Package handshake performs the two-message authenticated key exchange
// that turns a discovered endpoint into session key material.
//
// Each side sends one 136-byte message carrying its long-term identity, a
// fresh X25519 ephemeral, an Ed25519 signature binding the ephemeral to a
// timestamp, and the timestamp itself. Verification is freshness first,
// then signature, then the caller-supplied trust predicate; any failure is
// terminal for the attempt, with no internal retry.
package handshake

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layout: identity 32 B ‖ ephemeral 32 B ‖ signature 64 B ‖
// timestamp 8 B big-endian.
const (
	identitySize  = ed25519.PublicKeySize
	ephemeralSize = 32
	signatureSize = ed25519.SignatureSize
	timestampSize = 8

	// MessageSize is the exact wire size of a handshake message.
	MessageSize = identitySize + ephemeralSize + signatureSize + timestampSize
)

// Handshake verification errors.
var (
	// ErrMalformedMessage indicates wire data that is not a handshake message.
	ErrMalformedMessage = errors.New("malformed handshake message")
	// ErrSignatureInvalid indicates the signature does not verify against
	// the claimed identity.
	ErrSignatureInvalid = errors.New("handshake signature invalid")
	// ErrTimestampExpired indicates a timestamp outside the replay window.
	ErrTimestampExpired = errors.New("handshake timestamp outside replay window")
	// ErrUntrustedIdentity indicates the trust predicate rejected the peer.
	ErrUntrustedIdentity = errors.New("peer identity not trusted")
	// ErrReplayedHandshake indicates a repeated (identity, ephemeral,
	// timestamp) tuple inside the replay window.
	ErrReplayedHandshake = errors.New("handshake message replayed")
	// ErrTimeout indicates the exchange did not complete within its budget.
	ErrTimeout = errors.New("handshake timed out")
)

// Message is one handshake message in either direction.
type Message struct {
	// Identity is the sender's long-term Ed25519 public key.
	Identity ed25519.PublicKey
	// Ephemeral is the sender's fresh X25519 public key.
	Ephemeral [ephemeralSize]byte
	// Signature is Ed25519 over SHA-256(ephemeral ‖ timestamp).
	Signature [signatureSize]byte
	// Timestamp is seconds since the Unix epoch at signing time.
	Timestamp uint64
}

// Marshal encodes the message to its fixed wire form.
func (m *Message) Marshal() []byte {
	buf := make([]byte, 0, MessageSize)
	buf = append(buf, m.Identity...)
	buf = append(buf, m.Ephemeral[:]...)
	buf = append(buf, m.Signature[:]...)
	return binary.BigEndian.AppendUint64(buf, m.Timestamp)
}

// ParseMessage decodes a handshake message, validating only structure.
func ParseMessage(data []byte) (Message, error) {
	if len(data) != MessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedMessage, len(data), MessageSize)
	}

	var m Message
	m.Identity = make(ed25519.PublicKey, identitySize)
	copy(m.Identity, data[:identitySize])
	offset := identitySize
	copy(m.Ephemeral[:], data[offset:offset+ephemeralSize])
	offset += ephemeralSize
	copy(m.Signature[:], data[offset:offset+signatureSize])
	offset += signatureSize
	m.Timestamp = binary.BigEndian.Uint64(data[offset:])
	return m, nil
}

// signingDigest is the exact byte string both sides sign and verify:
// SHA-256 over the ephemeral key followed by the big-endian timestamp.
func signingDigest(ephemeral [ephemeralSize]byte, timestamp uint64) []byte {
	h := sha256.New()
	h.Write(ephemeral[:])
	var ts [timestampSize]byte
	binary.BigEndian.PutUint64(ts[:], timestamp)
	h.Write(ts[:])
	return h.Sum(nil)
}
