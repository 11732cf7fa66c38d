// Package transport provides the encrypted-frame wire codec, the bounded
// hand-off queues between the audio and network boundaries, and the
// raw-datagram boundary interface the connection core sends frames through.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Wire layout constants for an encrypted frame:
// nonce (12 bytes) ‖ sequence (8 bytes, big-endian) ‖ ciphertext+tag.
const (
	NonceSize    = 12
	sequenceSize = 8
	// HeaderSize is the fixed prefix before the ciphertext.
	HeaderSize = NonceSize + sequenceSize
	// TagSize is the AEAD authentication tag appended to the ciphertext.
	TagSize = 16
)

// ErrFrameTooShort indicates wire data smaller than the fixed header plus tag.
var ErrFrameTooShort = errors.New("frame too short")

// Frame is one encrypted audio frame. Sequence numbers increase
// monotonically per sender and are used only for loss and jitter
// measurement, never for ordering enforcement.
type Frame struct {
	Nonce    [NonceSize]byte
	Sequence uint64
	// Payload is ciphertext with the authentication tag appended. It
	// aliases the buffer given to ParseFrame or AppendWire; callers that
	// retain frames across buffer reuse must copy.
	Payload []byte
}

// WireSize returns the encoded size of the frame.
func (f *Frame) WireSize() int {
	return HeaderSize + len(f.Payload)
}

// AppendWire appends the frame's wire encoding to dst and returns the
// extended slice. With a dst of sufficient capacity it does not allocate,
// keeping the real-time send path allocation-free.
func (f *Frame) AppendWire(dst []byte) []byte {
	dst = append(dst, f.Nonce[:]...)
	dst = binary.BigEndian.AppendUint64(dst, f.Sequence)
	return append(dst, f.Payload...)
}

// ParseFrame decodes a frame from wire data. The returned frame's payload
// aliases data; no copy is made.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < HeaderSize+TagSize {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrFrameTooShort, len(data), HeaderSize+TagSize)
	}

	var f Frame
	copy(f.Nonce[:], data[:NonceSize])
	f.Sequence = binary.BigEndian.Uint64(data[NonceSize:HeaderSize])
	f.Payload = data[HeaderSize:]
	return f, nil
}

// Datagram is the raw-datagram transport boundary the core consumes.
// Implementations carry opaque byte buffers to and from an endpoint;
// ordering and delivery are not guaranteed.
type Datagram interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
	ReadFrom(p []byte) (int, net.Addr, error)
	Close() error
	LocalAddr() net.Addr
}

// UDPDatagram adapts a net.PacketConn to the Datagram boundary.
type UDPDatagram struct {
	conn net.PacketConn
}

// ListenUDP opens a UDP datagram boundary on the given address
// (e.g. ":0" for an ephemeral port).
func ListenUDP(address string) (*UDPDatagram, error) {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}
	return &UDPDatagram{conn: conn}, nil
}

// WriteTo sends a datagram to the endpoint.
func (u *UDPDatagram) WriteTo(p []byte, addr net.Addr) (int, error) {
	return u.conn.WriteTo(p, addr)
}

// ReadFrom receives a datagram.
func (u *UDPDatagram) ReadFrom(p []byte) (int, net.Addr, error) {
	return u.conn.ReadFrom(p)
}

// Close releases the socket.
func (u *UDPDatagram) Close() error {
	return u.conn.Close()
}

// LocalAddr returns the bound local address.
func (u *UDPDatagram) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}
