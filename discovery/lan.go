package discovery

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humr/roomid"
)

// LAN announcement wire layout: identity key 32 B ‖ session port 2 B BE ‖
// room identifier string. The announcement goes out on the session port + 1
// so discovery traffic never collides with the voice transport.
const (
	lanAnnounceInterval = 500 * time.Millisecond
	lanHeaderSize       = ed25519.PublicKeySize + 2
	lanMaxPacket        = 512
)

// LANScanner discovers peers on the local network by broadcasting the room
// identifier and listening for matching announcements.
type LANScanner struct {
	identity ed25519.PublicKey
	// sessionPort is the port peers should dial for the voice session.
	sessionPort uint16
	// discoveryPort is where announcements are exchanged (sessionPort+1).
	discoveryPort uint16
	// broadcastAddr overrides the destination for tests; empty means the
	// limited broadcast address.
	broadcastAddr string
}

// NewLANScanner creates a LAN scanner announcing the given identity and
// session port.
func NewLANScanner(identity ed25519.PublicKey, sessionPort uint16) *LANScanner {
	discoveryPort := sessionPort + 1
	if discoveryPort == 0 {
		discoveryPort = 1
	}
	return &LANScanner{
		identity:      identity,
		sessionPort:   sessionPort,
		discoveryPort: discoveryPort,
	}
}

// Channel reports the local-network channel.
func (l *LANScanner) Channel() Channel { return ChannelLocalNetwork }

// Scan broadcasts the room identifier and collects peer announcements until
// one is found or ctx expires. Finding nothing is not an error.
func (l *LANScanner) Scan(ctx context.Context, id roomid.RoomID) ([]Candidate, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", l.discoveryPort))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	defer conn.Close()

	// Unblock the read loop when ctx expires.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	dest := l.broadcastAddr
	if dest == "" {
		dest = fmt.Sprintf("255.255.255.255:%d", l.discoveryPort)
	}
	broadcastAddr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve broadcast address: %w", err)
	}

	announce := l.announcement(id)
	go l.announceLoop(ctx, conn, broadcastAddr, announce)

	return l.listen(ctx, conn, id)
}

// Announce broadcasts the room until ctx is cancelled, without scanning in
// return. A hosting endpoint runs this so scanning peers can find it.
func (l *LANScanner) Announce(ctx context.Context, id roomid.RoomID) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	defer conn.Close()

	dest := l.broadcastAddr
	if dest == "" {
		dest = fmt.Sprintf("255.255.255.255:%d", l.discoveryPort)
	}
	broadcastAddr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return fmt.Errorf("failed to resolve broadcast address: %w", err)
	}

	l.announceLoop(ctx, conn, broadcastAddr, l.announcement(id))
	return nil
}

// announcement builds the outbound packet for a room.
func (l *LANScanner) announcement(id roomid.RoomID) []byte {
	packet := make([]byte, 0, lanHeaderSize+len(id.String()))
	packet = append(packet, l.identity...)
	packet = binary.BigEndian.AppendUint16(packet, l.sessionPort)
	return append(packet, id.String()...)
}

func (l *LANScanner) announceLoop(ctx context.Context, conn net.PacketConn, dest net.Addr, packet []byte) {
	ticker := time.NewTicker(lanAnnounceInterval)
	defer ticker.Stop()

	for {
		if _, err := conn.WriteTo(packet, dest); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "announceLoop",
				"error":    err,
			}).Debug("LAN announcement send failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// listen reads announcements, ignoring our own and those for other rooms,
// and returns on the first matching peer.
func (l *LANScanner) listen(ctx context.Context, conn net.PacketConn, id roomid.RoomID) ([]Candidate, error) {
	want := id.String()
	buf := make([]byte, lanMaxPacket)

	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			// Closed by the ctx watcher: scan window over, nothing found.
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, fmt.Errorf("LAN discovery read failed: %w", err)
		}
		if n < lanHeaderSize {
			continue
		}

		identity := buf[:ed25519.PublicKeySize]
		if bytes.Equal(identity, l.identity) {
			continue
		}
		if string(buf[lanHeaderSize:n]) != want {
			continue
		}

		port := binary.BigEndian.Uint16(buf[ed25519.PublicKeySize:lanHeaderSize])
		udpFrom, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}

		endpoint := &net.UDPAddr{IP: udpFrom.IP, Port: int(port)}
		logrus.WithFields(logrus.Fields{
			"function": "listen",
			"room":     want,
			"endpoint": endpoint.String(),
		}).Info("Peer found on local network")

		return []Candidate{{
			Endpoint:     endpoint,
			Channel:      ChannelLocalNetwork,
			DiscoveredAt: time.Now(),
		}}, nil
	}
}
