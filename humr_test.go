package humr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/humr/audio"
	"github.com/opd-ai/humr/breaker"
	"github.com/opd-ai/humr/crypto"
	"github.com/opd-ai/humr/discovery"
	"github.com/opd-ai/humr/roomid"
	"github.com/opd-ai/humr/session"
	"github.com/opd-ai/humr/transport"
	"github.com/opd-ai/humr/trust"
)

// toneSource produces one fixed PCM frame every 20ms.
type toneSource struct {
	closed chan struct{}
}

func newToneSource() *toneSource {
	return &toneSource{closed: make(chan struct{})}
}

func (s *toneSource) ReadFrame(pcm []int16) (int, error) {
	select {
	case <-s.closed:
		return 0, errors.New("capture closed")
	case <-time.After(audio.FrameDurationMs * time.Millisecond):
	}
	for i := range pcm {
		pcm[i] = int16(i % 128)
	}
	return len(pcm), nil
}

func (s *toneSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func TestDialRequiresIdentity(t *testing.T) {
	_, err := Dial(context.Background(), roomid.RoomID{}, Options{})
	assert.Error(t, err)
}

func TestDialRequiresScanners(t *testing.T) {
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	_, err = Dial(context.Background(), roomid.RoomID{}, Options{Identity: identity})
	assert.Error(t, err)
}

func TestCallOverLoopback(t *testing.T) {
	hostIdentity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	callerIdentity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	store := trust.NewAllowList(hostIdentity.Public, callerIdentity.Public)

	room, err := roomid.Generate()
	require.NoError(t, err)

	// Bind the host socket up front so the test knows the endpoint to feed
	// the caller's manual discovery channel.
	hostConn, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan []int16, 64)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	type hostResult struct {
		call *Call
		err  error
	}
	hosted := make(chan hostResult, 1)
	go func() {
		call, err := Host(ctx, room, Options{
			Identity: hostIdentity,
			Trust:    store,
			OnAudio:  func(pcm []int16) { received <- pcm },
			Dial: func() (transport.Datagram, error) {
				return hostConn, nil
			},
		})
		hosted <- hostResult{call: call, err: err}
	}()

	manual := discovery.NewManualChannel()
	require.True(t, manual.Submit(hostConn.LocalAddr()))

	capture := newToneSource()
	caller, err := Dial(ctx, room, Options{
		Identity: callerIdentity,
		Trust:    store,
		Scanners: []discovery.Scanner{manual},
		Capture:  capture,
	})
	require.NoError(t, err)
	defer caller.Close()

	hr := <-hosted
	require.NoError(t, hr.err)
	defer hr.call.Close()

	assert.Equal(t, []byte(callerIdentity.Public), hr.call.PeerIdentity())
	assert.Equal(t, []byte(hostIdentity.Public), caller.PeerIdentity())
	assert.Equal(t, room, caller.Room())

	select {
	case pcm := <-received:
		require.Len(t, pcm, audio.FrameSamples)
		assert.Equal(t, int16(1), pcm[1])
	case <-time.After(10 * time.Second):
		t.Fatal("no audio arrived at the host")
	}
}

func TestCallRotatesSessionKey(t *testing.T) {
	hostIdentity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	callerIdentity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	store := trust.NewAllowList(hostIdentity.Public, callerIdentity.Public)

	room, err := roomid.Generate()
	require.NoError(t, err)

	hostConn, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan []int16, 64)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	type hostResult struct {
		call *Call
		err  error
	}
	hosted := make(chan hostResult, 1)
	go func() {
		call, err := Host(ctx, room, Options{
			Identity: hostIdentity,
			Trust:    store,
			OnAudio:  func(pcm []int16) { received <- pcm },
			Dial: func() (transport.Datagram, error) {
				return hostConn, nil
			},
		})
		hosted <- hostResult{call: call, err: err}
	}()

	manual := discovery.NewManualChannel()
	require.True(t, manual.Submit(hostConn.LocalAddr()))

	capture := newToneSource()
	caller, err := Dial(ctx, room, Options{
		Identity: callerIdentity,
		Trust:    store,
		Scanners: []discovery.Scanner{manual},
		Capture:  capture,
		SessionConfig: &session.Config{
			ReplayWindowSize: 1024,
			RotationInterval: 150 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	defer caller.Close()

	hr := <-hosted
	require.NoError(t, hr.err)
	defer hr.call.Close()

	// The dialing side drives rotation on its interval; the hosted side
	// installs the replacement when it answers the exchange.
	require.Eventually(t, func() bool {
		return caller.Stats().KeyRotations >= 1 && hr.call.Stats().KeyRotations >= 1
	}, 10*time.Second, 20*time.Millisecond, "no key rotation completed")

	// Audio keeps flowing under the rotated key.
	for len(received) > 0 {
		<-received
	}
	select {
	case pcm := <-received:
		require.Len(t, pcm, audio.FrameSamples)
	case <-time.After(10 * time.Second):
		t.Fatal("no audio arrived after rotation")
	}
}

func TestBreakerGuardsDiscoveryChannel(t *testing.T) {
	breakers := breaker.NewCoordinator(&breaker.Config{
		FailureThreshold: 2,
		BaseCooldown:     time.Minute,
		MaxCooldown:      4 * time.Minute,
	})
	failing := &failingScanner{}
	guarded := &breakerScanner{inner: failing, breakers: breakers}

	room, err := roomid.Generate()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := guarded.Scan(context.Background(), room)
		require.Error(t, err)
	}

	// Breaker is open: the scan short-circuits without touching the channel.
	before := failing.calls
	_, err = guarded.Scan(context.Background(), room)
	require.Error(t, err)

	var open *breaker.CircuitOpenError
	assert.True(t, errors.As(err, &open))
	assert.Equal(t, "discovery:internet", open.Subsystem)
	assert.Equal(t, before, failing.calls)
}

type failingScanner struct {
	calls int
}

func (f *failingScanner) Channel() discovery.Channel { return discovery.ChannelInternet }

func (f *failingScanner) Scan(context.Context, roomid.RoomID) ([]discovery.Candidate, error) {
	f.calls++
	return nil, errors.New("unreachable")
}
