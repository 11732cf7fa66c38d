package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/humr/transport"
)

func testKeys(t *testing.T) *Keys {
	t.Helper()

	peer, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	keys := &Keys{PeerIdentity: peer, CreatedAt: time.Now()}
	_, err = rand.Read(keys.Key[:])
	require.NoError(t, err)
	return keys
}

// testPair builds two sessions sharing one key, one per endpoint.
func testPair(t *testing.T, config *Config) (*Session, *Session) {
	t.Helper()

	keys := testKeys(t)
	a, err := New(keys, config)
	require.NoError(t, err)
	b, err := New(keys, config)
	require.NoError(t, err)
	return a, b
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, receiver := testPair(t, nil)

	plaintext := []byte("twenty milliseconds of opus")
	sealBuf := make([]byte, 0, len(plaintext)+transport.TagSize)
	openBuf := make([]byte, 0, len(plaintext))

	frame, err := sender.EncryptFrame(plaintext, sealBuf)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), frame.Sequence)
	assert.Len(t, frame.Payload, len(plaintext)+transport.TagSize)

	got, err := receiver.DecryptFrame(frame, openBuf)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	assert.Equal(t, uint64(1), sender.Stats().FramesSent.Load())
	assert.Equal(t, uint64(1), receiver.Stats().FramesReceived.Load())
}

func TestSequenceNumbersIncrease(t *testing.T) {
	sender, _ := testPair(t, nil)

	var last uint64
	for i := 0; i < 10; i++ {
		frame, err := sender.EncryptFrame([]byte("x"), nil)
		require.NoError(t, err)
		assert.Greater(t, frame.Sequence, last)
		last = frame.Sequence
	}
}

func TestReplayRejected(t *testing.T) {
	sender, receiver := testPair(t, nil)

	frame, err := sender.EncryptFrame([]byte("once only"), nil)
	require.NoError(t, err)

	_, err = receiver.DecryptFrame(frame, nil)
	require.NoError(t, err)

	// Every replay of an accepted nonce is rejected before decryption.
	for i := 0; i < 3; i++ {
		_, err = receiver.DecryptFrame(frame, nil)
		assert.ErrorIs(t, err, ErrReplayDetected)
	}
	assert.Equal(t, uint64(3), receiver.Stats().ReplaysDetected.Load())
	assert.Equal(t, uint64(1), receiver.Stats().FramesReceived.Load())
}

func TestReplayWindowEvictsOldest(t *testing.T) {
	config := DefaultConfig()
	config.ReplayWindowSize = 4
	sender, receiver := testPair(t, config)

	first, err := sender.EncryptFrame([]byte("0"), nil)
	require.NoError(t, err)
	_, err = receiver.DecryptFrame(first, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		frame, err := sender.EncryptFrame([]byte("fill"), nil)
		require.NoError(t, err)
		_, err = receiver.DecryptFrame(frame, nil)
		require.NoError(t, err)
	}

	// The first nonce fell out of the window, so its replay slips through
	// the replay check but still decrypts; the window only bounds memory.
	_, err = receiver.DecryptFrame(first, nil)
	assert.NoError(t, err)
}

func TestTamperedCiphertextRejected(t *testing.T) {
	sender, receiver := testPair(t, nil)

	frame, err := sender.EncryptFrame([]byte("authentic"), nil)
	require.NoError(t, err)

	frame.Payload[0] ^= 0x01

	_, err = receiver.DecryptFrame(frame, nil)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, uint64(1), receiver.Stats().AuthFailures.Load())
	assert.Equal(t, uint64(1), receiver.Stats().FramesDropped.Load())
}

func TestShortPayloadRejected(t *testing.T) {
	_, receiver := testPair(t, nil)

	frame := transport.Frame{Payload: make([]byte, transport.TagSize-1)}
	_, err := receiver.DecryptFrame(frame, nil)
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestFrameErrorsAreNonFatal(t *testing.T) {
	sender, receiver := testPair(t, nil)

	bad, err := sender.EncryptFrame([]byte("garbled"), nil)
	require.NoError(t, err)
	bad.Payload[3] ^= 0xFF
	_, err = receiver.DecryptFrame(bad, nil)
	require.Error(t, err)

	good, err := sender.EncryptFrame([]byte("still here"), nil)
	require.NoError(t, err)
	got, err := receiver.DecryptFrame(good, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), got)
}

func TestHighestSequenceTracksGaps(t *testing.T) {
	sender, receiver := testPair(t, nil)

	// Three frames sent; the middle one never arrives.
	first, err := sender.EncryptFrame([]byte("1"), nil)
	require.NoError(t, err)
	_, err = sender.EncryptFrame([]byte("2"), nil)
	require.NoError(t, err)
	third, err := sender.EncryptFrame([]byte("3"), nil)
	require.NoError(t, err)

	_, err = receiver.DecryptFrame(first, nil)
	require.NoError(t, err)
	_, err = receiver.DecryptFrame(third, nil)
	require.NoError(t, err)

	// The sequence gap is visible to the quality monitor: 3 sent, 2 arrived.
	assert.Equal(t, uint64(3), receiver.Stats().HighestSequence.Load())
	assert.Equal(t, uint64(2), receiver.Stats().FramesReceived.Load())
}

func TestJitterEstimateReactsToUnevenArrivals(t *testing.T) {
	_, receiver := testPair(t, nil)

	// Feed arrivals directly: a steady cadence first, then a wild gap.
	base := time.Now()
	receiver.recvMu.Lock()
	for i := 0; i < 8; i++ {
		receiver.observeArrival(base.Add(time.Duration(i) * 20 * time.Millisecond))
	}
	steady := time.Duration(receiver.Stats().JitterNanos.Load())

	receiver.observeArrival(base.Add(8*20*time.Millisecond + 300*time.Millisecond))
	receiver.recvMu.Unlock()

	uneven := time.Duration(receiver.Stats().JitterNanos.Load())
	assert.Less(t, steady, time.Millisecond, "a steady cadence has near-zero jitter")
	assert.Greater(t, uneven, steady, "an uneven arrival raises the estimate")
}

func TestRotationLosesNoFrames(t *testing.T) {
	sender, receiver := testPair(t, nil)

	// Frame sealed under the old key, delivered after both sides rotate.
	inFlight, err := sender.EncryptFrame([]byte("pre-rotation"), nil)
	require.NoError(t, err)

	var newKey [32]byte
	_, err = rand.Read(newKey[:])
	require.NoError(t, err)
	require.NoError(t, sender.InstallKey(newKey))
	require.NoError(t, receiver.InstallKey(newKey))

	after, err := sender.EncryptFrame([]byte("post-rotation"), nil)
	require.NoError(t, err)

	// The straggler opens under the retained previous key.
	got, err := receiver.DecryptFrame(inFlight, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-rotation"), got)

	got, err = receiver.DecryptFrame(after, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("post-rotation"), got)
}

func TestOldKeyRejectedAfterConfirmationAndRetention(t *testing.T) {
	sender, receiver := testPair(t, nil)

	stale, err := sender.EncryptFrame([]byte("stale"), nil)
	require.NoError(t, err)

	var newKey [32]byte
	_, err = rand.Read(newKey[:])
	require.NoError(t, err)
	require.NoError(t, sender.InstallKey(newKey))
	require.NoError(t, receiver.InstallKey(newKey))

	// Confirmation frame under the new key wipes the previous one.
	confirm, err := sender.EncryptFrame([]byte("confirm"), nil)
	require.NoError(t, err)
	_, err = receiver.DecryptFrame(confirm, nil)
	require.NoError(t, err)

	_, err = receiver.DecryptFrame(stale, nil)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRotatorTrigger(t *testing.T) {
	keys := testKeys(t)
	config := DefaultConfig()
	config.RotationInterval = time.Hour

	sender, err := New(keys, config)
	require.NoError(t, err)
	receiver, err := New(keys, config)
	require.NoError(t, err)

	rekeyed := make(chan struct{})
	rotator := NewRotator(sender, func(ctx context.Context) ([32]byte, error) {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			return key, err
		}
		if err := receiver.InstallKey(key); err != nil {
			return key, err
		}
		close(rekeyed)
		return key, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rotator.Run(ctx)

	rotator.Trigger()
	select {
	case <-rekeyed:
	case <-time.After(2 * time.Second):
		t.Fatal("rotation did not run on trigger")
	}

	// Give InstallKey on the sender a moment, then verify both sides talk.
	require.Eventually(t, func() bool {
		frame, err := sender.EncryptFrame([]byte("rotated"), nil)
		if err != nil {
			return false
		}
		_, err = receiver.DecryptFrame(frame, nil)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"zero window", Config{ReplayWindowSize: 0, RotationInterval: time.Hour}},
		{"zero interval", Config{ReplayWindowSize: 1024, RotationInterval: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.config.Validate())
		})
	}
}
