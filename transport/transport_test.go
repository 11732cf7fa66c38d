package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameWireRoundTrip(t *testing.T) {
	frame := Frame{
		Sequence: 0xDEADBEEF01,
		Payload:  make([]byte, 64+TagSize),
	}
	for i := range frame.Nonce {
		frame.Nonce[i] = byte(i)
	}
	for i := range frame.Payload {
		frame.Payload[i] = byte(i * 3)
	}

	wire := frame.AppendWire(nil)
	require.Len(t, wire, frame.WireSize())

	parsed, err := ParseFrame(wire)
	require.NoError(t, err)

	assert.Equal(t, frame.Nonce, parsed.Nonce)
	assert.Equal(t, frame.Sequence, parsed.Sequence)
	assert.Equal(t, frame.Payload, parsed.Payload)
}

func TestParseFrameTooShort(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"header only", make([]byte, HeaderSize)},
		{"one byte short of tag", make([]byte, HeaderSize+TagSize-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame(tt.data)
			assert.ErrorIs(t, err, ErrFrameTooShort)
		})
	}
}

func TestAppendWireNoAllocWithCapacity(t *testing.T) {
	frame := Frame{Sequence: 7, Payload: make([]byte, 160+TagSize)}
	buf := make([]byte, 0, frame.WireSize())

	allocs := testing.AllocsPerRun(100, func() {
		_ = frame.AppendWire(buf[:0])
	})
	assert.Zero(t, allocs, "encode path must not allocate with a sized buffer")
}

func TestRingPushPop(t *testing.T) {
	ring := NewRing(4, 32)

	assert.True(t, ring.Push([]byte("alpha")))
	assert.True(t, ring.Push([]byte("beta")))
	assert.Equal(t, 2, ring.Len())

	dst := make([]byte, 32)
	n := ring.Pop(dst)
	assert.Equal(t, "alpha", string(dst[:n]))
	n = ring.Pop(dst)
	assert.Equal(t, "beta", string(dst[:n]))
	assert.Zero(t, ring.Pop(dst), "empty ring pops nothing")
}

func TestRingDropsWhenFull(t *testing.T) {
	ring := NewRing(2, 8)

	assert.True(t, ring.Push([]byte{1}))
	assert.True(t, ring.Push([]byte{2}))
	assert.False(t, ring.Push([]byte{3}), "full ring must drop, not block")
	assert.Equal(t, uint64(1), ring.Dropped())
}

func TestRingRejectsOversizedEntry(t *testing.T) {
	ring := NewRing(4, 4)

	assert.False(t, ring.Push(make([]byte, 5)))
	assert.Equal(t, uint64(1), ring.Dropped())
}

func TestRingWrapAround(t *testing.T) {
	ring := NewRing(2, 8)
	dst := make([]byte, 8)

	for i := byte(0); i < 10; i++ {
		require.True(t, ring.Push([]byte{i}))
		n := ring.Pop(dst)
		require.Equal(t, 1, n)
		require.Equal(t, i, dst[0])
	}
}
