package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCMRoundTrip(t *testing.T) {
	encoder := NewPCMEncoder()
	decoder := PCMDecoder{}

	pcm := make([]int16, FrameSamples)
	for i := range pcm {
		pcm[i] = int16(i*17 - 8000)
	}

	payload, err := encoder.Encode(pcm)
	require.NoError(t, err)
	assert.Len(t, payload, FrameSamples*2)

	got, err := decoder.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestPCMEncoderRejectsEmptyFrame(t *testing.T) {
	_, err := NewPCMEncoder().Encode(nil)
	assert.Error(t, err)
}

func TestPCMDecoderRejectsOddLength(t *testing.T) {
	_, err := PCMDecoder{}.Decode(make([]byte, 3))
	assert.Error(t, err)
}

func TestSetBitRate(t *testing.T) {
	encoder := NewPCMEncoder()
	assert.Equal(t, uint32(64000), encoder.BitRate())

	require.NoError(t, encoder.SetBitRate(32000))
	assert.Equal(t, uint32(32000), encoder.BitRate())

	assert.Error(t, encoder.SetBitRate(12345), "rates off the adaptation ladder are rejected")
	assert.Equal(t, uint32(32000), encoder.BitRate(), "a rejected rate leaves the current one")
}

func TestOpusFrameSamples(t *testing.T) {
	tests := []struct {
		name       string
		toc        []byte
		sampleRate int
		want       int
	}{
		{"SILK WB 20ms", []byte{9 << 3}, 16000, 320},
		{"SILK NB 60ms", []byte{3 << 3}, 8000, 480},
		{"hybrid FB 10ms", []byte{14 << 3}, 48000, 480},
		{"CELT FB 2.5ms", []byte{28 << 3}, 48000, 120},
		{"CELT FB 20ms", []byte{31 << 3}, 48000, 960},
		{"two frames in one packet", []byte{31<<3 | 1}, 48000, 1920},
		{"arbitrary frame count", []byte{31<<3 | 3, 3}, 48000, 2880},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, opusFrameSamples(tt.toc, tt.sampleRate))
		})
	}
}

func TestOpusDecoderRejectsEmptyPayload(t *testing.T) {
	_, err := NewOpusDecoder().Decode(nil)
	assert.Error(t, err)
}

func TestOpusDecoderRejectsGarbage(t *testing.T) {
	_, err := NewOpusDecoder().Decode([]byte{0xFF, 0x00, 0x01})
	assert.Error(t, err)
}
