// Package audio defines the codec boundary between captured PCM and the
// encrypted frame path. The connection core treats encoders and decoders as
// opaque capabilities; the provided adapters are a passthrough PCM encoder
// and a pion/opus decoder.
package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// Stream defaults: 48 kHz mono with 20 ms frames at 64 kbps.
const (
	DefaultSampleRate uint32 = 48000
	DefaultChannels          = 1
	// FrameSamples is the per-frame sample count (20 ms at 48 kHz mono).
	FrameSamples = 960
	// FrameDuration in milliseconds.
	FrameDurationMs = 20
)

// Encoder turns PCM samples into wire payload bytes.
type Encoder interface {
	// Encode returns the payload for one fixed-size PCM frame.
	Encode(pcm []int16) ([]byte, error)
	// SetBitRate adjusts the target bitrate; adaptation events feed this.
	SetBitRate(bitRate uint32) error
	// BitRate returns the current target bitrate.
	BitRate() uint32
}

// Decoder turns wire payload bytes back into PCM samples.
type Decoder interface {
	// Decode returns the PCM samples for one payload.
	Decode(payload []byte) ([]int16, error)
}

// CaptureSource yields fixed-size PCM frames from the host's input device.
// Implementations block until a frame is available or return an error when
// the device is gone.
type CaptureSource interface {
	// ReadFrame fills pcm (FrameSamples long) and returns samples written.
	ReadFrame(pcm []int16) (int, error)
	Close() error
}

// supportedBitRates matches the adaptation ladder.
var supportedBitRates = map[uint32]struct{}{
	16000: {}, 24000: {}, 32000: {}, 48000: {}, 64000: {},
}

// PCMEncoder is a passthrough encoder: samples go out as little-endian
// bytes. It tracks the target bitrate so adaptation still has a knob even
// without a compressing codec behind it.
type PCMEncoder struct {
	mu         sync.Mutex
	sampleRate uint32
	bitRate    uint32
}

// NewPCMEncoder creates a passthrough encoder at the default rates.
func NewPCMEncoder() *PCMEncoder {
	return &PCMEncoder{sampleRate: DefaultSampleRate, bitRate: 64000}
}

// Encode serializes PCM samples little-endian.
func (e *PCMEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM frame")
	}

	out := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out, nil
}

// SetBitRate records a new target bitrate, rejecting rates outside the
// adaptation ladder.
func (e *PCMEncoder) SetBitRate(bitRate uint32) error {
	if _, ok := supportedBitRates[bitRate]; !ok {
		return fmt.Errorf("unsupported bit rate: %d", bitRate)
	}

	e.mu.Lock()
	e.bitRate = bitRate
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetBitRate",
		"bit_rate": bitRate,
	}).Debug("Encoder bit rate updated")
	return nil
}

// BitRate returns the current target bitrate.
func (e *PCMEncoder) BitRate() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bitRate
}

// PCMDecoder reverses PCMEncoder.
type PCMDecoder struct{}

// Decode deserializes little-endian PCM samples.
func (PCMDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 || len(payload)%2 != 0 {
		return nil, fmt.Errorf("payload length %d is not a whole sample count", len(payload))
	}

	pcm := make([]int16, len(payload)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return pcm, nil
}

// OpusDecoder decodes Opus payloads with the pure-Go pion decoder.
type OpusDecoder struct {
	mu      sync.Mutex
	decoder opus.Decoder
	buf     []byte
}

// NewOpusDecoder creates an Opus decoder.
func NewOpusDecoder() *OpusDecoder {
	return &OpusDecoder{
		decoder: opus.NewDecoder(),
		// 40 ms at 48 kHz leaves headroom over the 20 ms default.
		buf: make([]byte, 1920*2),
	}
}

// Decode decodes one Opus payload to mono PCM. The output is sized from
// the packet's own frame duration, not the scratch buffer, so short frames
// come back short instead of padded with stale samples. Stereo payloads
// keep the left channel.
func (d *OpusDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty Opus payload")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	bandwidth, isStereo, err := d.decoder.Decode(payload, d.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}

	samples := opusFrameSamples(payload, int(bandwidth.SampleRate()))
	step := 2
	if isStereo {
		step = 4
	}
	limit := samples * step
	if limit > len(d.buf) {
		limit = len(d.buf)
	}

	pcm := make([]int16, 0, samples)
	for off := 0; off+1 < limit; off += step {
		pcm = append(pcm, int16(binary.LittleEndian.Uint16(d.buf[off:])))
	}
	return pcm, nil
}

// opusFrameSamples derives the per-channel sample count of a packet from
// its TOC byte (RFC 6716 §3.1): the config selects the frame duration and
// the low bits the frame count.
func opusFrameSamples(payload []byte, sampleRate int) int {
	toc := payload[0]
	config := toc >> 3

	var frameMicros int
	switch {
	case config < 12: // SILK-only: 10, 20, 40, 60 ms
		frameMicros = []int{10000, 20000, 40000, 60000}[config&0x03]
	case config < 16: // Hybrid: 10, 20 ms
		frameMicros = []int{10000, 20000}[config&0x01]
	default: // CELT: 2.5, 5, 10, 20 ms
		frameMicros = []int{2500, 5000, 10000, 20000}[config&0x03]
	}

	frames := 1
	switch toc & 0x03 {
	case 1, 2:
		frames = 2
	case 3:
		if len(payload) > 1 {
			frames = int(payload[1] & 0x3F)
		}
	}

	return sampleRate * frameMicros / 1000000 * frames
}
