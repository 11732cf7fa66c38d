// Package quality observes connection health and adapts the audio bitrate.
// The monitor samples transport counters on a fixed cadence, folds them
// into a single 0..1 score, and emits adaptation events; it never mutates
// transport state itself.
package quality

import (
	"time"
)

// Sample is one observation of connection health.
type Sample struct {
	// Latency is the measured round-trip time.
	Latency time.Duration
	// PacketLossRate is the observed loss fraction, 0..1.
	PacketLossRate float64
	// BandwidthUtilization is the used fraction of available bandwidth, 0..1.
	BandwidthUtilization float64
	// SignalStrength is a 0..1 link quality figure where available.
	SignalStrength float64
	// Jitter is the latency variance estimate.
	Jitter    time.Duration
	Timestamp time.Time
}

// Score folds a sample into a single quality figure in [0, 1]:
// 0.4 × latency score + 0.4 × loss score + 0.2 × jitter score.
func Score(s Sample) float64 {
	score := 0.4*latencyScore(s.Latency) + 0.4*lossScore(s.PacketLossRate) + 0.2*jitterScore(s.Jitter)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func latencyScore(latency time.Duration) float64 {
	switch {
	case latency <= 20*time.Millisecond:
		return 1.0
	case latency <= 50*time.Millisecond:
		return 0.8
	case latency <= 100*time.Millisecond:
		return 0.6
	case latency <= 200*time.Millisecond:
		return 0.4
	default:
		return 0.2
	}
}

// lossScore degrades linearly to zero at 10% loss; anything beyond that is
// equally unusable for voice.
func lossScore(loss float64) float64 {
	if loss < 0 {
		loss = 0
	}
	if loss > 0.1 {
		loss = 0.1
	}
	return 1.0 - loss*10
}

func jitterScore(jitter time.Duration) float64 {
	switch {
	case jitter <= 10*time.Millisecond:
		return 1.0
	case jitter <= 30*time.Millisecond:
		return 0.8
	case jitter <= 60*time.Millisecond:
		return 0.6
	case jitter <= 100*time.Millisecond:
		return 0.4
	default:
		return 0.2
	}
}
