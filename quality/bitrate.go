package quality

// bitrateLadder is the set of selectable bitrates in ascending order.
// Adaptation walks this ladder one step at a time.
var bitrateLadder = []uint32{16000, 24000, 32000, 48000, 64000}

// DefaultBitrate is the starting bitrate for a new session.
const DefaultBitrate uint32 = 64000

// targetBitrate maps a quality score to its bracket's bitrate.
func targetBitrate(score float64) uint32 {
	switch {
	case score >= 0.8:
		return 64000
	case score >= 0.6:
		return 48000
	case score >= 0.4:
		return 32000
	case score >= 0.2:
		return 24000
	default:
		return 16000
	}
}

// BitrateController tracks the current bitrate and decides when and how far
// to move it. Changes are suppressed while the target stays within 15% of
// the current rate, and an accepted change moves one ladder step per update
// rather than jumping, so the codec never sees an abrupt rate cliff.
type BitrateController struct {
	current uint32
	// hysteresis is the minimum relative difference before a change.
	hysteresis float64
}

// NewBitrateController creates a controller starting at the given bitrate.
// Zero means DefaultBitrate.
func NewBitrateController(initial uint32) *BitrateController {
	if initial == 0 {
		initial = DefaultBitrate
	}
	return &BitrateController{current: initial, hysteresis: 0.15}
}

// Current returns the bitrate the controller last settled on.
func (c *BitrateController) Current() uint32 {
	return c.current
}

// Update evaluates a quality score and returns the new bitrate along with
// whether it changed.
func (c *BitrateController) Update(score float64) (uint32, bool) {
	target := targetBitrate(score)
	if target == c.current {
		return c.current, false
	}

	diff := float64(target) - float64(c.current)
	if diff < 0 {
		diff = -diff
	}
	if diff/float64(c.current) <= c.hysteresis {
		return c.current, false
	}

	c.current = c.step(target)
	return c.current, true
}

// step returns the ladder entry one position closer to target.
func (c *BitrateController) step(target uint32) uint32 {
	idx := ladderIndex(c.current)
	if target > c.current && idx < len(bitrateLadder)-1 {
		return bitrateLadder[idx+1]
	}
	if target < c.current && idx > 0 {
		return bitrateLadder[idx-1]
	}
	return c.current
}

// ladderIndex finds the position of rate on the ladder, snapping an
// off-ladder rate to the nearest entry below it.
func ladderIndex(rate uint32) int {
	for i := len(bitrateLadder) - 1; i >= 0; i-- {
		if rate >= bitrateLadder[i] {
			return i
		}
	}
	return 0
}
