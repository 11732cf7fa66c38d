package transport

import (
	"sync/atomic"
)

// Ring is a bounded single-producer single-consumer hand-off queue with
// pre-allocated slots. It connects the audio-capture and network boundaries
// to the real-time framer path without blocking calls or locks shared with
// non-real-time work: Push drops when full rather than blocking, and Pop
// returns immediately when empty.
//
// Exactly one goroutine may call Push and exactly one may call Pop.
type Ring struct {
	slots    [][]byte
	lengths  []int
	capacity uint64
	head     atomic.Uint64 // next slot to pop
	tail     atomic.Uint64 // next slot to push
	dropped  atomic.Uint64
}

// NewRing creates a ring with the given number of slots, each pre-allocated
// to slotSize bytes. Capacity is rounded up to a power of two so index
// masking stays branch-free.
func NewRing(slots int, slotSize int) *Ring {
	capacity := uint64(1)
	for capacity < uint64(slots) {
		capacity <<= 1
	}

	r := &Ring{
		slots:    make([][]byte, capacity),
		lengths:  make([]int, capacity),
		capacity: capacity,
	}
	for i := range r.slots {
		r.slots[i] = make([]byte, slotSize)
	}
	return r
}

// Push copies p into the next free slot. It returns false, and counts a
// drop, when the ring is full or p exceeds the slot size; it never blocks.
func (r *Ring) Push(p []byte) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() == r.capacity {
		r.dropped.Add(1)
		return false
	}

	slot := r.slots[tail&(r.capacity-1)]
	if len(p) > len(slot) {
		r.dropped.Add(1)
		return false
	}

	copy(slot, p)
	r.lengths[tail&(r.capacity-1)] = len(p)
	r.tail.Store(tail + 1)
	return true
}

// Pop copies the oldest entry into dst and returns the number of bytes
// copied, or 0 if the ring is empty or dst is too small. It never blocks.
func (r *Ring) Pop(dst []byte) int {
	head := r.head.Load()
	if head == r.tail.Load() {
		return 0
	}

	idx := head & (r.capacity - 1)
	n := r.lengths[idx]
	if n > len(dst) {
		return 0
	}

	copy(dst[:n], r.slots[idx][:n])
	r.head.Store(head + 1)
	return n
}

// Len returns the number of queued entries.
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Dropped returns the number of entries rejected by Push.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}
