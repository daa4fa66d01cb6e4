// Package replay implements the fixed-capacity frame store the discriminator
// learner samples "fake" canvases from. Retention is FIFO by write time: once
// full, new frames overwrite the oldest slots.
package replay

import (
	"errors"
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"
)

// ErrNotEnough is returned by Sample when fewer frames are stored than
// requested.
var ErrNotEnough = errors.New("replay: not enough frames stored")

// Buffer is a circular store of single canvas frames.
//
// It carries no internal lock: exactly one goroutine (the discriminator
// learner) mutates it, and nothing else reads it. Parallelizing that loop
// would require adding one.
type Buffer struct {
	frames   []*tensor.Dense
	capacity int
	position int
	rng      *rand.Rand
}

// New creates a buffer holding at most capacity frames. The rng drives
// sampling; pass a seeded source for deterministic tests.
func New(capacity int, rng *rand.Rand) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("replay: capacity must be positive, got %d", capacity)
	}
	if rng == nil {
		return nil, errors.New("replay: rng must not be nil")
	}
	return &Buffer{
		frames:   make([]*tensor.Dense, 0, capacity),
		capacity: capacity,
		rng:      rng,
	}, nil
}

// Push inserts frames starting at the current write position, wrapping at
// capacity. A request that exceeds the remaining space splits: the head fills
// to the end of the store, the position resets to zero and the remainder
// continues from there, overwriting older frames. A request larger than the
// whole capacity keeps only the most recent capacity frames.
func (b *Buffer) Push(frames []*tensor.Dense) {
	if len(frames) == 0 {
		return
	}
	if len(frames) > b.capacity {
		frames = frames[len(frames)-b.capacity:]
	}
	request := len(frames)

	// Grow the backing store up to the point writes can reach.
	free := b.capacity - b.position
	available := len(b.frames) - b.position
	if available < free {
		grow := request
		if request > free {
			grow = free
		}
		if b.position+grow > len(b.frames) {
			b.frames = append(b.frames, make([]*tensor.Dense, b.position+grow-len(b.frames))...)
		}
	}

	if request > free {
		copy(b.frames[b.position:], frames[:free])
		frames = frames[free:]
		request -= free
		b.position = 0
	}

	copy(b.frames[b.position:b.position+request], frames)
	b.position = (b.position + request) % b.capacity
}

// Sample draws k distinct frames uniformly at random without replacement.
// Successive calls are independent.
func (b *Buffer) Sample(k int) ([]*tensor.Dense, error) {
	if k <= 0 {
		return nil, fmt.Errorf("replay: sample size must be positive, got %d", k)
	}
	if k > len(b.frames) {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrNotEnough, len(b.frames), k)
	}
	perm := b.rng.Perm(len(b.frames))
	out := make([]*tensor.Dense, k)
	for i := 0; i < k; i++ {
		out[i] = b.frames[perm[i]]
	}
	return out, nil
}

// Size reports the number of currently stored frames.
func (b *Buffer) Size() int { return len(b.frames) }

// Capacity reports the fixed capacity.
func (b *Buffer) Capacity() int { return b.capacity }

// Position reports the current write position, always in [0, capacity).
func (b *Buffer) Position() int { return b.position }
