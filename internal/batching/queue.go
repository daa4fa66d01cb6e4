// Package batching provides the closable batching queues that connect the
// actor driver to the learner loops, and the dynamic batcher that collects
// per-actor inference requests into batched forward passes.
package batching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned once a queue has been closed. Consumers treat it as
// the termination signal, not a failure.
var ErrClosed = errors.New("batching: queue closed")

// Options configure a Queue.
type Options struct {
	// MinBatch and MaxBatch bound the batch size a Get releases. Equal
	// values pin a static batch size.
	MinBatch, MaxBatch int
	// Timeout, when positive, releases a partial batch (at least one item)
	// after this much time has passed since the oldest pending item arrived.
	Timeout time.Duration
	// MaxPending bounds the number of buffered items; Put blocks at the
	// bound. Zero means batch-size bound (MaxBatch).
	MaxPending int
}

// Queue is a closable blocking queue that groups items into batches along the
// batch dimension. Multiple producers and consumers are safe.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items   []T
	firstAt time.Time

	minBatch   int
	maxBatch   int
	timeout    time.Duration
	maxPending int
	closed     bool
}

// NewQueue validates the options and builds an empty queue.
func NewQueue[T any](opts Options) (*Queue[T], error) {
	if opts.MinBatch <= 0 || opts.MaxBatch < opts.MinBatch {
		return nil, fmt.Errorf("batching: invalid batch bounds [%d, %d]", opts.MinBatch, opts.MaxBatch)
	}
	maxPending := opts.MaxPending
	if maxPending == 0 {
		maxPending = opts.MaxBatch
	}
	if maxPending < opts.MinBatch {
		return nil, fmt.Errorf("batching: max pending %d below minimum batch %d", maxPending, opts.MinBatch)
	}
	q := &Queue[T]{
		minBatch:   opts.MinBatch,
		maxBatch:   opts.MaxBatch,
		timeout:    opts.Timeout,
		maxPending: maxPending,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q, nil
}

// Put appends one item, blocking while the queue is at its pending bound.
// It returns ErrClosed after Close, and the context error if ctx ends first.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(q.items) < q.maxPending {
			break
		}
		q.notFull.Wait()
	}
	if len(q.items) == 0 {
		q.firstAt = time.Now()
	}
	q.items = append(q.items, item)
	q.notEmpty.Broadcast()
	return nil
}

// Get blocks until a batch is available and returns it. A batch is released
// when at least MinBatch items are pending, or, with a timeout configured,
// when the oldest pending item has waited long enough (never empty). Get
// returns ErrClosed once the queue is closed, and the context error if ctx
// ends first; consuming loops exit on either.
func (q *Queue[T]) Get(ctx context.Context) ([]T, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(q.items) >= q.minBatch {
			break
		}
		if q.timeout > 0 && len(q.items) > 0 {
			wait := time.Until(q.firstAt.Add(q.timeout))
			if wait <= 0 {
				break
			}
			timer := time.AfterFunc(wait, q.notEmpty.Broadcast)
			q.notEmpty.Wait()
			timer.Stop()
			continue
		}
		q.notEmpty.Wait()
	}

	n := len(q.items)
	if n > q.maxBatch {
		n = q.maxBatch
	}
	batch := make([]T, n)
	copy(batch, q.items[:n])
	rest := len(q.items) - n
	copy(q.items, q.items[n:])
	var zero T
	for i := rest; i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = q.items[:rest]
	if rest > 0 {
		q.firstAt = time.Now()
	}
	q.notFull.Broadcast()
	return batch, nil
}

// Size reports the current occupancy (pending items not yet batched).
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes every blocked producer and consumer.
// Pending items are discarded; blocked and future calls return ErrClosed.
// Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
