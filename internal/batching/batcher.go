package batching

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/brushbeast/api/schemas"
)

// pending pairs an inference request with the channel its response is
// delivered on.
type pending struct {
	req   schemas.InferenceRequest
	reply chan schemas.InferenceResponse
}

// DynamicBatcher collects per-actor inference requests into dynamically sized
// batches. Actors block in Submit until an inference server delivers the
// batched outputs; servers drain batches via Next.
type DynamicBatcher struct {
	q         *Queue[pending]
	done      chan struct{}
	closeOnce sync.Once
}

// NewDynamicBatcher builds a batcher with the given batch bounds and release
// timeout.
func NewDynamicBatcher(opts Options) (*DynamicBatcher, error) {
	q, err := NewQueue[pending](opts)
	if err != nil {
		return nil, err
	}
	return &DynamicBatcher{q: q, done: make(chan struct{})}, nil
}

// Submit enqueues one request and blocks until its response arrives, the
// batcher closes, or ctx ends. A closed batcher yields ErrClosed.
func (b *DynamicBatcher) Submit(ctx context.Context, req schemas.InferenceRequest) (schemas.InferenceResponse, error) {
	p := pending{req: req, reply: make(chan schemas.InferenceResponse, 1)}
	if err := b.q.Put(ctx, p); err != nil {
		return schemas.InferenceResponse{}, err
	}
	select {
	case resp := <-p.reply:
		return resp, nil
	case <-b.done:
		return schemas.InferenceResponse{}, ErrClosed
	case <-ctx.Done():
		return schemas.InferenceResponse{}, ctx.Err()
	}
}

// Next blocks until a batch of pending requests is ready. ok is false once
// the batcher has been closed.
func (b *DynamicBatcher) Next(ctx context.Context) (*InferenceBatch, bool) {
	items, err := b.q.Get(ctx)
	if err != nil {
		return nil, false
	}
	return &InferenceBatch{pending: items}, true
}

// Size reports current occupancy, pending requests not yet batched.
func (b *DynamicBatcher) Size() int { return b.q.Size() }

// Close wakes all blocked producers and consumers. Requests already handed to
// a server but not yet answered fail over to ErrClosed in Submit.
func (b *DynamicBatcher) Close() {
	b.q.Close()
	b.closeOnce.Do(func() { close(b.done) })
}

// InferenceBatch is one batched set of requests keyed to their originators.
type InferenceBatch struct {
	pending []pending
}

// Inputs returns the batched requests in delivery order.
func (ib *InferenceBatch) Inputs() []schemas.InferenceRequest {
	reqs := make([]schemas.InferenceRequest, len(ib.pending))
	for i, p := range ib.pending {
		reqs[i] = p.req
	}
	return reqs
}

// Len reports the batch size.
func (ib *InferenceBatch) Len() int { return len(ib.pending) }

// SetOutputs delivers one response per request, in input order.
func (ib *InferenceBatch) SetOutputs(out []schemas.InferenceResponse) error {
	if len(out) != len(ib.pending) {
		return fmt.Errorf("batching: %d outputs for %d requests", len(out), len(ib.pending))
	}
	for i, p := range ib.pending {
		p.reply <- out[i]
	}
	return nil
}
