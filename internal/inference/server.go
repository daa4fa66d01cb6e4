// Package inference serves batched forward passes over the published policy
// weights to the actor pool.
package inference

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/xkilldash9x/brushbeast/api/schemas"
	"github.com/xkilldash9x/brushbeast/internal/batching"
)

// Server drains batches from a DynamicBatcher and answers them with one
// forward pass each. Several servers may share a model; the shared mutex
// serializes its unguarded sampling state.
type Server struct {
	model   schemas.ActionModel
	batcher *batching.DynamicBatcher
	mu      *sync.Mutex
	log     *zap.Logger
}

// NewServer wires a server to its batcher. mu is shared by every server
// running the same model.
func NewServer(model schemas.ActionModel, batcher *batching.DynamicBatcher, mu *sync.Mutex, log *zap.Logger) *Server {
	return &Server{model: model, batcher: batcher, mu: mu, log: log}
}

// Run answers batches until the batcher closes or ctx ends. Model errors are
// fatal: an inference failure poisons every actor blocked on the batch.
func (s *Server) Run(ctx context.Context) error {
	for {
		batch, ok := s.batcher.Next(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.log.Debug("inference server draining: batcher closed")
			return nil
		}

		outputs, err := s.forward(batch.Inputs())
		if err != nil {
			s.log.Error("inference batch failed", zap.Int("batch_size", batch.Len()), zap.Error(err))
			return err
		}
		if err := batch.SetOutputs(outputs); err != nil {
			return err
		}
	}
}

func (s *Server) forward(reqs []schemas.InferenceRequest) ([]schemas.InferenceResponse, error) {
	frames := make([]*tensor.Dense, len(reqs))
	done := make([]bool, len(reqs))
	states := make([]schemas.AgentState, len(reqs))
	for i, r := range reqs {
		if r.Canvas == nil {
			return nil, fmt.Errorf("inference: request %d has no canvas", i)
		}
		frames[i] = r.Canvas
		done[i] = r.Done
		states[i] = r.State
	}

	stacked, err := schemas.StackFrames(frames)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.ActBatch(stacked, done, states)
}
