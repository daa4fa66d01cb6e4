// Package actordriver runs the simulated actors: each one steps its own
// environment, requests actions through the inference batcher, and feeds the
// learner and replay queues.
package actordriver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/xkilldash9x/brushbeast/api/schemas"
	"github.com/xkilldash9x/brushbeast/internal/batching"
)

// Driver owns one goroutine per environment. It stops cleanly when any of its
// queues close; any other failure is logged with a stack and handed to the
// supervisor.
type Driver struct {
	envs         []schemas.Environment
	batcher      *batching.DynamicBatcher
	learnerQueue *batching.Queue[schemas.Unroll]
	replayQueue  *batching.Queue[*tensor.Dense]
	unrollLength int
	log          *zap.Logger
}

// New wires a driver over the given environments. unrollLength is the number
// of environment steps per unroll; each pushed unroll carries one extra
// overlapping row.
func New(
	envs []schemas.Environment,
	batcher *batching.DynamicBatcher,
	learnerQueue *batching.Queue[schemas.Unroll],
	replayQueue *batching.Queue[*tensor.Dense],
	unrollLength int,
	log *zap.Logger,
) (*Driver, error) {
	if len(envs) == 0 {
		return nil, fmt.Errorf("actordriver: no environments")
	}
	if unrollLength <= 0 {
		return nil, fmt.Errorf("actordriver: unroll length must be positive, got %d", unrollLength)
	}
	return &Driver{
		envs:         envs,
		batcher:      batcher,
		learnerQueue: learnerQueue,
		replayQueue:  replayQueue,
		unrollLength: unrollLength,
		log:          log.Named("actors"),
	}, nil
}

// Run spawns all actors and blocks until they stop. Queue closure is the
// normal shutdown path and yields nil.
func (d *Driver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, e := range d.envs {
		i, e := i, e
		g.Go(func() error {
			err := d.runActor(ctx, i, e)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.log.Error("actor failed",
					zap.Int("actor", i),
					zap.Error(err),
					zap.Stack("stack"),
				)
			}
			return err
		})
	}
	return g.Wait()
}

// envRow is one pending environment output waiting to be paired with the
// agent's response.
type envRow struct {
	canvas        *tensor.Dense
	reward        float64
	done          bool
	episodeStep   float64
	episodeReturn float64
}

// row pairs the environment output with the behaviour policy's answer and the
// recurrent state the request carried in.
type row struct {
	env     envRow
	agent   schemas.InferenceResponse
	stateIn schemas.AgentState
}

func (d *Driver) runActor(ctx context.Context, id int, e schemas.Environment) error {
	canvas, err := e.Reset()
	if err != nil {
		return fmt.Errorf("actor %d: reset: %w", id, err)
	}

	// The first row is an episode boundary by convention: nothing precedes it.
	pending := envRow{canvas: canvas, done: true}
	state := schemas.AgentState{}
	var epStep, epReturn float64

	rows := make([]row, 0, d.unrollLength+1)
	var finalCanvas *tensor.Dense

	for {
		stateIn := state
		resp, err := d.batcher.Submit(ctx, schemas.InferenceRequest{
			Canvas: pending.canvas,
			Done:   pending.done,
			State:  stateIn,
		})
		if errors.Is(err, batching.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("actor %d: inference: %w", id, err)
		}
		state = resp.State

		rows = append(rows, row{env: pending, agent: resp, stateIn: stateIn})
		if len(rows) == d.unrollLength+1 {
			unroll, err := buildUnroll(rows, finalCanvas)
			if err != nil {
				return fmt.Errorf("actor %d: %w", id, err)
			}
			if err := d.learnerQueue.Put(ctx, unroll); err != nil {
				if errors.Is(err, batching.ErrClosed) {
					return nil
				}
				return fmt.Errorf("actor %d: learner queue: %w", id, err)
			}
			// The last row seeds the next unroll; its terminal canvas, if
			// any, was already delivered with this one.
			last := rows[len(rows)-1]
			rows = rows[:0]
			rows = append(rows, last)
			finalCanvas = nil
		}

		next, reward, done, err := e.Step(resp.Actions)
		if err != nil {
			return fmt.Errorf("actor %d: step: %w", id, err)
		}
		epStep++
		epReturn += reward

		if done {
			// next is the finished painting: replay it for the
			// discriminator and splice it into this unroll's boundary.
			if err := d.replayQueue.Put(ctx, next); err != nil {
				if errors.Is(err, batching.ErrClosed) {
					return nil
				}
				return fmt.Errorf("actor %d: replay queue: %w", id, err)
			}
			finalCanvas = next

			reset, err := e.Reset()
			if err != nil {
				return fmt.Errorf("actor %d: reset: %w", id, err)
			}
			pending = envRow{
				canvas:        reset,
				reward:        reward,
				done:          true,
				episodeStep:   epStep,
				episodeReturn: epReturn,
			}
			epStep, epReturn = 0, 0
		} else {
			pending = envRow{
				canvas:        next,
				reward:        reward,
				episodeStep:   epStep,
				episodeReturn: epReturn,
			}
		}
	}
}

// buildUnroll assembles the accumulated rows into the learner's wire format.
func buildUnroll(rows []row, finalCanvas *tensor.Dense) (schemas.Unroll, error) {
	T := len(rows)
	heads := len(rows[0].agent.Actions)

	frames := make([]*tensor.Dense, T)
	for t, r := range rows {
		frames[t] = r.env.canvas
	}
	canvas, err := schemas.StackFrames(frames)
	if err != nil {
		return schemas.Unroll{}, fmt.Errorf("stacking unroll canvas: %w", err)
	}

	u := schemas.Unroll{
		T:             T,
		Canvas:        canvas,
		Reward:        make([]float64, T),
		Done:          make([]bool, T),
		EpisodeStep:   make([]float64, T),
		EpisodeReturn: make([]float64, T),
		Baseline:      make([]float64, T),
		Actions:       make([][]int, heads),
		Logits:        make([]*mat.Dense, heads),
		InitialState:  rows[0].stateIn.Clone(),
		FinalCanvas:   finalCanvas,
	}
	for h := 0; h < heads; h++ {
		u.Actions[h] = make([]int, T)
		u.Logits[h] = mat.NewDense(T, len(rows[0].agent.Logits[h]), nil)
	}

	for t, r := range rows {
		u.Reward[t] = r.env.reward
		u.Done[t] = r.env.done
		u.EpisodeStep[t] = r.env.episodeStep
		u.EpisodeReturn[t] = r.env.episodeReturn
		u.Baseline[t] = r.agent.Baseline
		for h := 0; h < heads; h++ {
			u.Actions[h][t] = r.agent.Actions[h]
			u.Logits[h].SetRow(t, r.agent.Logits[h])
		}
	}
	return u, nil
}
