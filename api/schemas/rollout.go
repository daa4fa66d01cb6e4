// Package schemas holds the data types and interface contracts shared by the
// training core: rollout tensors, inference requests, and the abstractions the
// orchestrator injects into its loops.
package schemas

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// AgentState is the recurrent state threaded through inference calls. The
// built-in policy is stateless and uses a zero-length state, but the wire
// format carries it so stateful policies slot in without queue changes.
type AgentState []float64

// Clone returns an independent copy of the state.
func (s AgentState) Clone() AgentState {
	if s == nil {
		return nil
	}
	out := make(AgentState, len(s))
	copy(out, s)
	return out
}

// EnvOutput is the environment side of a rollout, time-major. Index 0 is the
// observation preceding the first action in the unroll, so a done flag at row
// t means an episode finished entering row t and the canvas at row t belongs
// to the next episode.
type EnvOutput struct {
	// Canvas holds the observed frames, shape [T, B, C, H, W], float32.
	Canvas *tensor.Dense
	// Reward, EpisodeStep and EpisodeReturn are T x B planes.
	Reward        *mat.Dense
	EpisodeStep   *mat.Dense
	EpisodeReturn *mat.Dense
	// Done marks episode boundaries, [T][B].
	Done [][]bool
}

// AgentOutput is the behaviour-policy side of a rollout, indexed like the
// EnvOutput it was produced against.
type AgentOutput struct {
	// Actions holds the sampled action index per head, [head][T*B] time-major.
	Actions [][]int
	// Logits holds the behaviour policy logits per head, (T*B) x nActions.
	Logits []*mat.Dense
	// Baseline is the T x B value estimate plane.
	Baseline *mat.Dense
}

// Batch pairs env and agent sequences for one learner iteration. FinalCanvas
// carries, per actor column, the terminal canvas of the episode that ended
// inside this unroll; columns without a boundary hold stale data and must not
// be read.
type Batch struct {
	T, B int

	Env   EnvOutput
	Agent AgentOutput

	InitialState []AgentState
	// FinalCanvas has shape [B, C, H, W].
	FinalCanvas *tensor.Dense
}

// Unroll is the single-actor (B == 1) slice of a Batch, the unit the actor
// driver pushes onto the learner queue. Rows overlap across consecutive
// unrolls: row 0 repeats the last row of the previous unroll.
type Unroll struct {
	T int

	// Canvas is [T, C, H, W].
	Canvas        *tensor.Dense
	Reward        []float64
	Done          []bool
	EpisodeStep   []float64
	EpisodeReturn []float64

	Actions  [][]int      // [head][T]
	Logits   []*mat.Dense // per head, T x nActions
	Baseline []float64

	InitialState AgentState
	// FinalCanvas is [C, H, W], nil when no episode ended in this unroll.
	FinalCanvas *tensor.Dense
}

// Stack combines B same-length unrolls into one time-major Batch along the
// batch dimension. The unroll order defines the batch columns.
func Stack(unrolls []Unroll) (*Batch, error) {
	if len(unrolls) == 0 {
		return nil, fmt.Errorf("stack: no unrolls")
	}
	t := unrolls[0].T
	heads := len(unrolls[0].Actions)
	frame := frameShape(unrolls[0].Canvas)
	for i, u := range unrolls {
		if u.T != t {
			return nil, fmt.Errorf("stack: unroll %d has %d rows, want %d", i, u.T, t)
		}
		if len(u.Actions) != heads || len(u.Logits) != heads {
			return nil, fmt.Errorf("stack: unroll %d has mismatched action heads", i)
		}
	}
	b := len(unrolls)

	frameLen := 1
	for _, d := range frame {
		frameLen *= d
	}
	canvasData := make([]float32, t*b*frameLen)
	finalData := make([]float32, b*frameLen)
	reward := mat.NewDense(t, b, nil)
	epStep := mat.NewDense(t, b, nil)
	epRet := mat.NewDense(t, b, nil)
	baseline := mat.NewDense(t, b, nil)
	done := make([][]bool, t)
	for ti := range done {
		done[ti] = make([]bool, b)
	}

	actions := make([][]int, heads)
	logits := make([]*mat.Dense, heads)
	for h := 0; h < heads; h++ {
		actions[h] = make([]int, t*b)
		nActs := unrolls[0].Logits[h].RawMatrix().Cols
		logits[h] = mat.NewDense(t*b, nActs, nil)
	}

	states := make([]AgentState, b)
	for bi, u := range unrolls {
		src := u.Canvas.Data().([]float32)
		for ti := 0; ti < t; ti++ {
			dst := canvasData[(ti*b+bi)*frameLen : (ti*b+bi+1)*frameLen]
			copy(dst, src[ti*frameLen:(ti+1)*frameLen])

			reward.Set(ti, bi, u.Reward[ti])
			epStep.Set(ti, bi, u.EpisodeStep[ti])
			epRet.Set(ti, bi, u.EpisodeReturn[ti])
			baseline.Set(ti, bi, u.Baseline[ti])
			done[ti][bi] = u.Done[ti]

			for h := 0; h < heads; h++ {
				actions[h][ti*b+bi] = u.Actions[h][ti]
				logits[h].SetRow(ti*b+bi, u.Logits[h].RawRowView(ti))
			}
		}
		if u.FinalCanvas != nil {
			copy(finalData[bi*frameLen:(bi+1)*frameLen], u.FinalCanvas.Data().([]float32))
		}
		states[bi] = u.InitialState.Clone()
	}

	canvasShape := append([]int{t, b}, frame...)
	finalShape := append([]int{b}, frame...)
	return &Batch{
		T: t,
		B: b,
		Env: EnvOutput{
			Canvas:        tensor.New(tensor.WithShape(canvasShape...), tensor.WithBacking(canvasData)),
			Reward:        reward,
			EpisodeStep:   epStep,
			EpisodeReturn: epRet,
			Done:          done,
		},
		Agent: AgentOutput{
			Actions:  actions,
			Logits:   logits,
			Baseline: baseline,
		},
		InitialState: states,
		FinalCanvas:  tensor.New(tensor.WithShape(finalShape...), tensor.WithBacking(finalData)),
	}, nil
}

// StackFrames concatenates single frames of identical shape into one
// [N, C, H, W] tensor.
func StackFrames(frames []*tensor.Dense) (*tensor.Dense, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("stack frames: empty input")
	}
	shape := frames[0].Shape()
	frameLen := shape.TotalSize()
	data := make([]float32, len(frames)*frameLen)
	for i, f := range frames {
		if f.Shape().TotalSize() != frameLen {
			return nil, fmt.Errorf("stack frames: frame %d has shape %v, want %v", i, f.Shape(), shape)
		}
		copy(data[i*frameLen:(i+1)*frameLen], f.Data().([]float32))
	}
	out := append([]int{len(frames)}, shape...)
	return tensor.New(tensor.WithShape(out...), tensor.WithBacking(data)), nil
}

// frameShape strips the leading time dimension from an unroll canvas shape.
func frameShape(canvas *tensor.Dense) []int {
	s := canvas.Shape()
	frame := make([]int, len(s)-1)
	copy(frame, s[1:])
	return frame
}
