package schemas

import "gorgonia.org/tensor"

// Environment is the painting environment contract consumed by the actor
// driver. Implementations are not goroutine safe; each actor owns one.
type Environment interface {
	// ObsShape returns the canvas shape [C, H, W].
	ObsShape() []int
	// ActionSpec returns the cardinality of each discrete action head.
	ActionSpec() []int
	// Reset starts a new episode and returns its initial canvas.
	Reset() (*tensor.Dense, error)
	// Step applies one action (index per head) and returns the next canvas,
	// the reward, and whether the episode ended on this step.
	Step(action []int) (canvas *tensor.Dense, reward float64, done bool, err error)
}

// DataLoader yields batches of real samples for discriminator training,
// shape [N, C, H, W]. Loaders restart transparently across passes and never
// run dry on their own.
type DataLoader interface {
	Next() (*tensor.Dense, error)
}

// ExperimentLogger persists one stats snapshot per learner iteration,
// append-only.
type ExperimentLogger interface {
	Log(stats map[string]any) error
}

// InferenceRequest is one actor's pending forward-pass request.
type InferenceRequest struct {
	// Canvas is the current observation, [C, H, W].
	Canvas *tensor.Dense
	Done   bool
	State  AgentState
}

// InferenceResponse carries the sampled action and the behaviour-policy
// tensors the learner later needs for off-policy correction.
type InferenceResponse struct {
	Actions  []int       // one index per head
	Logits   [][]float64 // per head, raw logits
	Baseline float64
	State    AgentState
}

// ActionModel is what an inference server runs batched forward passes on.
// Callers serialize access; implementations may keep unguarded sampling state.
type ActionModel interface {
	// ActBatch scores a [N, C, H, W] canvas batch and returns one response
	// per row, in order.
	ActBatch(canvas *tensor.Dense, done []bool, states []AgentState) ([]InferenceResponse, error)
}
