package nn

import "math"

// AdamState is the optimizer's persisted state: step counter and first/second
// moment estimates per parameter.
type AdamState struct {
	Step int       `json:"step"`
	M    StateDict `json:"m"`
	V    StateDict `json:"v"`
}

// Adam implements the Adam update rule over StateDicts. Moments are allocated
// lazily on the first step so a freshly restored optimizer and a fresh one
// behave identically.
type Adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64
	state AdamState
}

// NewAdam builds an optimizer with the given base learning rate and betas.
func NewAdam(lr, beta1, beta2 float64) *Adam {
	return &Adam{
		lr:    lr,
		beta1: beta1,
		beta2: beta2,
		eps:   1e-8,
		state: AdamState{M: StateDict{}, V: StateDict{}},
	}
}

// Step applies one update to params given grads. lrScale multiplies the base
// learning rate (the scheduler hook).
func (a *Adam) Step(params, grads StateDict, lrScale float64) {
	a.state.Step++
	bc1 := 1 - math.Pow(a.beta1, float64(a.state.Step))
	bc2 := 1 - math.Pow(a.beta2, float64(a.state.Step))
	lr := a.lr * lrScale

	for k, p := range params {
		g, ok := grads[k]
		if !ok {
			continue
		}
		m, ok := a.state.M[k]
		if !ok {
			m = make([]float64, len(p))
			a.state.M[k] = m
		}
		v, ok := a.state.V[k]
		if !ok {
			v = make([]float64, len(p))
			a.state.V[k] = v
		}
		for i := range p {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g[i]
			v[i] = a.beta2*v[i] + (1-a.beta2)*g[i]*g[i]
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p[i] -= lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	}
}

// State returns a deep copy of the optimizer state for checkpointing.
func (a *Adam) State() AdamState {
	return AdamState{Step: a.state.Step, M: a.state.M.Clone(), V: a.state.V.Clone()}
}

// LoadState restores a checkpointed optimizer state.
func (a *Adam) LoadState(s AdamState) {
	a.state = AdamState{Step: s.Step, M: s.M.Clone(), V: s.V.Clone()}
	if a.state.M == nil {
		a.state.M = StateDict{}
	}
	if a.state.V == nil {
		a.state.V = StateDict{}
	}
}

// ScheduleState is the persisted scheduler position.
type ScheduleState struct {
	N int `json:"n"`
}

// LinearSchedule decays the learning-rate scale linearly from 1 to 0 over the
// configured total step budget. Each scheduler step advances by one learner
// iteration worth of environment steps (unroll length x batch size).
type LinearSchedule struct {
	stepSize int
	total    int
	n        int
}

// NewLinearSchedule builds a schedule; stepSize is the environment steps
// consumed per learner iteration, total the training step budget.
func NewLinearSchedule(stepSize, total int) *LinearSchedule {
	return &LinearSchedule{stepSize: stepSize, total: total}
}

// Scale returns the current learning-rate multiplier in [0, 1].
func (s *LinearSchedule) Scale() float64 {
	if s.total <= 0 {
		return 1
	}
	consumed := s.n * s.stepSize
	if consumed > s.total {
		consumed = s.total
	}
	return 1 - float64(consumed)/float64(s.total)
}

// Step advances the schedule by one learner iteration.
func (s *LinearSchedule) Step() { s.n++ }

// State returns the persisted position.
func (s *LinearSchedule) State() ScheduleState { return ScheduleState{N: s.n} }

// LoadState restores a checkpointed position.
func (s *LinearSchedule) LoadState(st ScheduleState) { s.n = st.N }
