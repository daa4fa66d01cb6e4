// Package vtrace implements the off-policy actor-critic correction used by
// the policy learner. It maps behaviour and target policy logits plus the
// observed rewards to corrected value targets and policy-gradient advantages.
// The functions are pure: no state, no side effects.
package vtrace

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Returns holds the corrected targets for one batch, both T x B: VS are the
// value targets, PGAdvantages the advantages the policy-gradient loss weights
// log-probabilities with. Both are fully detached from any network.
type Returns struct {
	VS           *mat.Dense
	PGAdvantages *mat.Dense
}

// FromLogits computes V-trace targets from raw policy logits.
//
//   - behaviour and target hold one (T*B) x nActions logits matrix per action
//     head, time-major rows;
//   - actions holds the taken action index per head, aligned to logit rows;
//   - discounts, rewards and values are T x B;
//   - bootstrapValue has one entry per batch column, the value estimate one
//     step past the unroll.
//
// Importance weights are clipped at 1 for both the temporal-difference and
// the policy-gradient terms, matching the standard single-clip formulation.
func FromLogits(
	behaviour, target []*mat.Dense,
	actions [][]int,
	discounts, rewards, values *mat.Dense,
	bootstrapValue []float64,
) (Returns, error) {
	T, B := rewards.Dims()
	if err := checkShapes(behaviour, target, actions, discounts, values, bootstrapValue, T, B); err != nil {
		return Returns{}, err
	}

	// Log importance ratios, summed over independent action heads.
	logRhos := mat.NewDense(T, B, nil)
	for h := range target {
		tLP := logSoftmaxRows(target[h])
		bLP := logSoftmaxRows(behaviour[h])
		for t := 0; t < T; t++ {
			for b := 0; b < B; b++ {
				row := t*B + b
				a := actions[h][row]
				logRhos.Set(t, b, logRhos.At(t, b)+tLP.At(row, a)-bLP.At(row, a))
			}
		}
	}

	// Backward recursion for vs - V(x_s).
	vsMinusV := mat.NewDense(T, B, nil)
	for t := T - 1; t >= 0; t-- {
		for b := 0; b < B; b++ {
			rho := math.Min(1, math.Exp(logRhos.At(t, b)))
			c := rho // same clip bound for cs and rhos
			nextV := bootstrapValue[b]
			acc := 0.0
			if t+1 < T {
				nextV = values.At(t+1, b)
				acc = vsMinusV.At(t+1, b)
			}
			delta := rho * (rewards.At(t, b) + discounts.At(t, b)*nextV - values.At(t, b))
			vsMinusV.Set(t, b, delta+discounts.At(t, b)*c*acc)
		}
	}

	vs := mat.NewDense(T, B, nil)
	vs.Add(values, vsMinusV)

	// Policy-gradient advantages use vs shifted one step ahead.
	pg := mat.NewDense(T, B, nil)
	for t := 0; t < T; t++ {
		for b := 0; b < B; b++ {
			rho := math.Min(1, math.Exp(logRhos.At(t, b)))
			nextVS := bootstrapValue[b]
			if t+1 < T {
				nextVS = vs.At(t+1, b)
			}
			pg.Set(t, b, rho*(rewards.At(t, b)+discounts.At(t, b)*nextVS-values.At(t, b)))
		}
	}

	return Returns{VS: vs, PGAdvantages: pg}, nil
}

func checkShapes(
	behaviour, target []*mat.Dense,
	actions [][]int,
	discounts, values *mat.Dense,
	bootstrapValue []float64,
	T, B int,
) error {
	if len(behaviour) != len(target) || len(actions) != len(target) {
		return fmt.Errorf("vtrace: %d behaviour, %d target, %d action heads", len(behaviour), len(target), len(actions))
	}
	if len(target) == 0 {
		return fmt.Errorf("vtrace: no action heads")
	}
	if r, c := discounts.Dims(); r != T || c != B {
		return fmt.Errorf("vtrace: discounts are %dx%d, want %dx%d", r, c, T, B)
	}
	if r, c := values.Dims(); r != T || c != B {
		return fmt.Errorf("vtrace: values are %dx%d, want %dx%d", r, c, T, B)
	}
	if len(bootstrapValue) != B {
		return fmt.Errorf("vtrace: %d bootstrap values, want %d", len(bootstrapValue), B)
	}
	for h := range target {
		tr, tc := target[h].Dims()
		br, bc := behaviour[h].Dims()
		if tr != T*B || br != T*B || tc != bc {
			return fmt.Errorf("vtrace: head %d logits are %dx%d and %dx%d, want %d rows", h, tr, tc, br, bc, T*B)
		}
		if len(actions[h]) != T*B {
			return fmt.Errorf("vtrace: head %d has %d actions, want %d", h, len(actions[h]), T*B)
		}
	}
	return nil
}

// logSoftmaxRows computes a numerically stable row-wise log softmax.
func logSoftmaxRows(logits *mat.Dense) *mat.Dense {
	r, c := logits.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := logits.RawRowView(i)
		maxv := math.Inf(-1)
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		sum := 0.0
		for _, v := range row {
			sum += math.Exp(v - maxv)
		}
		lse := maxv + math.Log(sum)
		for j, v := range row {
			out.Set(i, j, v-lse)
		}
	}
	return out
}
