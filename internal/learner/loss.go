package learner

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// lossTerms is one iteration's loss breakdown; Total is what the gradients
// descend on.
type lossTerms struct {
	PG       float64
	Baseline float64
	Entropy  float64
}

func (l lossTerms) Total() float64 { return l.PG + l.Baseline + l.Entropy }

// policyGradients computes the three loss terms and their analytic gradients
// with respect to the target-policy logits and baseline.
//
// Rows cover the shift-aligned span t = 0..T-2; advantages and valueTargets
// are treated as constants. dLogits accumulates the policy-gradient and
// entropy terms per head; dBaseline carries the value regression term.
func policyGradients(
	logits []*mat.Dense,
	actions [][]int,
	advantages *mat.Dense,
	valueTargets *mat.Dense,
	values *mat.Dense,
	baselineCost, entropyCost float64,
) (lossTerms, []*mat.Dense, *mat.Dense) {
	T, B := advantages.Dims()
	var terms lossTerms

	dLogits := make([]*mat.Dense, len(logits))
	for h, lg := range logits {
		rows, cols := lg.Dims()
		dl := mat.NewDense(rows, cols, nil)
		probs := make([]float64, cols)
		logProbs := make([]float64, cols)

		for r := 0; r < rows; r++ {
			row := lg.RawRowView(r)
			softmaxRow(row, probs, logProbs)

			adv := advantages.At(r/B, r%B)
			a := actions[h][r]
			terms.PG += -logProbs[a] * adv

			// Negative entropy of this row, and its mean log-prob under the
			// policy, reused by both gradient terms.
			rowNegEnt := 0.0
			for c := 0; c < cols; c++ {
				rowNegEnt += probs[c] * logProbs[c]
			}
			terms.Entropy += entropyCost * rowNegEnt

			for c := 0; c < cols; c++ {
				// d(pg)/dl = adv * (softmax - onehot)
				g := adv * probs[c]
				if c == a {
					g -= adv
				}
				// d(neg entropy)/dl = p * (logp - sum p.logp)
				g += entropyCost * probs[c] * (logProbs[c] - rowNegEnt)
				dl.Set(r, c, g)
			}
		}
		dLogits[h] = dl
	}

	dBaseline := mat.NewDense(T, B, nil)
	for t := 0; t < T; t++ {
		for b := 0; b < B; b++ {
			diff := valueTargets.At(t, b) - values.At(t, b)
			terms.Baseline += baselineCost * 0.5 * diff * diff
			dBaseline.Set(t, b, baselineCost*-diff)
		}
	}

	return terms, dLogits, dBaseline
}

// softmaxRow fills probs and logProbs from one logits row, numerically
// stabilized by the row max.
func softmaxRow(row, probs, logProbs []float64) {
	max := row[0]
	for _, v := range row[1:] {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for i, v := range row {
		probs[i] = math.Exp(v - max)
		sum += probs[i]
	}
	logSum := math.Log(sum)
	for i := range row {
		probs[i] /= sum
		logProbs[i] = row[i] - max - logSum
	}
}
