// Package crf implements a linear-chain conditional random field over
// per-token emission scores: a learned label-to-label transition matrix plus
// start and end transition vectors, with dynamic-programming loss and decode.
package crf

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Gradients holds the derivative of one example's loss with respect to the
// emission scores and the CRF parameters. Emission rows past the valid
// length are zero.
type Gradients struct {
	Emissions   *mat.Dense // T x N
	Transitions *mat.Dense // N x N
	Start       []float64
	End         []float64
}

// Layer is the decoding strategy used by the tagger. It is an interface so
// the dynamic programming can be unit-tested against hand-computed
// transition matrices and swapped independently of the encoders.
type Layer interface {
	NumLabels() int

	// Loss returns the length-normalized negative log-likelihood of the
	// gold tag sequence given emissions (T x N), considering only the first
	// validLen positions, together with the gradients.
	Loss(emissions *mat.Dense, tags []int, validLen int) (float64, *Gradients, error)

	// Decode returns the most likely label-id sequence over the first
	// validLen positions. validLen == 0 decodes to an empty sequence.
	Decode(emissions *mat.Dense, validLen int) []int
}

// LinearChain is the standard first-order CRF layer.
type LinearChain struct {
	numLabels int

	Trans *mat.Dense // N x N, Trans[i][j] scores label i followed by j
	Start []float64
	End   []float64
}

const initScale = 0.1

// NewLinearChain builds a CRF layer with parameters drawn uniformly from
// [-0.1, 0.1), matching the initialization of the head it trains alongside.
func NewLinearChain(numLabels int, rng *rand.Rand) (*LinearChain, error) {
	if numLabels <= 0 {
		return nil, fmt.Errorf("crf: label dimension must be positive, got %d", numLabels)
	}

	layer := &LinearChain{
		numLabels: numLabels,
		Trans:     mat.NewDense(numLabels, numLabels, nil),
		Start:     make([]float64, numLabels),
		End:       make([]float64, numLabels),
	}
	for i := 0; i < numLabels; i++ {
		layer.Start[i] = uniform(rng)
		layer.End[i] = uniform(rng)
		for j := 0; j < numLabels; j++ {
			layer.Trans.Set(i, j, uniform(rng))
		}
	}
	return layer, nil
}

func uniform(rng *rand.Rand) float64 {
	return (rng.Float64()*2 - 1) * initScale
}

func (layer *LinearChain) NumLabels() int {
	return layer.numLabels
}

// Params exposes the learnable parameters for joint training with the
// projection head.
func (layer *LinearChain) Params() (trans *mat.Dense, start, end []float64) {
	return layer.Trans, layer.Start, layer.End
}

func (layer *LinearChain) Loss(emissions *mat.Dense, tags []int, validLen int) (float64, *Gradients, error) {
	rows, cols := emissions.Dims()
	if cols != layer.numLabels {
		return 0, nil, fmt.Errorf("crf: emission width %d does not match label dimension %d", cols, layer.numLabels)
	}
	if validLen <= 0 {
		return 0, nil, fmt.Errorf("crf: cannot score an empty sequence")
	}
	if validLen > rows || validLen > len(tags) {
		return 0, nil, fmt.Errorf("crf: valid length %d exceeds sequence length", validLen)
	}
	for t := 0; t < validLen; t++ {
		if tags[t] < 0 || tags[t] >= layer.numLabels {
			return 0, nil, fmt.Errorf("crf: gold label id %d out of range at position %d", tags[t], t)
		}
	}

	T, N := validLen, layer.numLabels

	// Gold path score.
	score := layer.Start[tags[0]] + emissions.At(0, tags[0])
	for t := 1; t < T; t++ {
		score += layer.Trans.At(tags[t-1], tags[t]) + emissions.At(t, tags[t])
	}
	score += layer.End[tags[T-1]]

	alpha := layer.forward(emissions, T)
	beta := layer.backward(emissions, T)

	final := make([]float64, N)
	for j := 0; j < N; j++ {
		final[j] = alpha[T-1][j] + layer.End[j]
	}
	logZ := logSumExp(final)

	nll := (logZ - score) / float64(T)

	grads := layer.gradients(emissions, tags, alpha, beta, logZ, T, rows)
	return nll, grads, nil
}

// forward computes log alpha values over the first T positions.
func (layer *LinearChain) forward(emissions *mat.Dense, T int) [][]float64 {
	N := layer.numLabels
	alpha := make([][]float64, T)
	alpha[0] = make([]float64, N)
	for j := 0; j < N; j++ {
		alpha[0][j] = layer.Start[j] + emissions.At(0, j)
	}

	work := make([]float64, N)
	for t := 1; t < T; t++ {
		alpha[t] = make([]float64, N)
		for j := 0; j < N; j++ {
			for i := 0; i < N; i++ {
				work[i] = alpha[t-1][i] + layer.Trans.At(i, j)
			}
			alpha[t][j] = logSumExp(work) + emissions.At(t, j)
		}
	}
	return alpha
}

// backward computes log beta values, with beta at the last position holding
// the end transition scores.
func (layer *LinearChain) backward(emissions *mat.Dense, T int) [][]float64 {
	N := layer.numLabels
	beta := make([][]float64, T)
	beta[T-1] = make([]float64, N)
	copy(beta[T-1], layer.End)

	work := make([]float64, N)
	for t := T - 2; t >= 0; t-- {
		beta[t] = make([]float64, N)
		for i := 0; i < N; i++ {
			for j := 0; j < N; j++ {
				work[j] = layer.Trans.At(i, j) + emissions.At(t+1, j) + beta[t+1][j]
			}
			beta[t][i] = logSumExp(work)
		}
	}
	return beta
}

// gradients turns forward-backward marginals into parameter gradients:
// expected counts under the model minus observed gold counts, divided by the
// valid length so the loss stays a per-position mean.
func (layer *LinearChain) gradients(emissions *mat.Dense, tags []int, alpha, beta [][]float64, logZ float64, T, rows int) *Gradients {
	N := layer.numLabels
	norm := 1.0 / float64(T)

	grads := &Gradients{
		Emissions:   mat.NewDense(rows, N, nil),
		Transitions: mat.NewDense(N, N, nil),
		Start:       make([]float64, N),
		End:         make([]float64, N),
	}

	for t := 0; t < T; t++ {
		for j := 0; j < N; j++ {
			marginal := math.Exp(alpha[t][j] + beta[t][j] - logZ)
			g := marginal
			if tags[t] == j {
				g -= 1
			}
			grads.Emissions.Set(t, j, g*norm)

			if t == 0 {
				grads.Start[j] = g * norm
			}
			if t == T-1 {
				grads.End[j] = g * norm
			}
		}
	}

	for t := 0; t+1 < T; t++ {
		for i := 0; i < N; i++ {
			for j := 0; j < N; j++ {
				pair := math.Exp(alpha[t][i] + layer.Trans.At(i, j) + emissions.At(t+1, j) + beta[t+1][j] - logZ)
				g := pair
				if tags[t] == i && tags[t+1] == j {
					g -= 1
				}
				grads.Transitions.Set(i, j, grads.Transitions.At(i, j)+g*norm)
			}
		}
	}

	return grads
}

func (layer *LinearChain) Decode(emissions *mat.Dense, validLen int) []int {
	if validLen <= 0 {
		return []int{}
	}
	rows, _ := emissions.Dims()
	if validLen > rows {
		validLen = rows
	}

	T, N := validLen, layer.numLabels
	delta := make([][]float64, T)
	backptr := make([][]int, T)

	delta[0] = make([]float64, N)
	for j := 0; j < N; j++ {
		delta[0][j] = layer.Start[j] + emissions.At(0, j)
	}

	for t := 1; t < T; t++ {
		delta[t] = make([]float64, N)
		backptr[t] = make([]int, N)
		for j := 0; j < N; j++ {
			best := math.Inf(-1)
			bestPrev := 0
			for i := 0; i < N; i++ {
				w := delta[t-1][i] + layer.Trans.At(i, j)
				if w > best {
					best = w
					bestPrev = i
				}
			}
			delta[t][j] = best + emissions.At(t, j)
			backptr[t][j] = bestPrev
		}
	}

	bestLast := 0
	bestScore := math.Inf(-1)
	for j := 0; j < N; j++ {
		w := delta[T-1][j] + layer.End[j]
		if w > bestScore {
			bestScore = w
			bestLast = j
		}
	}

	path := make([]int, T)
	path[T-1] = bestLast
	for t := T - 1; t > 0; t-- {
		path[t-1] = backptr[t][path[t]]
	}
	return path
}

func logSumExp(xs []float64) float64 {
	max := math.Inf(-1)
	for _, x := range xs {
		if x > max {
			max = x
		}
	}
	if math.IsInf(max, -1) {
		return max
	}
	sum := 0.0
	for _, x := range xs {
		sum += math.Exp(x - max)
	}
	return max + math.Log(sum)
}
