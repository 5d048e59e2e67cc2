package train

import (
	"math"

	"legalner.dev/lnt/model"
)

// AdamW keeps first and second moment estimates per parameter tensor and
// applies decoupled weight decay, the optimizer the original fine-tuning
// recipe assumes.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	step int
	m    map[string][]float64
	v    map[string][]float64
}

func NewAdamW(weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}
}

func (opt *AdamW) Step(params []model.Param, lr float64) {
	opt.step++
	bc1 := 1 - math.Pow(opt.Beta1, float64(opt.step))
	bc2 := 1 - math.Pow(opt.Beta2, float64(opt.step))

	for _, p := range params {
		m, ok := opt.m[p.Name]
		if !ok {
			m = make([]float64, len(p.Data))
			opt.m[p.Name] = m
		}
		v, ok := opt.v[p.Name]
		if !ok {
			v = make([]float64, len(p.Data))
			opt.v[p.Name] = v
		}

		for i, g := range p.Grad {
			m[i] = opt.Beta1*m[i] + (1-opt.Beta1)*g
			v[i] = opt.Beta2*v[i] + (1-opt.Beta2)*g*g

			mHat := m[i] / bc1
			vHat := v[i] / bc2

			p.Data[i] -= lr * (mHat/(math.Sqrt(vHat)+opt.Eps) + opt.WeightDecay*p.Data[i])
		}
	}
}

// clipGradNorm rescales all gradients so their global L2 norm does not
// exceed maxNorm, and returns the pre-clip norm.
func clipGradNorm(params []model.Param, maxNorm float64) float64 {
	sum := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			sum += g * g
		}
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}

	scale := maxNorm / (norm + 1e-12)
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}
