// Package model composes pretrained encoders with a dropout-regularized
// linear projection and a CRF layer into an ensemble sequence tagger.
package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"legalner.dev/lnt/crf"
	"legalner.dev/lnt/encoder"
	"legalner.dev/lnt/labels"
	"legalner.dev/lnt/logger"
	"legalner.dev/lnt/types"
)

const initScale = 0.1

// Param is a flat view over one learnable tensor and its gradient buffer,
// consumed by the optimizer.
type Param struct {
	Name string
	Data []float64
	Grad []float64
}

// trainableLayer is implemented by CRF layers whose parameters the tagger
// trains jointly with the projection.
type trainableLayer interface {
	crf.Layer
	Params() (trans *mat.Dense, start, end []float64)
}

type Config struct {
	Scheme  *labels.Scheme
	Dropout float64
	// Freeze excludes encoder parameters from gradient updates. Since the
	// ONNX backends are inference-only either way, an unset flag over an
	// untrainable backend degrades to head-only training with a warning.
	Freeze bool
	Seed   int64
}

// Tagger maps a tokenized sequence to a training loss (gold labels present)
// or a decoded label sequence (inference). Learned state is the projection
// matrix, its bias, and the CRF parameters; forward and decode are otherwise
// pure and reentrant across batches.
type Tagger struct {
	combiner *encoder.Concat
	layer    crf.Layer
	scheme   *labels.Scheme

	dropout float64
	rng     *rand.Rand

	proj *mat.Dense // D x N
	bias []float64

	gradProj  *mat.Dense
	gradBias  []float64
	gradTrans *mat.Dense
	gradStart []float64
	gradEnd   []float64
}

// New fails fast on label-dimension mismatches: the projection width, the
// CRF dimension and the scheme size must agree before any training step.
func New(combiner *encoder.Concat, layer crf.Layer, cfg Config) (*Tagger, error) {
	if cfg.Scheme == nil {
		return nil, fmt.Errorf("model: nil label scheme")
	}
	numLabels := cfg.Scheme.Size()
	if layer.NumLabels() != numLabels {
		return nil, fmt.Errorf("model: CRF dimension %d does not match label set size %d",
			layer.NumLabels(), numLabels)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("model: dropout %g outside [0, 1)", cfg.Dropout)
	}
	if !cfg.Freeze && !combiner.Trainable() {
		modelLogger := logger.NewLogger("Tagger")
		modelLogger.Warn().
			Msg("Encoders are inference-only; training projection and CRF parameters only")
	}

	hidden := combiner.HiddenSize()
	rng := rand.New(rand.NewSource(cfg.Seed))

	proj := mat.NewDense(hidden, numLabels, nil)
	for i := 0; i < hidden; i++ {
		for j := 0; j < numLabels; j++ {
			proj.Set(i, j, (rng.Float64()*2-1)*initScale)
		}
	}

	tagger := &Tagger{
		combiner:  combiner,
		layer:     layer,
		scheme:    cfg.Scheme,
		dropout:   cfg.Dropout,
		rng:       rng,
		proj:      proj,
		bias:      make([]float64, numLabels),
		gradProj:  mat.NewDense(hidden, numLabels, nil),
		gradBias:  make([]float64, numLabels),
		gradTrans: mat.NewDense(numLabels, numLabels, nil),
		gradStart: make([]float64, numLabels),
		gradEnd:   make([]float64, numLabels),
	}
	return tagger, nil
}

func (tagger *Tagger) Scheme() *labels.Scheme { return tagger.scheme }

// emissions projects combined hidden states into label space. When train is
// set, inverted dropout is applied to the hidden states first; the dropped
// matrix is returned so the backward pass reuses it.
func (tagger *Tagger) emissions(ex types.Example, train bool) (*mat.Dense, *mat.Dense, error) {
	hidden, err := tagger.combiner.Encode(ex.InputIDs, ex.AttentionMask, ex.TokenTypeIDs)
	if err != nil {
		return nil, nil, err
	}

	if train && tagger.dropout > 0 {
		keep := 1 - tagger.dropout
		rows, cols := hidden.Dims()
		for t := 0; t < rows; t++ {
			row := hidden.RawRowView(t)
			for h := 0; h < cols; h++ {
				if tagger.rng.Float64() < tagger.dropout {
					row[h] = 0
				} else {
					row[h] /= keep
				}
			}
		}
	}

	rows, _ := hidden.Dims()
	numLabels := tagger.scheme.Size()
	logits := mat.NewDense(rows, numLabels, nil)
	logits.Mul(hidden, tagger.proj)
	for t := 0; t < rows; t++ {
		row := logits.RawRowView(t)
		for j := 0; j < numLabels; j++ {
			row[j] += tagger.bias[j]
		}
	}
	return logits, hidden, nil
}

// Forward runs the tagger in training mode over a batch with gold labels,
// returning the batch-mean of length-normalized CRF losses and the emission
// scores per example. Gradients accumulate into the tagger's buffers; each
// example contributes independently, so the loss is invariant under
// reordering of the batch.
func (tagger *Tagger) Forward(batch []types.Example) (float64, []*mat.Dense, error) {
	if len(batch) == 0 {
		return 0, nil, fmt.Errorf("model: empty batch")
	}

	scale := 1 / float64(len(batch))
	total := 0.0
	logits := make([]*mat.Dense, len(batch))

	for n, ex := range batch {
		if ex.Labels == nil {
			return 0, nil, fmt.Errorf("model: example %d has no gold labels", n)
		}
		emissions, dropped, err := tagger.emissions(ex, true)
		if err != nil {
			return 0, nil, fmt.Errorf("model: example %d: %w", n, err)
		}

		loss, grads, err := tagger.layer.Loss(emissions, ex.Labels, ex.ValidLen())
		if err != nil {
			return 0, nil, fmt.Errorf("model: example %d: %w", n, err)
		}
		total += loss * scale
		logits[n] = emissions

		tagger.accumulate(dropped, grads, scale)
	}
	return total, logits, nil
}

func (tagger *Tagger) accumulate(dropped *mat.Dense, grads *crf.Gradients, scale float64) {
	var dProj mat.Dense
	dProj.Mul(dropped.T(), grads.Emissions)
	dProj.Scale(scale, &dProj)
	tagger.gradProj.Add(tagger.gradProj, &dProj)

	rows, numLabels := grads.Emissions.Dims()
	for t := 0; t < rows; t++ {
		row := grads.Emissions.RawRowView(t)
		for j := 0; j < numLabels; j++ {
			tagger.gradBias[j] += row[j] * scale
		}
	}

	var dTrans mat.Dense
	dTrans.Scale(scale, grads.Transitions)
	tagger.gradTrans.Add(tagger.gradTrans, &dTrans)
	for j := 0; j < numLabels; j++ {
		tagger.gradStart[j] += grads.Start[j] * scale
		tagger.gradEnd[j] += grads.End[j] * scale
	}
}

// Decode runs the tagger in inference mode: no dropout, Viterbi per example,
// masked positions excluded. An all-masked example decodes to an empty
// sequence.
func (tagger *Tagger) Decode(batch []types.Example) ([][]int, error) {
	paths := make([][]int, len(batch))
	for n, ex := range batch {
		emissions, _, err := tagger.emissions(ex, false)
		if err != nil {
			return nil, fmt.Errorf("model: example %d: %w", n, err)
		}
		paths[n] = tagger.layer.Decode(emissions, ex.ValidLen())
	}
	return paths, nil
}

// Parameters exposes the trainable head: projection, bias, and the CRF
// parameters when the layer is trainable. Encoder parameters never appear
// here; the backends are opaque.
func (tagger *Tagger) Parameters() []Param {
	params := []Param{
		{Name: "proj.weight", Data: tagger.proj.RawMatrix().Data, Grad: tagger.gradProj.RawMatrix().Data},
		{Name: "proj.bias", Data: tagger.bias, Grad: tagger.gradBias},
	}
	if trainable, ok := tagger.layer.(trainableLayer); ok {
		trans, start, end := trainable.Params()
		params = append(params,
			Param{Name: "crf.transitions", Data: trans.RawMatrix().Data, Grad: tagger.gradTrans.RawMatrix().Data},
			Param{Name: "crf.start", Data: start, Grad: tagger.gradStart},
			Param{Name: "crf.end", Data: end, Grad: tagger.gradEnd},
		)
	}
	return params
}

func (tagger *Tagger) ZeroGrad() {
	tagger.gradProj.Zero()
	tagger.gradTrans.Zero()
	for j := range tagger.gradBias {
		tagger.gradBias[j] = 0
	}
	for j := range tagger.gradStart {
		tagger.gradStart[j] = 0
		tagger.gradEnd[j] = 0
	}
}
