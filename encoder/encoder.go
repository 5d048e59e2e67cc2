// Package encoder abstracts pretrained sequence encoders: anything that maps
// token ids plus an attention mask to one hidden vector per token. Concrete
// encoders are opaque calls into a numeric backend; the combiner composes
// several of them into a single wider representation.
package encoder

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Encoder produces per-token hidden states for a tokenized sequence.
type Encoder interface {
	// Encode returns an L x HiddenSize matrix of final-layer hidden states,
	// one row per input token. typeIDs may be nil for encoders without
	// segment embeddings.
	Encode(ids []int64, mask []bool, typeIDs []int64) (*mat.Dense, error)

	HiddenSize() int

	// Trainable reports whether the backend can receive gradient updates.
	// ONNX-backed encoders are inference-only.
	Trainable() bool

	Close() error
}

// Concat runs each encoder on the same input and concatenates the per-token
// hidden states along the feature dimension. The ensemble pattern is not
// hard-coded to two encoders.
type Concat struct {
	encoders []Encoder
	hidden   int
}

func NewConcat(encoders ...Encoder) (*Concat, error) {
	if len(encoders) == 0 {
		return nil, fmt.Errorf("encoder: combiner needs at least one encoder")
	}
	hidden := 0
	for _, enc := range encoders {
		if enc.HiddenSize() <= 0 {
			return nil, fmt.Errorf("encoder: non-positive hidden size %d", enc.HiddenSize())
		}
		hidden += enc.HiddenSize()
	}
	return &Concat{encoders: encoders, hidden: hidden}, nil
}

func (c *Concat) HiddenSize() int {
	return c.hidden
}

func (c *Concat) Trainable() bool {
	for _, enc := range c.encoders {
		if enc.Trainable() {
			return true
		}
	}
	return false
}

// Encode returns an L x HiddenSize matrix with each encoder's output placed
// in its own column block, in construction order. Only the first encoder
// receives token type ids; the rest encode without segment information,
// matching how mixed-vocabulary ensembles are run.
func (c *Concat) Encode(ids []int64, mask []bool, typeIDs []int64) (*mat.Dense, error) {
	combined := mat.NewDense(len(ids), c.hidden, nil)

	col := 0
	for i, enc := range c.encoders {
		segIDs := typeIDs
		if i > 0 {
			segIDs = nil
		}
		hidden, err := enc.Encode(ids, mask, segIDs)
		if err != nil {
			return nil, fmt.Errorf("encoder %d: %w", i, err)
		}
		rows, cols := hidden.Dims()
		if rows != len(ids) || cols != enc.HiddenSize() {
			return nil, fmt.Errorf("encoder %d: got %dx%d hidden states for %d tokens", i, rows, cols, len(ids))
		}
		combined.Slice(0, rows, col, col+cols).(*mat.Dense).Copy(hidden)
		col += cols
	}
	return combined, nil
}

func (c *Concat) Close() error {
	var firstErr error
	for _, enc := range c.encoders {
		if err := enc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
