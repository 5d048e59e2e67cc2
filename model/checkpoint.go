package model

import (
	"encoding/json"
	"fmt"
)

// headCheckpoint is the JSON-serialized trainable state: projection and CRF
// parameters. Encoder weights stay in their ONNX exports.
type headCheckpoint struct {
	HiddenSize  int       `json:"hidden_size"`
	NumLabels   int       `json:"num_labels"`
	ProjWeights []float64 `json:"proj_weights"`
	ProjBias    []float64 `json:"proj_bias"`
	Transitions []float64 `json:"transitions"`
	Start       []float64 `json:"start_transitions"`
	End         []float64 `json:"end_transitions"`
}

func (tagger *Tagger) MarshalHead() ([]byte, error) {
	hidden, numLabels := tagger.proj.Dims()
	ckpt := headCheckpoint{
		HiddenSize:  hidden,
		NumLabels:   numLabels,
		ProjWeights: append([]float64(nil), tagger.proj.RawMatrix().Data...),
		ProjBias:    append([]float64(nil), tagger.bias...),
	}
	if trainable, ok := tagger.layer.(trainableLayer); ok {
		trans, start, end := trainable.Params()
		ckpt.Transitions = append([]float64(nil), trans.RawMatrix().Data...)
		ckpt.Start = append([]float64(nil), start...)
		ckpt.End = append([]float64(nil), end...)
	}
	return json.Marshal(ckpt)
}

// UnmarshalHead restores trainable state from a checkpoint. Dimension
// mismatches are configuration errors: the checkpoint belongs to a different
// label set or encoder combination.
func (tagger *Tagger) UnmarshalHead(data []byte) error {
	var ckpt headCheckpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return fmt.Errorf("model: decode checkpoint: %w", err)
	}

	hidden, numLabels := tagger.proj.Dims()
	if ckpt.HiddenSize != hidden || ckpt.NumLabels != numLabels {
		return fmt.Errorf("model: checkpoint shape %dx%d does not match head %dx%d",
			ckpt.HiddenSize, ckpt.NumLabels, hidden, numLabels)
	}
	if len(ckpt.ProjWeights) != hidden*numLabels || len(ckpt.ProjBias) != numLabels {
		return fmt.Errorf("model: corrupt checkpoint: projection sizes do not match header")
	}

	copy(tagger.proj.RawMatrix().Data, ckpt.ProjWeights)
	copy(tagger.bias, ckpt.ProjBias)

	if trainable, ok := tagger.layer.(trainableLayer); ok && ckpt.Transitions != nil {
		trans, start, end := trainable.Params()
		if len(ckpt.Transitions) != numLabels*numLabels ||
			len(ckpt.Start) != numLabels || len(ckpt.End) != numLabels {
			return fmt.Errorf("model: corrupt checkpoint: CRF sizes do not match label set")
		}
		copy(trans.RawMatrix().Data, ckpt.Transitions)
		copy(start, ckpt.Start)
		copy(end, ckpt.End)
	}
	return nil
}
