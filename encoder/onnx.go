package encoder

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"
	ort "github.com/yalue/onnxruntime_go"

	"legalner.dev/lnt/logger"
)

const hiddenStateOutput = "last_hidden_state"

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime() error {
	ortInitOnce.Do(func() {
		if libPath, ok := os.LookupEnv("LNT_ONNXRUNTIME_LIB"); ok {
			ort.SetSharedLibraryPath(libPath)
		}
		if !ort.IsInitialized() {
			ortInitErr = ort.InitializeEnvironment()
		}
	})
	return ortInitErr
}

// ONNXEncoder wraps a pretrained transformer encoder exported to ONNX. The
// session is built once with fixed-shape tensors; Encode serializes calls
// because the tensors are reused across runs.
type ONNXEncoder struct {
	session *ort.AdvancedSession

	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]

	seqLen int
	hidden int

	mu sync.Mutex
}

// NewONNXEncoder loads an encoder by model path. A missing or malformed
// model is a construction-time failure; no training step may run after it.
func NewONNXEncoder(modelPath string, seqLen int) (*ONNXEncoder, error) {
	encLogger := logger.NewLogger("ONNXEncoder")

	if modelPath == "" {
		return nil, fmt.Errorf("encoder: empty model path")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("encoder: model %q: %w", modelPath, err)
	}
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("encoder: initialize onnxruntime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("encoder: inspect %q: %w", modelPath, err)
	}
	hidden, err := hiddenSizeFromOutputs(outputs)
	if err != nil {
		return nil, fmt.Errorf("encoder: %q: %w", modelPath, err)
	}
	wantsTypeIDs := false
	for _, in := range inputs {
		if in.Name == "token_type_ids" {
			wantsTypeIDs = true
		}
	}

	inputShape := ort.NewShape(1, int64(seqLen))
	idsTensor, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("encoder: allocate input_ids tensor: %w", err)
	}
	maskTensor, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("encoder: allocate attention_mask tensor: %w", err)
	}
	var typeTensor *ort.Tensor[int64]
	if wantsTypeIDs {
		typeTensor, err = ort.NewEmptyTensor[int64](inputShape)
		if err != nil {
			return nil, fmt.Errorf("encoder: allocate token_type_ids tensor: %w", err)
		}
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(seqLen), int64(hidden)))
	if err != nil {
		return nil, fmt.Errorf("encoder: allocate output tensor: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask"}
	inputValues := []ort.Value{idsTensor, maskTensor}
	if typeTensor != nil {
		inputNames = append(inputNames, "token_type_ids")
		inputValues = append(inputValues, typeTensor)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		inputNames,
		[]string{hiddenStateOutput},
		inputValues,
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("encoder: create session for %q: %w", modelPath, err)
	}

	encLogger.Info().
		Str("model", modelPath).
		Int("hidden_size", hidden).
		Int("seq_len", seqLen).
		Bool("token_type_ids", wantsTypeIDs).
		Msg("Loaded pretrained encoder")

	return &ONNXEncoder{
		session:       session,
		inputIDs:      idsTensor,
		attentionMask: maskTensor,
		tokenTypeIDs:  typeTensor,
		output:        output,
		seqLen:        seqLen,
		hidden:        hidden,
	}, nil
}

func hiddenSizeFromOutputs(outputs []ort.InputOutputInfo) (int, error) {
	for _, out := range outputs {
		if !strings.EqualFold(out.Name, hiddenStateOutput) {
			continue
		}
		dims := out.Dimensions
		if len(dims) != 3 || dims[len(dims)-1] <= 0 {
			return 0, fmt.Errorf("unexpected %s shape %v", hiddenStateOutput, dims)
		}
		return int(dims[len(dims)-1]), nil
	}
	return 0, fmt.Errorf("model exposes no %s output", hiddenStateOutput)
}

func (enc *ONNXEncoder) HiddenSize() int {
	return enc.hidden
}

func (enc *ONNXEncoder) Trainable() bool {
	return false
}

func (enc *ONNXEncoder) Encode(ids []int64, mask []bool, typeIDs []int64) (*mat.Dense, error) {
	if len(ids) == 0 || len(ids) > enc.seqLen {
		return nil, fmt.Errorf("encoder: sequence length %d outside (0, %d]", len(ids), enc.seqLen)
	}
	if len(mask) != len(ids) {
		return nil, fmt.Errorf("encoder: mask length %d does not match %d tokens", len(mask), len(ids))
	}

	enc.mu.Lock()
	defer enc.mu.Unlock()

	idsData := enc.inputIDs.GetData()
	maskData := enc.attentionMask.GetData()
	for i := range idsData {
		idsData[i] = 0
		maskData[i] = 0
	}
	copy(idsData, ids)
	for i, m := range mask {
		if m {
			maskData[i] = 1
		}
	}
	if enc.tokenTypeIDs != nil {
		typeData := enc.tokenTypeIDs.GetData()
		for i := range typeData {
			typeData[i] = 0
		}
		if typeIDs != nil {
			copy(typeData, typeIDs)
		}
	}

	if err := enc.session.Run(); err != nil {
		return nil, fmt.Errorf("encoder: forward pass: %w", err)
	}

	raw := enc.output.GetData()
	hidden := mat.NewDense(len(ids), enc.hidden, nil)
	for t := 0; t < len(ids); t++ {
		row := hidden.RawRowView(t)
		base := t * enc.hidden
		for h := 0; h < enc.hidden; h++ {
			row[h] = float64(raw[base+h])
		}
	}
	return hidden, nil
}

func (enc *ONNXEncoder) Close() error {
	enc.mu.Lock()
	defer enc.mu.Unlock()

	if enc.session != nil {
		enc.session.Destroy()
		enc.session = nil
	}
	for _, tensor := range []*ort.Tensor[int64]{enc.inputIDs, enc.attentionMask, enc.tokenTypeIDs} {
		if tensor != nil {
			tensor.Destroy()
		}
	}
	if enc.output != nil {
		enc.output.Destroy()
	}
	return nil
}
