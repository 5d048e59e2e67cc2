// lmprobe is a one-off inspection tool for pretrained language models
// exported to ONNX: it prints the model's input/output signature and runs a
// short greedy continuation of a prompt, enough to confirm an export is
// usable before wiring it into an ensemble.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	ort "github.com/yalue/onnxruntime_go"

	"legalner.dev/lnt/logger"
)

func main() {
	logger.SetupLogging()
	probeLogger := logger.NewLogger("LMProbe")

	modelPath := flag.String("model", "", "ONNX model path")
	tokenizerID := flag.String("tokenizer", "", "tokenizer repository id")
	prompt := flag.String("prompt", "The court held that", "prompt to continue")
	steps := flag.Int("steps", 20, "greedy decode steps")
	flag.Parse()

	if *modelPath == "" || *tokenizerID == "" {
		probeLogger.Fatal().Msg("Both -model and -tokenizer are required")
		os.Exit(1)
	}

	if libPath, ok := os.LookupEnv("LNT_ONNXRUNTIME_LIB"); ok {
		ort.SetSharedLibraryPath(libPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			probeLogger.Fatal().Err(err).Msg("Failed to initialize onnxruntime")
			os.Exit(1)
		}
	}
	defer func() { _ = ort.DestroyEnvironment() }()

	inputs, outputs, err := ort.GetInputOutputInfo(*modelPath)
	if err != nil {
		probeLogger.Fatal().Err(err).Str("model", *modelPath).Msg("Failed to inspect model")
		os.Exit(1)
	}
	fmt.Printf("model: %s\n", *modelPath)
	fmt.Println("inputs:")
	for _, in := range inputs {
		fmt.Printf("  %-20s %v\n", in.Name, in.Dimensions)
	}
	fmt.Println("outputs:")
	for _, out := range outputs {
		fmt.Printf("  %-20s %v\n", out.Name, out.Dimensions)
	}

	logitsName := ""
	for _, out := range outputs {
		if out.Name == "logits" {
			logitsName = out.Name
		}
	}
	if logitsName == "" {
		probeLogger.Warn().Msg("Model exposes no logits output, skipping generation")
		return
	}

	tok, err := tokenizers.New(hub.New(*tokenizerID))
	if err != nil {
		probeLogger.Fatal().Err(err).Str("tokenizer", *tokenizerID).Msg("Failed to load tokenizer")
		os.Exit(1)
	}

	ids := make([]int64, 0, *steps+16)
	for _, id := range tok.Encode(*prompt) {
		ids = append(ids, int64(id))
	}
	if len(ids) == 0 {
		probeLogger.Fatal().Msg("Prompt tokenized to nothing")
		os.Exit(1)
	}

	session, err := ort.NewDynamicAdvancedSession(
		*modelPath,
		[]string{"input_ids"},
		[]string{logitsName},
		nil,
	)
	if err != nil {
		probeLogger.Fatal().Err(err).Msg("Failed to create session")
		os.Exit(1)
	}
	defer session.Destroy()

	for step := 0; step < *steps; step++ {
		next, err := greedyStep(session, ids)
		if err != nil {
			probeLogger.Fatal().Err(err).Int("step", step).Msg("Generation failed")
			os.Exit(1)
		}
		ids = append(ids, next)
	}

	decoded := make([]int, len(ids))
	for i, id := range ids {
		decoded[i] = int(id)
	}
	fmt.Printf("\n%s\n", tok.Decode(decoded))
}

// greedyStep runs the model on the whole sequence and picks the argmax of
// the last position's logits.
func greedyStep(session *ort.DynamicAdvancedSession, ids []int64) (int64, error) {
	seqLen := len(ids)
	input, err := ort.NewTensor(ort.NewShape(1, int64(seqLen)), ids)
	if err != nil {
		return 0, fmt.Errorf("allocate input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := session.Run([]ort.Value{input}, outputs); err != nil {
		return 0, fmt.Errorf("forward pass: %w", err)
	}
	defer outputs[0].Destroy()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return 0, fmt.Errorf("logits are %T, expected float32 tensor", outputs[0])
	}
	dims := logits.GetShape()
	if len(dims) != 3 {
		return 0, fmt.Errorf("unexpected logits shape %v", dims)
	}
	vocab := int(dims[2])
	raw := logits.GetData()
	base := (seqLen - 1) * vocab

	best := 0
	for v := 1; v < vocab; v++ {
		if raw[base+v] > raw[base+best] {
			best = v
		}
	}
	return int64(best), nil
}
