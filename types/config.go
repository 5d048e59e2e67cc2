package types

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"legalner.dev/lnt/utils"
)

const (
	SchedulerLinear     = "linear"
	SchedulerCosine     = "cosine"
	SchedulerConstant   = "constant"
	SchedulerPolynomial = "polynomial"

	StoreLocal = "local"
	StoreS3    = "s3"
)

// RunConfig describes one training run. The hash code of the config
// identifies the run in the tracker and in checkpoint keys.
type RunConfig struct {
	Name string `yaml:"name" json:"name"`

	// Encoder model paths (ONNX exports), loaded by the ensemble combiner in
	// listed order. The first encoder receives token type ids when present.
	EncoderPaths []string `yaml:"encoder_paths" json:"encoder_paths"`
	TokenizerID  string   `yaml:"tokenizer_id" json:"tokenizer_id"`
	MaxSeqLen    int      `yaml:"max_seq_len" json:"max_seq_len"`

	TrainPath string `yaml:"train_path" json:"train_path"`
	ValidPath string `yaml:"valid_path" json:"valid_path"`

	BatchSize    int     `yaml:"batch_size" json:"batch_size"`
	Epochs       int     `yaml:"epochs" json:"epochs"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay" json:"weight_decay"`
	WarmupRatio  float64 `yaml:"warmup_ratio" json:"warmup_ratio"`
	Scheduler    string  `yaml:"scheduler" json:"scheduler"`
	Dropout      float64 `yaml:"dropout" json:"dropout"`
	Freeze       bool    `yaml:"freeze" json:"freeze"`
	Patience     int     `yaml:"patience" json:"patience"`
	Workers      int     `yaml:"workers" json:"workers"`
	Seed         int64   `yaml:"seed" json:"seed"`

	CheckpointStore string `yaml:"checkpoint_store" json:"checkpoint_store"`
	CheckpointDir   string `yaml:"checkpoint_dir" json:"checkpoint_dir"`
	TrackRun        bool   `yaml:"track_run" json:"track_run"`
}

// GetHashCode folds every field that changes what a run trains or produces.
// Parallelism and tracking knobs stay out: they alter how a run executes,
// not its result.
func (cfg RunConfig) GetHashCode() uint64 {
	key := fmt.Sprintf("%s|%s|%s|%d|%s|%s|%d|%d|%g|%g|%g|%s|%g|%v|%d|%d|%s|%s",
		cfg.Name,
		strings.Join(cfg.EncoderPaths, ","),
		cfg.TokenizerID,
		cfg.MaxSeqLen,
		cfg.TrainPath,
		cfg.ValidPath,
		cfg.BatchSize,
		cfg.Epochs,
		cfg.LearningRate,
		cfg.WeightDecay,
		cfg.WarmupRatio,
		cfg.Scheduler,
		cfg.Dropout,
		cfg.Freeze,
		cfg.Patience,
		cfg.Seed,
		cfg.CheckpointStore,
		cfg.CheckpointDir,
	)
	return utils.HashString(key)
}

// RunID is the stable identifier derived from the config hash.
func (cfg RunConfig) RunID() string {
	return fmt.Sprintf("%s-%016x", cfg.Name, cfg.GetHashCode())
}

func LoadRunConfig(filePath string) (RunConfig, error) {
	cfg := RunConfig{
		MaxSeqLen:       512,
		BatchSize:       1,
		Epochs:          5,
		LearningRate:    1e-5,
		WeightDecay:     0.01,
		WarmupRatio:     0.06,
		Scheduler:       SchedulerLinear,
		Dropout:         0.1,
		Patience:        2,
		Workers:         4,
		CheckpointStore: StoreLocal,
		CheckpointDir:   "results",
	}

	buf, err := os.ReadFile(filePath)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate catches configuration errors before any training step runs.
func (cfg RunConfig) Validate() error {
	if len(cfg.EncoderPaths) == 0 {
		return fmt.Errorf("config %q: no encoder paths", cfg.Name)
	}
	for _, p := range cfg.EncoderPaths {
		if p == "" {
			return fmt.Errorf("config %q: empty encoder path", cfg.Name)
		}
	}
	switch cfg.Scheduler {
	case SchedulerLinear, SchedulerCosine, SchedulerConstant, SchedulerPolynomial:
	default:
		return fmt.Errorf("config %q: unknown scheduler %q", cfg.Name, cfg.Scheduler)
	}
	switch cfg.CheckpointStore {
	case StoreLocal, StoreS3:
	default:
		return fmt.Errorf("config %q: unknown checkpoint store %q", cfg.Name, cfg.CheckpointStore)
	}
	if cfg.BatchSize <= 0 || cfg.Epochs <= 0 {
		return fmt.Errorf("config %q: batch size and epochs must be positive", cfg.Name)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return fmt.Errorf("config %q: dropout must be in [0, 1)", cfg.Name)
	}
	return nil
}
