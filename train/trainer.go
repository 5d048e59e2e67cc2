package train

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog"

	"legalner.dev/lnt/eval"
	"legalner.dev/lnt/labels"
	"legalner.dev/lnt/logger"
	"legalner.dev/lnt/model"
	"legalner.dev/lnt/types"
)

// Arguments carries the hyperparameters of one fine-tuning run.
type Arguments struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	WeightDecay  float64
	WarmupRatio  float64
	Scheduler    string
	MaxGradNorm  float64
	Patience     int
	Seed         int64
}

// ArgumentsFromConfig translates a run config into trainer arguments.
func ArgumentsFromConfig(cfg types.RunConfig) Arguments {
	return Arguments{
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		WeightDecay:  cfg.WeightDecay,
		WarmupRatio:  cfg.WarmupRatio,
		Scheduler:    cfg.Scheduler,
		MaxGradNorm:  1.0,
		Patience:     cfg.Patience,
		Seed:         cfg.Seed,
	}
}

// EpochMetrics is what one validation pass produced.
type EpochMetrics struct {
	Epoch     int                `json:"epoch"`
	TrainLoss float64            `json:"train_loss"`
	Strict    float64            `json:"f1_strict"`
	Exact     float64            `json:"f1_exact"`
	Partial   float64            `json:"f1_partial"`
	TypeMatch float64            `json:"f1_type_match"`
	PerType   map[string]float64 `json:"per_type_f1"`
}

// Store persists serialized model heads. The checkpoint package provides
// local-directory and S3 implementations.
type Store interface {
	Save(runID, name string, data []byte) (string, error)
}

// Sink receives progress updates for a run. The tracker package provides a
// Redis-backed implementation.
type Sink interface {
	RecordEpoch(ctx context.Context, runID string, m EpochMetrics) error
	RecordBest(ctx context.Context, runID string, strictF1 float64, checkpointKey string) error
}

// Summary reports how a run ended.
type Summary struct {
	EpochsRun      int
	BestEpoch      int
	BestStrictF1   float64
	BestCheckpoint string
}

type Trainer struct {
	tagger   *model.Tagger
	args     Arguments
	trainSet []types.Example
	validSet []types.Example
	store    Store
	sink     Sink
	runID    string
	log      zerolog.Logger
}

// NewTrainer wires a tagger to its data and run bookkeeping. store and sink
// may be nil, in which case checkpoints and progress are not persisted.
func NewTrainer(tagger *model.Tagger, args Arguments, trainSet, validSet []types.Example, store Store, sink Sink, runID string) (*Trainer, error) {
	if args.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", args.Epochs)
	}
	if args.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", args.BatchSize)
	}
	if args.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", args.LearningRate)
	}
	if len(trainSet) == 0 {
		return nil, fmt.Errorf("training set is empty")
	}
	return &Trainer{
		tagger:   tagger,
		args:     args,
		trainSet: trainSet,
		validSet: validSet,
		store:    store,
		sink:     sink,
		runID:    runID,
		log:      logger.NewLogger("trainer"),
	}, nil
}

// Train runs the full epoch loop: shuffle, batch, forward, clip, AdamW step
// under the warmup schedule, then a validation pass per epoch. The best
// checkpoint by strict F1 is kept, and the loop stops early once Patience
// epochs pass without improvement.
func (t *Trainer) Train(ctx context.Context) (Summary, error) {
	stepsPerEpoch := (len(t.trainSet) + t.args.BatchSize - 1) / t.args.BatchSize
	totalSteps := stepsPerEpoch * t.args.Epochs
	warmupSteps := int(t.args.WarmupRatio * float64(totalSteps))

	schedule, err := NewSchedule(t.args.Scheduler, warmupSteps, totalSteps)
	if err != nil {
		return Summary{}, err
	}
	opt := NewAdamW(t.args.WeightDecay)
	rng := rand.New(rand.NewSource(t.args.Seed))

	order := make([]int, len(t.trainSet))
	for i := range order {
		order[i] = i
	}

	summary := Summary{BestStrictF1: math.Inf(-1)}
	sinceBest := 0
	step := 0

	for epoch := 1; epoch <= t.args.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		epochLoss := 0.0
		for start := 0; start < len(order); start += t.args.BatchSize {
			end := start + t.args.BatchSize
			if end > len(order) {
				end = len(order)
			}
			batch := make([]types.Example, 0, end-start)
			for _, idx := range order[start:end] {
				batch = append(batch, t.trainSet[idx])
			}

			t.tagger.ZeroGrad()
			loss, _, err := t.tagger.Forward(batch)
			if err != nil {
				return summary, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			epochLoss += loss * float64(len(batch))

			params := t.tagger.Parameters()
			clipGradNorm(params, t.args.MaxGradNorm)
			opt.Step(params, t.args.LearningRate*schedule(step))
			step++
		}

		metrics, err := t.validate(epoch, epochLoss/float64(len(t.trainSet)))
		if err != nil {
			return summary, err
		}
		summary.EpochsRun = epoch

		t.log.Info().
			Int("epoch", epoch).
			Float64("train_loss", metrics.TrainLoss).
			Float64("f1_strict", metrics.Strict).
			Float64("f1_exact", metrics.Exact).
			Float64("f1_partial", metrics.Partial).
			Float64("f1_type_match", metrics.TypeMatch).
			Msg("epoch complete")
		for entityType, f1 := range metrics.PerType {
			t.log.Debug().Int("epoch", epoch).Str("type", entityType).Float64("f1", f1).Msg("per-type f1")
		}

		if t.sink != nil {
			if err := t.sink.RecordEpoch(ctx, t.runID, metrics); err != nil {
				t.log.Warn().Err(err).Msg("failed to record epoch metrics")
			}
		}

		if metrics.Strict > summary.BestStrictF1 {
			summary.BestStrictF1 = metrics.Strict
			summary.BestEpoch = epoch
			sinceBest = 0

			key, err := t.saveCheckpoint(epoch)
			if err != nil {
				return summary, err
			}
			summary.BestCheckpoint = key
			if t.sink != nil && key != "" {
				if err := t.sink.RecordBest(ctx, t.runID, metrics.Strict, key); err != nil {
					t.log.Warn().Err(err).Msg("failed to record best checkpoint")
				}
			}
		} else {
			sinceBest++
			if t.args.Patience > 0 && sinceBest >= t.args.Patience {
				t.log.Info().Int("epoch", epoch).Int("patience", t.args.Patience).Msg("early stopping")
				break
			}
		}
	}

	return summary, nil
}

func (t *Trainer) validate(epoch int, trainLoss float64) (EpochMetrics, error) {
	metrics := EpochMetrics{Epoch: epoch, TrainLoss: trainLoss, PerType: map[string]float64{}}
	if len(t.validSet) == 0 {
		return metrics, nil
	}

	pred := make([][]int, 0, len(t.validSet))
	gold := make([][]int, 0, len(t.validSet))
	for start := 0; start < len(t.validSet); start += t.args.BatchSize {
		end := start + t.args.BatchSize
		if end > len(t.validSet) {
			end = len(t.validSet)
		}
		batch := t.validSet[start:end]

		paths, err := t.tagger.Decode(batch)
		if err != nil {
			return metrics, fmt.Errorf("validation epoch %d: %w", epoch, err)
		}
		for i, path := range paths {
			padded := make([]int, len(batch[i].Labels))
			for j := range padded {
				padded[j] = labels.IgnoreIndex
			}
			copy(padded, path)
			pred = append(pred, padded)
			gold = append(gold, batch[i].Labels)
		}
	}

	results := eval.Evaluate(pred, gold, t.tagger.Scheme())
	metrics.Strict = results.Strict.F1
	metrics.Exact = results.Exact.F1
	metrics.Partial = results.Partial.F1
	metrics.TypeMatch = results.TypeMatch.F1
	for entityType, score := range results.PerType {
		metrics.PerType[entityType] = score.F1
	}
	return metrics, nil
}

func (t *Trainer) saveCheckpoint(epoch int) (string, error) {
	if t.store == nil {
		return "", nil
	}
	data, err := t.tagger.MarshalHead()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("checkpoint-epoch-%03d.json", epoch)
	key, err := t.store.Save(t.runID, name, data)
	if err != nil {
		return "", fmt.Errorf("saving checkpoint for epoch %d: %w", epoch, err)
	}
	return key, nil
}
