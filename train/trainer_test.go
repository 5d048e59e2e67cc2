package train

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"legalner.dev/lnt/crf"
	"legalner.dev/lnt/encoder"
	"legalner.dev/lnt/labels"
	"legalner.dev/lnt/model"
	"legalner.dev/lnt/types"
)

// onehotEncoder maps each token id to a one-hot hidden vector so the linear
// head can separate labels perfectly on synthetic data.
type onehotEncoder struct {
	hidden int
}

func (e *onehotEncoder) Encode(ids []int64, mask []bool, typeIDs []int64) (*mat.Dense, error) {
	out := mat.NewDense(len(ids), e.hidden, nil)
	for t, id := range ids {
		out.Set(t, int(id)%e.hidden, 1.0)
	}
	return out, nil
}

func (e *onehotEncoder) HiddenSize() int { return e.hidden }
func (e *onehotEncoder) Trainable() bool { return false }
func (e *onehotEncoder) Close() error    { return nil }

type memoryStore struct {
	saves map[string][]byte
}

func (s *memoryStore) Save(runID, name string, data []byte) (string, error) {
	if s.saves == nil {
		s.saves = map[string][]byte{}
	}
	key := runID + "/" + name
	s.saves[key] = data
	return key, nil
}

type memorySink struct {
	epochs  []EpochMetrics
	bestKey string
	bestF1  float64
}

func (s *memorySink) RecordEpoch(ctx context.Context, runID string, m EpochMetrics) error {
	s.epochs = append(s.epochs, m)
	return nil
}

func (s *memorySink) RecordBest(ctx context.Context, runID string, strictF1 float64, key string) error {
	s.bestF1 = strictF1
	s.bestKey = key
	return nil
}

func trainerTagger(t *testing.T, scheme *labels.Scheme) *model.Tagger {
	t.Helper()
	comb, err := encoder.NewConcat(&onehotEncoder{hidden: 8})
	if err != nil {
		t.Fatal(err)
	}
	layer, err := crf.NewLinearChain(scheme.Size(), rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatal(err)
	}
	tagger, err := model.New(comb, layer, model.Config{Scheme: scheme, Freeze: true, Seed: 11})
	if err != nil {
		t.Fatal(err)
	}
	return tagger
}

// syntheticExamples labels token id 1 as B-COURT, id 2 as I-COURT and
// everything else as outside.
func syntheticExamples(t *testing.T, scheme *labels.Scheme, n int) []types.Example {
	t.Helper()
	bCourt, ok := scheme.Index("B-COURT")
	if !ok {
		t.Fatal("scheme is missing B-COURT")
	}
	iCourt, _ := scheme.Index("I-COURT")

	rng := rand.New(rand.NewSource(3))
	examples := make([]types.Example, 0, n)
	for i := 0; i < n; i++ {
		ids := make([]int64, 6)
		gold := make([]int, 6)
		mask := make([]bool, 6)
		for j := range ids {
			ids[j] = int64(rng.Intn(2)) * 3 // 0 or 3, both outside
			gold[j] = scheme.OutsideIndex()
			mask[j] = true
		}
		ids[2], gold[2] = 1, bCourt
		ids[3], gold[3] = 2, iCourt
		examples = append(examples, types.Example{InputIDs: ids, AttentionMask: mask, Labels: gold})
	}
	return examples
}

func TestTrainerFitsSyntheticData(t *testing.T) {
	scheme := labels.Default()
	tagger := trainerTagger(t, scheme)
	data := syntheticExamples(t, scheme, 12)

	args := Arguments{
		Epochs:       30,
		BatchSize:    4,
		LearningRate: 0.1,
		Scheduler:    types.SchedulerConstant,
		MaxGradNorm:  5.0,
		Seed:         1,
	}
	store := &memoryStore{}
	sink := &memorySink{}
	trainer, err := NewTrainer(tagger, args, data, data, store, sink, "run-test")
	if err != nil {
		t.Fatal(err)
	}

	initialLoss, _, err := tagger.Forward(data)
	if err != nil {
		t.Fatal(err)
	}
	tagger.ZeroGrad()

	summary, err := trainer.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	finalLoss, _, err := tagger.Forward(data)
	if err != nil {
		t.Fatal(err)
	}
	if finalLoss >= initialLoss {
		t.Fatalf("loss did not improve: %v -> %v", initialLoss, finalLoss)
	}

	if summary.EpochsRun == 0 {
		t.Fatal("no epochs ran")
	}
	if summary.BestCheckpoint == "" {
		t.Fatal("no best checkpoint recorded")
	}
	if _, ok := store.saves[summary.BestCheckpoint]; !ok {
		t.Fatalf("best checkpoint %q was never saved", summary.BestCheckpoint)
	}
	if len(sink.epochs) != summary.EpochsRun {
		t.Fatalf("sink saw %d epochs, trainer ran %d", len(sink.epochs), summary.EpochsRun)
	}
	if sink.bestKey != summary.BestCheckpoint {
		t.Fatalf("sink best key %q != summary %q", sink.bestKey, summary.BestCheckpoint)
	}
	if math.Abs(sink.bestF1-summary.BestStrictF1) > 1e-12 {
		t.Fatalf("sink best f1 %v != summary %v", sink.bestF1, summary.BestStrictF1)
	}
	if summary.BestStrictF1 <= 0 {
		t.Fatalf("strict f1 never rose above zero, got %v", summary.BestStrictF1)
	}
}

func TestTrainerEarlyStopsWithoutImprovement(t *testing.T) {
	scheme := labels.Default()
	tagger := trainerTagger(t, scheme)
	data := syntheticExamples(t, scheme, 4)

	// An empty validation set pins strict F1 at zero every epoch, so the
	// first epoch sets the best and patience runs out right after.
	args := Arguments{
		Epochs:       10,
		BatchSize:    2,
		LearningRate: 0.01,
		Scheduler:    types.SchedulerConstant,
		Patience:     2,
		Seed:         1,
	}
	trainer, err := NewTrainer(tagger, args, data, nil, nil, nil, "run-test")
	if err != nil {
		t.Fatal(err)
	}

	summary, err := trainer.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.EpochsRun != 3 {
		t.Fatalf("ran %d epochs, want 3 (1 best + 2 patience)", summary.EpochsRun)
	}
	if summary.BestEpoch != 1 {
		t.Fatalf("best epoch = %d, want 1", summary.BestEpoch)
	}
}

func TestTrainerStopsOnCanceledContext(t *testing.T) {
	scheme := labels.Default()
	tagger := trainerTagger(t, scheme)
	data := syntheticExamples(t, scheme, 4)

	args := Arguments{
		Epochs:       5,
		BatchSize:    2,
		LearningRate: 0.01,
		Scheduler:    types.SchedulerLinear,
		Seed:         1,
	}
	trainer, err := NewTrainer(tagger, args, data, nil, nil, nil, "run-test")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := trainer.Train(ctx); err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestNewTrainerValidatesArguments(t *testing.T) {
	scheme := labels.Default()
	tagger := trainerTagger(t, scheme)
	data := syntheticExamples(t, scheme, 2)

	good := Arguments{Epochs: 1, BatchSize: 1, LearningRate: 0.01, Scheduler: types.SchedulerLinear}

	bad := good
	bad.Epochs = 0
	if _, err := NewTrainer(tagger, bad, data, nil, nil, nil, "r"); err == nil {
		t.Fatal("expected error for zero epochs")
	}

	bad = good
	bad.BatchSize = 0
	if _, err := NewTrainer(tagger, bad, data, nil, nil, nil, "r"); err == nil {
		t.Fatal("expected error for zero batch size")
	}

	bad = good
	bad.LearningRate = 0
	if _, err := NewTrainer(tagger, bad, data, nil, nil, nil, "r"); err == nil {
		t.Fatal("expected error for zero learning rate")
	}

	if _, err := NewTrainer(tagger, good, nil, nil, nil, nil, "r"); err == nil {
		t.Fatal("expected error for empty training set")
	}
}
