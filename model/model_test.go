package model

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"legalner.dev/lnt/crf"
	"legalner.dev/lnt/encoder"
	"legalner.dev/lnt/labels"
	"legalner.dev/lnt/types"
)

// idEncoder derives hidden states from the token ids so forward passes are
// deterministic without a real pretrained backend.
type idEncoder struct {
	hidden int
}

func (e *idEncoder) Encode(ids []int64, mask []bool, typeIDs []int64) (*mat.Dense, error) {
	out := mat.NewDense(len(ids), e.hidden, nil)
	for t, id := range ids {
		for h := 0; h < e.hidden; h++ {
			out.Set(t, h, float64(id)*0.01+float64(h)*0.003)
		}
	}
	return out, nil
}

func (e *idEncoder) HiddenSize() int { return e.hidden }
func (e *idEncoder) Trainable() bool { return false }
func (e *idEncoder) Close() error    { return nil }

func newTestTagger(t *testing.T, scheme *labels.Scheme) *Tagger {
	t.Helper()
	comb, err := encoder.NewConcat(&idEncoder{hidden: 4}, &idEncoder{hidden: 3})
	if err != nil {
		t.Fatal(err)
	}
	layer, err := crf.NewLinearChain(scheme.Size(), rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatal(err)
	}
	tagger, err := New(comb, layer, Config{Scheme: scheme, Freeze: true, Seed: 7})
	if err != nil {
		t.Fatal(err)
	}
	return tagger
}

func testExample(scheme *labels.Scheme, ids []int64, validLen int) types.Example {
	mask := make([]bool, len(ids))
	gold := make([]int, len(ids))
	for i := range ids {
		if i < validLen {
			mask[i] = true
			gold[i] = scheme.OutsideIndex()
		} else {
			gold[i] = labels.IgnoreIndex
		}
	}
	if validLen > 0 {
		gold[0], _ = scheme.Index("B-COURT")
	}
	if validLen > 1 {
		gold[1], _ = scheme.Index("I-COURT")
	}
	return types.Example{InputIDs: ids, AttentionMask: mask, Labels: gold}
}

func TestNewFailsFastOnLabelDimensionMismatch(t *testing.T) {
	scheme := labels.Default()
	comb, err := encoder.NewConcat(&idEncoder{hidden: 4})
	if err != nil {
		t.Fatal(err)
	}
	layer, err := crf.NewLinearChain(scheme.Size()-1, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(comb, layer, Config{Scheme: scheme}); err == nil {
		t.Fatal("mismatched CRF dimension must fail at construction")
	}
}

func TestNewUnfrozenWithInferenceOnlyEncoders(t *testing.T) {
	scheme := labels.Default()
	comb, err := encoder.NewConcat(&idEncoder{hidden: 4})
	if err != nil {
		t.Fatal(err)
	}
	layer, err := crf.NewLinearChain(scheme.Size(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	tagger, err := New(comb, layer, Config{Scheme: scheme, Freeze: false, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(tagger.Parameters()) == 0 {
		t.Fatal("head parameters must stay trainable")
	}
}

func TestForwardLossIsBatchOrderInvariant(t *testing.T) {
	scheme := labels.Default()
	tagger := newTestTagger(t, scheme)

	a := testExample(scheme, []int64{5, 6, 7, 0}, 3)
	b := testExample(scheme, []int64{9, 2, 0, 0}, 2)
	c := testExample(scheme, []int64{1, 4, 8, 3}, 4)

	forward, _, err := tagger.Forward([]types.Example{a, b, c})
	if err != nil {
		t.Fatal(err)
	}
	tagger.ZeroGrad()
	reversed, _, err := tagger.Forward([]types.Example{c, b, a})
	if err != nil {
		t.Fatal(err)
	}

	if math.Abs(forward-reversed) > 1e-12 {
		t.Errorf("loss depends on batch order: %v vs %v", forward, reversed)
	}
}

func TestDecodeRespectsMask(t *testing.T) {
	scheme := labels.Default()
	tagger := newTestTagger(t, scheme)

	masked := testExample(scheme, []int64{3, 4}, 0)
	short := testExample(scheme, []int64{3, 4, 5, 6}, 2)

	paths, err := tagger.Decode([]types.Example{masked, short})
	if err != nil {
		t.Fatal(err)
	}
	if len(paths[0]) != 0 {
		t.Errorf("all-masked example must decode to an empty path, got %v", paths[0])
	}
	if len(paths[1]) != 2 {
		t.Errorf("decoded path must cover only valid tokens, got length %d", len(paths[1]))
	}
	for _, id := range paths[1] {
		if _, ok := scheme.Tag(id); !ok {
			t.Errorf("decoded label id %d outside the scheme", id)
		}
	}
}

func TestForwardAccumulatesGradients(t *testing.T) {
	scheme := labels.Default()
	tagger := newTestTagger(t, scheme)

	ex := testExample(scheme, []int64{5, 6, 7}, 3)
	if _, _, err := tagger.Forward([]types.Example{ex}); err != nil {
		t.Fatal(err)
	}

	nonZero := false
	for _, p := range tagger.Parameters() {
		for _, g := range p.Grad {
			if g != 0 {
				nonZero = true
			}
		}
	}
	if !nonZero {
		t.Fatal("forward pass must accumulate gradients")
	}

	tagger.ZeroGrad()
	for _, p := range tagger.Parameters() {
		for i, g := range p.Grad {
			if g != 0 {
				t.Fatalf("%s grad[%d] = %v after ZeroGrad", p.Name, i, g)
			}
		}
	}
}

func TestHeadCheckpointRoundTrip(t *testing.T) {
	scheme := labels.Default()
	tagger := newTestTagger(t, scheme)
	other := newTestTagger(t, scheme)

	// Nudge the source so the two taggers differ.
	tagger.bias[0] = 0.5
	data, err := tagger.MarshalHead()
	if err != nil {
		t.Fatal(err)
	}
	if err := other.UnmarshalHead(data); err != nil {
		t.Fatal(err)
	}
	if other.bias[0] != 0.5 {
		t.Error("checkpoint did not restore the projection bias")
	}
	if !mat.EqualApprox(tagger.proj, other.proj, 0) {
		t.Error("checkpoint did not restore the projection weights")
	}
}

func TestUnmarshalHeadRejectsForeignCheckpoint(t *testing.T) {
	scheme := labels.Default()
	tagger := newTestTagger(t, scheme)

	smallScheme, err := labels.NewScheme([]string{"COURT"})
	if err != nil {
		t.Fatal(err)
	}
	comb, err := encoder.NewConcat(&idEncoder{hidden: 4}, &idEncoder{hidden: 3})
	if err != nil {
		t.Fatal(err)
	}
	layer, err := crf.NewLinearChain(smallScheme.Size(), rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	small, err := New(comb, layer, Config{Scheme: smallScheme, Freeze: true})
	if err != nil {
		t.Fatal(err)
	}
	data, err := small.MarshalHead()
	if err != nil {
		t.Fatal(err)
	}
	if err := tagger.UnmarshalHead(data); err == nil {
		t.Fatal("checkpoint with a different label dimension must be rejected")
	}
}
