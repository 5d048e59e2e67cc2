package crf

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// fixedLayer builds a small layer with hand-set parameters so every score
// can be recomputed by brute force in the tests.
func fixedLayer() *LinearChain {
	layer := &LinearChain{
		numLabels: 3,
		Trans: mat.NewDense(3, 3, []float64{
			0.2, -0.3, 0.1,
			0.5, 0.0, -0.2,
			-0.1, 0.4, 0.3,
		}),
		Start: []float64{0.1, -0.2, 0.0},
		End:   []float64{0.0, 0.3, -0.1},
	}
	return layer
}

func fixedEmissions() *mat.Dense {
	return mat.NewDense(4, 3, []float64{
		1.0, 0.2, -0.5,
		0.1, 0.9, 0.3,
		-0.4, 0.2, 0.8,
		0.0, 0.0, 0.0, // padding row, must never be touched for validLen 3
	})
}

// pathScore recomputes a path score directly from the parameters.
func pathScore(layer *LinearChain, emissions *mat.Dense, path []int) float64 {
	score := layer.Start[path[0]] + emissions.At(0, path[0])
	for t := 1; t < len(path); t++ {
		score += layer.Trans.At(path[t-1], path[t]) + emissions.At(t, path[t])
	}
	return score + layer.End[path[len(path)-1]]
}

// allPaths enumerates every label sequence of the given length.
func allPaths(numLabels, length int) [][]int {
	if length == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, tail := range allPaths(numLabels, length-1) {
		for j := 0; j < numLabels; j++ {
			path := append([]int{j}, tail...)
			out = append(out, path)
		}
	}
	return out
}

func TestLossMatchesExhaustiveEnumeration(t *testing.T) {
	layer := fixedLayer()
	emissions := fixedEmissions()
	gold := []int{0, 1, 2}
	validLen := 3

	loss, _, err := layer.Loss(emissions, gold, validLen)
	if err != nil {
		t.Fatal(err)
	}

	logZ := math.Inf(-1)
	for _, path := range allPaths(3, validLen) {
		s := pathScore(layer, emissions, path)
		logZ = addLog(logZ, s)
	}
	expected := (logZ - pathScore(layer, emissions, gold)) / float64(validLen)

	if math.Abs(loss-expected) > 1e-9 {
		t.Errorf("loss = %v, brute force = %v", loss, expected)
	}
	if loss <= 0 {
		t.Errorf("NLL of a non-degenerate model must be positive, got %v", loss)
	}
}

func addLog(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

func TestDecodeMatchesExhaustiveArgmax(t *testing.T) {
	layer := fixedLayer()
	emissions := fixedEmissions()
	validLen := 3

	decoded := layer.Decode(emissions, validLen)

	best := math.Inf(-1)
	var bestPath []int
	for _, path := range allPaths(3, validLen) {
		if s := pathScore(layer, emissions, path); s > best {
			best = s
			bestPath = path
		}
	}

	if len(decoded) != validLen {
		t.Fatalf("decoded length %d, expected %d", len(decoded), validLen)
	}
	for i := range decoded {
		if decoded[i] != bestPath[i] {
			t.Fatalf("decoded %v, exhaustive argmax %v", decoded, bestPath)
		}
	}
}

func TestDecodeEmptyForMaskedOutExample(t *testing.T) {
	layer := fixedLayer()
	emissions := fixedEmissions()

	if got := layer.Decode(emissions, 0); len(got) != 0 {
		t.Errorf("all-masked example must decode to an empty sequence, got %v", got)
	}
}

func TestEmissionGradientsNumerically(t *testing.T) {
	layer := fixedLayer()
	emissions := fixedEmissions()
	gold := []int{2, 1, 0}
	validLen := 3

	_, grads, err := layer.Loss(emissions, gold, validLen)
	if err != nil {
		t.Fatal(err)
	}

	const h = 1e-6
	for pos := 0; pos < validLen; pos++ {
		for j := 0; j < 3; j++ {
			orig := emissions.At(pos, j)

			emissions.Set(pos, j, orig+h)
			up, _, _ := layer.Loss(emissions, gold, validLen)
			emissions.Set(pos, j, orig-h)
			down, _, _ := layer.Loss(emissions, gold, validLen)
			emissions.Set(pos, j, orig)

			numeric := (up - down) / (2 * h)
			analytic := grads.Emissions.At(pos, j)
			if math.Abs(numeric-analytic) > 1e-5 {
				t.Errorf("dL/dE[%d][%d]: numeric %v, analytic %v", pos, j, numeric, analytic)
			}
		}
	}

	// Padding rows must carry no gradient.
	for j := 0; j < 3; j++ {
		if g := grads.Emissions.At(3, j); g != 0 {
			t.Errorf("gradient leaked into padding row: %v", g)
		}
	}
}

func TestTransitionGradientsNumerically(t *testing.T) {
	layer := fixedLayer()
	emissions := fixedEmissions()
	gold := []int{0, 2, 2}
	validLen := 3

	_, grads, err := layer.Loss(emissions, gold, validLen)
	if err != nil {
		t.Fatal(err)
	}

	const h = 1e-6
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			orig := layer.Trans.At(i, j)

			layer.Trans.Set(i, j, orig+h)
			up, _, _ := layer.Loss(emissions, gold, validLen)
			layer.Trans.Set(i, j, orig-h)
			down, _, _ := layer.Loss(emissions, gold, validLen)
			layer.Trans.Set(i, j, orig)

			numeric := (up - down) / (2 * h)
			analytic := grads.Transitions.At(i, j)
			if math.Abs(numeric-analytic) > 1e-5 {
				t.Errorf("dL/dT[%d][%d]: numeric %v, analytic %v", i, j, numeric, analytic)
			}
		}
	}
}

func TestLossRejectsBadInput(t *testing.T) {
	layer := fixedLayer()
	emissions := fixedEmissions()

	if _, _, err := layer.Loss(emissions, []int{0, 1, 2}, 0); err == nil {
		t.Error("expected error for empty valid length")
	}
	if _, _, err := layer.Loss(emissions, []int{0, 7, 2}, 3); err == nil {
		t.Error("expected error for out-of-range gold label")
	}
	narrow := mat.NewDense(3, 2, nil)
	if _, _, err := layer.Loss(narrow, []int{0, 1, 1}, 3); err == nil {
		t.Error("expected error for emission width mismatch")
	}
}

func TestNewLinearChainValidatesDimension(t *testing.T) {
	if _, err := NewLinearChain(0, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected error for zero label dimension")
	}
	layer, err := NewLinearChain(5, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if layer.NumLabels() != 5 {
		t.Errorf("NumLabels = %d", layer.NumLabels())
	}
}
