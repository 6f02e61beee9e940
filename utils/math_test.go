package utils

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestColSoftmaxColumnsSumToOne(t *testing.T) {
	m := mat.NewDense(4, 3, RandomArray(rand.New(rand.NewSource(1)), 12, 4))
	p := ColSoftmax(m)
	for j := 0; j < 3; j++ {
		sum := 0.0
		for i := 0; i < 4; i++ {
			sum += p.At(i, j)
			assert.Greater(t, p.At(i, j), 0.0)
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
}

func TestRowSoftmaxRowsSumToOne(t *testing.T) {
	m := mat.NewDense(3, 5, RandomArray(rand.New(rand.NewSource(2)), 15, 3))
	dst := mat.NewDense(3, 5, nil)
	RowSoftmaxInPlace(dst, m)
	for i := 0; i < 3; i++ {
		sum := 0.0
		for j := 0; j < 5; j++ {
			sum += dst.At(i, j)
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
}

// The core loss-masking property: positions whose target is the pad id must
// contribute neither loss nor gradient, so extending a sequence with pure
// padding changes nothing.
func TestMaskedCrossEntropyIgnoresPadding(t *testing.T) {
	const V, k, extra, padID = 5, 4, 100, 0
	rng := rand.New(rand.NewSource(3))

	short := mat.NewDense(V, k, RandomArray(rng, V*k, float64(V)))
	long := mat.NewDense(V, k+extra, nil)
	for t2 := 0; t2 < k+extra; t2++ {
		for i := 0; i < V; i++ {
			if t2 < k {
				long.Set(i, t2, short.At(i, t2))
			} else {
				long.Set(i, t2, rng.Float64()) // garbage beyond k
			}
		}
	}

	targets := []int{1, 2, 3, 4}
	padded := make([]int, k+extra)
	copy(padded, targets)

	lossShort, gradShort, nShort := MaskedCrossEntropy(short, targets, padID)
	lossLong, gradLong, nLong := MaskedCrossEntropy(long, padded, padID)

	assert.Equal(t, k, nShort)
	assert.Equal(t, k, nLong)
	assert.InDelta(t, lossShort, lossLong, 1e-12)

	for t2 := 0; t2 < k; t2++ {
		for i := 0; i < V; i++ {
			assert.InDelta(t, gradShort.At(i, t2), gradLong.At(i, t2), 1e-12)
		}
	}
	for t2 := k; t2 < k+extra; t2++ {
		for i := 0; i < V; i++ {
			assert.Zero(t, gradLong.At(i, t2))
		}
	}
}

func TestMaskedCrossEntropyAllPadding(t *testing.T) {
	logits := mat.NewDense(3, 4, nil)
	loss, grad, counted := MaskedCrossEntropy(logits, []int{0, 0, 0, 0}, 0)
	assert.Zero(t, loss)
	assert.Zero(t, counted)
	assert.Zero(t, mat.Norm(grad, 2))
}

func TestMaskedCrossEntropyGradMatchesFiniteDiff(t *testing.T) {
	const V, T = 4, 3
	rng := rand.New(rand.NewSource(4))
	logits := mat.NewDense(V, T, RandomArray(rng, V*T, float64(V)))
	targets := []int{2, 0, 1} // position 1 is padding

	_, grad, _ := MaskedCrossEntropy(logits, targets, 0)

	eps := 1e-6
	for _, pos := range [][2]int{{0, 0}, {2, 0}, {1, 2}, {3, 1}} {
		i, j := pos[0], pos[1]
		w := logits.At(i, j)
		logits.Set(i, j, w+eps)
		lp, _, _ := MaskedCrossEntropy(logits, targets, 0)
		logits.Set(i, j, w-eps)
		lm, _, _ := MaskedCrossEntropy(logits, targets, 0)
		logits.Set(i, j, w)
		assert.InDelta(t, (lp-lm)/(2*eps), grad.At(i, j), 1e-6)
	}
}

func TestClipGradsScalesToMaxNorm(t *testing.T) {
	g := mat.NewDense(2, 2, []float64{3, 0, 0, 4}) // norm 5
	s := ClipGrads(1.0, g)
	assert.InDelta(t, 0.2, s, 1e-12)
	assert.InDelta(t, 1.0, MatrixNorm(g), 1e-12)

	// Under the limit: untouched.
	h := mat.NewDense(1, 2, []float64{0.1, 0.1})
	assert.Equal(t, 1.0, ClipGrads(1.0, h))
	assert.InDelta(t, 0.1, h.At(0, 0), 1e-15)
}

func TestArgmaxPerColumn(t *testing.T) {
	m := mat.NewDense(3, 2, []float64{
		0.1, 5.0,
		2.0, 1.0,
		0.5, -3.0,
	})
	assert.Equal(t, []int{1, 0}, ArgmaxPerColumn(m))
}

func TestGeluPrimeMatchesFiniteDiff(t *testing.T) {
	xs := mat.NewDense(1, 5, []float64{-2, -0.5, 0, 0.5, 2})
	prime := GeluPrime(xs)
	eps := 1e-6
	for j := 0; j < 5; j++ {
		x := xs.At(0, j)
		lp := GeluApply(0, 0, x+eps)
		lm := GeluApply(0, 0, x-eps)
		assert.InDelta(t, (lp-lm)/(2*eps), prime.At(0, j), 1e-6)
	}
}

func TestRandomArrayReproducible(t *testing.T) {
	a := RandomArray(rand.New(rand.NewSource(9)), 8, 4)
	b := RandomArray(rand.New(rand.NewSource(9)), 8, 4)
	assert.Equal(t, a, b)
	bound := 1.0 / math.Sqrt(4)
	for _, v := range a {
		assert.LessOrEqual(t, math.Abs(v), bound)
	}
}
