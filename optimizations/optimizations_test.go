package optimizations

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/smilescoder/utils"
)

func TestAdamStepsAgainstGradient(t *testing.T) {
	p := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	g := mat.NewDense(2, 2, []float64{1, -1, 1, -1})
	m := mat.NewDense(2, 2, nil)
	v := mat.NewDense(2, 2, nil)

	AdamUpdateInPlace(p, g, m, v, 1, 0.1, 0.9, 0.999, 1e-8, 0)

	// Positive gradient moves the weight down, negative up.
	assert.Less(t, p.At(0, 0), 1.0)
	assert.Greater(t, p.At(0, 1), 1.0)
}

func TestAdamWeightDecayShrinksWeights(t *testing.T) {
	mkP := func() *mat.Dense { return mat.NewDense(1, 1, []float64{2}) }
	g := mat.NewDense(1, 1, []float64{0.5})

	plain := mkP()
	AdamUpdateInPlace(plain, g, mat.NewDense(1, 1, nil), mat.NewDense(1, 1, nil),
		1, 0.1, 0.9, 0.999, 1e-8, 0)

	decayed := mkP()
	AdamUpdateInPlace(decayed, g, mat.NewDense(1, 1, nil), mat.NewDense(1, 1, nil),
		1, 0.1, 0.9, 0.999, 1e-8, 0.1)

	assert.Less(t, decayed.At(0, 0), plain.At(0, 0))
}

func TestAdamShapePanic(t *testing.T) {
	p := mat.NewDense(2, 2, nil)
	g := mat.NewDense(2, 3, nil)
	assert.Panics(t, func() {
		AdamUpdateInPlace(p, g, mat.NewDense(2, 2, nil), mat.NewDense(2, 2, nil),
			1, 0.1, 0.9, 0.999, 1e-8, 0)
	})
}

func TestLayerNormForwardNormalizes(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	ln := NewLayerNorm(8, 1e-5, 0)
	X := mat.NewDense(8, 3, utils.RandomArray(rng, 24, 8))
	Y := ln.Forward(X)

	// Fresh gamma=1, beta=0: every column has mean ~0 and variance ~1.
	for t2 := 0; t2 < 3; t2++ {
		mean := 0.0
		for i := 0; i < 8; i++ {
			mean += Y.At(i, t2)
		}
		mean /= 8
		assert.InDelta(t, 0.0, mean, 1e-9)

		variance := 0.0
		for i := 0; i < 8; i++ {
			d := Y.At(i, t2) - mean
			variance += d * d
		}
		variance /= 8
		assert.InDelta(t, 1.0, variance, 1e-3)
	}
}

func TestLayerNormGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	d := 4
	ln := NewLayerNorm(d, 1e-5, 0)
	// Non-trivial gamma/beta so their gradients are exercised.
	for i := 0; i < d; i++ {
		ln.Gamma.Set(i, 0, 1.0+0.1*float64(i))
		ln.Beta.Set(i, 0, 0.05*float64(i))
	}
	X := mat.NewDense(d, 3, utils.RandomArray(rng, d*3, float64(d)))

	// L = 0.5 * sum(Y^2), so dL/dY = Y.
	loss := func() float64 {
		Y := ln.Forward(X)
		s := 0.0
		r, c := Y.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				s += 0.5 * Y.At(i, j) * Y.At(i, j)
			}
		}
		return s
	}

	Y := ln.Forward(X)
	dX, dGamma, dBeta := ln.BackwardGradsOnly(Y)

	eps := 1e-6
	check := func(name string, p *mat.Dense, grad *mat.Dense, i, j int) {
		w := p.At(i, j)
		p.Set(i, j, w+eps)
		lp := loss()
		p.Set(i, j, w-eps)
		lm := loss()
		p.Set(i, j, w)
		num := (lp - lm) / (2 * eps)
		if math.Abs(num-grad.At(i, j)) > 1e-4 {
			t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", name, i, j, num, grad.At(i, j))
		}
	}
	check("gamma", ln.Gamma, dGamma, 1, 0)
	check("gamma", ln.Gamma, dGamma, 3, 0)
	check("beta", ln.Beta, dBeta, 2, 0)
	check("x", X, dX, 0, 0)
	check("x", X, dX, 2, 1)

	require.NotNil(t, dX)
}
