package utils

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Matrix helpers shared by the encoder and trainer. Everything is column
// major: a sequence of T positions in a width-d model is a (d x T) Dense.

func Dot(m, n mat.Matrix) mat.Matrix {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Scale(s float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Multiply(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func Add(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

func ToDense(m mat.Matrix) *mat.Dense {
	if d, ok := m.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(m)
}

func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	rb, cb := bias.Dims()
	if rb != r || cb != 1 {
		panic("addBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			out.Set(i, j, m.At(i, j)+bias.At(i, 0))
		}
	}
	return out
}

// RandomArray draws uniform values in [-1/sqrt(v), 1/sqrt(v)] from an
// explicit generator so weight init is reproducible per run.
func RandomArray(rng *rand.Rand, size int, v float64) []float64 {
	lo := -1.0 / math.Sqrt(v+1e-12)
	hi := 1.0 / math.Sqrt(v+1e-12)
	out := make([]float64, size)
	for i := range out {
		out[i] = lo + (hi-lo)*rng.Float64()
	}
	return out
}

func OnesLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, 1)
		}
	}
	return out
}

func MatrixNorm(m *mat.Dense) float64 {
	r, c := m.Dims()
	s := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			s += v * v
		}
	}
	return math.Sqrt(s)
}

// ClipGrads scales all grads so their combined norm <= maxNorm. Returns the
// scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := MatrixNorm(g)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, g := range grads {
		if g == nil {
			continue
		}
		r, c := g.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g.Set(i, j, g.At(i, j)*s)
			}
		}
	}
	return s
}

// -------- GELU activation --------
// gelu(x) = 0.5 * x * (1 + tanh( sqrt(2/pi) * (x + 0.044715*x^3) ))

func GeluApply(i, j int, x float64) float64 {
	const k = 0.7978845608028654 // sqrt(2/pi)
	t := k * (x + 0.044715*x*x*x)
	return 0.5 * x * (1.0 + math.Tanh(t))
}

func GeluPrime(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	const k = 0.7978845608028654
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x := m.At(i, j)
			t := k * (x + 0.044715*x*x*x)
			th := math.Tanh(t)
			cosh := math.Cosh(t)
			sech2 := 1.0 / (cosh * cosh)
			dt := k * (1.0 + 3.0*0.044715*x*x)
			out.Set(i, j, 0.5*(1.0+th)+0.5*x*sech2*dt)
		}
	}
	return out
}

// ---------- Softmax variants ----------

// RowSoftmaxInPlace writes softmax(m) row-wise into dst. Attention softmax
// runs over the key axis, which lives on columns here.
func RowSoftmaxInPlace(dst, m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if dr, dc := dst.Dims(); dr != r || dc != c {
		panic("RowSoftmaxInPlace: dst shape mismatch")
	}
	for i := 0; i < r; i++ {
		mx := m.At(i, 0)
		for j := 1; j < c; j++ {
			if v := m.At(i, j); v > mx {
				mx = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(m.At(i, j) - mx)
			dst.Set(i, j, e)
			sum += e
		}
		inv := 1.0 / sum
		for j := 0; j < c; j++ {
			dst.Set(i, j, dst.At(i, j)*inv)
		}
	}
	return dst
}

// ColSoftmax applies softmax down each column independently (logits live on
// rows, one column per sequence position).
func ColSoftmax(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		mx := m.At(0, j)
		for i := 1; i < r; i++ {
			if v := m.At(i, j); v > mx {
				mx = v
			}
		}
		sum := 0.0
		for i := 0; i < r; i++ {
			e := math.Exp(m.At(i, j) - mx)
			out.Set(i, j, e)
			sum += e
		}
		for i := 0; i < r; i++ {
			out.Set(i, j, out.At(i, j)/sum)
		}
	}
	return out
}

// SoftmaxBackward for row-wise softmax: for each row i,
// s = sum_k dA[i,k]*A[i,k]; dS[i,j] = A[i,j]*(dA[i,j]-s).
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// ---------- Loss ----------

// MaskedCrossEntropy computes mean cross-entropy between per-position logits
// (V x T) and target ids, skipping every position whose target equals
// ignoreID. The returned gradient has zero columns at skipped positions and
// is pre-divided by the number of counted positions, so padding contributes
// neither loss nor gradient signal.
func MaskedCrossEntropy(logits *mat.Dense, targets []int, ignoreID int) (float64, *mat.Dense, int) {
	v, tLen := logits.Dims()
	if len(targets) != tLen {
		panic("MaskedCrossEntropy: targets length mismatch")
	}
	probs := ColSoftmax(logits)
	grad := mat.NewDense(v, tLen, nil)

	counted := 0
	for t := 0; t < tLen; t++ {
		if targets[t] == ignoreID {
			continue
		}
		counted++
	}
	if counted == 0 {
		return 0, grad, 0
	}

	loss := 0.0
	inv := 1.0 / float64(counted)
	for t := 0; t < tLen; t++ {
		gold := targets[t]
		if gold == ignoreID {
			continue
		}
		loss += -math.Log(probs.At(gold, t) + 1e-12)
		for i := 0; i < v; i++ {
			grad.Set(i, t, probs.At(i, t)*inv)
		}
		grad.Set(gold, t, grad.At(gold, t)-inv)
	}
	return loss * inv, grad, counted
}

// ArgmaxPerColumn returns, for each column, the row index of its maximum.
func ArgmaxPerColumn(m *mat.Dense) []int {
	r, c := m.Dims()
	out := make([]int, c)
	for j := 0; j < c; j++ {
		best, bestV := 0, m.At(0, j)
		for i := 1; i < r; i++ {
			if v := m.At(i, j); v > bestV {
				best, bestV = i, v
			}
		}
		out[j] = best
	}
	return out
}
