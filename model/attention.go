package model

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/smilescoder/optimizations"
	"github.com/manningwu07/smilescoder/params"
	"github.com/manningwu07/smilescoder/utils"
)

// Attention is bidirectional multi-head self-attention over a (d x T)
// sequence. Reconstruction needs every position to see the whole input, so
// there is no causal mask; padding is handled in the loss, not here.
type Attention struct {
	H            int
	DModel       int
	DHead        int
	Wquery       []*mat.Dense
	Wkey         []*mat.Dense
	Wvalue       []*mat.Dense
	Woutput      *mat.Dense
	LearningRate float64

	// Adam
	T        int
	MWq, VWq []*mat.Dense
	MWk, VWk []*mat.Dense
	MWv, VWv []*mat.Dense
	MWo, VWo *mat.Dense

	// cache for backprop
	X       *mat.Dense
	Q, K, V []*mat.Dense
	Scores  []*mat.Dense
	A       []*mat.Dense
	O       []*mat.Dense
	OCat    *mat.Dense

	lastT    int
	parallel bool // run heads on goroutines
}

func newAttention(dModel, nHeads int, parallel bool, init func(size int, fanIn float64) []float64) *Attention {
	dHead := dModel / nHeads
	attn := &Attention{
		H:      nHeads,
		DModel: dModel,
		DHead:  dHead,
		Wquery: make([]*mat.Dense, nHeads),
		Wkey:   make([]*mat.Dense, nHeads),
		Wvalue: make([]*mat.Dense, nHeads),

		MWq: make([]*mat.Dense, nHeads),
		VWq: make([]*mat.Dense, nHeads),
		MWk: make([]*mat.Dense, nHeads),
		VWk: make([]*mat.Dense, nHeads),
		MWv: make([]*mat.Dense, nHeads),
		VWv: make([]*mat.Dense, nHeads),

		Q:        make([]*mat.Dense, nHeads),
		K:        make([]*mat.Dense, nHeads),
		V:        make([]*mat.Dense, nHeads),
		Scores:   make([]*mat.Dense, nHeads),
		A:        make([]*mat.Dense, nHeads),
		O:        make([]*mat.Dense, nHeads),
		parallel: parallel,
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = mat.NewDense(dHead, dModel, init(dHead*dModel, float64(dModel)))
		attn.Wkey[h] = mat.NewDense(dHead, dModel, init(dHead*dModel, float64(dModel)))
		attn.Wvalue[h] = mat.NewDense(dHead, dModel, init(dHead*dModel, float64(dModel)))

		attn.MWq[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWq[h] = mat.NewDense(dHead, dModel, nil)
		attn.MWk[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWk[h] = mat.NewDense(dHead, dModel, nil)
		attn.MWv[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWv[h] = mat.NewDense(dHead, dModel, nil)
	}
	attn.Woutput = mat.NewDense(dModel, dModel, init(dModel*dModel, float64(dModel)))
	attn.MWo = mat.NewDense(dModel, dModel, nil)
	attn.VWo = mat.NewDense(dModel, dModel, nil)
	return attn
}

func (attn *Attention) Forward(X *mat.Dense) *mat.Dense {
	attn.X = X
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)

	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	// per-head scratch resized once per T
	if attn.lastT != T {
		for h := 0; h < attn.H; h++ {
			attn.Q[h] = mat.NewDense(attn.DHead, T, nil)
			attn.K[h] = mat.NewDense(attn.DHead, T, nil)
			attn.V[h] = mat.NewDense(attn.DHead, T, nil)
			attn.Scores[h] = mat.NewDense(T, T, nil)
			attn.A[h] = mat.NewDense(T, T, nil)
			attn.O[h] = mat.NewDense(attn.DHead, T, nil)
		}
		attn.lastT = T
	}

	work := func(h int) {
		attn.Q[h].Mul(attn.Wquery[h], X)
		attn.K[h].Mul(attn.Wkey[h], X)
		attn.V[h].Mul(attn.Wvalue[h], X)
		// S = (Q^T K)/sqrt(dHead); softmax runs over the key axis (columns)
		attn.Scores[h].Mul(attn.Q[h].T(), attn.K[h])
		attn.Scores[h].Scale(rescale, attn.Scores[h])
		utils.RowSoftmaxInPlace(attn.A[h], attn.Scores[h])
		// O = V * A^T
		attn.O[h].Mul(attn.V[h], attn.A[h].T())
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Copy(attn.O[h])
	}
	if attn.parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			go func(hh int) { defer wg.Done(); work(hh) }(h)
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	attn.OCat = headsCat

	return utils.ToDense(utils.Dot(attn.Woutput, headsCat))
}

// Backward computes grads and applies AdamW updates.
func (attn *Attention) Backward(dY *mat.Dense) *mat.Dense {
	dX, dWq, dWk, dWv, dWout := attn.BackwardGradsOnly(dY)

	attn.T++
	lr := attn.LearningRate

	if params.Config.GradClip > 0 {
		grads := []*mat.Dense{dWout}
		for h := 0; h < attn.H; h++ {
			grads = append(grads, dWq[h], dWk[h], dWv[h])
		}
		utils.ClipGrads(params.Config.GradClip, grads...)
	}

	for h := 0; h < attn.H; h++ {
		optimizations.AdamUpdateInPlace(attn.Wquery[h], dWq[h], attn.MWq[h], attn.VWq[h],
			attn.T, lr, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps,
			params.Config.WeightDecay)
		optimizations.AdamUpdateInPlace(attn.Wkey[h], dWk[h], attn.MWk[h], attn.VWk[h],
			attn.T, lr, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps,
			params.Config.WeightDecay)
		optimizations.AdamUpdateInPlace(attn.Wvalue[h], dWv[h], attn.MWv[h], attn.VWv[h],
			attn.T, lr, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps,
			params.Config.WeightDecay)
	}
	optimizations.AdamUpdateInPlace(attn.Woutput, dWout, attn.MWo, attn.VWo, attn.T, lr,
		params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps, params.Config.WeightDecay)

	return dX
}

// BackwardGradsOnly computes grads without touching the weights.
func (attn *Attention) BackwardGradsOnly(dY *mat.Dense) (
	dX *mat.Dense,
	dWq, dWk, dWv []*mat.Dense,
	dWout *mat.Dense,
) {
	dWq = make([]*mat.Dense, attn.H)
	dWk = make([]*mat.Dense, attn.H)
	dWv = make([]*mat.Dense, attn.H)

	_, T := attn.X.Dims()

	// dY with respect to Y = Wout * Ocat
	dWout = utils.ToDense(utils.Dot(dY, attn.OCat.T()))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.T(), dY))

	dXtotal := mat.NewDense(attn.DModel, T, nil)

	row := 0
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		dO := dOcat.Slice(row, row+attn.DHead, 0, T).(*mat.Dense)
		row += attn.DHead

		// O = V * A^T
		dV := utils.ToDense(utils.Dot(dO, attn.A[h]))      // (dHead x T)
		dAT := utils.ToDense(utils.Dot(attn.V[h].T(), dO)) // (T x T)
		dA := dAT.T()

		// A = softmax_row(S)
		dS := utils.SoftmaxBackward(dA, attn.A[h])

		// S = Q^T K / sqrt(dHead)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.K[h], dS.T())))
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.Q[h], dS)))

		dWq[h] = utils.ToDense(utils.Dot(dQ, attn.X.T()))
		dWk[h] = utils.ToDense(utils.Dot(dK, attn.X.T()))
		dWv[h] = utils.ToDense(utils.Dot(dV, attn.X.T()))

		dXq := utils.ToDense(utils.Dot(attn.Wquery[h].T(), dQ))
		dXk := utils.ToDense(utils.Dot(attn.Wkey[h].T(), dK))
		dXv := utils.ToDense(utils.Dot(attn.Wvalue[h].T(), dV))
		dXh := utils.ToDense(utils.Add(utils.Add(dXq, dXk), dXv))
		dXtotal = utils.ToDense(utils.Add(dXtotal, dXh))
	}
	return dXtotal, dWq, dWk, dWv, dWout
}
