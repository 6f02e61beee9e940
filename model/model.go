// Package model implements the SMILES autoencoding transformer: an
// embedding layer, a stack of bidirectional self-attention encoder blocks,
// and an output projection producing per-position logits over the
// vocabulary.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/smilescoder/optimizations"
	"github.com/manningwu07/smilescoder/params"
	"github.com/manningwu07/smilescoder/utils"
)

var (
	// ErrShapeMismatch covers construction and checkpoint-load shape
	// failures; it is never deferred to the first forward pass.
	ErrShapeMismatch = errors.New("model shape mismatch")
	// ErrVocabMismatch reports a vocabulary that disagrees with the one a
	// checkpoint was trained against.
	ErrVocabMismatch = errors.New("vocabulary mismatch")
)

const residualScale = 0.7071067811865476 // 1/sqrt(2)

// Config fixes the encoder architecture. Every block shares one shape.
type Config struct {
	EmbedWidth  int
	HeadCount   int
	FFWidth     int
	DropoutRate float64
	LayerCount  int
	MaxLen      int // fixed sequence width, boundary markers included
}

// EncoderBlock is one pre-norm attention + feed-forward unit with
// 1/sqrt(2)-scaled residuals. The norm policy is identical in training and
// inference; only dropout differs.
type EncoderBlock struct {
	Attn *Attention
	Mlp  *MLP
	Ln1  *optimizations.LayerNorm
	Ln2  *optimizations.LayerNorm

	dropAttn, dropMlp *mat.Dense // cached masks, training only
}

// Encoder owns every parameter of the model. Weights are mutated only by
// Backward during training; forward passes in evaluation mode read them.
type Encoder struct {
	Cfg    Config
	Emb    *mat.Dense // (d x V)
	Pos    *mat.Dense // (d x MaxLen), learned positional embedding
	Blocks []*EncoderBlock
	Proj   *mat.Dense // (V x d) output projection

	// Adam state for the non-block parameters
	EmbM, EmbV   *mat.Dense
	PosM, PosV   *mat.Dense
	ProjM, ProjV *mat.Dense
	EmbT, PosT, ProjT int

	LearningRate float64

	vocabSize int
	training  bool
	rng       *rand.Rand

	// caches for backprop
	lastIDs []int
	lastY   *mat.Dense
}

// NewEncoder builds a randomly initialized encoder. The embedding width must
// divide evenly by the head count; this is checked here, not at forward
// time.
func NewEncoder(cfg Config, vocabSize int, rng *rand.Rand) (*Encoder, error) {
	if cfg.HeadCount <= 0 || cfg.EmbedWidth%cfg.HeadCount != 0 {
		return nil, fmt.Errorf("%w: embed width %d not divisible by %d heads",
			ErrShapeMismatch, cfg.EmbedWidth, cfg.HeadCount)
	}
	if cfg.LayerCount <= 0 || cfg.MaxLen <= 0 || vocabSize <= 0 {
		return nil, fmt.Errorf("%w: layers=%d maxLen=%d vocab=%d",
			ErrShapeMismatch, cfg.LayerCount, cfg.MaxLen, vocabSize)
	}

	init := func(size int, fanIn float64) []float64 {
		return utils.RandomArray(rng, size, fanIn)
	}
	d := cfg.EmbedWidth

	enc := &Encoder{
		Cfg:       cfg,
		Emb:       mat.NewDense(d, vocabSize, init(d*vocabSize, float64(d))),
		Pos:       mat.NewDense(d, cfg.MaxLen, init(d*cfg.MaxLen, float64(d))),
		Proj:      mat.NewDense(vocabSize, d, init(vocabSize*d, float64(d))),
		Blocks:    make([]*EncoderBlock, cfg.LayerCount),
		vocabSize: vocabSize,
		rng:       rng,
	}
	enc.EmbM = mat.NewDense(d, vocabSize, nil)
	enc.EmbV = mat.NewDense(d, vocabSize, nil)
	enc.PosM = mat.NewDense(d, cfg.MaxLen, nil)
	enc.PosV = mat.NewDense(d, cfg.MaxLen, nil)
	enc.ProjM = mat.NewDense(vocabSize, d, nil)
	enc.ProjV = mat.NewDense(vocabSize, d, nil)

	for i := range enc.Blocks {
		enc.Blocks[i] = &EncoderBlock{
			Attn: newAttention(d, cfg.HeadCount, params.Config.HeadParallel, init),
			Mlp:  newMLP(d, cfg.FFWidth, init),
			Ln1:  optimizations.NewLayerNorm(d, 1e-5, 0),
			Ln2:  optimizations.NewLayerNorm(d, 1e-5, 0),
		}
	}
	return enc, nil
}

func (enc *Encoder) VocabSize() int { return enc.vocabSize }

// SetTraining switches between the training and evaluating states: dropout
// is live only while training.
func (enc *Encoder) SetTraining(on bool) { enc.training = on }

// SetLearningRate propagates the step size to every self-updating module.
func (enc *Encoder) SetLearningRate(lr float64) {
	enc.LearningRate = lr
	for _, b := range enc.Blocks {
		b.Attn.LearningRate = lr
		b.Mlp.LearningRate = lr
		b.Ln1.LearningRate = lr
		b.Ln2.LearningRate = lr
	}
}

// Forward maps token ids to (V x T) logits. Evaluation-mode calls never
// mutate parameters or accumulate gradients.
func (enc *Encoder) Forward(ids []int) *mat.Dense {
	T := len(ids)
	if T > enc.Cfg.MaxLen {
		panic(fmt.Sprintf("model: sequence length %d exceeds max %d", T, enc.Cfg.MaxLen))
	}
	d := enc.Cfg.EmbedWidth
	scale := math.Sqrt(float64(d)) // keeps attention dot products in range

	X := mat.NewDense(d, T, nil)
	for t, id := range ids {
		if id < 0 || id >= enc.vocabSize {
			panic(fmt.Sprintf("model: token id %d outside vocabulary of %d", id, enc.vocabSize))
		}
		for i := 0; i < d; i++ {
			X.Set(i, t, scale*enc.Emb.At(i, id)+enc.Pos.At(i, t))
		}
	}

	Y := X
	for _, b := range enc.Blocks {
		Y = b.forward(Y, enc)
	}
	enc.lastIDs = ids
	enc.lastY = Y

	return utils.ToDense(utils.Dot(enc.Proj, Y))
}

// Backward takes the loss gradient with respect to the logits of the last
// Forward call and applies one AdamW step to every parameter.
func (enc *Encoder) Backward(dLogits *mat.Dense) {
	d := enc.Cfg.EmbedWidth
	T := len(enc.lastIDs)

	// logits = Proj * Y
	dProj := utils.ToDense(utils.Dot(dLogits, enc.lastY.T()))
	dY := utils.ToDense(utils.Dot(enc.Proj.T(), dLogits))

	for i := len(enc.Blocks) - 1; i >= 0; i-- {
		dY = enc.Blocks[i].backward(dY)
	}

	// X[:,t] = sqrt(d)*Emb[:,ids[t]] + Pos[:,t]
	scale := math.Sqrt(float64(d))
	dEmb := mat.NewDense(d, enc.vocabSize, nil)
	dPos := mat.NewDense(d, enc.Cfg.MaxLen, nil)
	for t := 0; t < T; t++ {
		id := enc.lastIDs[t]
		for i := 0; i < d; i++ {
			g := dY.At(i, t)
			dEmb.Set(i, id, dEmb.At(i, id)+scale*g)
			dPos.Set(i, t, dPos.At(i, t)+g)
		}
	}

	if params.Config.GradClip > 0 {
		utils.ClipGrads(params.Config.GradClip, dProj, dEmb, dPos)
	}
	lr := enc.LearningRate
	enc.ProjT++
	optimizations.AdamUpdateInPlace(enc.Proj, dProj, enc.ProjM, enc.ProjV, enc.ProjT,
		lr, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps,
		params.Config.WeightDecay)
	enc.EmbT++
	optimizations.AdamUpdateInPlace(enc.Emb, dEmb, enc.EmbM, enc.EmbV, enc.EmbT,
		lr, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps,
		params.Config.WeightDecay)
	enc.PosT++
	optimizations.AdamUpdateInPlace(enc.Pos, dPos, enc.PosM, enc.PosV, enc.PosT,
		lr, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps, 0.0)
}

// forward runs one block: pre-norm attention and MLP sublayers with scaled
// residuals, dropout after each sublayer while training.
func (b *EncoderBlock) forward(X *mat.Dense, enc *Encoder) *mat.Dense {
	x1 := b.Ln1.Forward(X)
	attnOut := b.Attn.Forward(x1)
	attnOut, b.dropAttn = enc.dropout(attnOut)
	xRes := utils.ToDense(utils.Add(X, utils.Scale(residualScale, attnOut)))

	x2 := b.Ln2.Forward(xRes)
	mlpOut := b.Mlp.Forward(x2)
	mlpOut, b.dropMlp = enc.dropout(mlpOut)
	return utils.ToDense(utils.Add(xRes, utils.Scale(residualScale, mlpOut)))
}

// backward mirrors forward: Y = xRes + c*Drop(MLP(Ln2(xRes))),
// xRes = X + c*Drop(Attn(Ln1(X))).
func (b *EncoderBlock) backward(dY *mat.Dense) *mat.Dense {
	c := residualScale

	dMlpOut := utils.ToDense(utils.Scale(c, dY))
	if b.dropMlp != nil {
		dMlpOut = utils.ToDense(utils.Multiply(dMlpOut, b.dropMlp))
	}
	dX2 := b.Mlp.Backward(dMlpOut)
	dXresFromLn2 := b.Ln2.Backward(dX2)
	dXres := utils.ToDense(utils.Add(dY, dXresFromLn2))

	dAttnOut := utils.ToDense(utils.Scale(c, dXres))
	if b.dropAttn != nil {
		dAttnOut = utils.ToDense(utils.Multiply(dAttnOut, b.dropAttn))
	}
	dX1 := b.Attn.Backward(dAttnOut)
	dXFromLn1 := b.Ln1.Backward(dX1)

	return utils.ToDense(utils.Add(dXres, dXFromLn1))
}

// dropout applies an inverted-dropout mask while training and returns the
// mask so backward can replay it exactly. In evaluation mode it is the
// identity.
func (enc *Encoder) dropout(m *mat.Dense) (*mat.Dense, *mat.Dense) {
	p := enc.Cfg.DropoutRate
	if !enc.training || p <= 0 {
		return m, nil
	}
	r, c := m.Dims()
	mask := mat.NewDense(r, c, nil)
	keep := 1.0 / (1.0 - p)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if enc.rng.Float64() >= p {
				mask.Set(i, j, keep)
			}
		}
	}
	return utils.ToDense(utils.Multiply(m, mask)), mask
}
