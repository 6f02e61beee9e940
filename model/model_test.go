package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/smilescoder/utils"
	"github.com/manningwu07/smilescoder/vocab"
)

func finiteDiffCheck(t *testing.T, name string, param, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	eps := 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()
	param.Set(i, j, w0-eps)
	lm := forward()
	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)
	if math.Abs(numGrad-anaGrad) > 1e-4 {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
			name, i, j, numGrad, anaGrad)
	}
}

func testInit(rng *rand.Rand) func(size int, fanIn float64) []float64 {
	return func(size int, fanIn float64) []float64 {
		return utils.RandomArray(rng, size, fanIn)
	}
}

func TestAttentionGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	dModel, nHeads, T := 4, 2, 3
	attn := newAttention(dModel, nHeads, false, testInit(rng))

	x := mat.NewDense(dModel, T, utils.RandomArray(rng, dModel*T, float64(dModel)))
	targets := []int{2, 0, 1}

	forward := func() float64 {
		logits := attn.Forward(x)
		loss, _, _ := utils.MaskedCrossEntropy(logits, targets, -1)
		return loss
	}

	logits := attn.Forward(x)
	_, dY, _ := utils.MaskedCrossEntropy(logits, targets, -1)
	dX, dWq, dWk, dWv, dWo := attn.BackwardGradsOnly(dY)

	finiteDiffCheck(t, "Wquery", attn.Wquery[0], dWq[0], forward, 0, 0)
	finiteDiffCheck(t, "Wkey", attn.Wkey[0], dWk[0], forward, 0, 1)
	finiteDiffCheck(t, "Wvalue", attn.Wvalue[1], dWv[1], forward, 1, 0)
	finiteDiffCheck(t, "Woutput", attn.Woutput, dWo, forward, 0, 0)
	finiteDiffCheck(t, "X", x, dX, forward, 0, 0)
	finiteDiffCheck(t, "X", x, dX, forward, 2, 1)
}

func TestAttentionParallelMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(77))
	dModel, T := 8, 5
	init := testInit(rng)
	serial := newAttention(dModel, 4, false, init)

	parallel := newAttention(dModel, 4, true, func(size int, fanIn float64) []float64 {
		return nil // overwritten below
	})
	for h := 0; h < 4; h++ {
		parallel.Wquery[h] = mat.DenseCopyOf(serial.Wquery[h])
		parallel.Wkey[h] = mat.DenseCopyOf(serial.Wkey[h])
		parallel.Wvalue[h] = mat.DenseCopyOf(serial.Wvalue[h])
	}
	parallel.Woutput = mat.DenseCopyOf(serial.Woutput)

	x := mat.NewDense(dModel, T, utils.RandomArray(rng, dModel*T, float64(dModel)))
	a := serial.Forward(x)
	b := parallel.Forward(x)
	assert.True(t, mat.EqualApprox(a, b, 1e-12))
}

func TestMLPGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(123))
	dModel, T := 4, 2
	mlp := newMLP(dModel, 5, testInit(rng))

	x := mat.NewDense(dModel, T, utils.RandomArray(rng, dModel*T, float64(dModel)))
	targets := []int{1, 3}

	forward := func() float64 {
		logits := mlp.Forward(x)
		loss, _, _ := utils.MaskedCrossEntropy(logits, targets, -1)
		return loss
	}

	logits := mlp.Forward(x)
	_, dY, _ := utils.MaskedCrossEntropy(logits, targets, -1)
	dX, dWhid, dbHid, dWout, dbOut := mlp.BackwardGradsOnly(dY)

	finiteDiffCheck(t, "HiddenWeights", mlp.HiddenWeights, dWhid, forward, 0, 0)
	finiteDiffCheck(t, "HiddenBias", mlp.HiddenBias, dbHid, forward, 2, 0)
	finiteDiffCheck(t, "OutputWeights", mlp.OutputWeights, dWout, forward, 1, 2)
	finiteDiffCheck(t, "OutputBias", mlp.OutputBias, dbOut, forward, 0, 0)
	finiteDiffCheck(t, "X", x, dX, forward, 1, 1)
}

func smallConfig(maxLen int) Config {
	return Config{
		EmbedWidth:  8,
		HeadCount:   2,
		FFWidth:     12,
		DropoutRate: 0,
		LayerCount:  2,
		MaxLen:      maxLen,
	}
}

func TestNewEncoderShapeChecks(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	_, err := NewEncoder(Config{EmbedWidth: 10, HeadCount: 3, FFWidth: 8, LayerCount: 1, MaxLen: 4}, 6, rng)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewEncoder(Config{EmbedWidth: 8, HeadCount: 2, FFWidth: 8, LayerCount: 0, MaxLen: 4}, 6, rng)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewEncoder(smallConfig(6), 10, rng)
	assert.NoError(t, err)
}

func TestEncoderForwardShape(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	enc, err := NewEncoder(smallConfig(6), 10, rng)
	require.NoError(t, err)

	logits := enc.Forward([]int{1, 4, 5, 2, 0, 0})
	r, c := logits.Dims()
	assert.Equal(t, 10, r)
	assert.Equal(t, 6, c)
}

func TestEncoderEvalForwardIsPure(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	enc, err := NewEncoder(smallConfig(6), 10, rng)
	require.NoError(t, err)
	enc.SetTraining(false)

	before := mat.DenseCopyOf(enc.Emb)
	ids := []int{1, 4, 5, 2, 0, 0}
	a := enc.Forward(ids)
	b := enc.Forward(ids)

	assert.True(t, mat.Equal(before, enc.Emb), "evaluation forward mutated parameters")
	assert.True(t, mat.Equal(a, b), "evaluation forward is nondeterministic")
}

func TestEncoderTrainingReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	enc, err := NewEncoder(smallConfig(6), 10, rng)
	require.NoError(t, err)
	enc.SetTraining(true)
	enc.SetLearningRate(0.01)

	ids := []int{1, 4, 5, 6, 2, 0}
	logits := enc.Forward(ids)
	first, _, _ := utils.MaskedCrossEntropy(logits, ids, vocab.PadID)

	last := first
	for i := 0; i < 60; i++ {
		logits = enc.Forward(ids)
		var grad *mat.Dense
		last, grad, _ = utils.MaskedCrossEntropy(logits, ids, vocab.PadID)
		enc.Backward(grad)
	}
	assert.Less(t, last, first, "loss did not decrease: %.4f -> %.4f", first, last)
}

func TestCheckpointRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	cfg := smallConfig(6)
	tokens := []string{"<pad>", "<bos>", "<eos>", "<unk>", "CC", "C", "O", "N", "(", ")"}

	enc, err := NewEncoder(cfg, len(tokens), rng)
	require.NoError(t, err)
	enc.SetTraining(false)

	path := t.TempDir() + "/model.gob"
	require.NoError(t, Save(enc, tokens, path))

	gotCfg, gotTokens, err := ReadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, gotCfg)
	assert.Equal(t, tokens, gotTokens)

	loaded, err := Load(path, cfg, tokens, rand.New(rand.NewSource(99)))
	require.NoError(t, err)
	loaded.SetTraining(false)

	assert.True(t, mat.Equal(enc.Emb, loaded.Emb))
	assert.True(t, mat.Equal(enc.Proj, loaded.Proj))
	assert.True(t, mat.Equal(enc.Blocks[0].Attn.Wquery[0], loaded.Blocks[0].Attn.Wquery[0]))
	assert.True(t, mat.Equal(enc.Blocks[1].Mlp.HiddenWeights, loaded.Blocks[1].Mlp.HiddenWeights))

	ids := []int{1, 4, 5, 2, 0, 0}
	assert.True(t, mat.EqualApprox(enc.Forward(ids), loaded.Forward(ids), 1e-12))
}

func TestLoadRejectsVocabMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	cfg := smallConfig(6)
	tokens := []string{"<pad>", "<bos>", "<eos>", "<unk>", "C", "O"}

	enc, err := NewEncoder(cfg, len(tokens), rng)
	require.NoError(t, err)
	path := t.TempDir() + "/model.gob"
	require.NoError(t, Save(enc, tokens, path))

	swapped := []string{"<pad>", "<bos>", "<eos>", "<unk>", "O", "C"}
	_, err = Load(path, cfg, swapped, rng)
	assert.ErrorIs(t, err, ErrVocabMismatch)

	shorter := tokens[:5]
	_, err = Load(path, cfg, shorter, rng)
	assert.ErrorIs(t, err, ErrVocabMismatch)
}

func TestLoadRejectsShapeMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cfg := smallConfig(6)
	tokens := []string{"<pad>", "<bos>", "<eos>", "<unk>", "C", "O"}

	enc, err := NewEncoder(cfg, len(tokens), rng)
	require.NoError(t, err)
	path := t.TempDir() + "/model.gob"
	require.NoError(t, Save(enc, tokens, path))

	other := cfg
	other.EmbedWidth = 16
	_, err = Load(path, other, tokens, rng)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
