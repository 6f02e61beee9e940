package train

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/smilescoder/model"
)

func TestEarlyStopperExactTermination(t *testing.T) {
	// First improvement at epoch 1, then `patience` consecutive epochs that
	// never improve by more than min_delta: stop exactly at epoch 1+patience,
	// with the best still attributed to epoch 1.
	s := NewEarlyStopper(3, 0.01)

	improved, stop := s.Observe(1, 1.0)
	assert.True(t, improved)
	assert.False(t, stop)

	improved, stop = s.Observe(2, 0.995) // within min_delta, not an improvement
	assert.False(t, improved)
	assert.False(t, stop)

	improved, stop = s.Observe(3, 0.999)
	assert.False(t, improved)
	assert.False(t, stop)

	improved, stop = s.Observe(4, 1.0)
	assert.False(t, improved)
	assert.True(t, stop, "must stop exactly at first_improvement_epoch + patience")

	epoch, best := s.Best()
	assert.Equal(t, 1, epoch)
	assert.Equal(t, 1.0, best)
}

func TestEarlyStopperResetsOnImprovement(t *testing.T) {
	s := NewEarlyStopper(2, 0.01)

	s.Observe(1, 1.0)
	s.Observe(2, 1.0) // bad 1
	improved, stop := s.Observe(3, 0.5)
	assert.True(t, improved)
	assert.False(t, stop)

	_, stop = s.Observe(4, 0.5)
	assert.False(t, stop)
	_, stop = s.Observe(5, 0.5)
	assert.True(t, stop)

	epoch, best := s.Best()
	assert.Equal(t, 3, epoch)
	assert.Equal(t, 0.5, best)
}

func TestSplitDeterministicAndDisjoint(t *testing.T) {
	seqs := make([][]int, 10)
	for i := range seqs {
		seqs[i] = []int{i}
	}

	tr1, va1 := Split(seqs, 0.2, rand.New(rand.NewSource(11)))
	tr2, va2 := Split(seqs, 0.2, rand.New(rand.NewSource(11)))
	assert.Equal(t, tr1, tr2)
	assert.Equal(t, va1, va2)

	assert.Len(t, va1, 2)
	assert.Len(t, tr1, 8)

	seen := map[int]bool{}
	for _, s := range append(append([][]int{}, tr1...), va1...) {
		assert.False(t, seen[s[0]], "sample %d assigned twice", s[0])
		seen[s[0]] = true
	}
	assert.Len(t, seen, 10)
}

func testEncoder(t *testing.T, vocabSize int, rng *rand.Rand) *model.Encoder {
	t.Helper()
	enc, err := model.NewEncoder(model.Config{
		EmbedWidth:  8,
		HeadCount:   2,
		FFWidth:     12,
		DropoutRate: 0,
		LayerCount:  1,
		MaxLen:      6,
	}, vocabSize, rng)
	require.NoError(t, err)
	return enc
}

var testTokens = []string{"<pad>", "<bos>", "<eos>", "<unk>", "C", "O"}

func testSeqs() [][]int {
	return [][]int{
		{1, 4, 4, 5, 2, 0},
		{1, 5, 4, 2, 0, 0},
		{1, 4, 5, 4, 5, 2},
		{1, 4, 2, 0, 0, 0},
		{1, 5, 5, 2, 0, 0},
	}
}

func TestRunEarlyStopsAndKeepsBestCheckpoint(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	enc := testEncoder(t, len(testTokens), rng)
	ckpt := filepath.Join(t.TempDir(), "best.gob")

	seqs := testSeqs()
	res, err := Run(enc, testTokens, seqs[:4], seqs[4:], Options{
		LearningRate:   0.001,
		MaxEpochs:      50,
		Patience:       2,
		MinDelta:       1e9, // nothing after the first epoch can qualify
		CheckpointPath: ckpt,
	}, rng)
	require.NoError(t, err)

	assert.True(t, res.EarlyStopped)
	assert.Equal(t, 3, res.Epochs, "stop at first_improvement_epoch + patience")
	assert.Equal(t, 1, res.BestEpoch)

	_, err = os.Stat(ckpt)
	require.NoError(t, err, "improvement must persist a checkpoint")

	// The retained checkpoint is the epoch-1 snapshot, not the final weights.
	cfg, tokens, err := model.ReadMeta(ckpt)
	require.NoError(t, err)
	assert.Equal(t, testTokens, tokens)
	loaded, err := model.Load(ckpt, cfg, testTokens, rng)
	require.NoError(t, err)
	assert.False(t, mat.Equal(loaded.Emb, enc.Emb),
		"checkpoint should predate the post-improvement training steps")
}

func TestRunExhaustsEpochBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	enc := testEncoder(t, len(testTokens), rng)

	seqs := testSeqs()
	res, err := Run(enc, testTokens, seqs[:4], seqs[4:], Options{
		LearningRate: 0.001,
		MaxEpochs:    3,
		Patience:     100,
		MinDelta:     1e-4,
	}, rng)
	require.NoError(t, err)
	assert.False(t, res.EarlyStopped)
	assert.Equal(t, 3, res.Epochs)
}

func TestRunRejectsEmptyTrainingSet(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	enc := testEncoder(t, len(testTokens), rng)
	_, err := Run(enc, testTokens, nil, testSeqs(), Options{MaxEpochs: 1}, rng)
	assert.Error(t, err)
}
