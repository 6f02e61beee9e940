// Package train drives the reconstruction objective: every padded token
// sequence is its own target, loss is cross-entropy over non-pad positions,
// and the best-validation snapshot is what survives the run.
package train

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manningwu07/smilescoder/model"
	"github.com/manningwu07/smilescoder/utils"
	"github.com/manningwu07/smilescoder/vocab"
)

// Options fixes one training run. The checkpoint path receives the full
// parameter state every time validation loss improves.
type Options struct {
	LearningRate   float64
	MaxEpochs      int
	Patience       int
	MinDelta       float64
	CheckpointPath string
}

// Result summarizes a completed run. Both termination paths are normal.
type Result struct {
	Epochs       int
	BestEpoch    int
	BestValLoss  float64
	EarlyStopped bool
}

// Split draws the fixed train/validation partition. The rng decides the
// shuffle, so one seed always yields one split.
func Split(seqs [][]int, valFrac float64, rng *rand.Rand) (trainSet, valSet [][]int) {
	idx := rng.Perm(len(seqs))
	nVal := int(float64(len(seqs)) * valFrac)
	valSet = make([][]int, 0, nVal)
	trainSet = make([][]int, 0, len(seqs)-nVal)
	for i, j := range idx {
		if i < nVal {
			valSet = append(valSet, seqs[j])
		} else {
			trainSet = append(trainSet, seqs[j])
		}
	}
	return trainSet, valSet
}

// Run trains enc until the epoch budget is spent or validation loss stops
// improving. vocabTokens is persisted inside every checkpoint so a loaded
// model can refuse a mismatched vocabulary.
func Run(enc *model.Encoder, vocabTokens []string, trainSet, valSet [][]int, opts Options, rng *rand.Rand) (Result, error) {
	if len(trainSet) == 0 {
		return Result{}, fmt.Errorf("train: empty training set")
	}
	enc.SetLearningRate(opts.LearningRate)
	stopper := NewEarlyStopper(opts.Patience, opts.MinDelta)

	var res Result
	for epoch := 1; epoch <= opts.MaxEpochs; epoch++ {
		start := time.Now()

		enc.SetTraining(true)
		order := rng.Perm(len(trainSet))
		trainLoss := 0.0
		for _, j := range order {
			ids := trainSet[j]
			logits := enc.Forward(ids)
			loss, grad, counted := utils.MaskedCrossEntropy(logits, ids, vocab.PadID)
			if counted == 0 {
				continue
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return res, fmt.Errorf("train: non-finite loss at epoch %d", epoch)
			}
			trainLoss += loss
			enc.Backward(grad)
		}
		trainLoss /= float64(len(trainSet))

		valLoss, err := Validate(enc, valSet)
		if err != nil {
			return res, err
		}

		res.Epochs = epoch
		log.Info().
			Int("epoch", epoch).
			Float64("train_loss", trainLoss).
			Float64("val_loss", valLoss).
			Dur("elapsed", time.Since(start)).
			Msg("epoch complete")

		improved, stop := stopper.Observe(epoch, valLoss)
		if improved {
			if opts.CheckpointPath != "" {
				if err := model.Save(enc, vocabTokens, opts.CheckpointPath); err != nil {
					return res, fmt.Errorf("train: checkpoint: %w", err)
				}
			}
			log.Info().Int("epoch", epoch).Float64("val_loss", valLoss).
				Msg("validation loss improved, checkpoint saved")
		}
		if stop {
			res.EarlyStopped = true
			res.BestEpoch, res.BestValLoss = stopper.Best()
			log.Info().Int("epoch", epoch).Int("best_epoch", res.BestEpoch).
				Msg("early stopping: validation loss stopped improving")
			return res, nil
		}
	}
	res.BestEpoch, res.BestValLoss = stopper.Best()
	log.Info().Int("epochs", res.Epochs).Int("best_epoch", res.BestEpoch).
		Msg("epoch budget exhausted")
	return res, nil
}

// Validate computes the mean masked loss over valSet without touching any
// parameter: dropout is switched off and no backward pass runs.
func Validate(enc *model.Encoder, valSet [][]int) (float64, error) {
	if len(valSet) == 0 {
		return 0, nil
	}
	enc.SetTraining(false)
	total := 0.0
	for _, ids := range valSet {
		logits := enc.Forward(ids)
		loss, _, counted := utils.MaskedCrossEntropy(logits, ids, vocab.PadID)
		if counted == 0 {
			continue
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, fmt.Errorf("train: non-finite validation loss")
		}
		total += loss
	}
	return total / float64(len(valSet)), nil
}
