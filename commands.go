package main

import (
	"fmt"
	"math/rand"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/manningwu07/smilescoder/data"
	"github.com/manningwu07/smilescoder/eval"
	"github.com/manningwu07/smilescoder/model"
	"github.com/manningwu07/smilescoder/params"
	"github.com/manningwu07/smilescoder/tokenizer"
	"github.com/manningwu07/smilescoder/train"
	"github.com/manningwu07/smilescoder/vocab"
)

type corpusFlags struct {
	path   string
	column string
	delim  string
}

func (cf *corpusFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&cf.path, "corpus", "", "delimited corpus file")
	cmd.Flags().StringVar(&cf.column, "column", "smiles", "SMILES column name or 0-based index")
	cmd.Flags().StringVar(&cf.delim, "delim", ",", "field delimiter")
	_ = cmd.MarkFlagRequired("corpus")
}

func (cf *corpusFlags) read() ([]string, error) {
	if len(cf.delim) != 1 {
		return nil, fmt.Errorf("delimiter must be a single character, got %q", cf.delim)
	}
	return data.ReadSMILES(cf.path, cf.column, rune(cf.delim[0]))
}

func rootCmd() *cobra.Command {
	var configPath string
	var seed int64

	root := &cobra.Command{
		Use:           "smilescoder",
		Short:         "Subword-tokenized SMILES autoencoding transformer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				if err := params.Load(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("seed") {
				params.Config.Seed = seed
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config overriding defaults")
	root.PersistentFlags().Int64Var(&seed, "seed", params.Config.Seed, "random seed")

	root.AddCommand(vocabCmd(), trainCmd(), evalCmd())
	return root
}

func vocabCmd() *cobra.Command {
	var cf corpusFlags
	var out string

	cmd := &cobra.Command{
		Use:   "vocab",
		Short: "Induce a subword vocabulary from a SMILES corpus",
		RunE: func(_ *cobra.Command, _ []string) error {
			corpus, err := cf.read()
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(params.Config.Seed))
			v, err := vocab.Build(corpus, vocab.BuilderConfig{
				MaxSize:       params.Config.VocabSize,
				MinPairFreq:   params.Config.MinPairFreq,
				AugmentFactor: params.Config.AugmentFactor,
			}, rng)
			if err != nil {
				return err
			}
			if err := v.Save(out); err != nil {
				return err
			}
			log.Info().Str("path", out).Int("size", v.Size()).Msg("vocabulary written")
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&out, "out", "vocab.txt", "vocabulary artifact path")
	return cmd
}

func trainCmd() *cobra.Command {
	var cf corpusFlags
	var vocabPath, checkpoint string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the reconstruction encoder",
		RunE: func(_ *cobra.Command, _ []string) error {
			corpus, err := cf.read()
			if err != nil {
				return err
			}
			v, err := vocab.Load(vocabPath)
			if err != nil {
				return err
			}
			tok := tokenizer.New(v)

			maxLen, err := tok.MaxEncodedLen(corpus)
			if err != nil {
				return err
			}
			seqs := make([][]int, len(corpus))
			for i, s := range corpus {
				ids, err := tok.Encode(s)
				if err != nil {
					return err
				}
				if seqs[i], err = tok.Pad(ids, maxLen); err != nil {
					return err
				}
			}

			rng := rand.New(rand.NewSource(params.Config.Seed))
			trainSet, valSet := train.Split(seqs, params.Config.ValFrac, rng)
			log.Info().
				Int("train", len(trainSet)).
				Int("val", len(valSet)).
				Int("max_len", maxLen).
				Int("vocab", v.Size()).
				Msg("training set prepared")

			enc, err := model.NewEncoder(model.Config{
				EmbedWidth:  params.Config.DModel,
				HeadCount:   params.Config.NumHeads,
				FFWidth:     params.Config.HiddenSize,
				DropoutRate: params.Config.Dropout,
				LayerCount:  params.Config.Layers,
				MaxLen:      maxLen,
			}, v.Size(), rng)
			if err != nil {
				return err
			}

			res, err := train.Run(enc, v.Tokens, trainSet, valSet, train.Options{
				LearningRate:   params.Config.LearningRate,
				MaxEpochs:      params.Config.MaxEpochs,
				Patience:       params.Config.Patience,
				MinDelta:       params.Config.MinDelta,
				CheckpointPath: checkpoint,
			}, rng)
			if err != nil {
				return err
			}
			log.Info().
				Int("epochs", res.Epochs).
				Int("best_epoch", res.BestEpoch).
				Float64("best_val_loss", res.BestValLoss).
				Bool("early_stopped", res.EarlyStopped).
				Msg("training finished")
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&vocabPath, "vocab", "vocab.txt", "vocabulary artifact path")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "best_model.gob", "best-model checkpoint path")
	return cmd
}

func evalCmd() *cobra.Command {
	var cf corpusFlags
	var vocabPath, checkpoint string

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate reconstruction fidelity of a trained model",
		RunE: func(_ *cobra.Command, _ []string) error {
			corpus, err := cf.read()
			if err != nil {
				return err
			}
			v, err := vocab.Load(vocabPath)
			if err != nil {
				return err
			}
			cfg, _, err := model.ReadMeta(checkpoint)
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(params.Config.Seed))
			enc, err := model.Load(checkpoint, cfg, v.Tokens, rng)
			if err != nil {
				return err
			}
			enc.SetTraining(false)

			rep, err := eval.Evaluate(enc, tokenizer.New(v), corpus, cfg.MaxLen)
			if err != nil {
				return err
			}
			fmt.Printf("accuracy: %.2f%%  mismatches: %d/%d  mean edit distance: %.3f  mean mismatched length: %.3f\n",
				rep.Accuracy, rep.Mismatches, rep.Total, rep.MeanEditDistance, rep.MeanMismatchLen)
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().StringVar(&vocabPath, "vocab", "vocab.txt", "vocabulary artifact path")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "best_model.gob", "trained checkpoint path")
	return cmd
}
