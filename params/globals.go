package params

import (
	"fmt"

	"github.com/spf13/viper"
)

// TrainingConfig collects every knob of a run in one place so a run can be
// reproduced from the struct alone.
type TrainingConfig struct {
	// Core encoder parameters
	DModel     int // model width
	NumHeads   int // attention heads; DModel must divide evenly
	HiddenSize int // MLP hidden width
	Layers     int // encoder blocks
	Dropout    float64

	// Vocabulary induction
	VocabSize   int // max vocabulary size, specials included
	MinPairFreq int // stop merging below this pair frequency
	AugmentFactor int // random rewrites added per corpus string

	// Optimization
	LearningRate float64
	AdamBeta1    float64 // default 0.9
	AdamBeta2    float64 // default 0.999
	AdamEps      float64 // default 1e-8
	GradClip     float64 // <=0 disables
	WeightDecay  float64 // AdamW-style; 0 disables

	// Training loop
	MaxEpochs int
	Patience  int     // early stopping patience
	MinDelta  float64 // required validation-loss improvement
	ValFrac   float64 // fraction held out for validation
	Seed      int64

	HeadParallel bool // run attention heads on goroutines
}

// Defaults sized for a few-hundred-thousand-string corpus on one machine.
var Config = TrainingConfig{
	DModel:     128,
	NumHeads:   4, // dHead = DModel/NumHeads
	HiddenSize: 256,
	Layers:     3,
	Dropout:    0.1,

	VocabSize:     3000,
	MinPairFreq:   500,
	AugmentFactor: 0,

	LearningRate: 0.0003,
	AdamBeta1:    0.9,
	AdamBeta2:    0.999,
	AdamEps:      1e-8,
	GradClip:     1.0,
	WeightDecay:  0.01,

	MaxEpochs: 200,
	Patience:  10,
	MinDelta:  1e-4,
	ValFrac:   0.2,
	Seed:      42,

	HeadParallel: false,
}

// Load overrides Config from a YAML file. Keys match field names
// case-insensitively; missing keys keep their defaults.
func Load(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("params: read config: %w", err)
	}
	if err := v.Unmarshal(&Config); err != nil {
		return fmt.Errorf("params: parse config: %w", err)
	}
	return nil
}
