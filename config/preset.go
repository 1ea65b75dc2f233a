package config

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-semisup/models"
	"github.com/tsawler/go-semisup/optimizer"
	"github.com/tsawler/go-semisup/training"
)

// Preset fixes the class count and model size for a dataset. A zero
// NumClasses keeps the configured value.
type Preset struct {
	NumClasses int
	ModelDepth int
	ModelWidth int
}

const (
	imagenetTrainSize = 1281167
	imagenetEpochs    = 300
)

var presets = map[string]Preset{
	"synthetic": {NumClasses: 10, ModelDepth: 1, ModelWidth: 64},
	"mnist":     {NumClasses: 10, ModelDepth: 2, ModelWidth: 128},
	"cifar10":   {NumClasses: 10, ModelDepth: 2, ModelWidth: 256},
	"svhn":      {NumClasses: 10, ModelDepth: 2, ModelWidth: 256},
	"cifar100":  {NumClasses: 100, ModelDepth: 2, ModelWidth: 1024},
	"stl10":     {NumClasses: 10, ModelDepth: 3, ModelWidth: 256},
	"imagenet":  {NumClasses: 1000, ModelDepth: 4, ModelWidth: 1024},

	"imagefolder": {ModelDepth: 2, ModelWidth: 256},
}

// Datasets lists the names with a preset.
func Datasets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyPreset overwrites the dataset-dependent fields of cfg. For imagenet
// it also derives the label budget and the schedule from the training set
// size and the global batch.
func ApplyPreset(cfg *Config, worldSize int) error {
	p, ok := presets[cfg.Dataset]
	if !ok {
		return fmt.Errorf("%w: unknown dataset %q", ErrInvalid, cfg.Dataset)
	}
	if p.NumClasses > 0 {
		cfg.NumClasses = p.NumClasses
	}
	cfg.ModelDepth = p.ModelDepth
	cfg.ModelWidth = p.ModelWidth

	if cfg.Dataset == "imagenet" {
		if worldSize < 1 {
			worldSize = 1
		}
		cfg.NumLabeled = imagenetTrainSize / 10 / 1000 * 1000
		cfg.Mu = 5
		globalBatch := cfg.BatchSize * cfg.Mu * worldSize
		if globalBatch <= 0 {
			return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalid, cfg.BatchSize)
		}
		cfg.EvalStep = imagenetTrainSize / globalBatch
		cfg.TotalSteps = imagenetEpochs * cfg.EvalStep
		cfg.Warmup = 5
		cfg.LambdaU = 10
	}
	return nil
}

// TrainingConfig maps the run options onto the trainer's hyperparameters.
func (c Config) TrainingConfig() training.Config {
	return training.Config{
		BatchSize:          c.BatchSize,
		Mu:                 c.Mu,
		LambdaU:            c.LambdaU,
		Temperature:        c.Temperature,
		Threshold:          c.ConfidenceThreshold,
		NumClassifiers:     c.NumClassifiers,
		Method:             c.PseudoLabelMethod,
		UnsupervisedOnWeak: c.RmAugS,
		UseEMA:             c.UseEMA,
		EMADecay:           c.EMADecay,
		TotalSteps:         c.TotalSteps,
		EvalStep:           c.EvalStep,
		StartEpoch:         c.StartEpoch,
		WarmupEpochs:       c.Warmup,
		Schedule:           training.ScheduleForDataset(c.Dataset),
		NoProgress:         c.NoProgress,
		Description:        c.Dataset + "@" + fmt.Sprint(c.NumLabeled),
	}
}

// SGDConfig is the optimizer configuration. Momentum is fixed at 0.9.
func (c Config) SGDConfig() optimizer.SGDConfig {
	return optimizer.SGDConfig{
		LearningRate: float32(c.LR),
		Momentum:     0.9,
		WeightDecay:  float32(c.WDecay),
		Nesterov:     c.Nesterov,
	}
}

// ModelOptions sizes the model for inputs of dimension inputSize.
func (c Config) ModelOptions(inputSize int) models.Options {
	return models.Options{
		InputSize:      inputSize,
		NumClasses:     c.NumClasses,
		Width:          c.ModelWidth,
		Depth:          c.ModelDepth,
		ClassifierType: c.ClassifierType,
		BNMomentum:     0.001,
		InitLogSigma:   float32(c.InitLogSigma),
	}
}
