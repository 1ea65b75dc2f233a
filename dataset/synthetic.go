package dataset

import (
	"fmt"
	"math/rand"
)

// BlobConfig describes a Gaussian-blob classification problem.
type BlobConfig struct {
	NumClasses int
	Dim        int
	TrainSize  int
	TestSize   int
	// Separation is the standard deviation of the class centres.
	Separation float32
	// Spread is the standard deviation of samples around their centre.
	Spread float32
	Seed   int64
}

// DefaultBlobConfig is a small, well separated 10-class problem.
func DefaultBlobConfig() BlobConfig {
	return BlobConfig{
		NumClasses: 10,
		Dim:        32,
		TrainSize:  5000,
		TestSize:   1000,
		Separation: 3,
		Spread:     1,
		Seed:       1,
	}
}

// Blobs samples train and test sets around shared class centres. Classes
// are assigned round-robin so every class is equally represented.
func Blobs(cfg BlobConfig) (train, test *InMemory, err error) {
	if cfg.NumClasses < 2 || cfg.Dim < 1 {
		return nil, nil, fmt.Errorf("blobs need at least 2 classes and 1 dimension, got %d and %d", cfg.NumClasses, cfg.Dim)
	}
	if cfg.TrainSize < cfg.NumClasses || cfg.TestSize < 1 {
		return nil, nil, fmt.Errorf("invalid blob sizes: train=%d test=%d", cfg.TrainSize, cfg.TestSize)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	centres := make([][]float32, cfg.NumClasses)
	for c := range centres {
		centres[c] = make([]float32, cfg.Dim)
		for d := range centres[c] {
			centres[c][d] = cfg.Separation * float32(rng.NormFloat64())
		}
	}

	sample := func(n int) (*InMemory, error) {
		samples := make([][]float32, n)
		labels := make([]int, n)
		for i := range samples {
			c := i % cfg.NumClasses
			x := make([]float32, cfg.Dim)
			for d := range x {
				x[d] = centres[c][d] + cfg.Spread*float32(rng.NormFloat64())
			}
			samples[i] = x
			labels[i] = c
		}
		return NewInMemory(samples, labels, cfg.NumClasses)
	}

	if train, err = sample(cfg.TrainSize); err != nil {
		return nil, nil, err
	}
	if test, err = sample(cfg.TestSize); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}
