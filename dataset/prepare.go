package dataset

import (
	"fmt"
	"math/rand"
	"runtime"
)

// Source is a raw train/test pair plus the augmentation layout it needs.
type Source struct {
	Name  string
	Train *InMemory
	Test  *InMemory
	Shape ImageShape
}

// Open loads a named dataset. Only datasets with a built-in loader can be
// opened; presets for other names still configure the run.
func Open(name, root string, seed int64) (*Source, error) {
	switch name {
	case "synthetic":
		cfg := DefaultBlobConfig()
		cfg.Seed = seed
		train, test, err := Blobs(cfg)
		if err != nil {
			return nil, err
		}
		return &Source{Name: name, Train: train, Test: test}, nil
	case "mnist":
		train, test, err := LoadMNIST(root)
		if err != nil {
			return nil, err
		}
		return &Source{Name: name, Train: train, Test: test, Shape: MNISTShape}, nil
	case "imagefolder":
		train, test, shape, err := LoadImageFolder(root, DefaultImageSize, runtime.NumCPU())
		if err != nil {
			return nil, err
		}
		return &Source{Name: name, Train: train, Test: test, Shape: shape}, nil
	default:
		return nil, fmt.Errorf("dataset %q has no loader", name)
	}
}

// SplitOptions controls how a source becomes the three training collections.
type SplitOptions struct {
	NumLabeled   int
	ExpandLabels bool
	BatchSize    int
	EvalStep     int
	Seed         int64
}

// Collections are the inputs to a training run.
type Collections struct {
	Labeled   Labeled
	Unlabeled Unlabeled
	Test      Labeled
}

// WeakFor returns the weak augmentation suited to the source.
func (s *Source) WeakFor() Weak {
	if s.Shape.Height > 0 {
		// only colour images are flipped
		return Weak{Shape: s.Shape, MaxShift: 2, Flip: s.Shape.Channels > 1}
	}
	return Weak{Noise: 0.05}
}

// StrongFor returns the strong augmentation suited to the source.
func (s *Source) StrongFor() Strong {
	weak := s.WeakFor()
	if s.Shape.Height > 0 {
		return Strong{Weak: weak, Cutout: s.Shape.Height / 2, Noise: 0.1}
	}
	return Strong{Weak: weak, DropProb: 0.2, Noise: 0.3}
}

// Split builds the labeled set (weakly augmented, possibly expanded), the
// two-view unlabeled set and the un-augmented test set.
func (s *Source) Split(opts SplitOptions) (*Collections, error) {
	expandTo := 0
	if opts.ExpandLabels || opts.NumLabeled < opts.BatchSize {
		expandTo = opts.EvalStep * opts.BatchSize
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	labeledIdx, unlabeledIdx, err := SplitLabeled(s.Train.Labels(), s.Train.NumClasses(), opts.NumLabeled, expandTo, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to split %s: %w", s.Name, err)
	}

	labeled, err := NewSubset(s.Train, labeledIdx)
	if err != nil {
		return nil, err
	}
	unlabeled, err := NewSubset(s.Train, unlabeledIdx)
	if err != nil {
		return nil, err
	}

	return &Collections{
		Labeled:   NewAugmented(labeled, s.WeakFor(), opts.Seed+1),
		Unlabeled: NewTwoViews(unlabeled, s.WeakFor(), s.StrongFor(), opts.Seed+2),
		Test:      s.Test,
	}, nil
}
