// Package dataset provides the labeled, unlabeled and test collections the
// semi-supervised trainer draws from.
package dataset

import (
	"fmt"
	"math/rand"
	"sync"
)

// Labeled is a collection of (sample, label) pairs.
type Labeled interface {
	Len() int
	Get(idx int) (sample []float32, label int, err error)
}

// Unlabeled yields two augmented views of the same sample. The label is
// only for diagnostics and must never reach a loss.
type Unlabeled interface {
	Len() int
	Get(idx int) (weak, strong []float32, label int, err error)
}

// InMemory is a fully materialised labeled dataset of flat feature vectors.
type InMemory struct {
	samples    [][]float32
	labels     []int
	numClasses int
	dim        int
}

// NewInMemory validates and wraps samples. Every sample must have the same
// length and every label must lie in [0, numClasses).
func NewInMemory(samples [][]float32, labels []int, numClasses int) (*InMemory, error) {
	if len(samples) != len(labels) {
		return nil, fmt.Errorf("got %d samples and %d labels", len(samples), len(labels))
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if numClasses < 1 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	dim := len(samples[0])
	for i, s := range samples {
		if len(s) != dim {
			return nil, fmt.Errorf("sample %d has %d features, expected %d", i, len(s), dim)
		}
		if labels[i] < 0 || labels[i] >= numClasses {
			return nil, fmt.Errorf("sample %d has label %d outside [0, %d)", i, labels[i], numClasses)
		}
	}
	return &InMemory{samples: samples, labels: labels, numClasses: numClasses, dim: dim}, nil
}

func (d *InMemory) Len() int { return len(d.samples) }

func (d *InMemory) Get(idx int) ([]float32, int, error) {
	if idx < 0 || idx >= len(d.samples) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.samples))
	}
	return d.samples[idx], d.labels[idx], nil
}

// Dim returns the number of features per sample.
func (d *InMemory) Dim() int { return d.dim }

// NumClasses returns the number of classes.
func (d *InMemory) NumClasses() int { return d.numClasses }

// Labels returns the label of every sample. The slice must not be modified.
func (d *InMemory) Labels() []int { return d.labels }

// ClassDistribution counts samples per class.
func (d *InMemory) ClassDistribution() []int {
	dist := make([]int, d.numClasses)
	for _, l := range d.labels {
		dist[l]++
	}
	return dist
}

// Subset exposes the base samples selected by indices, in order. Indices may
// repeat, which is how expanded label sets are represented.
type Subset struct {
	base    Labeled
	indices []int
}

// NewSubset creates a subset view.
func NewSubset(base Labeled, indices []int) (*Subset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= base.Len() {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, base.Len())
		}
	}
	return &Subset{base: base, indices: indices}, nil
}

func (s *Subset) Len() int { return len(s.indices) }

func (s *Subset) Get(idx int) ([]float32, int, error) {
	if idx < 0 || idx >= len(s.indices) {
		return nil, 0, fmt.Errorf("index %d out of range for subset of %d", idx, len(s.indices))
	}
	return s.base.Get(s.indices[idx])
}

// Augmented applies a transform to every sample of a labeled dataset.
type Augmented struct {
	base      Labeled
	transform Transform

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAugmented wraps base so Get returns transformed samples.
func NewAugmented(base Labeled, transform Transform, seed int64) *Augmented {
	return &Augmented{base: base, transform: transform, rng: rand.New(rand.NewSource(seed))}
}

func (a *Augmented) Len() int { return a.base.Len() }

func (a *Augmented) Get(idx int) ([]float32, int, error) {
	x, label, err := a.base.Get(idx)
	if err != nil {
		return nil, 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transform.Apply(x, a.rng), label, nil
}

// TwoViews turns a labeled dataset into an unlabeled one that returns a
// weakly and a strongly augmented view of each sample.
type TwoViews struct {
	base   Labeled
	weak   Transform
	strong Transform

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTwoViews creates the unlabeled view of base.
func NewTwoViews(base Labeled, weak, strong Transform, seed int64) *TwoViews {
	return &TwoViews{base: base, weak: weak, strong: strong, rng: rand.New(rand.NewSource(seed))}
}

func (u *TwoViews) Len() int { return u.base.Len() }

func (u *TwoViews) Get(idx int) ([]float32, []float32, int, error) {
	x, label, err := u.base.Get(idx)
	if err != nil {
		return nil, nil, 0, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.weak.Apply(x, u.rng), u.strong.Apply(x, u.rng), label, nil
}
