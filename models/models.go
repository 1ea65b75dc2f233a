// Package models builds the feature extractor / classifier head pairs used
// by the trainer.
package models

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-semisup/layers"
	"github.com/tsawler/go-semisup/tensor"
)

// Classifier head variants.
const (
	ClassifierVanilla    = "vanilla"
	ClassifierStochastic = "stochastic"
)

// Pair owns a feature extractor G and a classifier head F, always used as F(G(x)).
type Pair struct {
	G layers.Module
	F layers.Classifier
}

// Forward runs F(G(x)) with the classifier in the given mode.
func (p Pair) Forward(x *tensor.Tensor, mode layers.Mode) (*tensor.Tensor, error) {
	features, err := p.G.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("feature extractor: %w", err)
	}
	logits, err := p.F.ForwardMode(features, mode)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	return logits, nil
}

func (p Pair) Train() {
	p.G.Train()
	p.F.Train()
}

func (p Pair) Eval() {
	p.G.Eval()
	p.F.Eval()
}

// CountParameters returns the trainable scalar count of G and F combined.
func (p Pair) CountParameters() int {
	return layers.CountParameters(p.G) + layers.CountParameters(p.F)
}

// Options configures a model builder.
type Options struct {
	InputSize      int
	NumClasses     int
	Width          int // hidden units of the feature extractor
	Depth          int // number of hidden blocks
	ClassifierType string
	BNMomentum     float32
	InitLogSigma   float32
}

// Builder constructs a model pair for an architecture.
type Builder func(opts Options) (Pair, error)

var registry = map[string]Builder{
	"mlp": BuildMLP,
}

// Register adds an architecture builder. It panics on duplicates.
func Register(arch string, b Builder) {
	if _, exists := registry[arch]; exists {
		panic(fmt.Sprintf("models: architecture %q already registered", arch))
	}
	registry[arch] = b
}

// Lookup returns the builder for arch.
func Lookup(arch string) (Builder, error) {
	b, ok := registry[arch]
	if !ok {
		return nil, fmt.Errorf("unknown architecture %q (available: %v)", arch, Architectures())
	}
	return b, nil
}

// Architectures lists the registered architecture names.
func Architectures() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewHead creates the classifier head selected by classifierType.
func NewHead(classifierType string, in, numClasses int, initLogSigma float32) (layers.Classifier, error) {
	switch classifierType {
	case ClassifierVanilla:
		head, err := layers.NewLinear(in, numClasses, true)
		if err != nil {
			return nil, err
		}
		return head, nil
	case ClassifierStochastic:
		head, err := layers.NewStochasticLinear(in, numClasses, initLogSigma)
		if err != nil {
			return nil, err
		}
		return head, nil
	default:
		return nil, fmt.Errorf("unknown classifier type %q", classifierType)
	}
}

// BuildMLP builds Depth blocks of Linear -> BatchNorm1D -> ReLU followed by
// the selected classifier head.
func BuildMLP(opts Options) (Pair, error) {
	if opts.InputSize <= 0 || opts.NumClasses <= 0 || opts.Width <= 0 {
		return Pair{}, fmt.Errorf("invalid mlp options: %+v", opts)
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = 1
	}
	momentum := opts.BNMomentum
	if momentum == 0 {
		momentum = 0.01
	}

	var children []layers.Named
	in := opts.InputSize
	for i := 1; i <= depth; i++ {
		fc, err := layers.NewLinear(in, opts.Width, true)
		if err != nil {
			return Pair{}, err
		}
		bn, err := layers.NewBatchNorm1D(opts.Width, momentum, 1e-5)
		if err != nil {
			return Pair{}, err
		}
		children = append(children,
			layers.Named{Name: fmt.Sprintf("fc%d", i), Module: fc},
			layers.Named{Name: fmt.Sprintf("bn%d", i), Module: bn},
			layers.Named{Name: fmt.Sprintf("relu%d", i), Module: layers.NewReLU()},
		)
		in = opts.Width
	}
	g, err := layers.NewSequential(children...)
	if err != nil {
		return Pair{}, err
	}

	f, err := NewHead(opts.ClassifierType, in, opts.NumClasses, opts.InitLogSigma)
	if err != nil {
		return Pair{}, err
	}
	return Pair{G: g, F: f}, nil
}
