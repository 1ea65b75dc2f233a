package training

import (
	"context"
	"fmt"
	"math"

	"github.com/tsawler/go-semisup/layers"
	"github.com/tsawler/go-semisup/tensor"
)

// Pseudo-label methods.
const (
	MethodDepict   = "depict"
	MethodFixMatch = "fixmatch"
)

// PseudoLabelConfig controls how pseudo-labels are formed from the weak
// branch.
type PseudoLabelConfig struct {
	Temperature    float32
	Threshold      float32
	NumClassifiers int
}

// PseudoLabels are the detached targets derived from one unlabeled batch.
type PseudoLabels struct {
	// Product is the running product of the classifier samples' probabilities.
	Product *tensor.Tensor
	// Mean is the average of the classifier samples' probabilities.
	Mean *tensor.Tensor
	// Targets is argmax of Product per row.
	Targets []int
	// MaxProbs is max of Product per row.
	MaxProbs []float32
	// Mask is 1 where MaxProbs reaches the threshold, else 0.
	Mask []float32
}

// MaskSum returns the number of confident rows.
func (p *PseudoLabels) MaskSum() float32 {
	var s float32
	for _, m := range p.Mask {
		s += m
	}
	return s
}

// MaskMean returns the fraction of confident rows.
func (p *PseudoLabels) MaskMean() float32 {
	if len(p.Mask) == 0 {
		return 0
	}
	return p.MaskSum() / float32(len(p.Mask))
}

// GeneratePseudoLabels turns weak-branch logits into pseudo-labels. When
// more than one classifier sample is requested, head is re-run on the cached
// weak-branch features; a stochastic head draws fresh weights each pass.
// Only copied probabilities leave the extra passes, so their graphs are
// unreachable from the loss. tensor.NoGrad is process-wide and must not be
// used here: ranks of an in-process group may be mid-forward.
func GeneratePseudoLabels(logitsWeak, featuresWeak *tensor.Tensor, head layers.Classifier, cfg PseudoLabelConfig) (*PseudoLabels, error) {
	if cfg.NumClassifiers < 1 {
		return nil, fmt.Errorf("number of classifiers must be at least 1, got %d", cfg.NumClassifiers)
	}
	first, err := tensor.Softmax(logitsWeak.Detach(), cfg.Temperature)
	if err != nil {
		return nil, err
	}
	product := first.Clone()
	mean := first.Clone()

	if cfg.NumClassifiers > 1 {
		features := featuresWeak.Detach()
		for i := 1; i < cfg.NumClassifiers; i++ {
			logits, err := head.Forward(features)
			if err != nil {
				return nil, fmt.Errorf("classifier sample %d: %w", i, err)
			}
			prob, err := tensor.Softmax(logits.Detach(), cfg.Temperature)
			if err != nil {
				return nil, err
			}
			for j, v := range prob.Data {
				product.Data[j] *= v
				mean.Data[j] += v
			}
		}
		inv := 1 / float32(cfg.NumClassifiers)
		for j := range mean.Data {
			mean.Data[j] *= inv
		}
	}

	return maskPseudoLabels(product, mean, cfg.Threshold), nil
}

func maskPseudoLabels(product, mean *tensor.Tensor, threshold float32) *PseudoLabels {
	maxProbs, targets := tensor.MaxRows(product)
	mask := make([]float32, len(maxProbs))
	for i, p := range maxProbs {
		if p >= threshold {
			mask[i] = 1
		}
	}
	return &PseudoLabels{Product: product, Mean: mean, Targets: targets, MaxProbs: maxProbs, Mask: mask}
}

// Gatherer concatenates a buffer across the process group in rank order.
type Gatherer interface {
	WorldSize() int
	AllGather(ctx context.Context, data []float32) ([]float32, error)
}

// PseudoLabeler turns pseudo-labels into the unsupervised loss on logitsU.
type PseudoLabeler interface {
	Name() string
	Loss(ctx context.Context, logitsU *tensor.Tensor, labels *PseudoLabels) (*tensor.Tensor, error)
}

// NewPseudoLabeler selects the loss for method. gather may be nil for a
// single process.
func NewPseudoLabeler(method string, gather Gatherer) (PseudoLabeler, error) {
	switch method {
	case MethodFixMatch:
		return FixMatch{}, nil
	case MethodDepict:
		return Depict{Gather: gather}, nil
	default:
		return nil, fmt.Errorf("unknown pseudo-label method %q", method)
	}
}

// FixMatch is the masked cross entropy against the hard targets.
type FixMatch struct{}

func (FixMatch) Name() string { return MethodFixMatch }

func (FixMatch) Loss(_ context.Context, logitsU *tensor.Tensor, labels *PseudoLabels) (*tensor.Tensor, error) {
	return tensor.CrossEntropy(logitsU, labels.Targets, labels.Mask)
}

// Depict is the masked soft cross entropy against the clustering target
// built from the mean classifier probabilities.
type Depict struct {
	Gather Gatherer
}

func (Depict) Name() string { return MethodDepict }

func (d Depict) Loss(ctx context.Context, logitsU *tensor.Tensor, labels *PseudoLabels) (*tensor.Tensor, error) {
	target, err := DepictTargets(ctx, labels.Mean, d.Gather)
	if err != nil {
		return nil, err
	}
	return tensor.SoftCrossEntropy(logitsU, target, labels.Mask)
}

// DepictTargets divides every column of mean by the square root of that
// column's sum over the batch gathered from all ranks, then renormalises
// rows to 1. The denominator grows with the world size.
func DepictTargets(ctx context.Context, mean *tensor.Tensor, gather Gatherer) (*tensor.Tensor, error) {
	if len(mean.Shape) != 2 {
		return nil, fmt.Errorf("depict target expects a 2D tensor, got shape %v", mean.Shape)
	}
	classes := mean.Shape[1]

	batch := mean.Data
	if gather != nil && gather.WorldSize() > 1 {
		gathered, err := gather.AllGather(ctx, mean.Data)
		if err != nil {
			return nil, fmt.Errorf("gathering pseudo-label sums: %w", err)
		}
		batch = gathered
	}
	if len(batch)%classes != 0 {
		return nil, fmt.Errorf("gathered %d values for %d classes", len(batch), classes)
	}

	colSum := make([]float64, classes)
	for i, v := range batch {
		colSum[i%classes] += float64(v)
	}
	denom := make([]float32, classes)
	for c, s := range colSum {
		denom[c] = float32(math.Sqrt(s))
	}

	target := tensor.ZerosLike(mean)
	for r := 0; r < mean.Rows(); r++ {
		in := mean.Row(r)
		out := target.Row(r)
		var rowSum float32
		for c, v := range in {
			if denom[c] > 0 {
				out[c] = v / denom[c]
			}
			rowSum += out[c]
		}
		if rowSum > 0 {
			for c := range out {
				out[c] /= rowSum
			}
		}
	}
	return target, nil
}
