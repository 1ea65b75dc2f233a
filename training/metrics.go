package training

import (
	"fmt"

	"github.com/tsawler/go-semisup/tensor"
	"gonum.org/v1/gonum/stat"
)

// AverageMeter tracks the latest value and running average of a scalar.
type AverageMeter struct {
	Val   float64
	Sum   float64
	Count float64
	Avg   float64
}

// Update records val as the mean of n observations.
func (m *AverageMeter) Update(val float64, n float64) {
	m.Val = val
	m.Sum += val * n
	m.Count += n
	if m.Count > 0 {
		m.Avg = m.Sum / m.Count
	}
}

// Reset clears the meter.
func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}

func (m *AverageMeter) String() string {
	return fmt.Sprintf("%.4f (%.4f)", m.Val, m.Avg)
}

// Accuracy returns the top-k accuracy in percent for every k in topk.
func Accuracy(logits *tensor.Tensor, targets []int, topk ...int) ([]float64, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("accuracy expects 2D logits, got shape %v", logits.Shape)
	}
	n, classes := logits.Shape[0], logits.Shape[1]
	if len(targets) != n {
		return nil, fmt.Errorf("got %d targets for %d rows", len(targets), n)
	}
	if n == 0 {
		return nil, fmt.Errorf("accuracy over an empty batch")
	}
	for _, k := range topk {
		if k < 1 || k > classes {
			return nil, fmt.Errorf("top-%d accuracy needs at least %d classes, got %d", k, k, classes)
		}
	}

	correct := make([]int, len(topk))
	for r := 0; r < n; r++ {
		row := logits.Row(r)
		target := row[targets[r]]
		// rank is the number of classes scoring strictly higher than the
		// target; ties favour the lower index as argmax does.
		rank := 0
		for c, v := range row {
			if v > target || (v == target && c < targets[r]) {
				rank++
			}
		}
		for i, k := range topk {
			if rank < k {
				correct[i]++
			}
		}
	}

	res := make([]float64, len(topk))
	for i := range topk {
		res[i] = 100 * float64(correct[i]) / float64(n)
	}
	return res, nil
}

// RecentMean returns the mean of the last window values.
func RecentMean(values []float64, window int) float64 {
	if len(values) == 0 {
		return 0
	}
	if window > 0 && len(values) > window {
		values = values[len(values)-window:]
	}
	return stat.Mean(values, nil)
}
