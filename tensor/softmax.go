package tensor

import (
	"fmt"
	"math"
)

// logSoftmaxRow writes log_softmax(z) into out using the max-shift trick.
func logSoftmaxRow(z, out []float32) {
	maxVal := z[0]
	for _, v := range z[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for _, v := range z {
		sum += math.Exp(float64(v - maxVal))
	}
	logSum := float32(math.Log(sum)) + maxVal
	for i, v := range z {
		out[i] = v - logSum
	}
}

// Softmax returns softmax(t / temperature) over the last dimension of a 2D
// tensor. The result is always detached from the graph.
func Softmax(t *Tensor, temperature float32) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("softmax expects a 2D tensor, got shape %v", t.Shape)
	}
	if temperature <= 0 {
		return nil, fmt.Errorf("temperature must be positive, got %f", temperature)
	}
	width := t.Shape[1]
	result := ZerosLike(t)
	scaled := make([]float32, width)
	for r := 0; r < t.Shape[0]; r++ {
		for c, v := range t.Row(r) {
			scaled[c] = v / temperature
		}
		out := result.Row(r)
		logSoftmaxRow(scaled, out)
		for c := range out {
			out[c] = float32(math.Exp(float64(out[c])))
		}
	}
	return result, nil
}

// MaxRows returns the maximum value and its index for every row.
func MaxRows(t *Tensor) ([]float32, []int) {
	rows := t.Rows()
	values := make([]float32, rows)
	indices := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := t.Row(r)
		best := 0
		for c := 1; c < len(row); c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		values[r] = row[best]
		indices[r] = best
	}
	return values, indices
}

// softCrossEntropyOp is the fused
// (1/N) Σ_i w_i · (-Σ_c t_ic · log_softmax(z_i)_c)
type softCrossEntropyOp struct {
	inputs  []*Tensor
	targets *Tensor
	weights []float32
	probs   *Tensor
}

func (op *softCrossEntropyOp) Inputs() []*Tensor { return op.inputs }

func (op *softCrossEntropyOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	logits := op.inputs[0]
	n := logits.Rows()
	g := gradOut.Data[0] / float32(n)
	grad := ZerosLike(logits)
	for r := 0; r < n; r++ {
		w := float32(1)
		if op.weights != nil {
			w = op.weights[r]
		}
		if w == 0 {
			continue
		}
		target := op.targets.Row(r)
		var targetSum float32
		for _, v := range target {
			targetSum += v
		}
		p := op.probs.Row(r)
		out := grad.Row(r)
		for c := range out {
			out[c] = g * w * (p[c]*targetSum - target[c])
		}
	}
	return []*Tensor{grad}, nil
}

// SoftCrossEntropy computes the batch mean of per-row weighted cross entropy
// between logits [N, C] and soft targets [N, C]. weights may be nil.
func SoftCrossEntropy(logits, targets *Tensor, weights []float32) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects 2D logits, got shape %v", logits.Shape)
	}
	if err := checkSameShape(logits, targets); err != nil {
		return nil, err
	}
	n, width := logits.Shape[0], logits.Shape[1]
	if weights != nil && len(weights) != n {
		return nil, fmt.Errorf("got %d weights for %d rows", len(weights), n)
	}
	if n == 0 {
		return nil, fmt.Errorf("cross entropy over an empty batch")
	}

	probs := ZerosLike(logits)
	logp := make([]float32, width)
	var total float64
	for r := 0; r < n; r++ {
		logSoftmaxRow(logits.Row(r), logp)
		var rowLoss float64
		target := targets.Row(r)
		p := probs.Row(r)
		for c := range logp {
			rowLoss -= float64(target[c]) * float64(logp[c])
			p[c] = float32(math.Exp(float64(logp[c])))
		}
		if weights != nil {
			rowLoss *= float64(weights[r])
		}
		total += rowLoss
	}

	result := FromScalar(float32(total / float64(n)))
	op := &softCrossEntropyOp{inputs: []*Tensor{logits}, targets: targets.Detach(), weights: weights, probs: probs}
	return attach(result, op), nil
}

// OneHot encodes labels as an [N, numClasses] tensor.
func OneHot(labels []int, numClasses int) (*Tensor, error) {
	t, err := Zeros([]int{len(labels), numClasses})
	if err != nil {
		return nil, err
	}
	for i, l := range labels {
		if l < 0 || l >= numClasses {
			return nil, fmt.Errorf("label %d out of range [0, %d)", l, numClasses)
		}
		t.Data[i*numClasses+l] = 1
	}
	return t, nil
}

// CrossEntropy computes the batch mean of weighted hard-label cross entropy.
// weights may be nil for the plain mean.
func CrossEntropy(logits *Tensor, labels []int, weights []float32) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects 2D logits, got shape %v", logits.Shape)
	}
	if len(labels) != logits.Shape[0] {
		return nil, fmt.Errorf("got %d labels for %d rows", len(labels), logits.Shape[0])
	}
	targets, err := OneHot(labels, logits.Shape[1])
	if err != nil {
		return nil, err
	}
	return SoftCrossEntropy(logits, targets, weights)
}
