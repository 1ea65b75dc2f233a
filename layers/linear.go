package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/go-semisup/tensor"
)

// Linear implements a fully connected layer: y = xW + b, with W stored as
// [inputSize, outputSize].
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a Linear layer with Xavier/Glorot uniform weights and zero bias.
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear layer size %dx%d", inputSize, outputSize)
	}

	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := float32(math.Sqrt(6.0 / float64(inputSize+outputSize)))
	weight, err := tensor.RandomUniform([]int{inputSize, outputSize}, -bound, bound, newRng())
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{weight: weight, training: true}
	if bias {
		b, err := tensor.Zeros([]int{outputSize})
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		b.SetRequiresGrad(true)
		linear.bias = b
	}
	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMul(input, l.weight)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		output, err = tensor.AddRowVector(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %w", err)
		}
	}
	return output, nil
}

// ForwardMode ignores the mode; a plain linear head is deterministic.
func (l *Linear) ForwardMode(input *tensor.Tensor, _ Mode) (*tensor.Tensor, error) {
	return l.Forward(input)
}

func (l *Linear) NamedParameters() []Parameter {
	params := []Parameter{{Name: "weight", Tensor: l.weight}}
	if l.bias != nil {
		params = append(params, Parameter{Name: "bias", Tensor: l.bias})
	}
	return params
}

func (l *Linear) NamedBuffers() []Parameter { return nil }

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

func (l *Linear) Clone() Module {
	c := &Linear{weight: cloneParam(l.weight), training: l.training}
	if l.bias != nil {
		c.bias = cloneParam(l.bias)
	}
	return c
}

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%t)", l.weight.Shape[0], l.weight.Shape[1], l.bias != nil)
}

// ReLU implements the ReLU activation module
type ReLU struct {
	training bool
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLU(input), nil
}

func (r *ReLU) NamedParameters() []Parameter { return nil }
func (r *ReLU) NamedBuffers() []Parameter    { return nil }
func (r *ReLU) Train()                       { r.training = true }
func (r *ReLU) Eval()                        { r.training = false }
func (r *ReLU) IsTraining() bool             { return r.training }
func (r *ReLU) Clone() Module                { return &ReLU{training: r.training} }
func (r *ReLU) String() string               { return "ReLU()" }
