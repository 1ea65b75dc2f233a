package tensor

import (
	"fmt"
	"sync/atomic"
)

// Operation is a node in the autograd graph. Backward receives the gradient of
// the operation's output and returns one gradient per input (nil for inputs
// that do not need one).
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

// Tensor is a dense, row-major float32 tensor living in host memory.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

// gradDisabled counts active NoGrad scopes.
var gradDisabled int32

// NoGrad runs fn with graph recording switched off. Results produced inside
// fn never carry a creator, so they cannot be differentiated.
func NoGrad(fn func() error) error {
	atomic.AddInt32(&gradDisabled, 1)
	defer atomic.AddInt32(&gradDisabled, -1)
	return fn()
}

// GradEnabled reports whether operations currently record the graph.
func GradEnabled() bool {
	return atomic.LoadInt32(&gradDisabled) == 0
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d, requires_grad=%t)", t.Shape, t.NumElems, t.requiresGrad)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil when none has been computed.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the accumulated gradient.
func (t *Tensor) SetGrad(g *Tensor) {
	t.grad = g
}

// IsLeaf reports whether the tensor was created by the user rather than an operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Rows returns the size of the leading dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowSize returns the number of elements in one slice of the leading dimension.
func (t *Tensor) RowSize() int {
	if len(t.Shape) == 0 || t.Shape[0] == 0 {
		return 0
	}
	return t.NumElems / t.Shape[0]
}

// Row returns a view of row i of the leading dimension.
func (t *Tensor) Row(i int) []float32 {
	n := t.RowSize()
	return t.Data[i*n : (i+1)*n]
}

// attach wires the result of an operation into the graph if any input needs
// a gradient and recording is enabled.
func attach(result *Tensor, op Operation) *Tensor {
	if !GradEnabled() {
		return result
	}
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			break
		}
	}
	return result
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim < 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be non-negative", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
