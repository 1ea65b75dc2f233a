package tensor

import (
	"fmt"
	"math"
)

func checkSameShape(t1, t2 *Tensor) error {
	if !shapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("tensors must have the same shape: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

// Add computes a + b elementwise.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape(a, b); err != nil {
		return nil, err
	}
	result := ZerosLike(a)
	for i := range result.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return attach(result, &addOp{inputs: []*Tensor{a, b}}), nil
}

// Mul computes a * b elementwise.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := checkSameShape(a, b); err != nil {
		return nil, err
	}
	result := ZerosLike(a)
	for i := range result.Data {
		result.Data[i] = a.Data[i] * b.Data[i]
	}
	return attach(result, &mulOp{inputs: []*Tensor{a, b}}), nil
}

// Scale computes s * a.
func Scale(a *Tensor, s float32) *Tensor {
	result := ZerosLike(a)
	for i, v := range a.Data {
		result.Data[i] = v * s
	}
	return attach(result, &scaleOp{inputs: []*Tensor{a}, scale: s})
}

// Exp computes exp(a) elementwise.
func Exp(a *Tensor) *Tensor {
	result := ZerosLike(a)
	for i, v := range a.Data {
		result.Data[i] = float32(math.Exp(float64(v)))
	}
	return attach(result, &expOp{inputs: []*Tensor{a}, output: result})
}

// ReLU computes max(0, a) elementwise.
func ReLU(a *Tensor) *Tensor {
	result := ZerosLike(a)
	for i, v := range a.Data {
		if v > 0 {
			result.Data[i] = v
		}
	}
	return attach(result, &reluOp{inputs: []*Tensor{a}})
}

// AddRowVector adds the vector b to every row of the 2D tensor x.
func AddRowVector(x, b *Tensor) (*Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("AddRowVector expects a 2D input, got shape %v", x.Shape)
	}
	if b.NumElems != x.Shape[1] {
		return nil, fmt.Errorf("row vector has %d elements, input rows have %d", b.NumElems, x.Shape[1])
	}
	result := ZerosLike(x)
	width := x.Shape[1]
	for r := 0; r < x.Shape[0]; r++ {
		for c := 0; c < width; c++ {
			result.Data[r*width+c] = x.Data[r*width+c] + b.Data[c]
		}
	}
	return attach(result, &addRowVectorOp{inputs: []*Tensor{x, b}}), nil
}

// concatOp joins tensors along the leading dimension
type concatOp struct {
	inputs []*Tensor
}

func (op *concatOp) Inputs() []*Tensor { return op.inputs }

func (op *concatOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		g := ZerosLike(in)
		copy(g.Data, gradOut.Data[offset:offset+in.NumElems])
		offset += in.NumElems
		grads[i] = g
	}
	return grads, nil
}

// Concat joins tensors along the leading dimension. Trailing dimensions must match.
func Concat(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	trailing := tensors[0].Shape[1:]
	rows := 0
	total := 0
	for i, t := range tensors {
		if !shapesEqual(t.Shape[1:], trailing) {
			return nil, fmt.Errorf("tensor %d has trailing shape %v, expected %v", i, t.Shape[1:], trailing)
		}
		rows += t.Shape[0]
		total += t.NumElems
	}

	data := make([]float32, 0, total)
	for _, t := range tensors {
		data = append(data, t.Data...)
	}
	shape := append([]int{rows}, trailing...)
	result, err := NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	return attach(result, &concatOp{inputs: tensors}), nil
}

// gatherRowsOp selects rows of the leading dimension by index
type gatherRowsOp struct {
	inputs  []*Tensor
	indices []int
}

func (op *gatherRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *gatherRowsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	grad := ZerosLike(in)
	width := in.RowSize()
	for dst, src := range op.indices {
		addInto(grad.Data[src*width:(src+1)*width], gradOut.Data[dst*width:(dst+1)*width])
	}
	return []*Tensor{grad}, nil
}

// GatherRows returns a tensor whose row i is row indices[i] of t. The gradient
// scatters back into the selected rows.
func GatherRows(t *Tensor, indices []int) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot gather rows of a tensor without dimensions")
	}
	width := t.RowSize()
	shape := append([]int{len(indices)}, t.Shape[1:]...)
	result, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for dst, src := range indices {
		if src < 0 || src >= t.Shape[0] {
			return nil, fmt.Errorf("row index %d out of range [0, %d)", src, t.Shape[0])
		}
		copy(result.Data[dst*width:(dst+1)*width], t.Data[src*width:(src+1)*width])
	}
	return attach(result, &gatherRowsOp{inputs: []*Tensor{t}, indices: indices}), nil
}

// SliceRows returns rows [start, end) of t.
func SliceRows(t *Tensor, start, end int) (*Tensor, error) {
	if start < 0 || end > t.Rows() || start > end {
		return nil, fmt.Errorf("invalid row range [%d, %d) for %d rows", start, end, t.Rows())
	}
	indices := make([]int, end-start)
	for i := range indices {
		indices[i] = start + i
	}
	return GatherRows(t, indices)
}

// Chunk splits t into n equal parts along the leading dimension.
func Chunk(t *Tensor, n int) ([]*Tensor, error) {
	if n <= 0 || t.Rows()%n != 0 {
		return nil, fmt.Errorf("cannot split %d rows into %d equal chunks", t.Rows(), n)
	}
	size := t.Rows() / n
	parts := make([]*Tensor, n)
	for i := range parts {
		p, err := SliceRows(t, i*size, (i+1)*size)
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	return parts, nil
}
