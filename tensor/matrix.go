package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// MatMul multiplies a [n, k] by b [k, m].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	n, k := a.Shape[0], a.Shape[1]
	k2, m := b.Shape[0], b.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v x %v", a.Shape, b.Shape)
	}

	result, err := Zeros([]int{n, m})
	if err != nil {
		return nil, err
	}
	if n > 0 && m > 0 && k > 0 {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(n, k, a.Data), general(k, m, b.Data), 0, general(n, m, result.Data))
	}
	return attach(result, &matMulOp{inputs: []*Tensor{a, b}}), nil
}

// matMulOp: dA = dC·Bᵀ, dB = Aᵀ·dC
type matMulOp struct {
	inputs []*Tensor
}

func (op *matMulOp) Inputs() []*Tensor { return op.inputs }

func (op *matMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	n, k := a.Shape[0], a.Shape[1]
	m := b.Shape[1]

	var gradA, gradB *Tensor
	if a.requiresGrad {
		gradA = ZerosLike(a)
		if n > 0 && k > 0 && m > 0 {
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(n, m, gradOut.Data), general(k, m, b.Data), 0, general(n, k, gradA.Data))
		}
	}
	if b.requiresGrad {
		gradB = ZerosLike(b)
		if n > 0 && k > 0 && m > 0 {
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(n, k, a.Data), general(n, m, gradOut.Data), 0, general(k, m, gradB.Data))
		}
	}
	return []*Tensor{gradA, gradB}, nil
}

// Transpose2D returns the transpose of a 2D tensor (detached).
func Transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2D tensor, got shape %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows})
	if err != nil {
		return nil, err
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			result.Data[c*rows+r] = t.Data[r*cols+c]
		}
	}
	return result, nil
}

// SumRows sums a 2D tensor over its leading dimension (detached).
func SumRows(t *Tensor) []float32 {
	width := t.RowSize()
	out := make([]float32, width)
	for r := 0; r < t.Rows(); r++ {
		addInto(out, t.Row(r))
	}
	return out
}
