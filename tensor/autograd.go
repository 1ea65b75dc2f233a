package tensor

import (
	"fmt"
)

// Backward runs reverse-mode differentiation from a single-element tensor.
// Gradients accumulate into the Grad of every leaf that requires one, so
// callers must ZeroGrad between steps.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single-element tensor, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require grad")
	}

	seed := MustNew(t.Shape, []float32{1})
	return t.BackwardWithGrad(seed)
}

// BackwardWithGrad propagates an explicit output gradient through the graph.
func (t *Tensor) BackwardWithGrad(seed *Tensor) error {
	if !shapesEqual(seed.Shape, t.Shape) {
		return fmt.Errorf("seed gradient shape %v doesn't match tensor shape %v", seed.Shape, t.Shape)
	}

	order := topoSort(t)
	grads := map[*Tensor]*Tensor{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if node.requiresGrad {
				if err := accumulateGrad(node, g); err != nil {
					return err
				}
			}
			continue
		}

		inGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward pass failed: %w", err)
		}
		for j, in := range node.creator.Inputs() {
			if in == nil || !in.requiresGrad || j >= len(inGrads) || inGrads[j] == nil {
				continue
			}
			if prev, ok := grads[in]; ok {
				addInto(prev.Data, inGrads[j].Data)
			} else {
				grads[in] = inGrads[j]
			}
		}
	}
	return nil
}

// topoSort returns the graph reachable from root with inputs ordered before
// the tensors computed from them.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.creator != nil {
			for _, in := range t.creator.Inputs() {
				if in != nil && in.requiresGrad {
					visit(in)
				}
			}
		}
		order = append(order, t)
	}
	visit(root)
	return order
}

func accumulateGrad(leaf, g *Tensor) error {
	if !shapesEqual(leaf.Shape, g.Shape) {
		return fmt.Errorf("gradient shape %v doesn't match parameter shape %v", g.Shape, leaf.Shape)
	}
	if leaf.grad == nil {
		leaf.grad = g.Clone()
		return nil
	}
	addInto(leaf.grad.Data, g.Data)
	return nil
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// addOp implements a + b for equally shaped tensors
type addOp struct {
	inputs []*Tensor
}

func (op *addOp) Inputs() []*Tensor { return op.inputs }

func (op *addOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut.Clone(), gradOut.Clone()}, nil
}

// mulOp implements elementwise a * b
type mulOp struct {
	inputs []*Tensor
}

func (op *mulOp) Inputs() []*Tensor { return op.inputs }

func (op *mulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	gradA := ZerosLike(a)
	gradB := ZerosLike(b)
	for i, g := range gradOut.Data {
		gradA.Data[i] = g * b.Data[i]
		gradB.Data[i] = g * a.Data[i]
	}
	return []*Tensor{gradA, gradB}, nil
}

// scaleOp implements s * a for a constant s
type scaleOp struct {
	inputs []*Tensor
	scale  float32
}

func (op *scaleOp) Inputs() []*Tensor { return op.inputs }

func (op *scaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := ZerosLike(gradOut)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.scale
	}
	return []*Tensor{grad}, nil
}

// expOp implements elementwise exp(a); the output is kept for the gradient
type expOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *expOp) Inputs() []*Tensor { return op.inputs }

func (op *expOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := ZerosLike(gradOut)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.output.Data[i]
	}
	return []*Tensor{grad}, nil
}

// reluOp implements max(0, a)
type reluOp struct {
	inputs []*Tensor
}

func (op *reluOp) Inputs() []*Tensor { return op.inputs }

func (op *reluOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	grad := ZerosLike(gradOut)
	for i, g := range gradOut.Data {
		if in.Data[i] > 0 {
			grad.Data[i] = g
		}
	}
	return []*Tensor{grad}, nil
}

// addRowVectorOp implements x + b where b is broadcast over the rows of x
type addRowVectorOp struct {
	inputs []*Tensor
}

func (op *addRowVectorOp) Inputs() []*Tensor { return op.inputs }

func (op *addRowVectorOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	b := op.inputs[1]
	gradB := ZerosLike(b)
	width := b.NumElems
	for r := 0; r < gradOut.Rows(); r++ {
		addInto(gradB.Data, gradOut.Data[r*width:(r+1)*width])
	}
	return []*Tensor{gradOut.Clone(), gradB}, nil
}
