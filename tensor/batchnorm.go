package tensor

import (
	"fmt"
	"math"
)

// BatchNormParams holds the affine parameters and running statistics of a
// 1D batch normalization over the features of a [N, C] input.
type BatchNormParams struct {
	Gamma       *Tensor
	Beta        *Tensor
	RunningMean *Tensor
	RunningVar  *Tensor
	Momentum    float32
	Eps         float32
}

type batchNormOp struct {
	inputs []*Tensor
	xhat   *Tensor
	invStd []float32
	gamma  *Tensor
	train  bool
}

func (op *batchNormOp) Inputs() []*Tensor { return op.inputs }

func (op *batchNormOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	n, c := x.Shape[0], x.Shape[1]

	gradGamma := ZerosLike(op.gamma)
	gradBeta := ZerosLike(op.gamma)
	sumDxhat := make([]float32, c)
	sumDxhatXhat := make([]float32, c)
	for r := 0; r < n; r++ {
		for j := 0; j < c; j++ {
			g := gradOut.Data[r*c+j]
			xh := op.xhat.Data[r*c+j]
			gradGamma.Data[j] += g * xh
			gradBeta.Data[j] += g
			dxhat := g * op.gamma.Data[j]
			sumDxhat[j] += dxhat
			sumDxhatXhat[j] += dxhat * xh
		}
	}

	gradX := ZerosLike(x)
	fn := float32(n)
	for r := 0; r < n; r++ {
		for j := 0; j < c; j++ {
			dxhat := gradOut.Data[r*c+j] * op.gamma.Data[j]
			if op.train {
				xh := op.xhat.Data[r*c+j]
				gradX.Data[r*c+j] = op.invStd[j] / fn * (fn*dxhat - sumDxhat[j] - xh*sumDxhatXhat[j])
			} else {
				gradX.Data[r*c+j] = dxhat * op.invStd[j]
			}
		}
	}
	return []*Tensor{gradX, gradGamma, gradBeta}, nil
}

// BatchNorm1D normalizes x [N, C] per feature. In training mode batch
// statistics are used and the running statistics are updated in place with
// the unbiased variance; otherwise the running statistics are used.
func BatchNorm1D(x *Tensor, p BatchNormParams, training bool) (*Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("batch norm expects a 2D input, got shape %v", x.Shape)
	}
	n, c := x.Shape[0], x.Shape[1]
	if p.Gamma.NumElems != c || p.Beta.NumElems != c || p.RunningMean.NumElems != c || p.RunningVar.NumElems != c {
		return nil, fmt.Errorf("batch norm parameters don't match %d features", c)
	}
	if training && n < 2 {
		return nil, fmt.Errorf("expected more than 1 value per channel when training, got input shape %v", x.Shape)
	}

	mean := make([]float32, c)
	variance := make([]float32, c)
	if training {
		for r := 0; r < n; r++ {
			addInto(mean, x.Row(r))
		}
		for j := range mean {
			mean[j] /= float32(n)
		}
		for r := 0; r < n; r++ {
			row := x.Row(r)
			for j := range variance {
				d := row[j] - mean[j]
				variance[j] += d * d
			}
		}
		for j := range variance {
			biased := variance[j] / float32(n)
			unbiased := variance[j] / float32(n-1)
			variance[j] = biased
			p.RunningMean.Data[j] = (1-p.Momentum)*p.RunningMean.Data[j] + p.Momentum*mean[j]
			p.RunningVar.Data[j] = (1-p.Momentum)*p.RunningVar.Data[j] + p.Momentum*unbiased
		}
	} else {
		copy(mean, p.RunningMean.Data)
		copy(variance, p.RunningVar.Data)
	}

	invStd := make([]float32, c)
	for j := range invStd {
		invStd[j] = float32(1 / math.Sqrt(float64(variance[j]+p.Eps)))
	}

	xhat := ZerosLike(x)
	result := ZerosLike(x)
	for r := 0; r < n; r++ {
		for j := 0; j < c; j++ {
			xh := (x.Data[r*c+j] - mean[j]) * invStd[j]
			xhat.Data[r*c+j] = xh
			result.Data[r*c+j] = p.Gamma.Data[j]*xh + p.Beta.Data[j]
		}
	}

	op := &batchNormOp{
		inputs: []*Tensor{x, p.Gamma, p.Beta},
		xhat:   xhat,
		invStd: invStd,
		gamma:  p.Gamma,
		train:  training,
	}
	return attach(result, op), nil
}
