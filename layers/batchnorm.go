package layers

import (
	"fmt"

	"github.com/tsawler/go-semisup/tensor"
)

// BatchNorm1D normalizes [N, C] activations per feature. Running statistics
// are buffers: they are saved and restored with the module but never optimized.
type BatchNorm1D struct {
	weight      *tensor.Tensor
	bias        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	momentum    float32
	eps         float32
	training    bool
}

// NewBatchNorm1D creates a batch normalization layer over numFeatures.
func NewBatchNorm1D(numFeatures int, momentum, eps float32) (*BatchNorm1D, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("invalid number of features: %d", numFeatures)
	}
	if momentum <= 0 || momentum > 1 {
		return nil, fmt.Errorf("momentum must be in (0, 1], got %f", momentum)
	}
	weight, _ := tensor.Ones([]int{numFeatures})
	weight.SetRequiresGrad(true)
	bias, _ := tensor.Zeros([]int{numFeatures})
	bias.SetRequiresGrad(true)
	runningMean, _ := tensor.Zeros([]int{numFeatures})
	runningVar, _ := tensor.Ones([]int{numFeatures})

	return &BatchNorm1D{
		weight:      weight,
		bias:        bias,
		runningMean: runningMean,
		runningVar:  runningVar,
		momentum:    momentum,
		eps:         eps,
		training:    true,
	}, nil
}

func (bn *BatchNorm1D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.BatchNorm1D(input, tensor.BatchNormParams{
		Gamma:       bn.weight,
		Beta:        bn.bias,
		RunningMean: bn.runningMean,
		RunningVar:  bn.runningVar,
		Momentum:    bn.momentum,
		Eps:         bn.eps,
	}, bn.training)
}

func (bn *BatchNorm1D) NamedParameters() []Parameter {
	return []Parameter{{Name: "weight", Tensor: bn.weight}, {Name: "bias", Tensor: bn.bias}}
}

func (bn *BatchNorm1D) NamedBuffers() []Parameter {
	return []Parameter{{Name: "running_mean", Tensor: bn.runningMean}, {Name: "running_var", Tensor: bn.runningVar}}
}

func (bn *BatchNorm1D) Train()           { bn.training = true }
func (bn *BatchNorm1D) Eval()            { bn.training = false }
func (bn *BatchNorm1D) IsTraining() bool { return bn.training }

func (bn *BatchNorm1D) Clone() Module {
	return &BatchNorm1D{
		weight:      cloneParam(bn.weight),
		bias:        cloneParam(bn.bias),
		runningMean: bn.runningMean.Clone(),
		runningVar:  bn.runningVar.Clone(),
		momentum:    bn.momentum,
		eps:         bn.eps,
		training:    bn.training,
	}
}

func (bn *BatchNorm1D) String() string {
	return fmt.Sprintf("BatchNorm1d(%d, eps=%g, momentum=%g)", bn.weight.NumElems, bn.eps, bn.momentum)
}
