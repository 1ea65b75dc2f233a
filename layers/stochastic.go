package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-semisup/tensor"
)

// StochasticLinear is a linear classifier head whose weights are Gaussian:
// in train mode every forward pass samples W = mu + exp(log_sigma)*eps with
// fresh eps ~ N(0, 1), in test mode W = mu. Repeated passes over the same
// features therefore act as an ensemble of sampled classifiers.
type StochasticLinear struct {
	weightMu       *tensor.Tensor
	weightLogSigma *tensor.Tensor
	bias           *tensor.Tensor
	rng            *rand.Rand
	training       bool
}

// NewStochasticLinear creates a stochastic head. initLogSigma sets the
// starting log standard deviation of every weight.
func NewStochasticLinear(inputSize, outputSize int, initLogSigma float32) (*StochasticLinear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid stochastic linear size %dx%d", inputSize, outputSize)
	}
	rng := newRng()
	bound := float32(math.Sqrt(6.0 / float64(inputSize+outputSize)))
	mu, err := tensor.RandomUniform([]int{inputSize, outputSize}, -bound, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight mean: %w", err)
	}
	mu.SetRequiresGrad(true)
	logSigma, err := tensor.Full([]int{inputSize, outputSize}, initLogSigma)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight log sigma: %w", err)
	}
	logSigma.SetRequiresGrad(true)
	bias, _ := tensor.Zeros([]int{outputSize})
	bias.SetRequiresGrad(true)

	return &StochasticLinear{
		weightMu:       mu,
		weightLogSigma: logSigma,
		bias:           bias,
		rng:            rng,
		training:       true,
	}, nil
}

// Forward uses the module's current mode.
func (s *StochasticLinear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	mode := ModeTest
	if s.training {
		mode = ModeTrain
	}
	return s.ForwardMode(input, mode)
}

// ForwardMode samples weights in ModeTrain and uses the mean in ModeTest,
// regardless of whether the module is in train or eval mode.
func (s *StochasticLinear) ForwardMode(input *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 || input.Shape[1] != s.weightMu.Shape[0] {
		return nil, fmt.Errorf("StochasticLinear expects input [batch_size, %d], got shape %v", s.weightMu.Shape[0], input.Shape)
	}

	weight := s.weightMu
	if mode == ModeTrain {
		eps, err := tensor.RandomNormal(s.weightMu.Shape, 0, 1, s.rng)
		if err != nil {
			return nil, err
		}
		noise, err := tensor.Mul(tensor.Exp(s.weightLogSigma), eps)
		if err != nil {
			return nil, fmt.Errorf("weight sampling failed: %w", err)
		}
		if weight, err = tensor.Add(s.weightMu, noise); err != nil {
			return nil, fmt.Errorf("weight sampling failed: %w", err)
		}
	}

	output, err := tensor.MatMul(input, weight)
	if err != nil {
		return nil, err
	}
	return tensor.AddRowVector(output, s.bias)
}

func (s *StochasticLinear) NamedParameters() []Parameter {
	return []Parameter{
		{Name: "weight_mu", Tensor: s.weightMu},
		{Name: "weight_log_sigma", Tensor: s.weightLogSigma},
		{Name: "bias", Tensor: s.bias},
	}
}

func (s *StochasticLinear) NamedBuffers() []Parameter { return nil }

func (s *StochasticLinear) Train()           { s.training = true }
func (s *StochasticLinear) Eval()            { s.training = false }
func (s *StochasticLinear) IsTraining() bool { return s.training }

// Clone copies the distribution parameters; the copy samples from its own generator.
func (s *StochasticLinear) Clone() Module {
	return &StochasticLinear{
		weightMu:       cloneParam(s.weightMu),
		weightLogSigma: cloneParam(s.weightLogSigma),
		bias:           cloneParam(s.bias),
		rng:            newRng(),
		training:       s.training,
	}
}

func (s *StochasticLinear) String() string {
	return fmt.Sprintf("StochasticLinear(in_features=%d, out_features=%d)", s.weightMu.Shape[0], s.weightMu.Shape[1])
}
