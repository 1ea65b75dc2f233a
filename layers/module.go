package layers

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/tsawler/go-semisup/tensor"
)

// Global random source for deterministic initialization
var (
	rngMu     sync.Mutex
	globalRng = rand.New(rand.NewSource(1))
)

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRng = rand.New(rand.NewSource(seed))
}

// newRng derives an independent generator from the global source.
func newRng() *rand.Rand {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rand.New(rand.NewSource(globalRng.Int63()))
}

// Mode selects train-time (stochastic) or test-time (deterministic) behaviour
// for classifiers that support both.
type Mode int

const (
	ModeTrain Mode = iota
	ModeTest
)

func (m Mode) String() string {
	if m == ModeTest {
		return "test"
	}
	return "train"
}

// Parameter is a named tensor owned by a module.
type Parameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// Module is a differentiable building block.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	NamedParameters() []Parameter // trainable tensors in a stable order
	NamedBuffers() []Parameter    // non-trainable state such as running statistics
	Train()
	Eval()
	IsTraining() bool
	Clone() Module // deep copy of parameters, buffers and mode
	String() string
}

// Classifier is a module whose forward pass can be switched between a
// sampled (train) and a deterministic (test) behaviour.
type Classifier interface {
	Module
	ForwardMode(input *tensor.Tensor, mode Mode) (*tensor.Tensor, error)
}

// Parameters returns the bare parameter tensors of m.
func Parameters(m Module) []*tensor.Tensor {
	named := m.NamedParameters()
	params := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		params[i] = p.Tensor
	}
	return params
}

// CountParameters returns the number of trainable scalars in m.
func CountParameters(m Module) int {
	total := 0
	for _, p := range m.NamedParameters() {
		total += p.Tensor.NumElems
	}
	return total
}

// ZeroGrad clears the gradients of every parameter of m.
func ZeroGrad(m Module) {
	tensor.ZeroGrad(Parameters(m))
}

// SetRequiresGrad toggles gradient tracking for every parameter of m.
func SetRequiresGrad(m Module, requires bool) {
	for _, p := range m.NamedParameters() {
		p.Tensor.SetRequiresGrad(requires)
	}
}

var decayExemptTokens = []string{"bias", "bn"}

// DecayExempt reports whether a parameter is excluded from weight decay.
// Biases and normalization parameters are exempt.
func DecayExempt(name string) bool {
	for _, tok := range decayExemptTokens {
		if strings.Contains(name, tok) {
			return true
		}
	}
	return false
}

func prefixed(prefix string, params []Parameter) []Parameter {
	out := make([]Parameter, len(params))
	for i, p := range params {
		out[i] = Parameter{Name: prefix + "." + p.Name, Tensor: p.Tensor}
	}
	return out
}

func cloneParam(t *tensor.Tensor) *tensor.Tensor {
	c := t.Clone()
	c.SetRequiresGrad(t.RequiresGrad())
	return c
}
