package optimizer

import (
	"fmt"

	"github.com/tsawler/go-semisup/checkpoints"
	"github.com/tsawler/go-semisup/layers"
	"github.com/tsawler/go-semisup/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum, Nesterov
// momentum and per-group L2 weight decay:
//
//	d = g + wd*p
//	buf = momentum*buf + d   (buf = d on the first step)
//	d = d + momentum*buf     (Nesterov) or d = buf
//	p = p - lr*d
type SGD struct {
	Momentum float32
	Nesterov bool

	groups []ParamGroup

	// Momentum buffers, indexed by the flat position of each parameter
	// across groups. A nil entry has not been initialized yet.
	momentumBuffers [][]float32
	params          []*tensor.Tensor

	StepCount uint64
}

// NewSGD creates an SGD optimizer over explicit parameter groups. Groups
// without a learning rate get config.LearningRate.
func NewSGD(config SGDConfig, groups []ParamGroup) (*SGD, error) {
	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no parameter groups provided")
	}

	sgd := &SGD{
		Momentum: config.Momentum,
		Nesterov: config.Nesterov,
		groups:   make([]ParamGroup, len(groups)),
	}
	for i, g := range groups {
		if g.WeightDecay < 0 {
			return nil, fmt.Errorf("weight decay cannot be negative: %f", g.WeightDecay)
		}
		if g.LR == 0 {
			g.LR = float64(config.LearningRate)
		}
		g.Params = append([]*tensor.Tensor(nil), g.Params...)
		sgd.groups[i] = g
		sgd.params = append(sgd.params, g.Params...)
	}
	sgd.momentumBuffers = make([][]float32, len(sgd.params))
	return sgd, nil
}

// DecayGroups splits the parameters of each module into a decay group and a
// no-decay group (biases and normalization parameters), in module order.
func DecayGroups(weightDecay float32, modules ...layers.Module) []ParamGroup {
	var groups []ParamGroup
	for i, m := range modules {
		decay := ParamGroup{Name: fmt.Sprintf("module%d.decay", i), WeightDecay: weightDecay}
		noDecay := ParamGroup{Name: fmt.Sprintf("module%d.no_decay", i)}
		for _, p := range m.NamedParameters() {
			if layers.DecayExempt(p.Name) {
				noDecay.Params = append(noDecay.Params, p.Tensor)
			} else {
				decay.Params = append(decay.Params, p.Tensor)
			}
		}
		groups = append(groups, decay, noDecay)
	}
	return groups
}

// Step performs a single optimization step. Parameters without a gradient are skipped.
func (sgd *SGD) Step() error {
	idx := 0
	for _, group := range sgd.groups {
		lr := float32(group.LR)
		for _, p := range group.Params {
			bufIdx := idx
			idx++

			grad := p.Grad()
			if grad == nil {
				continue
			}
			if grad.NumElems != p.NumElems {
				return fmt.Errorf("gradient size mismatch for parameter %d: %d vs %d", bufIdx, grad.NumElems, p.NumElems)
			}

			d := make([]float32, p.NumElems)
			for j := range d {
				d[j] = grad.Data[j] + group.WeightDecay*p.Data[j]
			}

			if sgd.Momentum != 0 {
				buf := sgd.momentumBuffers[bufIdx]
				if buf == nil {
					buf = make([]float32, len(d))
					copy(buf, d)
					sgd.momentumBuffers[bufIdx] = buf
				} else {
					for j := range buf {
						buf[j] = sgd.Momentum*buf[j] + d[j]
					}
				}
				if sgd.Nesterov {
					for j := range d {
						d[j] += sgd.Momentum * buf[j]
					}
				} else {
					copy(d, buf)
				}
			}

			for j := range p.Data {
				p.Data[j] -= lr * d[j]
			}
		}
	}
	sgd.StepCount++
	return nil
}

// ZeroGrad clears the gradients of every managed parameter
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.params)
}

func (sgd *SGD) GetStepCount() uint64 { return sgd.StepCount }

func (sgd *SGD) NumGroups() int { return len(sgd.groups) }

func (sgd *SGD) GroupLR(i int) float64 { return sgd.groups[i].LR }

func (sgd *SGD) SetGroupLR(i int, lr float64) { sgd.groups[i].LR = lr }

// Groups returns a copy of the group descriptors.
func (sgd *SGD) Groups() []ParamGroup {
	out := make([]ParamGroup, len(sgd.groups))
	copy(out, sgd.groups)
	return out
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.momentumBuffers))
	for i, buffer := range sgd.momentumBuffers {
		if t := extractBufferState(buffer, sgd.params[i].Shape, fmt.Sprintf("momentum_%d", i), "momentum"); t != nil {
			stateData = append(stateData, *t)
		}
	}

	params := map[string]interface{}{
		"momentum":   sgd.Momentum,
		"nesterov":   sgd.Nesterov,
		"step_count": sgd.StepCount,
		"num_groups": len(sgd.groups),
	}
	for i, g := range sgd.groups {
		params[fmt.Sprintf("lr_group_%d", i)] = g.LR
		params[fmt.Sprintf("weight_decay_group_%d", i)] = g.WeightDecay
	}

	return &OptimizerState{
		Type:       "SGD",
		Parameters: params,
		StateData:  stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *OptimizerState) error {
	// Validate state type
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	if n := int(extractFloat64Param(state.Parameters, "num_groups", float64(len(sgd.groups)))); n != len(sgd.groups) {
		return fmt.Errorf("parameter group count mismatch: checkpoint has %d, optimizer has %d", n, len(sgd.groups))
	}

	// Restore momentum buffers first so a bad checkpoint leaves hyperparameters untouched
	buffers := make([][]float32, len(sgd.params))
	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(sgd.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		data, err := restoreBufferState(t, sgd.params[idx].NumElems)
		if err != nil {
			return err
		}
		buffers[idx] = data
	}
	sgd.momentumBuffers = buffers

	// Restore hyperparameters
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)
	for i := range sgd.groups {
		sgd.groups[i].LR = extractFloat64Param(state.Parameters, fmt.Sprintf("lr_group_%d", i), sgd.groups[i].LR)
		sgd.groups[i].WeightDecay = extractFloat32Param(state.Parameters, fmt.Sprintf("weight_decay_group_%d", i), sgd.groups[i].WeightDecay)
	}
	return nil
}
