package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/tsawler/go-semisup/checkpoints"
	"github.com/tsawler/go-semisup/layers"
	"github.com/tsawler/go-semisup/tensor"
)

func param(values ...float32) *tensor.Tensor {
	p := tensor.MustNew([]int{len(values)}, values)
	p.SetRequiresGrad(true)
	return p
}

func setGrad(p *tensor.Tensor, values ...float32) {
	p.SetGrad(tensor.MustNew(p.Shape, append([]float32(nil), values...)))
}

// TestDefaultSGDConfig tests the default SGD configuration
func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()
	if config.LearningRate != 0.01 {
		t.Errorf("Expected LearningRate 0.01, got %f", config.LearningRate)
	}
	if config.Momentum != 0 || config.WeightDecay != 0 || config.Nesterov {
		t.Errorf("Unexpected defaults: %+v", config)
	}
}

func TestSGDConfigValidation(t *testing.T) {
	groups := []ParamGroup{{Params: []*tensor.Tensor{param(1)}}}
	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"negative_lr", SGDConfig{LearningRate: -1}},
		{"negative_momentum", SGDConfig{LearningRate: 0.1, Momentum: -0.1}},
		{"momentum_above_one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}},
		{"nesterov_without_momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSGD(tt.config, groups); err == nil {
				t.Errorf("Expected an error for %+v", tt.config)
			}
		})
	}
	if _, err := NewSGD(DefaultSGDConfig(), nil); err == nil {
		t.Error("Expected an error for empty parameter groups")
	}
}

// TestSGDNesterovUpdate checks two steps against hand-computed values.
func TestSGDNesterovUpdate(t *testing.T) {
	p := param(1)
	sgd, err := NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true},
		[]ParamGroup{{Params: []*tensor.Tensor{p}, WeightDecay: 0.1}})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	steps := []float64{0.886, 0.725566}
	for i, want := range steps {
		setGrad(p, 0.5)
		if err := sgd.Step(); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
		if math.Abs(float64(p.Data[0])-want) > 1e-5 {
			t.Errorf("Step %d: expected %f, got %f", i, want, p.Data[0])
		}
	}
	if sgd.GetStepCount() != 2 {
		t.Errorf("Expected step count 2, got %d", sgd.GetStepCount())
	}
}

func TestSGDPlainMomentumAndNoGrad(t *testing.T) {
	withGrad := param(0)
	withoutGrad := param(5)
	sgd, err := NewSGD(SGDConfig{LearningRate: 1, Momentum: 0.5},
		[]ParamGroup{{Params: []*tensor.Tensor{withGrad, withoutGrad}}})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	setGrad(withGrad, 1)
	_ = sgd.Step()
	setGrad(withGrad, 1)
	_ = sgd.Step()
	// buf: 1 then 1.5; p: -1 then -2.5
	if withGrad.Data[0] != -2.5 {
		t.Errorf("Expected -2.5, got %f", withGrad.Data[0])
	}
	if withoutGrad.Data[0] != 5 {
		t.Errorf("A parameter without gradient must not move, got %f", withoutGrad.Data[0])
	}
}

func TestDecayGroups(t *testing.T) {
	layers.SetRandomSeed(1)
	fc, _ := layers.NewLinear(2, 2, true)
	bn, _ := layers.NewBatchNorm1D(2, 0.1, 1e-5)
	g, _ := layers.NewSequential(layers.Named{Name: "fc", Module: fc}, layers.Named{Name: "bn", Module: bn})
	f, _ := layers.NewLinear(2, 3, true)

	groups := DecayGroups(5e-4, g, f)
	if len(groups) != 4 {
		t.Fatalf("Expected 4 groups, got %d", len(groups))
	}
	wantSizes := []int{1, 3, 1, 1} // fc.weight | fc.bias bn.weight bn.bias | weight | bias
	for i, want := range wantSizes {
		if len(groups[i].Params) != want {
			t.Errorf("Group %d (%s): expected %d params, got %d", i, groups[i].Name, want, len(groups[i].Params))
		}
	}
	if groups[0].WeightDecay != 5e-4 || groups[1].WeightDecay != 0 {
		t.Errorf("Unexpected weight decay: %f / %f", groups[0].WeightDecay, groups[1].WeightDecay)
	}
}

// TestSGDStateRoundTrip saves state mid-training, restores it into a fresh
// optimizer over copied parameters and checks the next step is bit-identical.
func TestSGDStateRoundTrip(t *testing.T) {
	config := SGDConfig{LearningRate: 0.03, Momentum: 0.9, Nesterov: true}
	a1, a2 := param(0.3, -0.7), param(1.2)
	optA, _ := NewSGD(config, []ParamGroup{
		{Params: []*tensor.Tensor{a1}, WeightDecay: 5e-4},
		{Params: []*tensor.Tensor{a2}},
	})

	grads := [][]float32{{0.1, -0.2}, {0.05}}
	for step := 0; step < 3; step++ {
		setGrad(a1, grads[0]...)
		setGrad(a2, grads[1]...)
		optA.SetGroupLR(0, 0.03*float64(step+1)/3)
		optA.SetGroupLR(1, 0.03*float64(step+1)/3)
		if err := optA.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	state, err := optA.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	// Persisted state goes through JSON; decode it the same way a checkpoint does.
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded OptimizerState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	b1, b2 := a1.Clone(), a2.Clone()
	b1.SetRequiresGrad(true)
	b2.SetRequiresGrad(true)
	optB, _ := NewSGD(SGDConfig{LearningRate: 0.5}, []ParamGroup{
		{Params: []*tensor.Tensor{b1}},
		{Params: []*tensor.Tensor{b2}},
	})
	if err := optB.LoadState(&decoded); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if optB.GroupLR(0) != optA.GroupLR(0) {
		t.Errorf("Group LR not restored: %v vs %v", optB.GroupLR(0), optA.GroupLR(0))
	}
	if optB.GetStepCount() != 3 {
		t.Errorf("Expected restored step count 3, got %d", optB.GetStepCount())
	}

	setGrad(a1, grads[0]...)
	setGrad(a2, grads[1]...)
	setGrad(b1, grads[0]...)
	setGrad(b2, grads[1]...)
	_ = optA.Step()
	_ = optB.Step()

	if !a1.Equal(b1) || !a2.Equal(b2) {
		t.Errorf("Restored optimizer diverged: %v/%v vs %v/%v", a1.Data, a2.Data, b1.Data, b2.Data)
	}
	for i := range optA.momentumBuffers {
		for j := range optA.momentumBuffers[i] {
			if math.Float32bits(optA.momentumBuffers[i][j]) != math.Float32bits(optB.momentumBuffers[i][j]) {
				t.Errorf("Momentum buffer %d[%d] differs", i, j)
			}
		}
	}
}

func TestSGDLoadStateRejectsMismatch(t *testing.T) {
	sgd, _ := NewSGD(DefaultSGDConfig(), []ParamGroup{{Params: []*tensor.Tensor{param(1, 2)}}})

	if err := sgd.LoadState(&OptimizerState{Type: "Adam"}); err == nil {
		t.Error("Expected a type mismatch error")
	}

	bad, _ := sgd.GetState()
	bad.StateData = append(bad.StateData, checkpoints.OptimizerTensor{Name: "momentum_0", Shape: []int{1}, Data: []float32{1}, StateType: "momentum"})
	if err := sgd.LoadState(bad); err == nil {
		t.Error("Expected a size mismatch error")
	}
}
