package engine

import (
	"fmt"

	"github.com/tsawler/go-semisup/tensor"
	"github.com/x448/float16"
)

// Precision decides how the loss is scaled before backward and how the
// resulting gradients are restored before the optimizer sees them.
type Precision interface {
	Name() string
	// LossScale is the factor the loss gradient is seeded with.
	LossScale() float32
	// Unscale restores true gradients in place. It returns false when the
	// gradients overflowed and the optimizer step must be skipped.
	Unscale(params []*tensor.Tensor) bool
}

// FP32 is plain single-precision training.
type FP32 struct{}

func (FP32) Name() string { return "fp32" }
func (FP32) LossScale() float32 { return 1 }
func (FP32) Unscale([]*tensor.Tensor) bool { return true }

// LossScalerConfig configures dynamic loss scaling.
type LossScalerConfig struct {
	InitScale      float32
	GrowthFactor   float32
	BackoffFactor  float32
	GrowthInterval int
	MinScale       float32
}

// DefaultLossScalerConfig mirrors the usual dynamic scaling policy:
// start at 2^16, halve on overflow, double after 2000 clean steps.
func DefaultLossScalerConfig() LossScalerConfig {
	return LossScalerConfig{
		InitScale:      65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
		MinScale:       1,
	}
}

// LossScaler emulates fp16 gradients with dynamic loss scaling. Scaled
// gradients are rounded to half precision; any value that does not fit is
// an overflow, which skips the step and backs the scale off.
type LossScaler struct {
	config    LossScalerConfig
	scale     float32
	goodSteps int
	overflows int
}

// NewLossScaler creates a dynamic loss scaler.
func NewLossScaler(config LossScalerConfig) (*LossScaler, error) {
	if config.InitScale <= 0 || config.GrowthFactor < 1 || config.BackoffFactor <= 0 || config.BackoffFactor >= 1 {
		return nil, fmt.Errorf("invalid loss scaler config: %+v", config)
	}
	if config.GrowthInterval <= 0 {
		return nil, fmt.Errorf("growth interval must be positive, got %d", config.GrowthInterval)
	}
	return &LossScaler{config: config, scale: config.InitScale}, nil
}

func (s *LossScaler) Name() string { return "fp16" }
func (s *LossScaler) LossScale() float32 { return s.scale }

// Overflows returns how many steps were skipped so far.
func (s *LossScaler) Overflows() int { return s.overflows }

func (s *LossScaler) Unscale(params []*tensor.Tensor) bool {
	overflow := false
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		for i, v := range g.Data {
			h := float16.Fromfloat32(v)
			if h.IsNaN() || h.IsInf(0) {
				overflow = true
				break
			}
			g.Data[i] = h.Float32()
		}
		if overflow {
			break
		}
	}

	if overflow {
		s.overflows++
		s.goodSteps = 0
		s.scale *= s.config.BackoffFactor
		if s.scale < s.config.MinScale {
			s.scale = s.config.MinScale
		}
		return false
	}

	inv := 1 / s.scale
	for _, p := range params {
		if g := p.Grad(); g != nil {
			for i := range g.Data {
				g.Data[i] *= inv
			}
		}
	}
	s.goodSteps++
	if s.goodSteps >= s.config.GrowthInterval {
		s.scale *= s.config.GrowthFactor
		s.goodSteps = 0
	}
	return true
}

// NewPrecision selects the precision strategy: dynamic fp16 scaling when amp
// is enabled at any opt level other than O0, fp32 otherwise.
func NewPrecision(amp bool, optLevel string) (Precision, error) {
	if !amp || optLevel == "O0" {
		return FP32{}, nil
	}
	switch optLevel {
	case "O1", "O2", "O3":
		return NewLossScaler(DefaultLossScalerConfig())
	default:
		return nil, fmt.Errorf("unknown opt level %q", optLevel)
	}
}
