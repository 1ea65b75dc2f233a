package training

import (
	"fmt"

	"github.com/tsawler/go-semisup/layers"
	"github.com/tsawler/go-semisup/models"
)

// ModelEMA keeps an exponential moving average of a live module.
// Parameters are blended, buffers are copied.
type ModelEMA struct {
	ema   layers.Module
	decay float32
}

// NewModelEMA deep-copies model into a frozen shadow in eval mode.
func NewModelEMA(model layers.Module, decay float64) (*ModelEMA, error) {
	if decay < 0 || decay > 1 {
		return nil, fmt.Errorf("ema decay must be in [0, 1], got %f", decay)
	}
	shadow := model.Clone()
	layers.SetRequiresGrad(shadow, false)
	shadow.Eval()
	return &ModelEMA{ema: shadow, decay: float32(decay)}, nil
}

// Update moves the shadow towards model:
// shadow = decay*shadow + (1-decay)*live for parameters, shadow = live for buffers.
func (e *ModelEMA) Update(model layers.Module) error {
	live := model.NamedParameters()
	shadow := e.ema.NamedParameters()
	if len(live) != len(shadow) {
		return fmt.Errorf("ema has %d parameters, model has %d", len(shadow), len(live))
	}
	d := e.decay
	for i, s := range shadow {
		l := live[i]
		if s.Name != l.Name || s.Tensor.NumElems != l.Tensor.NumElems {
			return fmt.Errorf("ema parameter %q does not match model parameter %q", s.Name, l.Name)
		}
		for j, v := range l.Tensor.Data {
			s.Tensor.Data[j] = s.Tensor.Data[j]*d + (1-d)*v
		}
	}

	liveBufs := model.NamedBuffers()
	shadowBufs := e.ema.NamedBuffers()
	if len(liveBufs) != len(shadowBufs) {
		return fmt.Errorf("ema has %d buffers, model has %d", len(shadowBufs), len(liveBufs))
	}
	for i, s := range shadowBufs {
		if s.Name != liveBufs[i].Name {
			return fmt.Errorf("ema buffer %q does not match model buffer %q", s.Name, liveBufs[i].Name)
		}
		if err := s.Tensor.CopyFrom(liveBufs[i].Tensor); err != nil {
			return fmt.Errorf("ema buffer %q: %w", s.Name, err)
		}
	}
	return nil
}

// Module returns the shadow module.
func (e *ModelEMA) Module() layers.Module { return e.ema }

// Decay returns the blend factor.
func (e *ModelEMA) Decay() float64 { return float64(e.decay) }

// StateDict returns a copy of the shadow's parameters and buffers.
func (e *ModelEMA) StateDict() []layers.Parameter { return layers.StateDict(e.ema) }

// LoadStateDict restores the shadow.
func (e *ModelEMA) LoadStateDict(state []layers.Parameter) error {
	return layers.LoadStateDict(e.ema, state)
}

// PairEMA shadows both halves of a model pair.
type PairEMA struct {
	G *ModelEMA
	F *ModelEMA
}

// NewPairEMA creates shadows for G and F.
func NewPairEMA(pair models.Pair, decay float64) (*PairEMA, error) {
	g, err := NewModelEMA(pair.G, decay)
	if err != nil {
		return nil, err
	}
	f, err := NewModelEMA(pair.F, decay)
	if err != nil {
		return nil, err
	}
	if _, ok := f.ema.(layers.Classifier); !ok {
		return nil, fmt.Errorf("classifier shadow %T does not support mode switching", f.ema)
	}
	return &PairEMA{G: g, F: f}, nil
}

// Update refreshes both shadows from the live pair.
func (p *PairEMA) Update(pair models.Pair) error {
	if err := p.G.Update(pair.G); err != nil {
		return fmt.Errorf("G: %w", err)
	}
	if err := p.F.Update(pair.F); err != nil {
		return fmt.Errorf("F: %w", err)
	}
	return nil
}

// Pair returns the shadow modules as an evaluable pair.
func (p *PairEMA) Pair() models.Pair {
	return models.Pair{G: p.G.ema, F: p.F.ema.(layers.Classifier)}
}
