// Package engine is the execution strategy the trainer is written against:
// it owns the precision policy and the process group, so the training step
// is the same for single-process, distributed, fp32 and fp16 runs.
package engine

import (
	"context"
	"fmt"

	"github.com/tsawler/go-semisup/distributed"
	"github.com/tsawler/go-semisup/tensor"
)

// Engine runs backward passes and collectives.
type Engine struct {
	precision  Precision
	collective distributed.Collective
	device     DeviceInfo
}

// New creates an engine. A nil collective means single-process.
func New(precision Precision, collective distributed.Collective) *Engine {
	if precision == nil {
		precision = FP32{}
	}
	if collective == nil {
		collective = distributed.Local{}
	}
	return &Engine{precision: precision, collective: collective, device: DetectDevice()}
}

// Backward differentiates loss into params, averages gradients across ranks
// and restores their scale. It returns false when the step must be skipped
// because scaled gradients overflowed.
func (e *Engine) Backward(ctx context.Context, loss *tensor.Tensor, params []*tensor.Tensor) (bool, error) {
	seed, err := tensor.Full(loss.Shape, e.precision.LossScale())
	if err != nil {
		return false, err
	}
	if err := loss.BackwardWithGrad(seed); err != nil {
		return false, err
	}

	if e.collective.WorldSize() > 1 {
		if err := e.syncGradients(ctx, params); err != nil {
			return false, fmt.Errorf("gradient all-reduce failed: %w", err)
		}
	}
	return e.precision.Unscale(params), nil
}

// syncGradients averages every parameter gradient across ranks in a single
// collective. Parameters without a gradient contribute zeros.
func (e *Engine) syncGradients(ctx context.Context, params []*tensor.Tensor) error {
	total := 0
	for _, p := range params {
		total += p.NumElems
	}
	flat := make([]float32, 0, total)
	for _, p := range params {
		if g := p.Grad(); g != nil {
			flat = append(flat, g.Data...)
		} else {
			flat = append(flat, make([]float32, p.NumElems)...)
		}
	}

	if err := distributed.AllReduceMean(ctx, e.collective, flat); err != nil {
		return err
	}

	offset := 0
	for _, p := range params {
		chunk := flat[offset : offset+p.NumElems]
		offset += p.NumElems
		if g := p.Grad(); g != nil {
			copy(g.Data, chunk)
			continue
		}
		if allZero(chunk) {
			continue
		}
		g, err := tensor.NewTensor(p.Shape, append([]float32(nil), chunk...))
		if err != nil {
			return err
		}
		p.SetGrad(g)
	}
	return nil
}

func allZero(values []float32) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}

// AllGather concatenates data from every rank in rank order.
func (e *Engine) AllGather(ctx context.Context, data []float32) ([]float32, error) {
	return e.collective.AllGather(ctx, data)
}

// Barrier blocks until every rank reaches it.
func (e *Engine) Barrier(ctx context.Context) error {
	return e.collective.Barrier(ctx)
}

// IsMain reports whether this process reports, evaluates and checkpoints.
func (e *Engine) IsMain() bool { return e.collective.Rank() == 0 }

func (e *Engine) Rank() int { return e.collective.Rank() }
func (e *Engine) WorldSize() int { return e.collective.WorldSize() }
func (e *Engine) Precision() Precision { return e.precision }
func (e *Engine) Device() DeviceInfo { return e.device }
func (e *Engine) Distributed() bool { return e.collective.WorldSize() > 1 }

// Close releases the process group.
func (e *Engine) Close() error {
	return e.collective.Close()
}

func (e *Engine) String() string {
	return fmt.Sprintf("rank=%d world_size=%d precision=%s device=%s",
		e.Rank(), e.WorldSize(), e.precision.Name(), e.device)
}
