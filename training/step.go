package training

import (
	"context"
	"errors"
	"fmt"

	"github.com/tsawler/go-semisup/layers"
	"github.com/tsawler/go-semisup/tensor"
)

// ErrNonFiniteLoss is returned when a training step produces a NaN or
// infinite loss.
var ErrNonFiniteLoss = errors.New("non-finite training loss")

// StepResult reports one optimization step.
type StepResult struct {
	Loss     float64
	LossX    float64
	LossU    float64
	MaskRate float64
	// LR is the first group's learning rate after the scheduler stepped.
	LR float64
	// Skipped is true when the optimizer update was dropped because the
	// scaled gradients overflowed.
	Skipped bool
}

// trainMeters are the running averages reported once per epoch.
type trainMeters struct {
	losses             AverageMeter
	lossesX            AverageMeter
	lossesU            AverageMeter
	maskProbs          AverageMeter
	noiseRates         AverageMeter
	mislabeledNums     AverageMeter
	noiseRateEstms     AverageMeter
	mislabeledNumEstms AverageMeter
}

// forwardOutputs are the de-interleaved views of one combined forward pass.
type forwardOutputs struct {
	logitsX      *tensor.Tensor
	logitsWeak   *tensor.Tensor
	logitsStrong *tensor.Tensor
	featuresWeak *tensor.Tensor
}

// forward runs G and F once over the interleaved [x; u_w; u_s] batch.
func (t *Trainer) forward(x *LabeledBatch, u *UnlabeledBatch) (*forwardOutputs, error) {
	b := x.Inputs.Rows()
	ub := u.Weak.Rows()
	k := 2*t.cfg.Mu + 1
	if ub != t.cfg.Mu*b || u.Strong.Rows() != ub {
		return nil, fmt.Errorf("unlabeled batch has %d/%d rows, want %d for %d labeled rows and mu=%d",
			ub, u.Strong.Rows(), t.cfg.Mu*b, b, t.cfg.Mu)
	}

	combined, err := tensor.Concat(x.Inputs, u.Weak, u.Strong)
	if err != nil {
		return nil, err
	}
	inputs, err := Interleave(combined, k)
	if err != nil {
		return nil, err
	}
	features, err := t.pair.G.Forward(inputs)
	if err != nil {
		return nil, fmt.Errorf("feature extractor: %w", err)
	}
	logits, err := t.pair.F.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	logits, err = DeInterleave(logits, k)
	if err != nil {
		return nil, err
	}

	out := &forwardOutputs{}
	if out.logitsX, err = tensor.SliceRows(logits, 0, b); err != nil {
		return nil, err
	}
	if out.logitsWeak, err = tensor.SliceRows(logits, b, b+ub); err != nil {
		return nil, err
	}
	if out.logitsStrong, err = tensor.SliceRows(logits, b+ub, b+2*ub); err != nil {
		return nil, err
	}

	// detached input, so nothing below records a graph
	feats, err := DeInterleave(features.Detach(), k)
	if err != nil {
		return nil, err
	}
	if out.featuresWeak, err = tensor.SliceRows(feats, b, b+ub); err != nil {
		return nil, err
	}
	return out, nil
}

// TrainStep runs one step: fetch, forward, loss, backward, optimizer and
// scheduler step, EMA update and metric bookkeeping. Gradients of G and F
// are zero when it returns.
func (t *Trainer) TrainStep(ctx context.Context) (*StepResult, error) {
	defer t.zeroGrad()

	x, err := t.labeled.Next()
	if err != nil {
		return nil, fmt.Errorf("fetching labeled batch: %w", err)
	}
	u, err := t.unlabeled.Next()
	if err != nil {
		return nil, fmt.Errorf("fetching unlabeled batch: %w", err)
	}

	out, err := t.forward(x, u)
	if err != nil {
		return nil, err
	}

	labels, err := GeneratePseudoLabels(out.logitsWeak, out.featuresWeak, t.pair.F, t.cfg.pseudoLabelConfig())
	if err != nil {
		return nil, fmt.Errorf("pseudo-labels: %w", err)
	}

	lossX, err := tensor.CrossEntropy(out.logitsX, x.Targets, nil)
	if err != nil {
		return nil, fmt.Errorf("supervised loss: %w", err)
	}
	logitsU := out.logitsStrong
	if t.cfg.UnsupervisedOnWeak {
		logitsU = out.logitsWeak
	}
	lossU, err := t.labeler.Loss(ctx, logitsU, labels)
	if err != nil {
		return nil, fmt.Errorf("unsupervised loss: %w", err)
	}
	loss, err := tensor.Add(lossX, tensor.Scale(lossU, float32(t.cfg.LambdaU)))
	if err != nil {
		return nil, err
	}
	if !loss.IsFinite() {
		return nil, fmt.Errorf("%w: Lx=%v Lu=%v", ErrNonFiniteLoss, lossX.Data[0], lossU.Data[0])
	}

	params := append(layers.Parameters(t.pair.G), layers.Parameters(t.pair.F)...)
	ok, err := t.engine.Backward(ctx, loss, params)
	if err != nil {
		return nil, fmt.Errorf("backward: %w", err)
	}

	lossVal := float64(loss.Data[0])
	lossXVal := float64(lossX.Data[0])
	lossUVal := float64(lossU.Data[0])
	t.meters.losses.Update(lossVal, 1)
	t.meters.lossesX.Update(lossXVal, 1)
	t.meters.lossesU.Update(lossUVal, 1)

	if ok {
		if err := t.opt.Step(); err != nil {
			return nil, fmt.Errorf("optimizer step: %w", err)
		}
	}
	t.sched.Step()
	if t.ema != nil {
		if err := t.ema.Update(t.pair); err != nil {
			return nil, fmt.Errorf("ema update: %w", err)
		}
	}

	t.recordMaskMetrics(labels, u.Diagnostic, out.logitsX, x.Targets)

	return &StepResult{
		Loss:     lossVal,
		LossX:    lossXVal,
		LossU:    lossUVal,
		MaskRate: float64(labels.MaskMean()),
		LR:       t.sched.LastLR()[0],
		Skipped:  !ok,
	}, nil
}

func (t *Trainer) zeroGrad() {
	layers.ZeroGrad(t.pair.G)
	layers.ZeroGrad(t.pair.F)
}

// recordMaskMetrics updates the diagnostic accumulators. Diagnostic labels
// are only compared here and never reach a loss. Batches without a
// confident pseudo-label leave the noise metrics untouched.
func (t *Trainer) recordMaskMetrics(labels *PseudoLabels, diagnostic []int, logitsX *tensor.Tensor, targetsX []int) {
	t.meters.maskProbs.Update(float64(labels.MaskMean()), 1)

	maskSum := float64(labels.MaskSum())
	if maskSum == 0 {
		return
	}

	wrong := 0.0
	for i, m := range labels.Mask {
		if m == 1 && labels.Targets[i] != diagnostic[i] {
			wrong++
		}
	}
	t.meters.noiseRates.Update(wrong/maskSum, maskSum)
	t.meters.mislabeledNums.Update(wrong, 1)

	_, predX := tensor.MaxRows(logitsX)
	errorsX := 0.0
	for i, p := range predX {
		if p != targetsX[i] {
			errorsX++
		}
	}
	estm := errorsX / float64(len(predX))
	t.meters.noiseRateEstms.Update(estm, 1)
	t.meters.mislabeledNumEstms.Update(estm*maskSum, 1)
}
