package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-semisup/checkpoints"
	"github.com/tsawler/go-semisup/optimizer"
)

// LRLambda maps a training step to a learning-rate multiplier. It must be a
// pure function of the step.
type LRLambda func(step int) float64

// DefaultCosineCycles is the fraction of a cosine period the decay covers.
const DefaultCosineCycles = 7.0 / 16.0

// DefaultDecayEpochs are the epoch boundaries of the step schedule.
var DefaultDecayEpochs = []int{60, 120, 160, 200}

// DefaultDecayFactor is applied once per passed decay boundary.
const DefaultDecayFactor = 0.1

func warmupFactor(step, warmupSteps int) float64 {
	return float64(step) / float64(max(1, warmupSteps))
}

// CosineScheduleWithWarmup ramps linearly over the warmup epochs and then
// follows cos(pi * cycles * progress), floored at zero.
func CosineScheduleWithWarmup(warmupEpochs, trainingEpochs, stepsPerEpoch int, cycles float64) LRLambda {
	warmupSteps := warmupEpochs * stepsPerEpoch
	trainingSteps := trainingEpochs * stepsPerEpoch
	return func(step int) float64 {
		if step < warmupSteps {
			return warmupFactor(step, warmupSteps)
		}
		progress := float64(step-warmupSteps) / float64(max(1, trainingSteps-warmupSteps))
		return math.Max(0, math.Cos(math.Pi*cycles*progress))
	}
}

// StepScheduleWithWarmup ramps linearly over the warmup epochs and then
// multiplies by decayFactor once for every decay boundary the step is
// strictly past.
func StepScheduleWithWarmup(warmupEpochs, trainingEpochs, stepsPerEpoch int, decayEpochs []int, decayFactor float64) LRLambda {
	warmupSteps := warmupEpochs * stepsPerEpoch
	boundaries := make([]int, len(decayEpochs))
	for i, e := range decayEpochs {
		boundaries[i] = e * stepsPerEpoch
	}
	return func(step int) float64 {
		if step < warmupSteps {
			return warmupFactor(step, warmupSteps)
		}
		passed := 0
		for _, b := range boundaries {
			if step > b {
				passed++
			}
		}
		return math.Pow(decayFactor, float64(passed))
	}
}

// ScheduleKind selects the schedule family for a dataset.
type ScheduleKind int

const (
	ScheduleCosine ScheduleKind = iota
	ScheduleStep
)

func (k ScheduleKind) String() string {
	switch k {
	case ScheduleCosine:
		return "cosine"
	case ScheduleStep:
		return "step"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// ScheduleForDataset returns the schedule family used for a dataset.
func ScheduleForDataset(name string) ScheduleKind {
	if name == "imagenet" {
		return ScheduleStep
	}
	return ScheduleCosine
}

// Lambda builds the multiplier function with the default constants of the
// schedule family.
func (k ScheduleKind) Lambda(warmupEpochs, trainingEpochs, stepsPerEpoch int) LRLambda {
	if k == ScheduleStep {
		return StepScheduleWithWarmup(warmupEpochs, trainingEpochs, stepsPerEpoch, DefaultDecayEpochs, DefaultDecayFactor)
	}
	return CosineScheduleWithWarmup(warmupEpochs, trainingEpochs, stepsPerEpoch, DefaultCosineCycles)
}

// LambdaLR sets every optimizer group's learning rate to its base rate
// times the multiplier of the current step.
type LambdaLR struct {
	opt      optimizer.Optimizer
	lambda   LRLambda
	baseLRs  []float64
	lastStep int
}

// NewLambdaLR captures the groups' current rates as base rates and applies
// the step-0 multiplier.
func NewLambdaLR(opt optimizer.Optimizer, lambda LRLambda) *LambdaLR {
	s := &LambdaLR{opt: opt, lambda: lambda, baseLRs: make([]float64, opt.NumGroups())}
	for i := range s.baseLRs {
		s.baseLRs[i] = opt.GroupLR(i)
	}
	s.apply()
	return s
}

func (s *LambdaLR) apply() {
	factor := s.lambda(s.lastStep)
	for i, base := range s.baseLRs {
		s.opt.SetGroupLR(i, base*factor)
	}
}

// Step advances the schedule by one training step.
func (s *LambdaLR) Step() {
	s.lastStep++
	s.apply()
}

// LastStep returns the number of steps taken.
func (s *LambdaLR) LastStep() int { return s.lastStep }

// LastLR returns the learning rate of every group.
func (s *LambdaLR) LastLR() []float64 {
	out := make([]float64, len(s.baseLRs))
	for i := range out {
		out[i] = s.opt.GroupLR(i)
	}
	return out
}

// Multiplier returns the multiplier of the current step.
func (s *LambdaLR) Multiplier() float64 { return s.lambda(s.lastStep) }

// StateDict captures the step counter.
func (s *LambdaLR) StateDict() checkpoints.SchedulerState {
	return checkpoints.SchedulerState{LastStep: s.lastStep}
}

// LoadStateDict restores the step counter and reapplies the rates.
func (s *LambdaLR) LoadStateDict(state checkpoints.SchedulerState) error {
	if state.LastStep < 0 {
		return fmt.Errorf("invalid scheduler step %d", state.LastStep)
	}
	s.lastStep = state.LastStep
	s.apply()
	return nil
}
