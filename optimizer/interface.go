package optimizer

import (
	"fmt"

	"github.com/tsawler/go-semisup/checkpoints"
	"github.com/tsawler/go-semisup/tensor"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore goes through checkpoints.OptimizerState so optimizer
// state travels inside a training checkpoint.
type Optimizer interface {
	// Step applies one update using the gradients currently stored on the parameters
	Step() error

	// ZeroGrad clears the gradients of every managed parameter
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// NumGroups returns the number of parameter groups
	NumGroups() int

	// GroupLR returns the learning rate of group i
	GroupLR(i int) float64

	// SetGroupLR updates the learning rate of group i
	SetGroupLR(i int, lr float64)
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState = checkpoints.OptimizerState

// ParamGroup is a set of parameters sharing hyperparameters.
type ParamGroup struct {
	Name        string
	Params      []*tensor.Tensor
	WeightDecay float32
	LR          float64 // current learning rate; set by the scheduler
}

// Common helper functions for state extraction

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "lr_group_1"
func extractBufferIndex(name string) int {
	var idx int
	// Find the last underscore in the name
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	// Try to parse the number after the last underscore
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
