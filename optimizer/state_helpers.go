package optimizer

import (
	"fmt"

	"github.com/tsawler/go-semisup/checkpoints"
)

// Common helper functions for optimizer state management.
// Parameter maps may hold native Go numbers (fresh GetState) or float64
// (after a JSON or protobuf round trip), so numeric helpers accept both.

// extractBufferState copies a buffer into a checkpoint tensor
func extractBufferState(buffer []float32, shape []int, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState validates a checkpoint tensor against the expected size and returns a copy of its data
func restoreBufferState(t checkpoints.OptimizerTensor, expectedElements int) ([]float32, error) {
	if len(t.Data) != expectedElements {
		return nil, fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			t.Name, expectedElements, len(t.Data))
	}
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return data, nil
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// extractFloat64Param safely extracts a float64 parameter from the state map
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := toFloat64(params[key]); ok {
		return val
	}
	return defaultValue
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, ok := toFloat64(params[key]); ok {
		return float32(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	if val, ok := params[key].(uint64); ok {
		return val
	}
	if val, ok := toFloat64(params[key]); ok {
		return uint64(val)
	}
	return defaultValue
}
