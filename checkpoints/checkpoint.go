package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-semisup/layers"
	"github.com/tsawler/go-semisup/tensor"
)

// ErrNotFound is returned when a checkpoint file does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatProto:
		return "pb"
	default:
		return "json"
	}
}

// ParseFormat maps a configuration value ("json", "pb"/"proto") to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "pb", "proto", "protobuf":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// formatForPath infers the format from a file extension.
func formatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".pb") {
		return FormatProto
	}
	return FormatJSON
}

// Checkpoint is the per-epoch training snapshot: live and EMA model state,
// accuracy bookkeeping, optimizer and scheduler state.
type Checkpoint struct {
	Epoch int `json:"epoch"` // number of completed epochs

	StateDictG    []WeightTensor `json:"state_dict_G"`
	StateDictF    []WeightTensor `json:"state_dict_F"`
	EMAStateDictG []WeightTensor `json:"ema_state_dict_G,omitempty"`
	EMAStateDictF []WeightTensor `json:"ema_state_dict_F,omitempty"`

	Acc     float64 `json:"acc"`
	BestAcc float64 `json:"best_acc"`

	// Optimizer state (if available)
	Optimizer *OptimizerState `json:"optimizer,omitempty"`
	Scheduler SchedulerState  `json:"scheduler"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter or buffer tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", etc.
}

// OptimizerState captures optimizer-specific state (momentum, learning rates, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", "m", "v", etc.
}

// SchedulerState is the resumable part of a learning-rate scheduler: only
// its step counter.
type SchedulerState struct {
	LastStep int `json:"last_step"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format.
func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// Marshal encodes a checkpoint in the saver's format.
func (cs *CheckpointSaver) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-semisup"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	switch cs.format {
	case FormatJSON:
		data, err := json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return data, nil
	case FormatProto:
		return marshalProto(checkpoint)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Unmarshal decodes a checkpoint in the saver's format.
func (cs *CheckpointSaver) Unmarshal(data []byte) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	case FormatProto:
		return unmarshalProto(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// SaveCheckpoint writes a checkpoint to path. The file is replaced atomically.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	data, err := cs.Marshal(checkpoint)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint reads a checkpoint from path.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no checkpoint found at %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return cs.Unmarshal(data)
}

// Load reads a checkpoint, inferring its format from the file extension.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(formatForPath(path)).LoadCheckpoint(path)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// ExtractWeights snapshots the parameters and buffers of a module.
func ExtractWeights(m layers.Module) []WeightTensor {
	state := layers.StateDict(m)
	weights := make([]WeightTensor, len(state))
	for i, p := range state {
		layer, kind := splitName(p.Name)
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  p.Tensor.Data,
			Layer: layer,
			Type:  kind,
		}
	}
	return weights
}

// LoadWeights restores a module from weights produced by ExtractWeights.
func LoadWeights(m layers.Module, weights []WeightTensor) error {
	state := make([]layers.Parameter, len(weights))
	for i, w := range weights {
		t, err := tensor.NewTensor(w.Shape, w.Data)
		if err != nil {
			return fmt.Errorf("weight %s: %w", w.Name, err)
		}
		state[i] = layers.Parameter{Name: w.Name, Tensor: t}
	}
	return layers.LoadStateDict(m, state)
}

func splitName(name string) (layer, kind string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}
