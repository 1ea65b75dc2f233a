package checkpoints

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/tsawler/go-semisup/tensor"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// The protobuf encoding stores a checkpoint as a google.protobuf.Struct.
// Tensor payloads are little-endian float32 bytes in base64 strings so
// values survive bit-for-bit.

func marshalProto(c *Checkpoint) ([]byte, error) {
	root := map[string]interface{}{
		"epoch":            float64(c.Epoch),
		"state_dict_G":     weightsToList(c.StateDictG),
		"state_dict_F":     weightsToList(c.StateDictF),
		"ema_state_dict_G": weightsToList(c.EMAStateDictG),
		"ema_state_dict_F": weightsToList(c.EMAStateDictF),
		"acc":              c.Acc,
		"best_acc":         c.BestAcc,
		"scheduler": map[string]interface{}{
			"last_step": float64(c.Scheduler.LastStep),
		},
		"metadata": map[string]interface{}{
			"version":     c.Metadata.Version,
			"framework":   c.Metadata.Framework,
			"created_at":  c.Metadata.CreatedAt.Format(time.RFC3339Nano),
			"run_id":      c.Metadata.RunID,
			"description": c.Metadata.Description,
			"tags":        stringsToList(c.Metadata.Tags),
		},
	}
	if c.Optimizer != nil {
		params, err := normalizeParams(c.Optimizer.Parameters)
		if err != nil {
			return nil, err
		}
		stateData := make([]interface{}, len(c.Optimizer.StateData))
		for i, t := range c.Optimizer.StateData {
			stateData[i] = map[string]interface{}{
				"name":       t.Name,
				"shape":      intsToList(t.Shape),
				"data":       encodeFloats(t.Data),
				"state_type": t.StateType,
			}
		}
		root["optimizer"] = map[string]interface{}{
			"type":       c.Optimizer.Type,
			"parameters": params,
			"state_data": stateData,
		}
	}

	s, err := structpb.NewStruct(root)
	if err != nil {
		return nil, fmt.Errorf("failed to build checkpoint struct: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

func unmarshalProto(data []byte) (*Checkpoint, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	root := s.AsMap()

	c := &Checkpoint{
		Epoch:   int(number(root, "epoch")),
		Acc:     number(root, "acc"),
		BestAcc: number(root, "best_acc"),
	}
	var err error
	if c.StateDictG, err = listToWeights(root["state_dict_G"]); err != nil {
		return nil, err
	}
	if c.StateDictF, err = listToWeights(root["state_dict_F"]); err != nil {
		return nil, err
	}
	if c.EMAStateDictG, err = listToWeights(root["ema_state_dict_G"]); err != nil {
		return nil, err
	}
	if c.EMAStateDictF, err = listToWeights(root["ema_state_dict_F"]); err != nil {
		return nil, err
	}

	if sched, ok := root["scheduler"].(map[string]interface{}); ok {
		c.Scheduler.LastStep = int(number(sched, "last_step"))
	}

	if meta, ok := root["metadata"].(map[string]interface{}); ok {
		c.Metadata.Version = str(meta, "version")
		c.Metadata.Framework = str(meta, "framework")
		c.Metadata.RunID = str(meta, "run_id")
		c.Metadata.Description = str(meta, "description")
		if created := str(meta, "created_at"); created != "" {
			if c.Metadata.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
				return nil, fmt.Errorf("invalid created_at: %w", err)
			}
		}
		if tags, ok := meta["tags"].([]interface{}); ok {
			for _, t := range tags {
				if s, ok := t.(string); ok {
					c.Metadata.Tags = append(c.Metadata.Tags, s)
				}
			}
		}
	}

	if opt, ok := root["optimizer"].(map[string]interface{}); ok {
		state := &OptimizerState{Type: str(opt, "type")}
		if params, ok := opt["parameters"].(map[string]interface{}); ok {
			state.Parameters = params
		}
		if items, ok := opt["state_data"].([]interface{}); ok {
			for _, item := range items {
				m, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("malformed optimizer tensor")
				}
				values, err := decodeFloats(str(m, "data"))
				if err != nil {
					return nil, fmt.Errorf("optimizer tensor %s: %w", str(m, "name"), err)
				}
				state.StateData = append(state.StateData, OptimizerTensor{
					Name:      str(m, "name"),
					Shape:     listToInts(m["shape"]),
					Data:      values,
					StateType: str(m, "state_type"),
				})
			}
		}
		c.Optimizer = state
	}
	return c, nil
}

func weightsToList(weights []WeightTensor) []interface{} {
	out := make([]interface{}, len(weights))
	for i, w := range weights {
		out[i] = map[string]interface{}{
			"name":  w.Name,
			"shape": intsToList(w.Shape),
			"data":  encodeFloats(w.Data),
			"layer": w.Layer,
			"type":  w.Type,
		}
	}
	return out
}

func listToWeights(v interface{}) ([]WeightTensor, error) {
	items, ok := v.([]interface{})
	if !ok || len(items) == 0 {
		return nil, nil
	}
	weights := make([]WeightTensor, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("malformed weight tensor at index %d", i)
		}
		data, err := decodeFloats(str(m, "data"))
		if err != nil {
			return nil, fmt.Errorf("weight %s: %w", str(m, "name"), err)
		}
		weights[i] = WeightTensor{
			Name:  str(m, "name"),
			Shape: listToInts(m["shape"]),
			Data:  data,
			Layer: str(m, "layer"),
			Type:  str(m, "type"),
		}
	}
	return weights, nil
}

// normalizeParams converts optimizer hyperparameters into values a Struct can hold.
func normalizeParams(params map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		switch n := v.(type) {
		case float32:
			out[k] = float64(n)
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case uint64:
			out[k] = float64(n)
		case float64, bool, string:
			out[k] = n
		default:
			return nil, fmt.Errorf("unsupported optimizer parameter %s of type %T", k, v)
		}
	}
	return out, nil
}

func encodeFloats(values []float32) string {
	return base64.StdEncoding.EncodeToString(tensor.Float32sToBytes(values))
}

func decodeFloats(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return tensor.BytesToFloat32s(raw)
}

func intsToList(values []int) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

func listToInts(v interface{}) []int {
	items, _ := v.([]interface{})
	out := make([]int, 0, len(items))
	for _, item := range items {
		if f, ok := item.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}

func stringsToList(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func number(m map[string]interface{}, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
