package layers

import (
	"fmt"

	"github.com/tsawler/go-semisup/tensor"
)

// StateDict returns detached copies of every parameter followed by every
// buffer of m, keyed by their qualified names.
func StateDict(m Module) []Parameter {
	params := m.NamedParameters()
	buffers := m.NamedBuffers()
	state := make([]Parameter, 0, len(params)+len(buffers))
	for _, p := range append(params, buffers...) {
		state = append(state, Parameter{Name: p.Name, Tensor: p.Tensor.Clone()})
	}
	return state
}

// LoadStateDict copies values from state into m's parameters and buffers.
// Every entry of m must be present in state with a matching shape; extra
// entries in state are rejected.
func LoadStateDict(m Module, state []Parameter) error {
	byName := make(map[string]*tensor.Tensor, len(state))
	for _, s := range state {
		if _, dup := byName[s.Name]; dup {
			return fmt.Errorf("duplicate state entry %q", s.Name)
		}
		byName[s.Name] = s.Tensor
	}

	targets := append(m.NamedParameters(), m.NamedBuffers()...)
	if len(targets) != len(byName) {
		return fmt.Errorf("state has %d entries, module expects %d", len(byName), len(targets))
	}
	for _, target := range targets {
		src, ok := byName[target.Name]
		if !ok {
			return fmt.Errorf("missing state entry %q", target.Name)
		}
		if err := target.Tensor.CopyFrom(src); err != nil {
			return fmt.Errorf("loading %q: %w", target.Name, err)
		}
	}
	return nil
}
