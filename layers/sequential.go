package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-semisup/tensor"
)

// Named pairs a child module with the prefix used for its parameter names.
type Named struct {
	Name   string
	Module Module
}

// Sequential chains named child modules.
type Sequential struct {
	children []Named
	training bool
}

// NewSequential creates a Sequential from named children. Names must be unique.
func NewSequential(children ...Named) (*Sequential, error) {
	seen := make(map[string]bool, len(children))
	for _, c := range children {
		if c.Name == "" || seen[c.Name] {
			return nil, fmt.Errorf("duplicate or empty child name %q", c.Name)
		}
		seen[c.Name] = true
	}
	return &Sequential{children: children, training: true}, nil
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x := input
	for _, c := range s.children {
		out, err := c.Module.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
		x = out
	}
	return x, nil
}

func (s *Sequential) NamedParameters() []Parameter {
	var params []Parameter
	for _, c := range s.children {
		params = append(params, prefixed(c.Name, c.Module.NamedParameters())...)
	}
	return params
}

func (s *Sequential) NamedBuffers() []Parameter {
	var buffers []Parameter
	for _, c := range s.children {
		buffers = append(buffers, prefixed(c.Name, c.Module.NamedBuffers())...)
	}
	return buffers
}

func (s *Sequential) Train() {
	s.training = true
	for _, c := range s.children {
		c.Module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, c := range s.children {
		c.Module.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

func (s *Sequential) Clone() Module {
	children := make([]Named, len(s.children))
	for i, c := range s.children {
		children[i] = Named{Name: c.Name, Module: c.Module.Clone()}
	}
	return &Sequential{children: children, training: s.training}
}

// String prints the module tree the way PyTorch does.
func (s *Sequential) String() string {
	var sb strings.Builder
	sb.WriteString("Sequential(\n")
	for _, c := range s.children {
		sb.WriteString(fmt.Sprintf("  (%s): %s\n", c.Name, c.Module.String()))
	}
	sb.WriteString(")")
	return sb.String()
}
