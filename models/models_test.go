package models

import (
	"testing"

	"github.com/tsawler/go-semisup/layers"
	"github.com/tsawler/go-semisup/tensor"
)

func TestBuildMLP(t *testing.T) {
	for _, ct := range []string{ClassifierVanilla, ClassifierStochastic} {
		t.Run(ct, func(t *testing.T) {
			build, err := Lookup("mlp")
			if err != nil {
				t.Fatalf("Lookup failed: %v", err)
			}
			pair, err := build(Options{InputSize: 5, NumClasses: 3, Width: 8, Depth: 2, ClassifierType: ct})
			if err != nil {
				t.Fatalf("BuildMLP failed: %v", err)
			}

			x, _ := tensor.Zeros([]int{4, 5})
			for i := range x.Data {
				x.Data[i] = float32(i%7) - 3
			}
			logits, err := pair.Forward(x, layers.ModeTrain)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if logits.Shape[0] != 4 || logits.Shape[1] != 3 {
				t.Errorf("Expected logits [4 3], got %v", logits.Shape)
			}
			if pair.CountParameters() == 0 {
				t.Error("Expected a non-empty parameter count")
			}
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("wideresnet"); err == nil {
		t.Error("Expected an error for an unregistered architecture")
	}
	if _, err := NewHead("bayesian", 2, 2, 0); err == nil {
		t.Error("Expected an error for an unknown classifier type")
	}
}
