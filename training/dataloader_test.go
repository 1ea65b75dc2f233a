package training

import (
	"sort"
	"testing"

	"github.com/tsawler/go-semisup/dataset"
)

// indexDataset stores sample i as the single feature i.
func indexDataset(t *testing.T, n int) *dataset.InMemory {
	t.Helper()
	samples := make([][]float32, n)
	labels := make([]int, n)
	for i := range samples {
		samples[i] = []float32{float32(i)}
		labels[i] = i % 2
	}
	ds, err := dataset.NewInMemory(samples, labels, 2)
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	return ds
}

func batchIndices(b *LabeledBatch) []int {
	out := make([]int, len(b.Targets))
	for i := range out {
		out[i] = int(b.Inputs.Data[i])
	}
	return out
}

func TestCyclicLoaderWrapsAndDropsLast(t *testing.T) {
	ds := indexDataset(t, 10)
	loader, err := NewCyclicLoader(ds, 4, SamplerConfig{Shuffle: true, Seed: 3})
	if err != nil {
		t.Fatalf("NewCyclicLoader failed: %v", err)
	}
	if loader.BatchesPerPass() != 2 {
		t.Errorf("Expected 2 batches per pass, got %d", loader.BatchesPerPass())
	}

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		b, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if len(b.Targets) != 4 {
			t.Fatalf("Expected batch of 4, got %d", len(b.Targets))
		}
		for j, idx := range batchIndices(b) {
			if seen[idx] {
				t.Errorf("Sample %d repeated within a pass", idx)
			}
			seen[idx] = true
			if b.Targets[j] != idx%2 {
				t.Errorf("Sample %d has label %d", idx, b.Targets[j])
			}
		}
	}
	if loader.Pass() != 0 {
		t.Errorf("Expected pass 0, got %d", loader.Pass())
	}

	// exhaustion wraps instead of failing
	for i := 0; i < 5; i++ {
		if _, err := loader.Next(); err != nil {
			t.Fatalf("Next after wrap failed: %v", err)
		}
	}
	if loader.Pass() != 3 {
		t.Errorf("Expected pass 3 after 7 batches, got %d", loader.Pass())
	}
}

func TestCyclicLoaderSharding(t *testing.T) {
	ds := indexDataset(t, 10)
	var all []int
	for rank := 0; rank < 3; rank++ {
		loader, err := NewCyclicLoader(ds, 4, SamplerConfig{Shuffle: true, Seed: 9, Rank: rank, WorldSize: 3})
		if err != nil {
			t.Fatalf("rank %d: NewCyclicLoader failed: %v", rank, err)
		}
		b, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		all = append(all, batchIndices(b)...)
	}
	// 10 samples padded to 12: every sample appears at least once
	sort.Ints(all)
	present := map[int]bool{}
	for _, idx := range all {
		present[idx] = true
	}
	if len(all) != 12 || len(present) != 10 {
		t.Errorf("Expected 12 draws covering 10 samples, got %d draws covering %d", len(all), len(present))
	}
}

func TestCyclicLoaderValidation(t *testing.T) {
	ds := indexDataset(t, 6)
	if _, err := NewCyclicLoader(ds, 7, SamplerConfig{}); err == nil {
		t.Error("Expected error when a rank cannot fill a batch")
	}
	if _, err := NewCyclicLoader(ds, 0, SamplerConfig{}); err == nil {
		t.Error("Expected error for zero batch size")
	}
	if _, err := NewCyclicLoader(ds, 2, SamplerConfig{Rank: 2, WorldSize: 2}); err == nil {
		t.Error("Expected error for rank outside the world")
	}
}

func TestCyclicUnlabeledLoader(t *testing.T) {
	ds := indexDataset(t, 8)
	views := dataset.NewTwoViews(ds, dataset.Identity{}, dataset.Identity{}, 1)
	loader, err := NewCyclicUnlabeledLoader(views, 8, SamplerConfig{Shuffle: true, Seed: 1})
	if err != nil {
		t.Fatalf("NewCyclicUnlabeledLoader failed: %v", err)
	}
	b, err := loader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if b.Weak.Rows() != 8 || b.Strong.Rows() != 8 || len(b.Diagnostic) != 8 {
		t.Fatalf("Unexpected batch sizes %d/%d/%d", b.Weak.Rows(), b.Strong.Rows(), len(b.Diagnostic))
	}
	for i := 0; i < 8; i++ {
		if b.Weak.Data[i] != b.Strong.Data[i] {
			t.Errorf("Row %d: weak and strong views come from different samples", i)
		}
		if b.Diagnostic[i] != int(b.Weak.Data[i])%2 {
			t.Errorf("Row %d: wrong diagnostic label %d", i, b.Diagnostic[i])
		}
	}
	if _, err := loader.Next(); err != nil || loader.Pass() != 1 {
		t.Errorf("Expected a clean wrap, got pass %d err %v", loader.Pass(), err)
	}
}

func TestDataLoaderKeepsPartialBatch(t *testing.T) {
	ds := indexDataset(t, 10)
	dl, err := NewDataLoader(ds, 4)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	if dl.Len() != 3 {
		t.Errorf("Expected 3 batches, got %d", dl.Len())
	}

	var sizes []int
	next := 0
	for {
		b, err := dl.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if b == nil {
			break
		}
		for _, idx := range batchIndices(b) {
			if idx != next {
				t.Errorf("Expected sequential sample %d, got %d", next, idx)
			}
			next++
		}
		sizes = append(sizes, len(b.Targets))
	}
	if len(sizes) != 3 || sizes[2] != 2 {
		t.Errorf("Expected batch sizes [4 4 2], got %v", sizes)
	}

	dl.Reset()
	if b, _ := dl.Next(); b == nil || int(b.Inputs.Data[0]) != 0 {
		t.Error("Reset did not rewind the loader")
	}
	if _, err := NewDataLoader(ds, 0); err == nil {
		t.Error("Expected error for zero batch size")
	}
}
