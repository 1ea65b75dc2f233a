package dataset

import (
	"math/rand"
	"testing"
)

func TestNewInMemoryValidation(t *testing.T) {
	tests := []struct {
		name    string
		samples [][]float32
		labels  []int
		classes int
	}{
		{"length mismatch", [][]float32{{1}}, []int{0, 1}, 2},
		{"empty", nil, nil, 2},
		{"ragged", [][]float32{{1, 2}, {3}}, []int{0, 1}, 2},
		{"label out of range", [][]float32{{1}, {2}}, []int{0, 2}, 2},
		{"no classes", [][]float32{{1}}, []int{0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewInMemory(tt.samples, tt.labels, tt.classes); err == nil {
				t.Errorf("expected an error")
			}
		})
	}

	d, err := NewInMemory([][]float32{{1, 2}, {3, 4}, {5, 6}}, []int{0, 1, 1}, 2)
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	if d.Dim() != 2 || d.Len() != 3 {
		t.Errorf("got dim=%d len=%d, want 2 and 3", d.Dim(), d.Len())
	}
	if dist := d.ClassDistribution(); dist[0] != 1 || dist[1] != 2 {
		t.Errorf("unexpected class distribution %v", dist)
	}
	if _, _, err := d.Get(3); err == nil {
		t.Errorf("expected out of range error")
	}
}

func TestSplitLabeledBalanced(t *testing.T) {
	labels := make([]int, 100)
	for i := range labels {
		labels[i] = i % 5
	}
	labeled, unlabeled, err := SplitLabeled(labels, 5, 20, 0, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("SplitLabeled failed: %v", err)
	}
	if len(labeled) != 20 {
		t.Fatalf("got %d labeled indices, want 20", len(labeled))
	}
	if len(unlabeled) != 100 {
		t.Errorf("unlabeled set should contain every sample, got %d", len(unlabeled))
	}

	perClass := make([]int, 5)
	seen := make(map[int]bool)
	for _, idx := range labeled {
		perClass[labels[idx]]++
		if seen[idx] {
			t.Errorf("index %d selected twice", idx)
		}
		seen[idx] = true
	}
	for c, n := range perClass {
		if n != 4 {
			t.Errorf("class %d has %d labeled samples, want 4", c, n)
		}
	}
}

func TestSplitLabeledExpands(t *testing.T) {
	labels := []int{0, 1, 0, 1, 0, 1}
	labeled, _, err := SplitLabeled(labels, 2, 2, 7, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("SplitLabeled failed: %v", err)
	}
	// ceil(7 / 2) = 4 repeats of the 2 labeled indices.
	if len(labeled) != 8 {
		t.Fatalf("got %d expanded indices, want 8", len(labeled))
	}
	counts := make(map[int]int)
	for _, idx := range labeled {
		counts[idx]++
	}
	if len(counts) != 2 {
		t.Errorf("expected 2 distinct labeled indices, got %d", len(counts))
	}
	for idx, n := range counts {
		if n != 4 {
			t.Errorf("index %d repeated %d times, want 4", idx, n)
		}
	}
}

func TestSplitLabeledErrors(t *testing.T) {
	labels := []int{0, 0, 0, 1}
	rng := rand.New(rand.NewSource(1))
	if _, _, err := SplitLabeled(labels, 2, 3, 0, rng); err == nil {
		t.Errorf("expected error for num_labeled not divisible by classes")
	}
	if _, _, err := SplitLabeled(labels, 2, 4, 0, rng); err == nil {
		t.Errorf("expected error when a class is too small")
	}
	if _, _, err := SplitLabeled([]int{0, 5}, 2, 2, 0, rng); err == nil {
		t.Errorf("expected error for out of range label")
	}
}

func TestWeakAugmentation(t *testing.T) {
	shape := ImageShape{Height: 2, Width: 3}
	x := []float32{1, 2, 3, 4, 5, 6}
	orig := append([]float32(nil), x...)

	out := translate(x, shape, 1, 0)
	want := []float32{0, 0, 0, 1, 2, 3}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("translate: got %v, want %v", out, want)
		}
	}

	flipped := append([]float32(nil), x...)
	flipHorizontal(flipped, shape)
	want = []float32{3, 2, 1, 6, 5, 4}
	for i := range want {
		if flipped[i] != want[i] {
			t.Fatalf("flip: got %v, want %v", flipped, want)
		}
	}

	w := Weak{Shape: shape, MaxShift: 1, Flip: true, Noise: 0.1}
	aug := w.Apply(x, rand.New(rand.NewSource(1)))
	if len(aug) != len(x) {
		t.Errorf("augmented length %d, want %d", len(aug), len(x))
	}
	for i := range x {
		if x[i] != orig[i] {
			t.Fatalf("Apply modified its input")
		}
	}
}

func TestStrongAugmentationCutout(t *testing.T) {
	shape := ImageShape{Height: 4, Width: 4}
	x := make([]float32, 16)
	for i := range x {
		x[i] = 1
	}
	s := Strong{Weak: Weak{Shape: shape}, Cutout: 2}
	out := s.Apply(x, rand.New(rand.NewSource(5)))
	zeros := 0
	for _, v := range out {
		if v == 0 {
			zeros++
		}
	}
	if zeros == 0 || zeros > 4 {
		t.Errorf("cutout zeroed %d pixels, want between 1 and 4", zeros)
	}
}

func TestBlobs(t *testing.T) {
	cfg := DefaultBlobConfig()
	cfg.TrainSize = 40
	cfg.TestSize = 10
	cfg.NumClasses = 4
	cfg.Dim = 3
	train, test, err := Blobs(cfg)
	if err != nil {
		t.Fatalf("Blobs failed: %v", err)
	}
	if train.Len() != 40 || test.Len() != 10 || train.Dim() != 3 {
		t.Errorf("unexpected sizes: train=%d test=%d dim=%d", train.Len(), test.Len(), train.Dim())
	}
	for c, n := range train.ClassDistribution() {
		if n != 10 {
			t.Errorf("class %d has %d samples, want 10", c, n)
		}
	}

	again, _, err := Blobs(cfg)
	if err != nil {
		t.Fatalf("Blobs failed: %v", err)
	}
	a, _, _ := train.Get(7)
	b, _, _ := again.Get(7)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced different samples")
		}
	}
}

func TestSourceSplit(t *testing.T) {
	src, err := Open("synthetic", "", 7)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	cols, err := src.Split(SplitOptions{NumLabeled: 40, BatchSize: 8, EvalStep: 10, Seed: 7, ExpandLabels: true})
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if cols.Labeled.Len() != 80 {
		t.Errorf("labeled set has %d samples, want 80 after expansion", cols.Labeled.Len())
	}
	if cols.Unlabeled.Len() != src.Train.Len() {
		t.Errorf("unlabeled set has %d samples, want %d", cols.Unlabeled.Len(), src.Train.Len())
	}

	weak, strong, label, err := cols.Unlabeled.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(weak) != src.Train.Dim() || len(strong) != src.Train.Dim() {
		t.Errorf("views have lengths %d and %d, want %d", len(weak), len(strong), src.Train.Dim())
	}
	if _, want, _ := src.Train.Get(0); label != want {
		t.Errorf("diagnostic label %d, want %d", label, want)
	}

	if _, err := Open("cifar10", "", 1); err == nil {
		t.Errorf("expected error for dataset without a loader")
	}
}
