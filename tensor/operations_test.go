package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestConcatAndChunk(t *testing.T) {
	a := MustNew([]int{1, 2}, []float32{1, 2})
	b := MustNew([]int{2, 2}, []float32{3, 4, 5, 6})
	a.SetRequiresGrad(true)

	c, err := Concat(a, b)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if !reflect.DeepEqual(c.Shape, []int{3, 2}) {
		t.Errorf("Expected shape [3 2], got %v", c.Shape)
	}
	if !c.RequiresGrad() {
		t.Error("Concat of a grad-requiring tensor should require grad")
	}

	if _, err := Chunk(c, 2); err == nil {
		t.Error("Expected an error splitting 3 rows into 2 chunks")
	}
	parts, err := Chunk(b, 2)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if !reflect.DeepEqual(parts[1].Data, []float32{5, 6}) {
		t.Errorf("Expected second chunk [5 6], got %v", parts[1].Data)
	}

	if _, err := Concat(a, MustNew([]int{1, 3}, nil)); err == nil {
		t.Error("Expected an error for mismatched trailing shapes")
	}
}

func TestSoftmaxTemperature(t *testing.T) {
	logits := MustNew([]int{1, 2}, []float32{0, math.Float32frombits(0x3f317218)}) // ln 2
	p, err := Softmax(logits, 1)
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}
	if math.Abs(float64(p.Data[0])-1.0/3) > 1e-6 || math.Abs(float64(p.Data[1])-2.0/3) > 1e-6 {
		t.Errorf("Expected [1/3 2/3], got %v", p.Data)
	}

	hot, _ := Softmax(MustNew([]int{1, 2}, []float32{0, 1}), 0.01)
	if hot.Data[1] < 0.999 {
		t.Errorf("Low temperature should sharpen the distribution, got %v", hot.Data)
	}

	if _, err := Softmax(logits, 0); err == nil {
		t.Error("Expected an error for zero temperature")
	}
}

func TestMaxRows(t *testing.T) {
	x := MustNew([]int{2, 3}, []float32{0.1, 0.7, 0.2, 0.5, 0.2, 0.3})
	values, indices := MaxRows(x)
	if !reflect.DeepEqual(indices, []int{1, 0}) {
		t.Errorf("Expected argmax [1 0], got %v", indices)
	}
	if values[0] != 0.7 || values[1] != 0.5 {
		t.Errorf("Expected max values [0.7 0.5], got %v", values)
	}
}

func TestFloat32BytesRoundTrip(t *testing.T) {
	values := []float32{0, -1.5, 3.1415927, float32(math.Inf(1)), math.SmallestNonzeroFloat32}
	back, err := BytesToFloat32s(Float32sToBytes(values))
	if err != nil {
		t.Fatalf("BytesToFloat32s failed: %v", err)
	}
	for i := range values {
		if math.Float32bits(values[i]) != math.Float32bits(back[i]) {
			t.Errorf("Value %d changed: %v -> %v", i, values[i], back[i])
		}
	}
	if _, err := BytesToFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("Expected an error for a truncated buffer")
	}
}

func TestCrossEntropyMatchesManualValue(t *testing.T) {
	logits := MustNew([]int{1, 2}, []float32{0, 0})
	l, err := CrossEntropy(logits, []int{1}, nil)
	if err != nil {
		t.Fatalf("CrossEntropy failed: %v", err)
	}
	if math.Abs(float64(l.Data[0])-math.Ln2) > 1e-6 {
		t.Errorf("Expected ln 2, got %f", l.Data[0])
	}

	if _, err := CrossEntropy(logits, []int{2}, nil); err == nil {
		t.Error("Expected an error for an out of range label")
	}
}
