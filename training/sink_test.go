package training

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	sink, err := NewJSONLSink(path, "run-1")
	if err != nil {
		t.Fatalf("NewJSONLSink failed: %v", err)
	}
	if err := sink.AddScalar(TagTrainLoss, 1.25, 0); err != nil {
		t.Fatalf("AddScalar failed: %v", err)
	}
	if err := sink.AddScalar(TagTestAcc, 87.5, 0); err != nil {
		t.Fatalf("AddScalar failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	var records []ScalarRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r ScalarRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("Invalid JSON line %q: %v", scanner.Text(), err)
		}
		records = append(records, r)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[1].Tag != TagTestAcc || records[1].Value != 87.5 || records[1].RunID != "run-1" {
		t.Errorf("Unexpected record %+v", records[1])
	}
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	for epoch, v := range []float64{3, 2, 1} {
		if err := sink.AddScalar(TagTrainLoss, v, epoch); err != nil {
			t.Fatalf("AddScalar failed: %v", err)
		}
	}
	if err := sink.AddScalar(TagMask, 0.5, 0); err != nil {
		t.Fatalf("AddScalar failed: %v", err)
	}

	values := sink.Values(TagTrainLoss)
	if len(values) != 3 || values[0] != 3 || values[2] != 1 {
		t.Errorf("Unexpected values %v", values)
	}
	tags := sink.Tags()
	sort.Strings(tags)
	if len(tags) != 2 || tags[0] != TagTrainLoss || tags[1] != TagMask {
		t.Errorf("Unexpected tags %v", tags)
	}
}

type failingSink struct{ MemorySink }

func (f *failingSink) AddScalar(string, float64, int) error { return errors.New("disk full") }

func TestMultiSink(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	multi := MultiSink{a, b}
	if err := multi.AddScalar(TagTestLoss, 0.3, 4); err != nil {
		t.Fatalf("AddScalar failed: %v", err)
	}
	if len(a.Values(TagTestLoss)) != 1 || len(b.Values(TagTestLoss)) != 1 {
		t.Error("MultiSink did not fan out")
	}
	if err := multi.Flush(); err != nil {
		t.Errorf("Flush failed: %v", err)
	}

	withFailure := MultiSink{a, &failingSink{}}
	if err := withFailure.AddScalar(TagTestLoss, 0.2, 5); err == nil {
		t.Error("Expected the failing sink's error")
	}
	if len(a.Values(TagTestLoss)) != 2 {
		t.Error("Healthy sink should still receive the scalar")
	}
}
