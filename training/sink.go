package training

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Scalar tags written once per epoch.
const (
	TagTrainLoss         = "train/1.train_loss"
	TagTrainLossX        = "train/2.train_loss_x"
	TagTrainLossU        = "train/3.train_loss_u"
	TagMask              = "train/4.mask"
	TagNoiseRate         = "train/5.noise_rate"
	TagMislabeledNum     = "train/6.mislabeled_num"
	TagNoiseRateEstm     = "train/7.noise_rate_estm"
	TagMislabeledNumEstm = "train/8.mislabeled_num_estm"
	TagTestAcc           = "test/1.test_acc"
	TagTestLoss          = "test/2.test_loss"
)

// ScalarSink receives tagged scalars. Flush is called after every epoch.
type ScalarSink interface {
	AddScalar(tag string, value float64, epoch int) error
	Flush() error
	Close() error
}

// ScalarRecord is one line of a JSONL metrics file.
type ScalarRecord struct {
	RunID     string    `json:"run_id"`
	Tag       string    `json:"tag"`
	Value     float64   `json:"value"`
	Epoch     int       `json:"epoch"`
	Timestamp time.Time `json:"timestamp"`
}

// JSONLSink appends one JSON object per scalar to a file.
type JSONLSink struct {
	runID string
	f     *os.File
	w     *bufio.Writer
	enc   *json.Encoder
}

// NewJSONLSink opens path for appending.
func NewJSONLSink(path, runID string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &JSONLSink{runID: runID, f: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (s *JSONLSink) AddScalar(tag string, value float64, epoch int) error {
	return s.enc.Encode(ScalarRecord{
		RunID:     s.runID,
		Tag:       tag,
		Value:     value,
		Epoch:     epoch,
		Timestamp: time.Now().UTC(),
	})
}

func (s *JSONLSink) Flush() error {
	return s.w.Flush()
}

func (s *JSONLSink) Close() error {
	return errors.Join(s.w.Flush(), s.f.Close())
}

// MemorySink keeps every scalar in memory.
type MemorySink struct {
	mu     sync.Mutex
	series map[string][]DataPoint
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{series: make(map[string][]DataPoint)}
}

func (s *MemorySink) AddScalar(tag string, value float64, epoch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[tag] = append(s.series[tag], DataPoint{X: epoch, Y: value})
	return nil
}

func (s *MemorySink) Flush() error { return nil }
func (s *MemorySink) Close() error { return nil }

// Values returns the recorded values of tag in insertion order.
func (s *MemorySink) Values(tag string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	points := s.series[tag]
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Y.(float64)
	}
	return out
}

// Tags returns every tag seen so far.
func (s *MemorySink) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.series))
	for t := range s.series {
		tags = append(tags, t)
	}
	return tags
}

// MultiSink fans every call out to all sinks and joins their errors.
type MultiSink []ScalarSink

func (m MultiSink) AddScalar(tag string, value float64, epoch int) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.AddScalar(tag, value, epoch))
	}
	return errors.Join(errs...)
}

func (m MultiSink) Flush() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Flush())
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
