// Package distributed provides the collective operations used for
// multi-process training: all-gather, gradient averaging and barriers.
package distributed

import (
	"context"
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when ranks contribute payloads of different
// lengths to the same collective call.
var ErrShapeMismatch = errors.New("collective payload length mismatch")

// Collective is the process-group capability. Every rank must issue the
// same sequence of calls; calls block until all ranks have contributed.
type Collective interface {
	Rank() int
	WorldSize() int
	// AllGather returns every rank's data concatenated in rank order.
	AllGather(ctx context.Context, data []float32) ([]float32, error)
	Barrier(ctx context.Context) error
	Close() error
}

// AllReduceMean replaces data with its element-wise mean across ranks.
func AllReduceMean(ctx context.Context, c Collective, data []float32) error {
	world := c.WorldSize()
	if world == 1 {
		return nil
	}
	gathered, err := c.AllGather(ctx, data)
	if err != nil {
		return err
	}
	if len(gathered) != world*len(data) {
		return fmt.Errorf("all-reduce: gathered %d values, expected %d: %w", len(gathered), world*len(data), ErrShapeMismatch)
	}
	n := len(data)
	for i := range data {
		var sum float32
		for r := 0; r < world; r++ {
			sum += gathered[r*n+i]
		}
		data[i] = sum / float32(world)
	}
	return nil
}

// Local is the single-process group.
type Local struct{}

func (Local) Rank() int      { return 0 }
func (Local) WorldSize() int { return 1 }

func (Local) AllGather(_ context.Context, data []float32) ([]float32, error) {
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

func (Local) Barrier(context.Context) error { return nil }
func (Local) Close() error                  { return nil }
