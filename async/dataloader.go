// Package async prefetches training batches on a background goroutine so
// collation and augmentation overlap with the training step.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by Next after Stop, or once the source failed and
// its error has been delivered.
var ErrStopped = errors.New("data loader has been stopped")

// Source yields batches in order. Implementations need not be safe for
// concurrent use; a DataLoader calls Next from a single goroutine.
type Source[T any] interface {
	Next() (T, error)
}

// DataLoaderConfig holds configuration for the data loader
type DataLoaderConfig struct {
	PrefetchDepth int // Number of batches to prefetch (default: 2)
}

type result[T any] struct {
	batch T
	err   error
}

// DataLoader runs a Source ahead of its consumer. Batches are delivered in
// the order the source produced them.
type DataLoader[T any] struct {
	source        Source[T]
	prefetchDepth int

	batches chan result[T]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lifecycle serializes Start and Stop; mutex guards the fields below it.
	lifecycle sync.Mutex
	mutex     sync.RWMutex
	isRunning bool

	produced atomic.Uint64
	consumed atomic.Uint64
	failed   atomic.Bool
}

// NewDataLoader wraps source. Call Start before Next.
func NewDataLoader[T any](source Source[T], config DataLoaderConfig) (*DataLoader[T], error) {
	if source == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if config.PrefetchDepth < 0 {
		return nil, fmt.Errorf("prefetch depth cannot be negative, got %d", config.PrefetchDepth)
	}
	if config.PrefetchDepth == 0 {
		config.PrefetchDepth = 2
	}
	return &DataLoader[T]{
		source:        source,
		prefetchDepth: config.PrefetchDepth,
	}, nil
}

// Start launches the producer goroutine.
func (dl *DataLoader[T]) Start(ctx context.Context) error {
	dl.lifecycle.Lock()
	defer dl.lifecycle.Unlock()
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.isRunning {
		return fmt.Errorf("data loader is already running")
	}
	dl.ctx, dl.cancel = context.WithCancel(ctx)
	dl.batches = make(chan result[T], dl.prefetchDepth)
	dl.failed.Store(false)

	dl.wg.Add(1)
	go dl.worker(dl.ctx, dl.batches)

	dl.isRunning = true
	return nil
}

// Stop cancels the producer and discards prefetched batches. It is safe to
// call more than once.
func (dl *DataLoader[T]) Stop() {
	dl.lifecycle.Lock()
	defer dl.lifecycle.Unlock()

	dl.mutex.Lock()
	if !dl.isRunning {
		dl.mutex.Unlock()
		return
	}
	dl.isRunning = false
	cancel, batches := dl.cancel, dl.batches
	dl.mutex.Unlock()

	cancel()
	dl.wg.Wait()
	for range batches {
	}
}

// Next returns the next batch, blocking until one is ready. A source error
// is returned once, in order, after the batches produced before it.
func (dl *DataLoader[T]) Next() (T, error) {
	var zero T
	dl.mutex.RLock()
	running, batches, ctx := dl.isRunning, dl.batches, dl.ctx
	dl.mutex.RUnlock()
	if !running {
		return zero, ErrStopped
	}

	select {
	case r, ok := <-batches:
		if !ok {
			return zero, ErrStopped
		}
		dl.consumed.Add(1)
		if r.err != nil {
			dl.failed.Store(true)
		}
		return r.batch, r.err
	case <-ctx.Done():
		return zero, fmt.Errorf("data loader has been cancelled: %w", ctx.Err())
	}
}

// worker runs in background and stops after the first source error
func (dl *DataLoader[T]) worker(ctx context.Context, batches chan<- result[T]) {
	defer dl.wg.Done()
	defer close(batches)

	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := dl.source.Next()
		if err != nil {
			err = fmt.Errorf("prefetching batch: %w", err)
		}
		select {
		case batches <- result[T]{batch: batch, err: err}:
		case <-ctx.Done():
			return
		}
		dl.produced.Add(1)
		if err != nil {
			return
		}
	}
}

// Stats returns statistics about the data loader
func (dl *DataLoader[T]) Stats() DataLoaderStats {
	dl.mutex.RLock()
	defer dl.mutex.RUnlock()

	queued := 0
	if dl.batches != nil {
		queued = len(dl.batches)
	}
	return DataLoaderStats{
		IsRunning:       dl.isRunning,
		BatchesProduced: dl.produced.Load(),
		BatchesConsumed: dl.consumed.Load(),
		QueuedBatches:   queued,
		QueueCapacity:   dl.prefetchDepth,
		Failed:          dl.failed.Load(),
	}
}

// DataLoaderStats provides statistics about the data loader
type DataLoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	BatchesConsumed uint64
	QueuedBatches   int
	QueueCapacity   int
	Failed          bool
}
