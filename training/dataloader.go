package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-semisup/dataset"
	"github.com/tsawler/go-semisup/tensor"
)

// LabeledBatch is a batch of inputs [B, D] with their class targets.
type LabeledBatch struct {
	Inputs  *tensor.Tensor
	Targets []int
}

// UnlabeledBatch holds the weak and strong views [μB, D] of the same
// samples. Diagnostic labels feed noise-rate metrics only.
type UnlabeledBatch struct {
	Weak       *tensor.Tensor
	Strong     *tensor.Tensor
	Diagnostic []int
}

// SamplerConfig controls ordering and sharding of a training loader.
type SamplerConfig struct {
	Shuffle   bool
	Seed      int64
	Rank      int
	WorldSize int
}

// sampler yields the sample order for each pass over a dataset. Sharded
// samplers pad the order by wrapping so every rank sees the same count.
type sampler struct {
	n     int
	cfg   SamplerConfig
	epoch int
}

func (s *sampler) order() []int {
	idx := make([]int, s.n)
	if s.cfg.Shuffle {
		idx = rand.New(rand.NewSource(s.cfg.Seed + int64(s.epoch))).Perm(s.n)
	} else {
		for i := range idx {
			idx[i] = i
		}
	}
	world := max(1, s.cfg.WorldSize)
	if world == 1 {
		return idx
	}
	perRank := (s.n + world - 1) / world
	padded := idx
	for len(padded) < perRank*world {
		padded = append(padded, idx[len(padded)%s.n])
	}
	shard := make([]int, 0, perRank)
	for i := s.cfg.Rank; i < len(padded); i += world {
		shard = append(shard, padded[i])
	}
	return shard
}

func (s *sampler) perRank() int {
	world := max(1, s.cfg.WorldSize)
	return (s.n + world - 1) / world
}

// cursor walks fixed-size batches over successive passes, dropping the
// incomplete tail of each pass.
type cursor struct {
	sampler   sampler
	batchSize int
	indices   []int
	pos       int
}

func newCursor(n, batchSize int, cfg SamplerConfig) (*cursor, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if cfg.WorldSize > 1 && (cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize) {
		return nil, fmt.Errorf("invalid rank %d for world size %d", cfg.Rank, cfg.WorldSize)
	}
	c := &cursor{sampler: sampler{n: n, cfg: cfg}, batchSize: batchSize}
	if c.sampler.perRank() < batchSize {
		return nil, fmt.Errorf("%d samples per rank cannot fill a batch of %d", c.sampler.perRank(), batchSize)
	}
	c.indices = c.sampler.order()
	return c, nil
}

// next returns the indices of the next batch, starting a new pass when the
// current one cannot fill a batch.
func (c *cursor) next() []int {
	if c.pos+c.batchSize > len(c.indices) {
		c.sampler.epoch++
		c.indices = c.sampler.order()
		c.pos = 0
	}
	batch := c.indices[c.pos : c.pos+c.batchSize]
	c.pos += c.batchSize
	return batch
}

// CyclicLoader draws labeled batches forever, reshuffling on every wrap.
type CyclicLoader struct {
	ds     dataset.Labeled
	cursor *cursor
}

// NewCyclicLoader creates an endless labeled loader.
func NewCyclicLoader(ds dataset.Labeled, batchSize int, cfg SamplerConfig) (*CyclicLoader, error) {
	c, err := newCursor(ds.Len(), batchSize, cfg)
	if err != nil {
		return nil, err
	}
	return &CyclicLoader{ds: ds, cursor: c}, nil
}

// Next returns the next batch, wrapping to a fresh pass when needed.
func (l *CyclicLoader) Next() (*LabeledBatch, error) {
	return collateLabeled(l.ds, l.cursor.next())
}

// Pass returns how many times the loader has wrapped.
func (l *CyclicLoader) Pass() int { return l.cursor.sampler.epoch }

// BatchesPerPass returns the number of full batches in one pass.
func (l *CyclicLoader) BatchesPerPass() int { return len(l.cursor.indices) / l.cursor.batchSize }

// CyclicUnlabeledLoader draws unlabeled batches forever.
type CyclicUnlabeledLoader struct {
	ds     dataset.Unlabeled
	cursor *cursor
}

// NewCyclicUnlabeledLoader creates an endless unlabeled loader.
func NewCyclicUnlabeledLoader(ds dataset.Unlabeled, batchSize int, cfg SamplerConfig) (*CyclicUnlabeledLoader, error) {
	c, err := newCursor(ds.Len(), batchSize, cfg)
	if err != nil {
		return nil, err
	}
	return &CyclicUnlabeledLoader{ds: ds, cursor: c}, nil
}

func (l *CyclicUnlabeledLoader) Next() (*UnlabeledBatch, error) {
	idx := l.cursor.next()
	weak := make([][]float32, len(idx))
	strong := make([][]float32, len(idx))
	labels := make([]int, len(idx))
	for i, j := range idx {
		w, s, label, err := l.ds.Get(j)
		if err != nil {
			return nil, fmt.Errorf("unlabeled sample %d: %w", j, err)
		}
		weak[i], strong[i], labels[i] = w, s, label
	}
	wt, err := tensor.FromRows(weak)
	if err != nil {
		return nil, err
	}
	st, err := tensor.FromRows(strong)
	if err != nil {
		return nil, err
	}
	return &UnlabeledBatch{Weak: wt, Strong: st, Diagnostic: labels}, nil
}

func (l *CyclicUnlabeledLoader) Pass() int { return l.cursor.sampler.epoch }

func collateLabeled(ds dataset.Labeled, idx []int) (*LabeledBatch, error) {
	rows := make([][]float32, len(idx))
	targets := make([]int, len(idx))
	for i, j := range idx {
		x, label, err := ds.Get(j)
		if err != nil {
			return nil, fmt.Errorf("labeled sample %d: %w", j, err)
		}
		rows[i], targets[i] = x, label
	}
	inputs, err := tensor.FromRows(rows)
	if err != nil {
		return nil, err
	}
	return &LabeledBatch{Inputs: inputs, Targets: targets}, nil
}

// DataLoader walks a labeled dataset once in order, keeping the final
// partial batch. It is used for evaluation.
type DataLoader struct {
	ds        dataset.Labeled
	batchSize int
	position  int
}

// NewDataLoader creates a sequential loader.
func NewDataLoader(ds dataset.Labeled, batchSize int) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	return &DataLoader{ds: ds, batchSize: batchSize}, nil
}

// Len returns the number of batches in one pass.
func (dl *DataLoader) Len() int {
	return (dl.ds.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds to the first batch.
func (dl *DataLoader) Reset() {
	dl.position = 0
}

// Next returns the next batch or nil when the pass is complete.
func (dl *DataLoader) Next() (*LabeledBatch, error) {
	if dl.position >= dl.ds.Len() {
		return nil, nil
	}
	end := min(dl.position+dl.batchSize, dl.ds.Len())
	idx := make([]int, end-dl.position)
	for i := range idx {
		idx[i] = dl.position + i
	}
	dl.position = end
	return collateLabeled(dl.ds, idx)
}
