package distributed

import (
	"context"
	"fmt"
	"sync"
)

// Hub rendezvous point for a fixed number of ranks. Each collective call is
// identified by a per-rank sequence number; round n completes when every
// rank has contributed its n-th payload. The gRPC coordinator serves a Hub,
// and in-process groups share one directly.
type Hub struct {
	size int

	mu     sync.Mutex
	rounds map[uint64]*round
}

type round struct {
	parts   [][]float32
	arrived int
	readers int
	err     error
	result  []float32
	done    chan struct{}
}

// NewHub creates a hub for size ranks.
func NewHub(size int) (*Hub, error) {
	if size < 1 {
		return nil, fmt.Errorf("invalid world size %d", size)
	}
	return &Hub{size: size, rounds: make(map[uint64]*round)}, nil
}

// Size returns the number of ranks.
func (h *Hub) Size() int { return h.size }

// Contribute adds rank's payload to round seq and blocks until the round is
// complete or ctx is done.
func (h *Hub) Contribute(ctx context.Context, seq uint64, rank int, data []float32) ([]float32, error) {
	if rank < 0 || rank >= h.size {
		return nil, fmt.Errorf("rank %d out of range for world size %d", rank, h.size)
	}

	h.mu.Lock()
	r, ok := h.rounds[seq]
	if !ok {
		r = &round{parts: make([][]float32, h.size), done: make(chan struct{})}
		h.rounds[seq] = r
	}
	if r.parts[rank] != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("rank %d contributed twice to round %d", rank, seq)
	}
	payload := make([]float32, len(data))
	copy(payload, data)
	r.parts[rank] = payload
	r.arrived++
	if r.arrived == h.size {
		r.complete()
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("collective round %d: %w", seq, ctx.Err())
	}

	h.mu.Lock()
	r.readers++
	if r.readers == h.size {
		delete(h.rounds, seq)
	}
	h.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	out := make([]float32, len(r.result))
	copy(out, r.result)
	return out, nil
}

// complete is called with the hub lock held once all parts are present.
func (r *round) complete() {
	n := len(r.parts[0])
	for rank, p := range r.parts {
		if len(p) != n {
			r.err = fmt.Errorf("rank %d sent %d values, rank 0 sent %d: %w", rank, len(p), n, ErrShapeMismatch)
			close(r.done)
			return
		}
	}
	r.result = make([]float32, 0, n*len(r.parts))
	for _, p := range r.parts {
		r.result = append(r.result, p...)
	}
	close(r.done)
}

// Member is one rank's view of an in-process group.
type Member struct {
	hub  *Hub
	rank int

	mu  sync.Mutex
	seq uint64
}

// NewLocalGroup creates size members sharing one hub. Each member must be
// driven by its own goroutine.
func NewLocalGroup(size int) ([]*Member, error) {
	hub, err := NewHub(size)
	if err != nil {
		return nil, err
	}
	members := make([]*Member, size)
	for i := range members {
		members[i] = &Member{hub: hub, rank: i}
	}
	return members, nil
}

func (m *Member) Rank() int      { return m.rank }
func (m *Member) WorldSize() int { return m.hub.size }

func (m *Member) nextSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.seq
	m.seq++
	return seq
}

func (m *Member) AllGather(ctx context.Context, data []float32) ([]float32, error) {
	return m.hub.Contribute(ctx, m.nextSeq(), m.rank, data)
}

func (m *Member) Barrier(ctx context.Context) error {
	_, err := m.hub.Contribute(ctx, m.nextSeq(), m.rank, nil)
	return err
}

func (m *Member) Close() error { return nil }
