package training

import (
	"fmt"

	"github.com/tsawler/go-semisup/tensor"
)

// interleaveIndices returns the source row of every output row of
// Interleave: out[a*(n/k)+b] = in[b*k+a].
func interleaveIndices(n, k int) ([]int, error) {
	if k <= 0 || n%k != 0 {
		return nil, fmt.Errorf("cannot interleave %d rows in groups of %d", n, k)
	}
	per := n / k
	idx := make([]int, n)
	for a := 0; a < k; a++ {
		for b := 0; b < per; b++ {
			idx[a*per+b] = b*k + a
		}
	}
	return idx, nil
}

// Interleave reorders the leading axis as reshape [n/k, k], transpose,
// flatten, so that each block of n/k consecutive rows mixes every sub-batch
// of a concatenated batch. Gradients flow through.
func Interleave(x *tensor.Tensor, k int) (*tensor.Tensor, error) {
	idx, err := interleaveIndices(x.Rows(), k)
	if err != nil {
		return nil, err
	}
	return tensor.GatherRows(x, idx)
}

// DeInterleave is the exact inverse of Interleave.
func DeInterleave(x *tensor.Tensor, k int) (*tensor.Tensor, error) {
	idx, err := interleaveIndices(x.Rows(), k)
	if err != nil {
		return nil, err
	}
	inverse := make([]int, len(idx))
	for out, src := range idx {
		inverse[src] = out
	}
	return tensor.GatherRows(x, inverse)
}
