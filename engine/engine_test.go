package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-semisup/distributed"
	"github.com/tsawler/go-semisup/tensor"
)

func leaf(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.NewTensor(shape, data)
	require.NoError(t, err)
	x.SetRequiresGrad(true)
	return x
}

func TestBackwardFP32(t *testing.T) {
	e := New(nil, nil)
	require.False(t, e.Distributed())
	require.True(t, e.IsMain())

	x := leaf(t, []int{1, 2}, []float32{1, -1})
	ok, err := e.Backward(context.Background(), tensor.Scale(x, 3), []*tensor.Tensor{x})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{3, 3}, x.Grad().Data)
}

func TestLossScalerSkipsOverflowAndBacksOff(t *testing.T) {
	scaler, err := NewLossScaler(DefaultLossScalerConfig())
	require.NoError(t, err)
	e := New(scaler, nil)
	x := leaf(t, []int{1}, []float32{1})

	// 3 * 2^16 and 3 * 2^15 do not fit in half precision; 3 * 2^14 does.
	wantScales := []float32{65536, 32768, 16384}
	wantOK := []bool{false, false, true}
	for i := range wantScales {
		require.Equal(t, wantScales[i], scaler.LossScale(), "step %d", i)
		tensor.ZeroGrad([]*tensor.Tensor{x})
		ok, err := e.Backward(context.Background(), tensor.Scale(x, 3), []*tensor.Tensor{x})
		require.NoError(t, err)
		require.Equal(t, wantOK[i], ok, "step %d", i)
	}
	require.Equal(t, []float32{3}, x.Grad().Data)
	require.Equal(t, 2, scaler.Overflows())
	require.Equal(t, float32(16384), scaler.LossScale())
}

func TestLossScalerGrowth(t *testing.T) {
	cfg := DefaultLossScalerConfig()
	cfg.InitScale = 4
	cfg.GrowthInterval = 2
	scaler, err := NewLossScaler(cfg)
	require.NoError(t, err)

	x := leaf(t, []int{1}, []float32{1})
	for i := 0; i < 2; i++ {
		x.SetGrad(tensor.MustNew([]int{1}, []float32{4}))
		require.True(t, scaler.Unscale([]*tensor.Tensor{x}))
		require.Equal(t, []float32{1}, x.Grad().Data)
	}
	require.Equal(t, float32(8), scaler.LossScale())
}

func TestLossScalerConfigValidation(t *testing.T) {
	cfg := DefaultLossScalerConfig()
	cfg.BackoffFactor = 1
	_, err := NewLossScaler(cfg)
	require.Error(t, err)

	cfg = DefaultLossScalerConfig()
	cfg.GrowthInterval = 0
	_, err = NewLossScaler(cfg)
	require.Error(t, err)
}

func TestNewPrecision(t *testing.T) {
	tests := []struct {
		amp      bool
		level    string
		want     string
		hasError bool
	}{
		{false, "O1", "fp32", false},
		{true, "O0", "fp32", false},
		{true, "O1", "fp16", false},
		{true, "O2", "fp16", false},
		{true, "O7", "", true},
	}
	for _, tt := range tests {
		p, err := NewPrecision(tt.amp, tt.level)
		if tt.hasError {
			require.Error(t, err, "amp=%t level=%s", tt.amp, tt.level)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tt.want, p.Name())
	}
}

func TestBackwardAveragesAcrossRanks(t *testing.T) {
	members, err := distributed.NewLocalGroup(2)
	require.NoError(t, err)

	type result struct {
		used, unused []float32
		err          error
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for rank, m := range members {
		wg.Add(1)
		go func(rank int, m distributed.Collective) {
			defer wg.Done()
			e := New(FP32{}, m)
			used := leaf(t, []int{2}, []float32{1, 1})
			unused := leaf(t, []int{1}, []float32{0})

			// Only rank 1 touches the second parameter.
			loss := tensor.Scale(used, float32(rank+1))
			if rank == 1 {
				extra := tensor.Scale(unused, 4)
				var catErr error
				loss, catErr = tensor.Concat(loss, extra)
				if catErr != nil {
					results[rank].err = catErr
					return
				}
			}
			_, err := e.Backward(context.Background(), loss, []*tensor.Tensor{used, unused})
			results[rank].err = err
			results[rank].used = used.Grad().Data
			if g := unused.Grad(); g != nil {
				results[rank].unused = g.Data
			}
		}(rank, m)
	}
	wg.Wait()

	for rank, r := range results {
		require.NoError(t, r.err, "rank %d", rank)
		require.Equal(t, []float32{1.5, 1.5}, r.used, "rank %d", rank)
		require.Equal(t, []float32{2}, r.unused, "rank %d", rank)
	}
}

func TestDetectDevice(t *testing.T) {
	d := DetectDevice()
	require.NotEmpty(t, d.Brand)
	require.Positive(t, d.LogicalCores)
	require.Contains(t, d.String(), "cpu(")
}
