package training

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-semisup/tensor"
)

func TestRecordMaskMetrics(t *testing.T) {
	// labeled predictions: row 0 correct, row 1 wrong
	logitsX := tensor.MustNew([]int{2, 2}, []float32{1, 0, 1, 0})
	targetsX := []int{0, 1}

	tests := []struct {
		name       string
		mask       []float32
		targets    []int
		diagnostic []int

		wantMask       float64
		wantNoiseCount float64
		wantNoise      float64
		wantMislabeled float64
		wantEstm       float64
		wantEstmNum    float64
	}{
		{
			name:       "no confident rows",
			mask:       []float32{0, 0, 0, 0},
			targets:    []int{0, 1, 2, 2},
			diagnostic: []int{1, 1, 1, 1},
			wantMask:   0,
		},
		{
			name:           "partial mask",
			mask:           []float32{1, 1, 0, 1},
			targets:        []int{0, 1, 2, 2},
			diagnostic:     []int{0, 2, 0, 1},
			wantMask:       0.75,
			wantNoiseCount: 3,
			wantNoise:      2.0 / 3.0,
			wantMislabeled: 2,
			wantEstm:       0.5,
			wantEstmNum:    1.5,
		},
		{
			name:           "all confident and correct",
			mask:           []float32{1, 1, 1, 1},
			targets:        []int{0, 1, 2, 2},
			diagnostic:     []int{0, 1, 2, 2},
			wantMask:       1,
			wantNoiseCount: 4,
			wantNoise:      0,
			wantMislabeled: 0,
			wantEstm:       0.5,
			wantEstmNum:    2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &Trainer{}
			labels := &PseudoLabels{Mask: tt.mask, Targets: tt.targets}
			tr.recordMaskMetrics(labels, tt.diagnostic, logitsX, targetsX)

			m := tr.meters
			require.Equal(t, 1.0, m.maskProbs.Count)
			require.InDelta(t, tt.wantMask, m.maskProbs.Avg, 1e-9)

			if tt.wantNoiseCount == 0 {
				require.Zero(t, m.noiseRates.Count)
				require.Zero(t, m.mislabeledNums.Count)
				require.Zero(t, m.noiseRateEstms.Count)
				require.Zero(t, m.mislabeledNumEstms.Count)
				return
			}
			require.Equal(t, tt.wantNoiseCount, m.noiseRates.Count)
			require.InDelta(t, tt.wantNoise, m.noiseRates.Avg, 1e-9)
			require.InDelta(t, tt.wantMislabeled, m.mislabeledNums.Avg, 1e-9)
			require.InDelta(t, tt.wantEstm, m.noiseRateEstms.Avg, 1e-9)
			require.InDelta(t, tt.wantEstmNum, m.mislabeledNumEstms.Avg, 1e-9)
		})
	}
}
