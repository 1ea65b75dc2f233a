package training

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-semisup/checkpoints"
	"github.com/tsawler/go-semisup/dataset"
	"github.com/tsawler/go-semisup/distributed"
	"github.com/tsawler/go-semisup/engine"
	"github.com/tsawler/go-semisup/layers"
	"github.com/tsawler/go-semisup/models"
	"github.com/tsawler/go-semisup/optimizer"
	"github.com/tsawler/go-semisup/tensor"
)

func testConfig() Config {
	return Config{
		BatchSize:      4,
		Mu:             2,
		LambdaU:        1,
		Temperature:    1,
		Threshold:      0.95,
		NumClassifiers: 1,
		Method:         MethodFixMatch,
		UseEMA:         true,
		EMADecay:       0.999,
		TotalSteps:     6,
		EvalStep:       3,
		WarmupEpochs:   0,
		Schedule:       ScheduleCosine,
		Description:    "test",
	}
}

type testRun struct {
	trainer *Trainer
	opt     *optimizer.SGD
	pair    models.Pair
	test    *dataset.InMemory
}

// newTestRun wires a 3-class blob problem with a small MLP.
func newTestRun(t *testing.T, cfg Config, classifierType string, seed int64, deps Dependencies) testRun {
	t.Helper()
	train, test, err := dataset.Blobs(dataset.BlobConfig{
		NumClasses: 3, Dim: 6, TrainSize: 48, TestSize: 9, Separation: 3, Spread: 1, Seed: 1,
	})
	require.NoError(t, err)

	layers.SetRandomSeed(seed)
	pair, err := models.BuildMLP(models.Options{
		InputSize: 6, NumClasses: 3, Width: 8, Depth: 1, ClassifierType: classifierType, InitLogSigma: -3,
	})
	require.NoError(t, err)

	opt, err := optimizer.NewSGD(optimizer.SGDConfig{LearningRate: 0.03, Momentum: 0.9, Nesterov: true},
		optimizer.DecayGroups(5e-4, pair.G, pair.F))
	require.NoError(t, err)

	labeled, err := NewCyclicLoader(train, cfg.BatchSize, SamplerConfig{Shuffle: true, Seed: seed})
	require.NoError(t, err)
	views := dataset.NewTwoViews(train, dataset.Identity{}, dataset.Weak{Noise: 0.1}, seed)
	unlabeled, err := NewCyclicUnlabeledLoader(views, cfg.BatchSize*cfg.Mu, SamplerConfig{Shuffle: true, Seed: seed + 1})
	require.NoError(t, err)
	testLoader, err := NewDataLoader(test, 4)
	require.NoError(t, err)

	deps.Pair = pair
	deps.Optimizer = opt
	deps.Labeled = labeled
	deps.Unlabeled = unlabeled
	deps.Test = testLoader
	trainer, err := New(cfg, deps)
	require.NoError(t, err)
	return testRun{trainer: trainer, opt: opt, pair: pair, test: test}
}

func allParams(pair models.Pair) []*tensor.Tensor {
	return append(layers.Parameters(pair.G), layers.Parameters(pair.F)...)
}

func snapshot(params []*tensor.Tensor) [][]float32 {
	out := make([][]float32, len(params))
	for i, p := range params {
		out[i] = append([]float32(nil), p.Data...)
	}
	return out
}

func TestTrainStepEndToEnd(t *testing.T) {
	for _, method := range []string{MethodFixMatch, MethodDepict} {
		t.Run(method, func(t *testing.T) {
			cfg := testConfig()
			cfg.Method = method
			run := newTestRun(t, cfg, models.ClassifierVanilla, 7, Dependencies{})

			before := snapshot(allParams(run.pair))
			res, err := run.trainer.TrainStep(context.Background())
			require.NoError(t, err)

			if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
				t.Fatalf("Expected finite loss, got %f", res.Loss)
			}
			if math.Abs(res.Loss-(res.LossX+cfg.LambdaU*res.LossU)) > 1e-5 {
				t.Errorf("Loss %f != Lx %f + Lu %f", res.Loss, res.LossX, res.LossU)
			}
			if res.Skipped {
				t.Error("fp32 steps should never be skipped")
			}
			for _, p := range allParams(run.pair) {
				if p.Grad() != nil {
					t.Fatal("Gradients should be zeroed after a step")
				}
			}

			changed := false
			for i, p := range allParams(run.pair) {
				for j, v := range p.Data {
					if v != before[i][j] {
						changed = true
					}
				}
			}
			if !changed {
				t.Error("Optimizer step did not change any parameter")
			}
			if run.trainer.Scheduler().LastStep() != 1 {
				t.Errorf("Expected scheduler step 1, got %d", run.trainer.Scheduler().LastStep())
			}
			if run.trainer.meters.losses.Count != 1 || run.trainer.meters.maskProbs.Count != 1 {
				t.Errorf("Meters not updated: %+v", run.trainer.meters)
			}
		})
	}
}

func TestTrainStepStochasticHeadWithSeveralClassifiers(t *testing.T) {
	cfg := testConfig()
	cfg.Method = MethodDepict
	cfg.NumClassifiers = 4
	cfg.Threshold = 0
	cfg.UnsupervisedOnWeak = true
	run := newTestRun(t, cfg, models.ClassifierStochastic, 5, Dependencies{})

	res, err := run.trainer.TrainStep(context.Background())
	require.NoError(t, err)
	require.False(t, math.IsNaN(res.Loss))
	// threshold 0 keeps every pseudo-label
	require.Equal(t, 1.0, res.MaskRate)
	require.Equal(t, 1.0, run.trainer.meters.noiseRates.Count/float64(cfg.BatchSize*cfg.Mu))
}

func TestTrainStepRejectsNonFiniteLoss(t *testing.T) {
	run := newTestRun(t, testConfig(), models.ClassifierVanilla, 3, Dependencies{})
	run.pair.F.NamedParameters()[0].Tensor.Data[0] = float32(math.NaN())

	_, err := run.trainer.TrainStep(context.Background())
	if !errors.Is(err, ErrNonFiniteLoss) {
		t.Fatalf("Expected ErrNonFiniteLoss, got %v", err)
	}
	for _, p := range allParams(run.pair) {
		if p.Grad() != nil {
			t.Fatal("Gradients should be zeroed after a failed step")
		}
	}
}

func TestTrainStepSkipsOverflowedUpdate(t *testing.T) {
	scaler, err := engine.NewLossScaler(engine.LossScalerConfig{
		InitScale: 1e30, GrowthFactor: 2, BackoffFactor: 0.5, GrowthInterval: 100, MinScale: 1,
	})
	require.NoError(t, err)
	cfg := testConfig()
	cfg.UseEMA = false
	run := newTestRun(t, cfg, models.ClassifierVanilla, 3, Dependencies{Engine: engine.New(scaler, nil)})

	before := snapshot(allParams(run.pair))
	lrBefore := run.trainer.Scheduler().LastLR()[0]
	res, err := run.trainer.TrainStep(context.Background())
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, before, snapshot(allParams(run.pair)))
	// the scheduler advances even when the update is dropped
	require.Equal(t, 1, run.trainer.Scheduler().LastStep())
	require.NotEqual(t, lrBefore, 0.0)
	require.Less(t, scaler.LossScale(), float32(1e30))
}

func TestFitWritesScalarsAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoints.NewStore(dir, checkpoints.FormatJSON)
	require.NoError(t, err)
	sink := NewMemorySink()

	cfg := testConfig()
	run := newTestRun(t, cfg, models.ClassifierVanilla, 11, Dependencies{Store: store, Sink: sink, RunID: "run-42"})
	require.NoError(t, run.trainer.Fit(context.Background()))

	for _, tag := range []string{
		TagTrainLoss, TagTrainLossX, TagTrainLossU, TagMask, TagNoiseRate, TagMislabeledNum,
		TagNoiseRateEstm, TagMislabeledNumEstm, TagTestAcc, TagTestLoss,
	} {
		require.Len(t, sink.Values(tag), cfg.Epochs(), "tag %s", tag)
	}

	accs := sink.Values(TagTestAcc)
	best := math.Max(accs[0], accs[1])
	require.Equal(t, best, run.trainer.BestAcc())

	latest, err := store.LoadLatest()
	require.NoError(t, err)
	require.Equal(t, 2, latest.Epoch)
	require.Equal(t, accs[1], latest.Acc)
	require.Equal(t, best, latest.BestAcc)
	require.Equal(t, cfg.TotalSteps, latest.Scheduler.LastStep)
	require.NotEmpty(t, latest.EMAStateDictG)
	require.NotNil(t, latest.Optimizer)
	require.Equal(t, "run-42", latest.Metadata.RunID)

	if best > 0 {
		_, err := os.Stat(store.BestPath())
		require.NoError(t, err)
	}
}

func TestCheckpointRoundTripReproducesNextStep(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoints.NewStore(dir, checkpoints.FormatProto)
	require.NoError(t, err)

	cfg := testConfig()
	a := newTestRun(t, cfg, models.ClassifierVanilla, 13, Dependencies{})
	for i := 0; i < 3; i++ {
		_, err := a.trainer.TrainStep(context.Background())
		require.NoError(t, err)
	}
	c, err := a.trainer.Checkpoint(1, 50)
	require.NoError(t, err)
	require.NoError(t, store.Save(c, false))

	loaded, err := store.LoadLatest()
	require.NoError(t, err)
	b := newTestRun(t, cfg, models.ClassifierVanilla, 99, Dependencies{})
	require.NoError(t, b.trainer.Restore(loaded))

	require.Equal(t, 1, b.trainer.StartEpoch())
	require.Equal(t, a.trainer.Scheduler().LastStep(), b.trainer.Scheduler().LastStep())
	require.Equal(t, a.trainer.Scheduler().Multiplier(), b.trainer.Scheduler().Multiplier())
	require.Equal(t, snapshot(allParams(a.pair)), snapshot(allParams(b.pair)))

	stateA, err := a.opt.GetState()
	require.NoError(t, err)
	stateB, err := b.opt.GetState()
	require.NoError(t, err)
	require.Equal(t, stateA.StateData, stateB.StateData)

	// identical gradients must produce identical updates
	pa, pb := allParams(a.pair), allParams(b.pair)
	for i := range pa {
		g := make([]float32, pa[i].NumElems)
		for j := range g {
			g[j] = float32(j%5) * 0.01
		}
		pa[i].SetGrad(tensor.MustNew(pa[i].Shape, append([]float32(nil), g...)))
		pb[i].SetGrad(tensor.MustNew(pb[i].Shape, g))
	}
	require.NoError(t, a.opt.Step())
	require.NoError(t, b.opt.Step())
	a.trainer.Scheduler().Step()
	b.trainer.Scheduler().Step()
	require.Equal(t, snapshot(pa), snapshot(pb))
	require.Equal(t, a.trainer.Scheduler().LastLR(), b.trainer.Scheduler().LastLR())

	shadowA := checkpoints.ExtractWeights(a.trainer.EMA().G.Module())
	shadowB := checkpoints.ExtractWeights(b.trainer.EMA().G.Module())
	require.Equal(t, shadowA, shadowB)
}

func TestTrainStepDistributedDepictSampledClassifiers(t *testing.T) {
	members, err := distributed.NewLocalGroup(2)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Method = MethodDepict
	cfg.NumClassifiers = 3
	cfg.Threshold = 0.5
	runs := make([]testRun, len(members))
	for rank, m := range members {
		runs[rank] = newTestRun(t, cfg, models.ClassifierStochastic, 31, Dependencies{Engine: engine.New(nil, m)})
	}
	initial := snapshot(allParams(runs[0].pair))
	require.Equal(t, initial, snapshot(allParams(runs[1].pair)))

	type outcome struct {
		losses []float64
		err    error
	}
	results := make(chan outcome, len(runs))
	for _, run := range runs {
		go func(tr *Trainer) {
			var o outcome
			for i := 0; i < 3; i++ {
				res, err := tr.TrainStep(context.Background())
				if err != nil {
					o.err = err
					break
				}
				o.losses = append(o.losses, res.Loss)
			}
			results <- o
		}(run.trainer)
	}
	for range runs {
		o := <-results
		require.NoError(t, o.err)
		for _, l := range o.losses {
			require.False(t, math.IsNaN(l) || math.IsInf(l, 0))
		}
	}

	// both ranks apply the same averaged gradients
	after := snapshot(allParams(runs[0].pair))
	require.Equal(t, after, snapshot(allParams(runs[1].pair)))
	gFirst := layers.Parameters(runs[0].pair.G)[0].Data
	require.NotEqual(t, initial[0], gFirst, "feature extractor should be updated")
}

func TestFitDistributedMainRankOnly(t *testing.T) {
	members, err := distributed.NewLocalGroup(2)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := testConfig()
	cfg.TotalSteps = 2
	cfg.EvalStep = 2
	errs := make(chan error, 2)
	sinks := []*MemorySink{NewMemorySink(), NewMemorySink()}
	for rank, m := range members {
		store, err := checkpoints.NewStore(dir, checkpoints.FormatJSON)
		require.NoError(t, err)
		run := newTestRun(t, cfg, models.ClassifierVanilla, 21, Dependencies{
			Engine: engine.New(nil, m),
			Store:  store,
			Sink:   sinks[rank],
		})
		go func() { errs <- run.trainer.Fit(context.Background()) }()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	require.Len(t, sinks[0].Values(TagTestAcc), 1)
	require.Empty(t, sinks[1].Tags())
}

func TestConfigValidateAndEpochs(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 2, cfg.Epochs())

	cfg.TotalSteps = 7
	require.Equal(t, 3, cfg.Epochs())

	bad := []func(c *Config){
		func(c *Config) { c.BatchSize = 0 },
		func(c *Config) { c.Mu = 0 },
		func(c *Config) { c.Threshold = 1.5 },
		func(c *Config) { c.NumClassifiers = 0 },
		func(c *Config) { c.Temperature = 0 },
		func(c *Config) { c.EMADecay = -1 },
	}
	for i, mutate := range bad {
		c := testConfig()
		mutate(&c)
		require.Error(t, c.Validate(), "case %d", i)
	}

	_, err := New(testConfig(), Dependencies{})
	require.Error(t, err)
}

// stateless wraps an optimizer whose state cannot be captured.
type stateless struct{ optimizer.Optimizer }

var errNoState = errors.New("state unavailable")

func (stateless) GetState() (*optimizer.OptimizerState, error) { return nil, errNoState }

func TestCheckpointRequiresOptimizerState(t *testing.T) {
	cfg := testConfig()
	run := newTestRun(t, cfg, models.ClassifierVanilla, 17, Dependencies{})

	c, err := run.trainer.Checkpoint(1, 10)
	require.NoError(t, err)
	require.NotNil(t, c.Optimizer)

	broken, err := New(cfg, Dependencies{
		Pair:      run.pair,
		Optimizer: stateless{run.opt},
		Labeled:   run.trainer.labeled,
		Unlabeled: run.trainer.unlabeled,
	})
	require.NoError(t, err)
	_, err = broken.Checkpoint(1, 10)
	require.ErrorIs(t, err, errNoState)

	// a checkpoint without optimizer state cannot be resumed
	c.Optimizer = nil
	other := newTestRun(t, cfg, models.ClassifierVanilla, 19, Dependencies{})
	require.Error(t, other.trainer.Restore(c))
}

func TestFitFailsWhenCheckpointIncomplete(t *testing.T) {
	store, err := checkpoints.NewStore(t.TempDir(), checkpoints.FormatJSON)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.TotalSteps = 1
	cfg.EvalStep = 1
	run := newTestRun(t, cfg, models.ClassifierVanilla, 23, Dependencies{})

	trainer, err := New(cfg, Dependencies{
		Pair:      run.pair,
		Optimizer: stateless{run.opt},
		Labeled:   run.trainer.labeled,
		Unlabeled: run.trainer.unlabeled,
		Test:      run.trainer.test,
		Store:     store,
	})
	require.NoError(t, err)
	require.ErrorIs(t, trainer.Fit(context.Background()), errNoState)

	_, err = store.LoadLatest()
	require.Error(t, err, "no checkpoint should be written without optimizer state")
}
