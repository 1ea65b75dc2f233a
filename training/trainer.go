package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/tsawler/go-semisup/checkpoints"
	"github.com/tsawler/go-semisup/engine"
	"github.com/tsawler/go-semisup/logging"
	"github.com/tsawler/go-semisup/models"
	"github.com/tsawler/go-semisup/optimizer"
)

// accuracyWindow is the number of recent test accuracies averaged in the
// per-epoch summary.
const accuracyWindow = 20

// Config holds the hyperparameters of a training run.
type Config struct {
	BatchSize      int
	Mu             int     // unlabeled-to-labeled batch ratio
	LambdaU        float64 // unsupervised loss weight
	Temperature    float64
	Threshold      float64
	NumClassifiers int
	Method         string

	// UnsupervisedOnWeak applies the unsupervised loss to the weak view
	// instead of the strong one.
	UnsupervisedOnWeak bool

	UseEMA   bool
	EMADecay float64

	TotalSteps   int
	EvalStep     int
	StartEpoch   int
	WarmupEpochs int
	Schedule     ScheduleKind

	NoProgress  bool
	Description string
}

// Epochs returns the number of epochs needed to cover TotalSteps.
func (c Config) Epochs() int {
	if c.EvalStep <= 0 {
		return 0
	}
	return int(math.Ceil(float64(c.TotalSteps) / float64(c.EvalStep)))
}

// Validate checks the fields the trainer depends on.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.Mu < 1:
		return fmt.Errorf("mu must be at least 1, got %d", c.Mu)
	case c.EvalStep <= 0:
		return fmt.Errorf("eval step must be positive, got %d", c.EvalStep)
	case c.TotalSteps <= 0:
		return fmt.Errorf("total steps must be positive, got %d", c.TotalSteps)
	case c.Temperature <= 0:
		return fmt.Errorf("temperature must be positive, got %f", c.Temperature)
	case c.Threshold < 0 || c.Threshold > 1:
		return fmt.Errorf("confidence threshold must be in [0, 1], got %f", c.Threshold)
	case c.NumClassifiers < 1:
		return fmt.Errorf("number of classifiers must be at least 1, got %d", c.NumClassifiers)
	case c.UseEMA && (c.EMADecay < 0 || c.EMADecay > 1):
		return fmt.Errorf("ema decay must be in [0, 1], got %f", c.EMADecay)
	case c.StartEpoch < 0:
		return fmt.Errorf("start epoch cannot be negative, got %d", c.StartEpoch)
	}
	return nil
}

func (c Config) pseudoLabelConfig() PseudoLabelConfig {
	return PseudoLabelConfig{
		Temperature:    float32(c.Temperature),
		Threshold:      float32(c.Threshold),
		NumClassifiers: c.NumClassifiers,
	}
}

// LabeledSource yields labeled training batches without end.
type LabeledSource interface {
	Next() (*LabeledBatch, error)
}

// UnlabeledSource yields unlabeled training batches without end.
type UnlabeledSource interface {
	Next() (*UnlabeledBatch, error)
}

// Dependencies are the collaborators a Trainer drives. Store, Sink and
// Progress are optional.
type Dependencies struct {
	Pair      models.Pair
	Optimizer optimizer.Optimizer
	Engine    *engine.Engine
	Labeled   LabeledSource
	Unlabeled UnlabeledSource
	Test      *DataLoader
	Store     *checkpoints.Store
	Sink      ScalarSink
	Progress  io.Writer
	RunID     string
}

// Trainer runs semi-supervised training of a feature extractor and
// classifier pair.
type Trainer struct {
	cfg Config

	pair      models.Pair
	opt       optimizer.Optimizer
	sched     *LambdaLR
	engine    *engine.Engine
	ema       *PairEMA
	labeler   PseudoLabeler
	labeled   LabeledSource
	unlabeled UnlabeledSource
	test      *DataLoader
	store     *checkpoints.Store
	sink      ScalarSink
	progress  io.Writer
	runID     string

	meters     trainMeters
	bestAcc    float64
	startEpoch int
	testAccs   []float64
}

// New wires a trainer. The scheduler is attached to deps.Optimizer and
// applies the step-0 learning rate immediately.
func New(cfg Config, deps Dependencies) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Pair.G == nil || deps.Pair.F == nil {
		return nil, errors.New("trainer needs both a feature extractor and a classifier")
	}
	if deps.Optimizer == nil {
		return nil, errors.New("trainer needs an optimizer")
	}
	if deps.Labeled == nil || deps.Unlabeled == nil {
		return nil, errors.New("trainer needs labeled and unlabeled loaders")
	}
	eng := deps.Engine
	if eng == nil {
		eng = engine.New(nil, nil)
	}

	labeler, err := NewPseudoLabeler(cfg.Method, eng)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:        cfg,
		pair:       deps.Pair,
		opt:        deps.Optimizer,
		engine:     eng,
		labeler:    labeler,
		labeled:    deps.Labeled,
		unlabeled:  deps.Unlabeled,
		test:       deps.Test,
		store:      deps.Store,
		sink:       deps.Sink,
		progress:   deps.Progress,
		runID:      deps.RunID,
		startEpoch: cfg.StartEpoch,
	}
	if cfg.UseEMA {
		if t.ema, err = NewPairEMA(deps.Pair, cfg.EMADecay); err != nil {
			return nil, err
		}
	}
	t.sched = NewLambdaLR(deps.Optimizer, cfg.Schedule.Lambda(cfg.WarmupEpochs, cfg.Epochs(), cfg.EvalStep))
	return t, nil
}

// BestAcc returns the best test top-1 accuracy seen so far.
func (t *Trainer) BestAcc() float64 { return t.bestAcc }

// StartEpoch returns the epoch Fit begins from.
func (t *Trainer) StartEpoch() int { return t.startEpoch }

// Scheduler returns the learning-rate scheduler.
func (t *Trainer) Scheduler() *LambdaLR { return t.sched }

// EMA returns the shadow pair, or nil when EMA is disabled.
func (t *Trainer) EMA() *PairEMA { return t.ema }

// EvalPair is the pair evaluated after each epoch: the EMA shadows when
// enabled, otherwise the live models.
func (t *Trainer) EvalPair() models.Pair {
	if t.ema != nil {
		return t.ema.Pair()
	}
	return t.pair
}

func (t *Trainer) showProgress() bool {
	return t.progress != nil && !t.cfg.NoProgress && t.engine.IsMain()
}

// Fit trains from the start epoch to the last epoch. After every epoch the
// main process evaluates, reports scalars and writes a checkpoint.
func (t *Trainer) Fit(ctx context.Context) error {
	epochs := t.cfg.Epochs()
	t.meters = trainMeters{}

	if t.engine.IsMain() {
		logging.Info("***** Running training *****", logging.Trainer,
			"task", t.cfg.Description,
			"num_epochs", epochs,
			"start_epoch", t.startEpoch,
			"batch_size_per_rank", t.cfg.BatchSize,
			"total_train_batch_size", t.cfg.BatchSize*t.engine.WorldSize(),
			"total_optimization_steps", t.cfg.TotalSteps,
			"method", t.labeler.Name(),
			"schedule", t.cfg.Schedule,
			"precision", t.engine.Precision().Name(),
			"engine", t.engine)
	}

	for epoch := t.startEpoch; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		if err := t.trainEpoch(ctx, epoch, epochs); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch+1, err)
		}

		if t.engine.IsMain() {
			if err := t.endEpoch(ctx, epoch, time.Since(start)); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch+1, err)
			}
		}
		if t.engine.Distributed() {
			if err := t.engine.Barrier(ctx); err != nil {
				return fmt.Errorf("epoch %d barrier: %w", epoch+1, err)
			}
		}
	}
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch, epochs int) error {
	t.pair.Train()

	var bar *ProgressBar
	if t.showProgress() {
		bar = NewProgressBar(t.progress, fmt.Sprintf("Train Epoch: %d/%d", epoch+1, epochs), t.cfg.EvalStep)
	}
	for step := 0; step < t.cfg.EvalStep; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := t.TrainStep(ctx)
		if err != nil {
			return err
		}
		if res.Skipped {
			logging.Debug("Gradient overflow, optimizer step skipped", logging.Engine,
				"step", t.sched.LastStep(), "loss_scale", t.engine.Precision().LossScale())
		}
		if bar != nil {
			bar.Update(step+1, map[string]float64{
				"lr":     res.LR,
				"loss":   t.meters.losses.Avg,
				"loss_x": t.meters.lossesX.Avg,
				"loss_u": t.meters.lossesU.Avg,
				"mask":   t.meters.maskProbs.Avg,
			})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return nil
}

// endEpoch evaluates, reports and checkpoints. It runs on the main process only.
func (t *Trainer) endEpoch(ctx context.Context, epoch int, elapsed time.Duration) error {
	var acc float64
	if t.test != nil {
		var progress EvalProgress
		if t.showProgress() {
			progress = NewProgressBar(t.progress, "Test Iter", t.test.Len())
		}
		res, err := Evaluate(ctx, t.test, t.EvalPair(), progress)
		if err != nil {
			return err
		}
		logging.Info("Evaluation", logging.Trainer,
			"epoch", epoch+1, "top1", res.Top1, "top5", res.Top5, "loss", res.Loss)
		acc = res.Top1
		t.report(epoch, res)
	}

	isBest := acc > t.bestAcc
	t.bestAcc = math.Max(acc, t.bestAcc)

	if t.store != nil {
		c, err := t.Checkpoint(epoch+1, acc)
		if err != nil {
			return err
		}
		if err := t.store.Save(c, isBest); err != nil {
			return fmt.Errorf("saving checkpoint: %w", err)
		}
		logging.Debug("Checkpoint saved", logging.Checkpoint, "path", t.store.LatestPath(), "best", isBest)
	}

	t.testAccs = append(t.testAccs, acc)
	logging.Info("Epoch complete", logging.Trainer,
		"epoch", epoch+1,
		"best_top1", t.bestAcc,
		"mean_top1", RecentMean(t.testAccs, accuracyWindow),
		"elapsed", elapsed.Round(time.Millisecond))
	return nil
}

// report writes the epoch's scalars. Sink failures are logged, not fatal.
func (t *Trainer) report(epoch int, res EvalResult) {
	if t.sink == nil {
		return
	}
	scalars := []struct {
		tag   string
		value float64
	}{
		{TagTrainLoss, t.meters.losses.Avg},
		{TagTrainLossX, t.meters.lossesX.Avg},
		{TagTrainLossU, t.meters.lossesU.Avg},
		{TagMask, t.meters.maskProbs.Avg},
		{TagNoiseRate, t.meters.noiseRates.Avg},
		{TagMislabeledNum, t.meters.mislabeledNums.Avg},
		{TagNoiseRateEstm, t.meters.noiseRateEstms.Avg},
		{TagMislabeledNumEstm, t.meters.mislabeledNumEstms.Avg},
		{TagTestAcc, res.Top1},
		{TagTestLoss, res.Loss},
	}
	for _, s := range scalars {
		if err := t.sink.AddScalar(s.tag, s.value, epoch); err != nil {
			logging.Warn("Failed to record scalar", logging.Trainer, "tag", s.tag, "error", err)
		}
	}
	if err := t.sink.Flush(); err != nil {
		logging.Warn("Failed to flush metrics", logging.Trainer, "error", err)
	}
}

// Checkpoint snapshots the run after completedEpochs epochs.
func (t *Trainer) Checkpoint(completedEpochs int, acc float64) (*checkpoints.Checkpoint, error) {
	state, err := t.opt.GetState()
	if err != nil {
		return nil, fmt.Errorf("capturing optimizer state: %w", err)
	}
	c := &checkpoints.Checkpoint{
		Epoch:      completedEpochs,
		StateDictG: checkpoints.ExtractWeights(t.pair.G),
		StateDictF: checkpoints.ExtractWeights(t.pair.F),
		Acc:        acc,
		BestAcc:    t.bestAcc,
		Optimizer:  state,
		Scheduler:  t.sched.StateDict(),
		Metadata: checkpoints.CheckpointMetadata{
			Version:     "1.0",
			Framework:   "go-semisup",
			CreatedAt:   time.Now(),
			RunID:       t.runID,
			Description: t.cfg.Description,
			Tags:        []string{t.labeler.Name(), t.cfg.Schedule.String()},
		},
	}
	if t.ema != nil {
		c.EMAStateDictG = checkpoints.ExtractWeights(t.ema.G.Module())
		c.EMAStateDictF = checkpoints.ExtractWeights(t.ema.F.Module())
	}
	return c, nil
}

// Restore resumes from c: models, EMA shadows, optimizer, scheduler, best
// accuracy and start epoch.
func (t *Trainer) Restore(c *checkpoints.Checkpoint) error {
	if err := checkpoints.LoadWeights(t.pair.G, c.StateDictG); err != nil {
		return fmt.Errorf("restoring G: %w", err)
	}
	if err := checkpoints.LoadWeights(t.pair.F, c.StateDictF); err != nil {
		return fmt.Errorf("restoring F: %w", err)
	}
	if t.ema != nil {
		if len(c.EMAStateDictG) == 0 || len(c.EMAStateDictF) == 0 {
			return errors.New("checkpoint has no EMA state but EMA is enabled")
		}
		if err := checkpoints.LoadWeights(t.ema.G.Module(), c.EMAStateDictG); err != nil {
			return fmt.Errorf("restoring EMA G: %w", err)
		}
		if err := checkpoints.LoadWeights(t.ema.F.Module(), c.EMAStateDictF); err != nil {
			return fmt.Errorf("restoring EMA F: %w", err)
		}
	}
	if c.Optimizer == nil {
		return errors.New("checkpoint has no optimizer state")
	}
	if err := t.opt.LoadState(c.Optimizer); err != nil {
		return fmt.Errorf("restoring optimizer: %w", err)
	}
	if err := t.sched.LoadStateDict(c.Scheduler); err != nil {
		return fmt.Errorf("restoring scheduler: %w", err)
	}
	t.bestAcc = c.BestAcc
	t.startEpoch = c.Epoch
	logging.Info("Resumed", logging.Checkpoint,
		"epoch", c.Epoch, "best_acc", c.BestAcc, "step", c.Scheduler.LastStep)
	return nil
}
