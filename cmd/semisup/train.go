package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tsawler/go-semisup/async"
	"github.com/tsawler/go-semisup/checkpoints"
	"github.com/tsawler/go-semisup/config"
	"github.com/tsawler/go-semisup/dataset"
	"github.com/tsawler/go-semisup/distributed"
	"github.com/tsawler/go-semisup/engine"
	"github.com/tsawler/go-semisup/layers"
	"github.com/tsawler/go-semisup/logging"
	"github.com/tsawler/go-semisup/models"
	"github.com/tsawler/go-semisup/optimizer"
	"github.com/tsawler/go-semisup/training"
)

// maxSharedSeed keeps seeds exactly representable when rank 0 shares one
// over a float32 collective.
const maxSharedSeed = 1 << 24

// TrainCommand returns the train subcommand.
func TrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on labeled and unlabeled data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
	addRunFlags(cmd)
	return cmd
}

// newCollective joins the process group described by cfg.
func newCollective(ctx context.Context, cfg config.DistributedConfig) (distributed.Collective, error) {
	if cfg.WorldSize <= 1 {
		return distributed.Local{}, nil
	}
	group, err := distributed.NewGRPCGroup(distributed.GRPCConfig{
		Rank:      cfg.Rank,
		WorldSize: cfg.WorldSize,
		Address:   cfg.Coordinator,
	})
	if err != nil {
		return nil, fmt.Errorf("joining process group: %w", err)
	}
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		group.Close()
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := group.Barrier(ctx); err != nil {
		group.Close()
		return nil, fmt.Errorf("waiting for %d ranks: %w", cfg.WorldSize, err)
	}
	return group, nil
}

// sharedSeed returns the configured seed, or a fresh one picked by rank 0
// so every rank initializes identical weights.
func sharedSeed(ctx context.Context, cfg config.Config, eng *engine.Engine) (int64, error) {
	if cfg.Seeded() {
		return cfg.Seed, nil
	}
	seed := time.Now().UnixNano() % maxSharedSeed
	if !eng.Distributed() {
		return seed, nil
	}
	all, err := eng.AllGather(ctx, []float32{float32(seed)})
	if err != nil {
		return 0, fmt.Errorf("sharing seed: %w", err)
	}
	return int64(all[0]), nil
}

// prefetch runs src ahead of the trainer when depth is positive. The
// returned stop function is always safe to call.
func prefetch[T any](ctx context.Context, src async.Source[T], depth int) (async.Source[T], func(), error) {
	if depth <= 0 {
		return src, func() {}, nil
	}
	dl, err := async.NewDataLoader(src, async.DataLoaderConfig{PrefetchDepth: depth})
	if err != nil {
		return nil, nil, err
	}
	if err := dl.Start(ctx); err != nil {
		return nil, nil, err
	}
	return dl, dl.Stop, nil
}

// runDir is the directory a run writes to. Resumed runs continue in the
// checkpoint's directory.
func runDir(cfg config.Config) string {
	if cfg.Resume != "" {
		return filepath.Dir(cfg.Resume)
	}
	return cfg.OutputDir()
}

func runTrain(ctx context.Context, cfg config.Config, stderr io.Writer) (err error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.Resume != "" {
		if _, err := os.Stat(cfg.Resume); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no checkpoint found at %s: %w", cfg.Resume, checkpoints.ErrNotFound)
			}
			return fmt.Errorf("checking resume checkpoint: %w", err)
		}
	}
	rank := cfg.Distributed.Rank
	isMain := rank == 0
	outDir := runDir(cfg)

	logOut := stderr
	if isMain {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		w, closer, err := logging.OpenLogFile(filepath.Join(outDir, "log.txt"))
		if err != nil {
			return err
		}
		defer closer.Close()
		logOut = w
	}
	logging.Setup(logOut, level, rank)

	coll, err := newCollective(ctx, cfg.Distributed)
	if err != nil {
		return err
	}
	precision, err := engine.NewPrecision(cfg.AMP, cfg.OptLevel)
	if err != nil {
		return err
	}
	eng := engine.New(precision, coll)
	defer eng.Close()

	logging.Warn("Process started", logging.Distributed,
		"rank", eng.Rank(), "world_size", eng.WorldSize(), "device", eng.Device().String(),
		"distributed", eng.Distributed(), "precision", precision.Name())

	seed, err := sharedSeed(ctx, cfg, eng)
	if err != nil {
		return err
	}
	layers.SetRandomSeed(seed)
	logging.Info("Configuration", logging.Config, "out", outDir, "seed", seed,
		"dataset", cfg.Dataset, "method", cfg.PseudoLabelMethod, "classifier", cfg.ClassifierType)

	src, err := dataset.Open(cfg.Dataset, cfg.DataRoot, cfg.DataSeed)
	if err != nil {
		return err
	}
	if got := src.Train.NumClasses(); got != cfg.NumClasses {
		return fmt.Errorf("dataset %s has %d classes, configuration expects %d", cfg.Dataset, got, cfg.NumClasses)
	}
	cols, err := src.Split(dataset.SplitOptions{
		NumLabeled:   cfg.NumLabeled,
		ExpandLabels: cfg.ExpandLabels,
		BatchSize:    cfg.BatchSize,
		EvalStep:     cfg.EvalStep,
		Seed:         seed,
	})
	if err != nil {
		return err
	}
	logging.Info("Data split", logging.Data, "labeled", cols.Labeled.Len(),
		"unlabeled", cols.Unlabeled.Len(), "test", cols.Test.Len())
	logging.Debug("Class distribution", logging.Data, "train", src.Train.ClassDistribution())

	build, err := models.Lookup(cfg.Arch)
	if err != nil {
		return err
	}
	pair, err := build(cfg.ModelOptions(src.Train.Dim()))
	if err != nil {
		return err
	}
	if isMain {
		training.PrintArchitecture(logOut, pair)
	}

	opt, err := optimizer.NewSGD(cfg.SGDConfig(), optimizer.DecayGroups(float32(cfg.WDecay), pair.G, pair.F))
	if err != nil {
		return err
	}

	sampler := training.SamplerConfig{Shuffle: true, Seed: seed, Rank: eng.Rank(), WorldSize: eng.WorldSize()}
	labeled, err := training.NewCyclicLoader(cols.Labeled, cfg.BatchSize, sampler)
	if err != nil {
		return err
	}
	unlabeled, err := training.NewCyclicUnlabeledLoader(cols.Unlabeled, cfg.BatchSize*cfg.Mu, sampler)
	if err != nil {
		return err
	}
	test, err := training.NewDataLoader(cols.Test, cfg.BatchSize)
	if err != nil {
		return err
	}
	labeledSrc, stopLabeled, err := prefetch[*training.LabeledBatch](ctx, labeled, cfg.Prefetch)
	if err != nil {
		return err
	}
	defer stopLabeled()
	unlabeledSrc, stopUnlabeled, err := prefetch[*training.UnlabeledBatch](ctx, unlabeled, cfg.Prefetch)
	if err != nil {
		return err
	}
	defer stopUnlabeled()

	runID := uuid.NewString()
	deps := training.Dependencies{
		Pair:      pair,
		Optimizer: opt,
		Engine:    eng,
		Labeled:   labeledSrc,
		Unlabeled: unlabeledSrc,
		Test:      test,
		Progress:  stderr,
		RunID:     runID,
	}

	var sidecar *training.SidecarSink
	if isMain {
		format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
		if err != nil {
			return err
		}
		if deps.Store, err = checkpoints.NewStore(outDir, format); err != nil {
			return err
		}

		var sinks training.MultiSink
		if cfg.Sink.JSONL {
			jsonl, err := training.NewJSONLSink(filepath.Join(outDir, "scalars.jsonl"), runID)
			if err != nil {
				return err
			}
			sinks = append(sinks, jsonl)
		}
		if cfg.Sink.SidecarURL != "" {
			sc := training.DefaultPlottingServiceConfig()
			sc.BaseURL = cfg.Sink.SidecarURL
			service := training.NewPlottingService(sc)
			if err := service.CheckHealth(ctx); err != nil {
				logging.Warn("Plotting sidecar is not healthy", logging.Trainer, "url", sc.BaseURL, "error", err)
			}
			sidecar = training.NewSidecarSink(service, cfg.Arch)
			sinks = append(sinks, sidecar)
		}
		if len(sinks) > 0 {
			deps.Sink = sinks
			defer func() {
				if cerr := sinks.Close(); cerr != nil {
					err = errors.Join(err, cerr)
				}
			}()
		}
	}

	tc := cfg.TrainingConfig()
	trainer, err := training.New(tc, deps)
	if err != nil {
		return err
	}
	if sidecar != nil {
		lambda := tc.Schedule.Lambda(tc.WarmupEpochs, tc.Epochs(), tc.EvalStep)
		if err := sidecar.SendSchedule(ctx, lambda, cfg.LR, tc.Epochs()*tc.EvalStep); err != nil {
			logging.Warn("Failed to send learning rate schedule", logging.Trainer, "error", err)
		}
	}

	if cfg.Resume != "" {
		logging.Info("Resuming from checkpoint", logging.Checkpoint, "path", cfg.Resume)
		c, err := checkpoints.Load(cfg.Resume)
		if err != nil {
			return err
		}
		if err := trainer.Restore(c); err != nil {
			return fmt.Errorf("restoring %s: %w", cfg.Resume, err)
		}
	}

	if err := trainer.Fit(ctx); err != nil {
		return err
	}
	if isMain {
		logging.Info("Training finished", logging.Trainer, "best_top1", trainer.BestAcc(), "run_id", runID)
	}
	return nil
}
