package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/tsawler/go-semisup/checkpoints"
	"github.com/tsawler/go-semisup/config"
	"github.com/tsawler/go-semisup/dataset"
	"github.com/tsawler/go-semisup/models"
	"github.com/tsawler/go-semisup/training"
)

// EvalCommand returns the eval subcommand.
func EvalCommand() *cobra.Command {
	var (
		checkpointPath string
		live           bool
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a checkpoint on the test set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runEval(cmd.Context(), cfg, checkpointPath, !live, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "checkpoint file to evaluate")
	cmd.Flags().BoolVar(&live, "live", false, "evaluate the live weights even when the checkpoint has EMA weights")
	cmd.MarkFlagRequired("checkpoint")
	addRunFlags(cmd)
	return cmd
}

// loadPair builds the configured architecture and loads the checkpoint
// weights into it, preferring the EMA weights when useEMA is set and
// present.
func loadPair(cfg config.Config, c *checkpoints.Checkpoint, inputSize int, useEMA bool) (models.Pair, bool, error) {
	build, err := models.Lookup(cfg.Arch)
	if err != nil {
		return models.Pair{}, false, err
	}
	pair, err := build(cfg.ModelOptions(inputSize))
	if err != nil {
		return models.Pair{}, false, err
	}

	g, f := c.StateDictG, c.StateDictF
	fromEMA := useEMA && len(c.EMAStateDictG) > 0 && len(c.EMAStateDictF) > 0
	if fromEMA {
		g, f = c.EMAStateDictG, c.EMAStateDictF
	}
	if len(g) == 0 || len(f) == 0 {
		return models.Pair{}, false, errors.New("checkpoint has no model weights")
	}
	if err := checkpoints.LoadWeights(pair.G, g); err != nil {
		return models.Pair{}, false, fmt.Errorf("feature extractor: %w", err)
	}
	if err := checkpoints.LoadWeights(pair.F, f); err != nil {
		return models.Pair{}, false, fmt.Errorf("classifier: %w", err)
	}
	return pair, fromEMA, nil
}

func runEval(ctx context.Context, cfg config.Config, path string, useEMA bool, out io.Writer) error {
	c, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	src, err := dataset.Open(cfg.Dataset, cfg.DataRoot, cfg.DataSeed)
	if err != nil {
		return err
	}
	pair, fromEMA, err := loadPair(cfg, c, src.Train.Dim(), useEMA)
	if err != nil {
		return err
	}
	loader, err := training.NewDataLoader(src.Test, cfg.BatchSize)
	if err != nil {
		return err
	}
	res, err := training.Evaluate(ctx, loader, pair, nil)
	if err != nil {
		return err
	}

	weights := "live"
	if fromEMA {
		weights = "ema"
	}
	fmt.Fprintf(out, "checkpoint: %s (epoch %d, %s weights)\n", path, c.Epoch, weights)
	fmt.Fprintf(out, "samples: %d\n", res.Samples)
	fmt.Fprintf(out, "loss: %.4f\n", res.Loss)
	fmt.Fprintf(out, "top-1 acc: %.2f\n", res.Top1)
	fmt.Fprintf(out, "top-5 acc: %.2f\n", res.Top5)
	return nil
}
