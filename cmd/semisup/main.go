// Command semisup trains and evaluates semi-supervised classifiers with
// FixMatch or depict pseudo-labelling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tsawler/go-semisup/config"
	"github.com/tsawler/go-semisup/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// NewRootCommand returns the semisup command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "semisup",
		Short:         "Semi-supervised training with confidence-thresholded pseudo-labels",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "YAML configuration file")

	root.AddCommand(
		TrainCommand(),
		EvalCommand(),
		ConfigCommand(),
	)
	return root
}

// ConfigCommand prints the resolved configuration.
func ConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return config.Write(cfg, cmd.OutOrStdout())
		},
	}
	addRunFlags(cmd)
	return cmd
}

// addRunFlags registers the command-line overrides shared by train and
// config. Only flags set explicitly override the file and environment.
func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("dataset", "", "dataset: "+strings.Join(config.Datasets(), ", "))
	f.String("data-root", "", "directory holding the dataset files")
	f.Int("num-labeled", 0, "number of labeled training samples")
	f.Bool("expand-labels", false, "repeat labeled samples to fill an epoch")
	f.String("arch", "", "model architecture: "+strings.Join(models.Architectures(), ", "))
	f.String("classifier-type", "", "classifier head: stochastic or vanilla")
	f.Int("total-steps", 0, "number of optimization steps")
	f.Int("eval-step", 0, "steps per epoch")
	f.Int("batch-size", 0, "labeled batch size")
	f.Float64("lr", 0, "initial learning rate")
	f.Int("mu", 0, "unlabeled-to-labeled batch ratio")
	f.Float64("lambda-u", 0, "unsupervised loss weight")
	f.Float64("threshold", 0, "pseudo-label confidence threshold")
	f.String("method", "", "pseudo-label method: depict or fixmatch")
	f.Int("num-classifiers", 0, "stochastic classifier samples per pseudo-label")
	f.String("out", "", "output directory prefix")
	f.String("resume", "", "checkpoint to resume from")
	f.Int64("seed", 0, "random seed")
	f.Bool("amp", false, "train with fp16 loss scaling")
	f.Bool("no-progress", false, "disable progress bars")
	f.String("log-level", "", "debug, info, warn or error")
	f.Int("rank", 0, "rank of this process")
	f.Int("world-size", 0, "number of processes")
	f.String("coordinator", "", "address of the rank 0 coordinator")
}

// resolveConfig loads the file and environment, applies explicit flags and
// then the dataset preset.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return config.Config{}, err
	}
	if err := config.ApplyPreset(&cfg, cfg.Distributed.WorldSize); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && f.Lookup(name) != nil && f.Changed(name) {
			err = apply()
		}
	}
	str := func(name string, dst *string) {
		set(name, func() (e error) { *dst, e = f.GetString(name); return })
	}
	num := func(name string, dst *int) {
		set(name, func() (e error) { *dst, e = f.GetInt(name); return })
	}
	real := func(name string, dst *float64) {
		set(name, func() (e error) { *dst, e = f.GetFloat64(name); return })
	}
	flag := func(name string, dst *bool) {
		set(name, func() (e error) { *dst, e = f.GetBool(name); return })
	}

	str("dataset", &cfg.Dataset)
	str("data-root", &cfg.DataRoot)
	num("num-labeled", &cfg.NumLabeled)
	flag("expand-labels", &cfg.ExpandLabels)
	str("arch", &cfg.Arch)
	str("classifier-type", &cfg.ClassifierType)
	num("total-steps", &cfg.TotalSteps)
	num("eval-step", &cfg.EvalStep)
	num("batch-size", &cfg.BatchSize)
	real("lr", &cfg.LR)
	num("mu", &cfg.Mu)
	real("lambda-u", &cfg.LambdaU)
	real("threshold", &cfg.ConfidenceThreshold)
	str("method", &cfg.PseudoLabelMethod)
	num("num-classifiers", &cfg.NumClassifiers)
	str("out", &cfg.Out)
	str("resume", &cfg.Resume)
	set("seed", func() (e error) { cfg.Seed, e = f.GetInt64("seed"); return })
	flag("amp", &cfg.AMP)
	flag("no-progress", &cfg.NoProgress)
	str("log-level", &cfg.LogLevel)
	num("rank", &cfg.Distributed.Rank)
	num("world-size", &cfg.Distributed.WorldSize)
	str("coordinator", &cfg.Distributed.Coordinator)

	if err != nil {
		return fmt.Errorf("reading flags: %w", err)
	}
	return nil
}
