// Package config loads the trainer configuration from defaults, an optional
// YAML file and SEMISUP_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nested keys: SEMISUP_DISTRIBUTED__WORLD_SIZE.
const EnvPrefix = "SEMISUP_"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Dataset      string `koanf:"dataset"`
	DataRoot     string `koanf:"data_root"`
	NumClasses   int    `koanf:"num_classes"`
	NumLabeled   int    `koanf:"num_labeled"`
	ExpandLabels bool   `koanf:"expand_labels"`
	// DataSeed fixes generated datasets so train and eval see the same one.
	DataSeed int64 `koanf:"data_seed"`

	Arch           string  `koanf:"arch"`
	ModelDepth     int     `koanf:"model_depth"`
	ModelWidth     int     `koanf:"model_width"`
	ClassifierType string  `koanf:"classifier_type"`
	InitLogSigma   float64 `koanf:"init_log_sigma"`

	TotalSteps int     `koanf:"total_steps"`
	EvalStep   int     `koanf:"eval_step"`
	StartEpoch int     `koanf:"start_epoch"`
	BatchSize  int     `koanf:"batch_size"`
	Prefetch   int     `koanf:"prefetch"` // batches loaded ahead; 0 disables
	LR         float64 `koanf:"lr"`
	Warmup     int     `koanf:"warmup"`
	WDecay     float64 `koanf:"wdecay"`
	Nesterov   bool    `koanf:"nesterov"`
	UseEMA     bool    `koanf:"use_ema"`
	EMADecay   float64 `koanf:"ema_decay"`

	Mu                  int     `koanf:"mu"`
	LambdaU             float64 `koanf:"lambda_u"`
	Temperature         float64 `koanf:"temperature"`
	RmAugS              bool    `koanf:"rm_aug_s"`
	PseudoLabelMethod   string  `koanf:"pseudo_label_method"`
	NumClassifiers      int     `koanf:"num_classifiers"`
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`

	Out              string `koanf:"out"`
	Resume           string `koanf:"resume"`
	Seed             int64  `koanf:"seed"` // negative means unseeded
	AMP              bool   `koanf:"amp"`
	OptLevel         string `koanf:"opt_level"`
	CheckpointFormat string `koanf:"checkpoint_format"`

	Distributed DistributedConfig `koanf:"distributed"`
	Sink        SinkConfig        `koanf:"sink"`

	NoProgress bool   `koanf:"no_progress"`
	LogLevel   string `koanf:"log_level"`
}

// DistributedConfig selects the process group. WorldSize 1 trains in a
// single process; otherwise rank 0 listens on Coordinator and the others
// dial it.
type DistributedConfig struct {
	Rank        int    `koanf:"rank"`
	WorldSize   int    `koanf:"world_size"`
	Coordinator string `koanf:"coordinator"`
	Timeout     string `koanf:"timeout"`
}

// SinkConfig enables metric outputs besides the log.
type SinkConfig struct {
	JSONL      bool   `koanf:"jsonl"`
	SidecarURL string `koanf:"sidecar_url"`
}

// Default is a depict run on the synthetic blobs with the usual FixMatch
// hyperparameters.
func Default() Config {
	return Config{
		Dataset:             "synthetic",
		NumClasses:          10,
		NumLabeled:          400,
		DataSeed:            1,
		Arch:                "mlp",
		ModelDepth:          2,
		ModelWidth:          128,
		ClassifierType:      "stochastic",
		InitLogSigma:        -5,
		TotalSteps:          1 << 20,
		EvalStep:            1024,
		BatchSize:           64,
		Prefetch:            2,
		LR:                  0.03,
		WDecay:              5e-4,
		Nesterov:            true,
		UseEMA:              true,
		EMADecay:            0.999,
		Mu:                  7,
		LambdaU:             1,
		Temperature:         1,
		PseudoLabelMethod:   "depict",
		NumClassifiers:      1,
		ConfidenceThreshold: 0.95,
		Out:                 "results/",
		Seed:                -1,
		OptLevel:            "O1",
		CheckpointFormat:    "json",
		Distributed: DistributedConfig{
			WorldSize:   1,
			Coordinator: "127.0.0.1:29500",
			Timeout:     "10m",
		},
		Sink:     SinkConfig{JSONL: true},
		LogLevel: "info",
	}
}

// Load reads defaults, then provider as YAML (if not nil), then the
// environment.
func Load(provider koanf.Provider) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("error loading defaults: %w", err)
	}
	if provider != nil {
		if err := k.Load(provider, yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("error loading config: %w", err)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("error loading env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return cfg, nil
}

// LoadFile is Load with a YAML file. An empty path loads defaults and the
// environment only.
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Load(nil)
	}
	if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("config file: %w", err)
	}
	return Load(file.Provider(path))
}

// Write marshals cfg as YAML.
func Write(cfg Config, w io.Writer) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	out, err := k.Marshal(yaml.Parser())
	if err != nil {
		return fmt.Errorf("error marshalling config: %w", err)
	}
	_, err = w.Write(out)
	return err
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate rejects values the trainer cannot run with.
func (c Config) Validate() error {
	switch {
	case c.NumClasses < 2:
		return invalid("num_classes must be at least 2, got %d", c.NumClasses)
	case c.NumLabeled <= 0:
		return invalid("num_labeled must be positive, got %d", c.NumLabeled)
	case c.BatchSize <= 0:
		return invalid("batch_size must be positive, got %d", c.BatchSize)
	case c.Mu < 1:
		return invalid("mu must be at least 1, got %d", c.Mu)
	case c.EvalStep <= 0:
		return invalid("eval_step must be positive, got %d", c.EvalStep)
	case c.TotalSteps <= 0:
		return invalid("total_steps must be positive, got %d", c.TotalSteps)
	case c.Prefetch < 0:
		return invalid("prefetch cannot be negative, got %d", c.Prefetch)
	case c.StartEpoch < 0:
		return invalid("start_epoch cannot be negative, got %d", c.StartEpoch)
	case c.LR < 0:
		return invalid("lr cannot be negative, got %g", c.LR)
	case c.Warmup < 0:
		return invalid("warmup cannot be negative, got %d", c.Warmup)
	case c.WDecay < 0:
		return invalid("wdecay cannot be negative, got %g", c.WDecay)
	case c.EMADecay < 0 || c.EMADecay > 1:
		return invalid("ema_decay must be in [0, 1], got %g", c.EMADecay)
	case c.Temperature <= 0:
		return invalid("temperature must be positive, got %g", c.Temperature)
	case c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1:
		return invalid("confidence_threshold must be in [0, 1], got %g", c.ConfidenceThreshold)
	case c.NumClassifiers < 1:
		return invalid("num_classifiers must be at least 1, got %d", c.NumClassifiers)
	case c.ModelDepth < 1 || c.ModelWidth < 1:
		return invalid("model depth and width must be positive, got %d and %d", c.ModelDepth, c.ModelWidth)
	}

	switch c.PseudoLabelMethod {
	case "depict", "fixmatch":
	default:
		return invalid("unknown pseudo_label_method %q", c.PseudoLabelMethod)
	}
	switch c.ClassifierType {
	case "stochastic", "vanilla":
	default:
		return invalid("unknown classifier_type %q", c.ClassifierType)
	}
	switch c.OptLevel {
	case "O0", "O1", "O2", "O3":
	default:
		return invalid("unknown opt_level %q", c.OptLevel)
	}
	switch strings.ToLower(c.CheckpointFormat) {
	case "json", "pb", "proto", "protobuf":
	default:
		return invalid("unknown checkpoint_format %q", c.CheckpointFormat)
	}

	d := c.Distributed
	if d.WorldSize < 1 {
		return invalid("distributed.world_size must be at least 1, got %d", d.WorldSize)
	}
	if d.Rank < 0 || d.Rank >= d.WorldSize {
		return invalid("distributed.rank %d outside world of %d", d.Rank, d.WorldSize)
	}
	if d.WorldSize > 1 && d.Coordinator == "" {
		return invalid("distributed.coordinator is required when world_size > 1")
	}
	if _, err := c.Distributed.TimeoutDuration(); err != nil {
		return invalid("distributed.timeout: %v", err)
	}
	return nil
}

// TimeoutDuration parses Timeout; empty means no timeout.
func (d DistributedConfig) TimeoutDuration() (time.Duration, error) {
	if d.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(d.Timeout)
}

// Seeded reports whether an explicit seed was configured.
func (c Config) Seeded() bool { return c.Seed >= 0 }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// OutputDir names the run directory after the dataset, label count and the
// main hyperparameters, e.g.
// results/synthetic@400/pseudo_label_method-depict_num_f-1_conf_thred-0.95_..._seed-None.
func (c Config) OutputDir() string {
	seed := "None"
	if c.Seeded() {
		seed = strconv.FormatInt(c.Seed, 10)
	}
	run := strings.Join([]string{
		"pseudo_label_method-" + c.PseudoLabelMethod,
		"num_f-" + strconv.Itoa(c.NumClassifiers),
		"conf_thred-" + formatFloat(c.ConfidenceThreshold),
		"lam_u-" + formatFloat(c.LambdaU),
		"mu-" + strconv.Itoa(c.Mu),
		"lr-" + formatFloat(c.LR),
		"arch-" + c.Arch,
		"classifier_type-" + c.ClassifierType,
		"seed-" + seed,
	}, "_")
	return filepath.Join(c.Out+c.Dataset+"@"+strconv.Itoa(c.NumLabeled), run)
}
