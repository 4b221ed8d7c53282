package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/inferloop/fedsim/internal/federated"
	"github.com/inferloop/fedsim/internal/optim"
	"github.com/inferloop/fedsim/internal/params"
	"github.com/inferloop/fedsim/internal/residency"
	"github.com/inferloop/fedsim/internal/schedule"
	"github.com/inferloop/fedsim/internal/simulation"
	"github.com/inferloop/fedsim/internal/storage"
	"github.com/inferloop/fedsim/internal/storage/implementations/file"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
)

// Config is the resolved configuration of one simulation run
type Config struct {
	Algorithm  string            `mapstructure:"algorithm" yaml:"algorithm"`
	RunID      string            `mapstructure:"run_id" yaml:"run_id,omitempty"`
	Seed       uint64            `mapstructure:"seed" yaml:"seed"`
	OutputDir  string            `mapstructure:"output_dir" yaml:"output_dir"`
	Rounds     RoundsConfig      `mapstructure:"rounds" yaml:"rounds"`
	Local      LocalConfig       `mapstructure:"local" yaml:"local"`
	Server     ServerConfig      `mapstructure:"server" yaml:"server"`
	Scaffold   ScaffoldConfig    `mapstructure:"scaffold" yaml:"scaffold"`
	Device     residency.Config  `mapstructure:"device" yaml:"device"`
	Simulation simulation.Config `mapstructure:"simulation" yaml:"simulation"`
	Sinks      storage.Config    `mapstructure:"sinks" yaml:"sinks"`
	Metrics    MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging    LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// RoundsConfig controls selection and stopping
type RoundsConfig struct {
	// ClientsPerRound is -1 to train every partition each round
	ClientsPerRound int    `mapstructure:"clients_per_round" yaml:"clients_per_round"`
	LocalEpochs     int    `mapstructure:"local_epochs" yaml:"local_epochs"`
	StepBudget      int    `mapstructure:"step_budget" yaml:"step_budget"`
	MaxRounds       int    `mapstructure:"max_rounds" yaml:"max_rounds"`
	StopPolicy      string `mapstructure:"stop_policy" yaml:"stop_policy"`
}

// LocalConfig configures client-side optimization
type LocalConfig struct {
	Optimizer    string  `mapstructure:"optimizer" yaml:"optimizer"`
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	WeightDecay  float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
	Momentum     float64 `mapstructure:"momentum" yaml:"momentum"`
	BatchSize    int     `mapstructure:"batch_size" yaml:"batch_size"`
	GradClip     bool    `mapstructure:"grad_clip" yaml:"grad_clip"`
	MaxGradNorm  float64 `mapstructure:"max_grad_norm" yaml:"max_grad_norm"`
	DecayType    string  `mapstructure:"decay_type" yaml:"decay_type"`
	WarmupSteps  int     `mapstructure:"warmup_steps" yaml:"warmup_steps"`
	StepSize     int     `mapstructure:"step_size" yaml:"step_size"`
}

// ServerConfig configures the FedOpt server optimizer
type ServerConfig struct {
	Optimizer    string  `mapstructure:"optimizer" yaml:"optimizer"`
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	Momentum     float64 `mapstructure:"momentum" yaml:"momentum"`
	WeightDecay  float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
}

// ScaffoldConfig configures SCAFFOLD aggregation
type ScaffoldConfig struct {
	GlobalLR float64 `mapstructure:"global_lr" yaml:"global_lr"`
}

// MetricsConfig configures the status and metrics server
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("algorithm", constants.AlgorithmFedOpt)
	v.SetDefault("seed", constants.DefaultSeed)
	v.SetDefault("output_dir", constants.DefaultOutputDir)

	v.SetDefault("rounds.clients_per_round", constants.AllClients)
	v.SetDefault("rounds.local_epochs", constants.DefaultLocalEpochs)
	v.SetDefault("rounds.step_budget", 0)
	v.SetDefault("rounds.max_rounds", constants.DefaultMaxRounds)
	v.SetDefault("rounds.stop_policy", federated.StopLastClient.String())

	v.SetDefault("local.optimizer", "sgd")
	v.SetDefault("local.learning_rate", constants.DefaultLocalLR)
	v.SetDefault("local.weight_decay", 0.0)
	v.SetDefault("local.momentum", 0.0)
	v.SetDefault("local.batch_size", constants.DefaultBatchSize)
	v.SetDefault("local.grad_clip", true)
	v.SetDefault("local.max_grad_norm", constants.DefaultMaxGradNorm)
	v.SetDefault("local.decay_type", "cosine")
	v.SetDefault("local.warmup_steps", constants.DefaultWarmupSteps)
	v.SetDefault("local.step_size", constants.DefaultStepSize)

	v.SetDefault("server.optimizer", "sgd")
	v.SetDefault("server.learning_rate", constants.DefaultServerLR)
	v.SetDefault("server.momentum", constants.DefaultServerMomentum)
	v.SetDefault("server.weight_decay", 0.0)

	v.SetDefault("scaffold.global_lr", constants.DefaultScaffoldLR)

	v.SetDefault("device.compute_capacity_bytes", 0)

	v.SetDefault("simulation.partitions", 10)
	v.SetDefault("simulation.min_examples", 20)
	v.SetDefault("simulation.max_examples", 80)
	v.SetDefault("simulation.heterogeneity", 0.5)
	v.SetDefault("simulation.noise", 0.1)
	v.SetDefault("simulation.init_scale", 0.1)
	v.SetDefault("simulation.own_validation", false)
	v.SetDefault("simulation.eval_examples", 0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", constants.DefaultMetricsAddr)

	v.SetDefault("logging.level", constants.DefaultLogLevel)
	v.SetDefault("logging.format", constants.DefaultLogFormat)
}

// DefaultLayout is the parameter layout used when none is configured
func DefaultLayout() []params.Spec {
	return []params.Spec{
		{Name: "encoder.weight", Shape: []int{8, 4}},
		{Name: "encoder.bias", Shape: []int{8}},
		{Name: "head.weight", Shape: []int{2, 8}},
		{Name: "head.bias", Shape: []int{2}},
	}
}

// Load reads cfgFile (if set), the FEDSIM_ environment and the defaults
// registered on v, in increasing order of precedence: defaults, file,
// environment, flags bound to v.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig,
				fmt.Sprintf("error reading config file %s", cfgFile))
		}
	}

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig, "error unmarshaling config")
	}

	if len(config.Simulation.Layout) == 0 {
		config.Simulation.Layout = DefaultLayout()
	}

	if config.Sinks.File == nil && config.OutputDir != "" {
		config.Sinks.File = &file.FileSinkConfig{BasePath: config.OutputDir, CreateDirs: true}
	}

	return config, nil
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	ve := errors.NewValidationErrors()

	switch strings.ToLower(c.Algorithm) {
	case constants.AlgorithmFedOpt, constants.AlgorithmScaffold:
	default:
		ve.Add("algorithm", errors.CodeInvalidValue, "must be fedopt or scaffold", c.Algorithm)
	}

	if c.Rounds.ClientsPerRound != constants.AllClients &&
		(c.Rounds.ClientsPerRound <= 0 || c.Rounds.ClientsPerRound > c.Simulation.Partitions) {
		ve.Add("rounds.clients_per_round", errors.CodeOutOfRange,
			fmt.Sprintf("must be -1 or in [1, %d]", c.Simulation.Partitions), c.Rounds.ClientsPerRound)
	}
	if c.Rounds.LocalEpochs <= 0 {
		ve.Add("rounds.local_epochs", errors.CodeOutOfRange, "must be positive", c.Rounds.LocalEpochs)
	}
	if c.Rounds.StepBudget < 0 {
		ve.Add("rounds.step_budget", errors.CodeOutOfRange, "must not be negative", c.Rounds.StepBudget)
	}
	if c.Rounds.MaxRounds < 0 {
		ve.Add("rounds.max_rounds", errors.CodeOutOfRange, "must not be negative", c.Rounds.MaxRounds)
	}
	if c.Rounds.StepBudget == 0 && c.Rounds.MaxRounds == 0 {
		ve.Add("rounds.step_budget", errors.CodeMissingField, "step_budget or max_rounds is required", 0)
	}
	if _, err := federated.ParseStopPolicy(c.Rounds.StopPolicy); err != nil {
		ve.Add("rounds.stop_policy", errors.CodeInvalidValue, "must be last_client or all_clients", c.Rounds.StopPolicy)
	}

	if _, err := optim.ParseLocalKind(c.Local.Optimizer); err != nil {
		ve.Add("local.optimizer", errors.CodeInvalidValue, "must be sgd, adam or adamw", c.Local.Optimizer)
	}
	if c.Local.LearningRate <= 0 {
		ve.Add("local.learning_rate", errors.CodeOutOfRange, "must be positive", c.Local.LearningRate)
	}
	if c.Local.BatchSize <= 0 {
		ve.Add("local.batch_size", errors.CodeOutOfRange, "must be positive", c.Local.BatchSize)
	}
	if c.Local.GradClip && c.Local.MaxGradNorm <= 0 {
		ve.Add("local.max_grad_norm", errors.CodeOutOfRange, "must be positive when grad_clip is set", c.Local.MaxGradNorm)
	}
	if _, err := schedule.New(c.ScheduleConfig(1)); err != nil {
		ve.Add("local.decay_type", errors.CodeInvalidValue, err.Error(), c.Local.DecayType)
	}

	// an unknown server optimizer falls back with a warning
	if strings.EqualFold(c.Algorithm, constants.AlgorithmFedOpt) && c.Server.LearningRate <= 0 {
		ve.Add("server.learning_rate", errors.CodeOutOfRange, "must be positive", c.Server.LearningRate)
	}
	if strings.EqualFold(c.Algorithm, constants.AlgorithmScaffold) && c.Scaffold.GlobalLR <= 0 {
		ve.Add("scaffold.global_lr", errors.CodeOutOfRange, "must be positive", c.Scaffold.GlobalLR)
	}

	if c.Device.CapacityBytes < 0 {
		ve.Add("device.compute_capacity_bytes", errors.CodeOutOfRange, "must not be negative", c.Device.CapacityBytes)
	}

	if c.Simulation.Partitions <= 0 {
		ve.Add("simulation.partitions", errors.CodeOutOfRange, "must be positive", c.Simulation.Partitions)
	}
	if c.Simulation.MinExamples <= 0 || c.Simulation.MaxExamples < c.Simulation.MinExamples {
		ve.Add("simulation.min_examples", errors.CodeOutOfRange, "need 0 < min_examples <= max_examples",
			[]int{c.Simulation.MinExamples, c.Simulation.MaxExamples})
	}
	seen := make(map[string]bool, len(c.Simulation.Layout))
	for i, spec := range c.Simulation.Layout {
		switch {
		case spec.Name == "":
			ve.Add(fmt.Sprintf("simulation.layout[%d].name", i), errors.CodeMissingField, "parameter name is required", nil)
		case seen[spec.Name]:
			ve.Add(fmt.Sprintf("simulation.layout[%d].name", i), errors.CodeInvalidValue, "duplicate parameter name", spec.Name)
		}
		seen[spec.Name] = true
		for _, d := range spec.Shape {
			if d <= 0 {
				ve.Add(fmt.Sprintf("simulation.layout[%d].shape", i), errors.CodeOutOfRange,
					"every dimension must be positive", spec.Shape)
				break
			}
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		ve.Add("metrics.addr", errors.CodeMissingField, "required when metrics are enabled", c.Metrics.Addr)
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// StepBudget returns the configured per-client step budget, or
// max_rounds * local_epochs * ceil(mean_examples / batch_size) when unset.
func (c *Config) StepBudget() int {
	if c.Rounds.StepBudget > 0 {
		return c.Rounds.StepBudget
	}
	mean := float64(c.Simulation.MinExamples+c.Simulation.MaxExamples) / 2
	perEpoch := int(math.Ceil(mean / float64(c.Local.BatchSize)))
	return c.Rounds.MaxRounds * c.Rounds.LocalEpochs * perEpoch
}

// ScheduleConfig returns the per-client LR schedule over totalSteps
func (c *Config) ScheduleConfig(totalSteps int) schedule.Config {
	return schedule.Config{
		DecayType:   c.Local.DecayType,
		BaseLR:      c.Local.LearningRate,
		WarmupSteps: c.Local.WarmupSteps,
		TotalSteps:  totalSteps,
		StepSize:    c.Local.StepSize,
	}
}

// FederatedConfig builds the orchestrator configuration
func (c *Config) FederatedConfig(runID string) (federated.Config, error) {
	policy, err := federated.ParseStopPolicy(c.Rounds.StopPolicy)
	if err != nil {
		return federated.Config{}, err
	}
	kind, err := optim.ParseLocalKind(c.Local.Optimizer)
	if err != nil {
		return federated.Config{}, err
	}

	budget := c.StepBudget()
	return federated.Config{
		RunID:           runID,
		ClientsPerRound: c.Rounds.ClientsPerRound,
		LocalEpochs:     c.Rounds.LocalEpochs,
		MaxRounds:       c.Rounds.MaxRounds,
		StopPolicy:      policy,
		Seed:            c.Seed,
		Local: federated.LocalConfig{
			Optimizer: optim.Config{
				Kind:         kind,
				LearningRate: c.Local.LearningRate,
				Momentum:     c.Local.Momentum,
				WeightDecay:  c.Local.WeightDecay,
			},
			Schedule:   c.ScheduleConfig(budget),
			StepBudget: budget,
		},
	}, nil
}

// StrategyConfig builds the aggregation strategy configuration
func (c *Config) StrategyConfig() federated.StrategyConfig {
	return federated.StrategyConfig{
		Algorithm:         c.Algorithm,
		ServerOptimizer:   c.Server.Optimizer,
		ServerLR:          c.Server.LearningRate,
		ServerMomentum:    c.Server.Momentum,
		ServerWeightDecay: c.Server.WeightDecay,
		GlobalLR:          c.Scaffold.GlobalLR,
		LocalEpochs:       c.Rounds.LocalEpochs,
		LocalLR:           c.Local.LearningRate,
	}
}

// TrainerConfig builds the reference trainer configuration
func (c *Config) TrainerConfig() simulation.TrainerConfig {
	return simulation.TrainerConfig{
		BatchSize:   c.Local.BatchSize,
		GradClip:    c.Local.GradClip,
		MaxGradNorm: c.Local.MaxGradNorm,
		Seed:        c.Seed,
	}
}

// WriteResolved dumps the configuration as YAML into dir
func (c *Config) WriteResolved(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("error creating output directory %s", dir))
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "error encoding config")
	}

	path := filepath.Join(dir, constants.ResolvedConfig)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("error writing %s", path))
	}
	return path, nil
}
