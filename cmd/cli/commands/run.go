package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/fedsim/cmd/cli/config"
	"github.com/inferloop/fedsim/internal/federated"
	"github.com/inferloop/fedsim/internal/observability/metrics"
	"github.com/inferloop/fedsim/internal/residency"
	"github.com/inferloop/fedsim/internal/server"
	"github.com/inferloop/fedsim/internal/simulation"
	"github.com/inferloop/fedsim/internal/storage"
	"github.com/inferloop/fedsim/pkg/errors"
)

// RunOptions are the flags of the run command
type RunOptions struct {
	Algorithm       string
	OutputDir       string
	MaxRounds       int
	ClientsPerRound int
	Seed            uint64
	Metrics         bool
	MetricsAddr     string
}

// flag name per config key
var runBindings = map[string]string{
	"algorithm":                "algorithm",
	"output_dir":               "output-dir",
	"rounds.max_rounds":        "max-rounds",
	"rounds.clients_per_round": "clients-per-round",
	"seed":                     "seed",
	"metrics.enabled":          "metrics",
	"metrics.addr":             "metrics-addr",
}

// NewRunCmd builds the run command
func NewRunCmd(global *GlobalOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a federated training simulation",
		Long: `Generate a partitioned population, train proxy clients round by round
and aggregate their updates into the global model. Accuracy tables and
learning-rate histories are written to every configured sink.`,
		Example: `  # FedOpt with defaults
  fedsim run --output-dir out/fedopt

  # SCAFFOLD, five clients per round, status server on :9090
  fedsim run --algorithm scaffold --clients-per-round 5 --metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, global, runBindings)
			if err != nil {
				return err
			}
			logger, err := NewLogger(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := runSimulation(ctx, cfg, logger)
			if err != nil {
				logger.WithError(err).WithField("error_type", errors.TypeOf(err)).Error("Simulation failed")
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Algorithm, "algorithm", "a", "", "Aggregation algorithm (fedopt, scaffold)")
	cmd.Flags().StringVarP(&opts.OutputDir, "output-dir", "o", "", "Directory for tables and resolved config")
	cmd.Flags().IntVar(&opts.MaxRounds, "max-rounds", 0, "Maximum number of rounds")
	cmd.Flags().IntVar(&opts.ClientsPerRound, "clients-per-round", 0, "Proxy clients per round (-1 for all partitions)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "Random seed")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "Serve metrics and run status over HTTP")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "Listen address of the status server")

	return cmd
}

func runSimulation(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*federated.Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	fedConfig, err := cfg.FederatedConfig(runID)
	if err != nil {
		return nil, err
	}

	population, err := simulation.GeneratePopulation(cfg.Simulation, cfg.Seed)
	if err != nil {
		return nil, err
	}
	strategy, err := federated.NewStrategy(cfg.StrategyConfig(), logger)
	if err != nil {
		return nil, err
	}
	trainer, err := simulation.NewTrainer(cfg.TrainerConfig(), logger)
	if err != nil {
		return nil, err
	}
	manager := residency.NewManager(cfg.Device, logger)

	sinks, err := storage.NewFactory(logger).NewSinks(&cfg.Sinks)
	if err != nil {
		return nil, err
	}
	if err := sinks.Connect(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close sinks")
		}
	}()

	deps := federated.Dependencies{
		Strategy:  strategy,
		Trainer:   trainer,
		Evaluator: simulation.NewEvaluator(),
		Residency: manager,
		Sink:      sinks,
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector, err = metrics.NewCollector(metrics.DefaultCollectorConfig(), logger)
		if err != nil {
			return nil, err
		}
		manager.SetObserver(collector.SetOccupancy)
		deps.Observer = collector
	}

	orchestrator, err := federated.NewOrchestrator(fedConfig, population.Initial, population.Population, deps, logger)
	if err != nil {
		return nil, err
	}

	if collector != nil {
		serverConfig := server.DefaultConfig()
		serverConfig.Addr = cfg.Metrics.Addr
		statusServer := server.NewStatusServer(serverConfig, orchestrator, collector.Handler(), logger)
		if err := statusServer.Start(ctx); err != nil {
			return nil, err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
			defer cancel()
			if err := statusServer.Stop(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Failed to stop status server")
			}
		}()
	}

	cfg.RunID = runID
	if cfg.OutputDir != "" {
		path, err := cfg.WriteResolved(cfg.OutputDir)
		if err != nil {
			return nil, err
		}
		logger.WithField("path", path).Debug("Wrote resolved configuration")
	}

	summary, err := orchestrator.Run(ctx)
	if err != nil {
		if collector != nil {
			collector.RecordError("orchestrator", string(errors.TypeOf(err)))
		}
		return nil, err
	}
	return summary, nil
}

func printSummary(out io.Writer, summary *federated.Summary) {
	fmt.Fprintf(out, "Run %s (%s) finished after %d rounds: %s\n",
		summary.RunID, summary.Algorithm, summary.Rounds, summary.StopReason)
	fmt.Fprintf(out, "Mean validation accuracy: %.4f\n", summary.FinalAvgValAcc)
	fmt.Fprintf(out, "Mean test accuracy: %.4f\n", summary.FinalAvgTestAcc)
	fmt.Fprintf(out, "Peak compute bytes: %d\n", summary.PeakComputeBytes)
	fmt.Fprintf(out, "Duration: %s\n", summary.Duration)
}
