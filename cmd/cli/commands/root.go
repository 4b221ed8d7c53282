package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inferloop/fedsim/cmd/cli/config"
	"github.com/inferloop/fedsim/pkg/constants"
)

// GlobalOptions are the persistent flags shared by every command
type GlobalOptions struct {
	ConfigFile string
	LogLevel   string
	LogFormat  string
}

// NewRootCmd builds the fedsim command tree
func NewRootCmd() *cobra.Command {
	opts := &GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   constants.AppName,
		Short: "Federated learning round simulator",
		Long: `Simulate federated training rounds over a partitioned population,
aggregating client updates with FedOpt or SCAFFOLD.`,
		Version:       constants.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (text, json)")

	rootCmd.AddCommand(NewRunCmd(opts))
	rootCmd.AddCommand(NewValidateCmd(opts))
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}

// loadConfig resolves the configuration for cmd, letting flags bound to
// the given viper keys override the file and environment.
func loadConfig(cmd *cobra.Command, opts *GlobalOptions, bindings map[string]string) (*config.Config, error) {
	v := viper.New()
	for key, flag := range bindings {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	cfg, err := config.Load(v, opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}
	return cfg, nil
}

// NewLogger builds a logrus logger writing to out
func NewLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return logger, nil
}
