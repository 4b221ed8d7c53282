package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inferloop/fedsim/pkg/errors"
)

type ValidateOptions struct {
	Print bool
}

func NewValidateCmd(global *GlobalOptions) *cobra.Command {
	opts := &ValidateOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a simulation configuration",
		Long: `Load a configuration from file and environment, apply defaults and
report every invalid field.`,
		Example: `  # Check a config file
  fedsim validate --config fedsim.yaml

  # Show the resolved configuration
  fedsim validate --config fedsim.yaml --print`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, global, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Print, "print", false, "Print the resolved configuration as YAML")

	return cmd
}

func runValidate(cmd *cobra.Command, global *GlobalOptions, opts *ValidateOptions) error {
	cfg, err := loadConfig(cmd, global, nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if err := cfg.Validate(); err != nil {
		if ve, ok := err.(*errors.ValidationErrors); ok {
			for _, e := range ve.Errors {
				fmt.Fprintf(out, "  %s: %s (got %v)\n", e.Field, e.Message, e.Value)
			}
		}
		return err
	}

	if opts.Print {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Configuration is valid: %s with %d partitions, step budget %d\n",
		cfg.Algorithm, cfg.Simulation.Partitions, cfg.StepBudget())
	return nil
}
