package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/broker/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with broker configuration",
	}
	cmd.AddCommand(newValidateCommand())
	return cmd
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate broker configuration",
		Long: `Validate CUE configuration against the broker schema.

This command checks:
  - CUE syntax validity
  - Schema conformance and defaults
  - Cloud declarations and the default cloud
  - Processor interval keys`,
		Example: `  # Validate a config directory
  froyo-broker config validate ./broker

  # Validate the files given with --config
  froyo-broker config validate -c base.cue -c prod.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := append(append([]string(nil), configPaths...), args...)
			cfg, err := loadConfig(cmd.Context(), paths)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, ve := range verrs {
						fmt.Fprintln(cmd.ErrOrStderr(), ve.String())
					}
					return fmt.Errorf("%d configuration error(s)", len(verrs))
				}
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: provider %s, %d cloud(s)\n", cfg.Provider.ID, len(cfg.Clouds))
			for _, c := range cfg.Clouds {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-16s %s\n", c.Name, c.Driver)
			}
			return nil
		},
	}

	return cmd
}
