package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/broker/pkg/config"
)

var (
	// Global flags
	configPaths []string
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo-broker",
		Short: "Multi-cloud resource order broker",
		Long: `froyo-broker accepts orders for compute, network, volume, public IP and
attachment resources and drives each one through its lifecycle on the
configured clouds.

Clouds are declared in CUE configuration. Placement is decided by Rego
policies, compute offerings are matched against refreshed flavor catalogs and
every order is persisted in SQLite so a restart resumes where it stopped.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", nil, "CUE config files or directories (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newOrdersCommand())
	rootCmd.AddCommand(newCatalogCommand())

	return rootCmd
}

// loadConfig parses the given sources, or the defaults when none are given.
func loadConfig(ctx context.Context, paths []string) (*config.Broker, error) {
	parser, err := config.NewParser()
	if err != nil {
		return nil, fmt.Errorf("failed to create config parser: %w", err)
	}
	if len(paths) == 0 {
		return parser.Default()
	}
	return parser.Load(ctx, paths...)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
