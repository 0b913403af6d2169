package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/broker/pkg/broker"
	"github.com/openfroyo/broker/pkg/config"
)

func newServeCommand() *cobra.Command {
	var (
		seedPath string
		cloud    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		Long: `Run the broker until interrupted.

Orders persisted by an earlier run are restored first. A seed file submits
a list of orders once the broker is wired, before the processors start.`,
		Example: `  # Run with a config directory
  froyo-broker serve -c ./broker

  # Submit the orders in seed.yaml at startup
  froyo-broker serve -c broker.cue --seed seed.yaml

  # Try the broker without any cloud account
  froyo-broker serve --cloud sim --seed seed.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx, configPaths)
			if err != nil {
				return err
			}
			if cloud != "" {
				if err := selectCloud(cfg, cloud); err != nil {
					return err
				}
			}

			b, err := broker.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to start broker: %w", err)
			}
			defer func() {
				if err := b.Close(); err != nil {
					log.Error().Err(err).Msg("Failed to close broker")
				}
			}()

			if seedPath != "" {
				seeds, err := broker.LoadSeedFile(seedPath)
				if err != nil {
					return err
				}
				ids, err := b.Service().SubmitSeed(ctx, seeds)
				if err != nil {
					return err
				}
				log.Info().
					Str("seed", seedPath).
					Int("orders", len(seeds)).
					Int("named", len(ids)).
					Msg("Seed orders submitted")
			}

			return b.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&seedPath, "seed", "", "YAML file of orders to submit at startup")
	cmd.Flags().StringVar(&cloud, "cloud", "", "default cloud; \"sim\" declares a simulated cloud when missing")

	return cmd
}

// selectCloud makes name the default cloud. The name "sim" declares a
// simulated cloud when the configuration has none by that name.
func selectCloud(cfg *config.Broker, name string) error {
	for _, c := range cfg.Clouds {
		if c.Name == name {
			cfg.DefaultCloud = name
			return nil
		}
	}
	if name != config.DriverSim {
		return fmt.Errorf("cloud %q is not declared", name)
	}
	cfg.Clouds = append(cfg.Clouds, config.CloudConfig{Name: name, Driver: config.DriverSim})
	cfg.DefaultCloud = name
	return nil
}
