package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/stores"
)

func newOrdersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect persisted orders",
	}
	cmd.AddCommand(newOrdersListCommand())
	cmd.AddCommand(newOrdersHistoryCommand())
	return cmd
}

// openStore opens the configured store. The broker need not be running.
func openStore(cmd *cobra.Command) (*stores.SQLiteStore, error) {
	cfg, err := loadConfig(cmd.Context(), configPaths)
	if err != nil {
		return nil, err
	}
	logger := log.Logger
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path, Logger: &logger})
	if err != nil {
		return nil, err
	}
	if err := store.Init(cmd.Context()); err != nil {
		return nil, err
	}
	if err := store.Migrate(cmd.Context()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newOrdersListCommand() *cobra.Command {
	var (
		state string
		cloud string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted orders",
		Example: `  # Orders that failed
  froyo-broker orders list -c broker.cue --state FAILED

  # The 20 most recent orders on one cloud, as JSON
  froyo-broker orders list -c broker.cue --cloud aws-eu --limit 20 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if state != "" {
				if err := engine.OrderState(state).Validate(); err != nil {
					return err
				}
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListOrders(cmd.Context(), stores.ListFilter{
				State: engine.OrderState(state),
				Cloud: cloud,
				Limit: limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				views := make([]engine.OrderView, len(records))
				for i, r := range records {
					views[i] = r.View
				}
				return writeJSON(cmd.OutOrStdout(), views)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-36s  %-10s  %-26s  %-12s  %s\n", "ID", "TYPE", "STATE", "CLOUD", "INSTANCE")
			for _, r := range records {
				fmt.Fprintf(out, "%-36s  %-10s  %-26s  %-12s  %s\n", r.ID, r.Type, r.State, r.Cloud, r.InstanceID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only orders in this state")
	cmd.Flags().StringVar(&cloud, "cloud", "", "only orders placed on this cloud")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of orders (0 for all)")

	return cmd
}

func newOrdersHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <order-id>",
		Short: "Show the recorded state changes of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			transitions, err := store.ListTransitions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), transitions)
			}

			out := cmd.OutOrStdout()
			for _, t := range transitions {
				line := fmt.Sprintf("%s  %s -> %s", t.At.Format("2006-01-02T15:04:05Z07:00"), t.From, t.To)
				if t.Error != "" {
					line += "  " + t.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	return cmd
}
