package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/doorman/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the storage schema",
	Long: `Opens the configured storage backend, which applies any pending
migrations (sqlite, postgres), creates buckets (bbolt) or indexes
(mongodb), and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Storage.Driver == config.DriverMemory {
			return fmt.Errorf("the memory driver has no schema to migrate")
		}

		store, err := openStore(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		if err := store.Close(); err != nil {
			return fmt.Errorf("closing storage: %w", err)
		}
		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "%s storage is up to date\n", cfg.Storage.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
