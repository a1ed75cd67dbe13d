package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/doorman/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "doorman",
	Short: "doorman signs users in with Discord",
	Long: `An authentication gate that signs users in with Discord OAuth2 and
keeps them signed in with server-side sessions.

Settings come from an optional YAML file (--config), a .env file in the
working directory and DOORMAN_* environment variables.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DOORMAN_CONFIG"), "Path to a YAML config file")
	rootCmd.SetUsageTemplate(rootCmd.UsageTemplate() + "\nEnvironment:\n" + config.Usage() + "\n")
}
