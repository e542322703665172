// Package cmd provides the opsassist CLI.
package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "opsassist",
	Short: "Opsassist - a facility operations assistant",
	Long: `Opsassist answers natural-language questions about facility
operations data and runs guided flows for scheduling and task updates,
backed by interchangeable language-model providers.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Missing .env is fine; the environment may already be set.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
}

func Execute() error {
	return rootCmd.Execute()
}
