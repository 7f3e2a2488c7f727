package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	serverURL    string
	outputFormat string
	apiKey       string
)

var rootCmd = &cobra.Command{
	Use:           "testswarm",
	Short:         "Distributed browser test scheduler",
	Long:          `testswarm runs batches of browser tests on connected browser workers and reports per-browser results.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (TESTSWARM_* environment variables override it)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "testswarm server URL for client commands")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for job changes (default $TESTSWARM_API_KEY)")
}

func isJSONOutput() bool {
	return outputFormat == "json"
}
