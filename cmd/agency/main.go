// Command agency runs the multi-model agent runtime and manages its keys.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/agency/pkg/config"
)

const version = "0.1.0"

var (
	configPath string
	serverURL  string
	apiToken   string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agency",
		Short: "Agency - multi-model agent runtime",
		Long: `agency fans prompts out to several models, fuses the answers and
coordinates agents over a dependency-ordered task graph.

Run "agency serve" to start the runtime. The remaining commands either
manage the local key vault or talk to a running server.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AGENCY_CONFIG"), "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "Agency server URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("AGENCY_TOKEN"), "Bearer token or API key for the server")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newAskCommand())
	rootCmd.AddCommand(newKeysCommand())
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newStatusCommand())
	return rootCmd
}

func getDefaultServer() string {
	if server := os.Getenv("AGENCY_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
