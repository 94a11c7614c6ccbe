// Command hearthd runs the fireplace controller: the legacy and REST HTTP
// surface and the accessory-protocol server share one set of relay pins.
//
// Usage:
//
//	hearthd [serve] [flags]
//	hearthd pairings list|reset
//	hearthd discover
//	hearthd log view|stats <file.hlog>
//	hearthd version
//
// Examples:
//
//	# Run with the stock family-room layout on a development machine
//	hearthd serve --driver sim --log-level debug
//
//	# Run from a config file with the operator console
//	hearthd serve --config /etc/hearthd/hearthd.yaml --interactive
//
//	# Forget every paired controller (the server must be stopped)
//	hearthd pairings reset --storage /var/lib/hearthd
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hearthkit/hearthd/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hearthd",
	Short: "Fireplace, fan and light relay controller",
	Long: `hearthd drives relay pins over GPIO and exposes them through a legacy
query-string endpoint, a REST API and an accessory-protocol server that pairs
with the Home app.

Without a subcommand hearthd behaves like "hearthd serve".`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (YAML); defaults apply when empty")

	// The root command runs serve, so it takes serve's flags too.
	addServeFlags(rootCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pairingsCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}
