// Package main is the entry point for the LiveRing call server. The default
// command serves the HTTP, websocket and gRPC health endpoints; subcommands run
// migrations and a terminal agent client.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "liveringserver",
	Short:        "Live call ringing between website visitors and agents",
	RunE:         runServe,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(agentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
