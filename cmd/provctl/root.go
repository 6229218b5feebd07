package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
	actorID   string
)

var rootCmd = &cobra.Command{
	Use:   "provctl",
	Short: "CLI for the batch provenance server",
	Long: `provctl manages supply-chain batches against a provenance server.

Write operations (mint, initialize, transfer, consume, role assignment)
act as the identity given with --actor or the PROV_ACTOR env var; the
server decides from the ledger what that identity's role allows.

Read operations (get, history, catalog, role lookups) need no actor.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Provenance server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", "", "Acting identity for write operations (default: PROV_ACTOR env)")

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(mintCmd)
	rootCmd.AddCommand(initializeCmd)
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(roleCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(healthCmd)
}

// resolvedActor returns the acting identity.
// Priority: --actor flag > PROV_ACTOR env var.
func resolvedActor() string {
	if actorID != "" {
		return actorID
	}
	return os.Getenv("PROV_ACTOR")
}
