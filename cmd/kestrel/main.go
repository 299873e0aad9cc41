// Package main is the kestrel CLI: a multi-platform chat-bot runtime that
// routes messages from Telegram, Discord, an embedded web chat, and generic
// webhooks through a staged pipeline backed by LLM providers.
//
// Start the bot:
//
//	kestrel serve --config kestrel.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "kestrel",
		Short:         "Multi-platform chat-bot runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kestrel %s (commit %s, built %s)\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
