// Command aippt-mcp serves the AIPPT presentation tools over the queued
// streaming HTTP transport or over stdio.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aippt-mcp",
		Short:         "MCP server for the iFlytek AIPPT presentation API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error (env LOG_LEVEL)")
	root.PersistentFlags().String("log-format", "", "log format: json or text (env LOG_FORMAT)")

	root.AddCommand(newServeCmd(), newStdioCmd())
	return root
}
