package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/aippt-mcp-go/stdio"
	"github.com/spf13/cobra"
)

func newStdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve newline-delimited JSON-RPC on stdin/stdout",
		RunE:  runStdio,
	}
}

func runStdio(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateBackend(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := newLogger(cfg)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	h := stdio.NewHandler(a.engine, stdio.WithLogger(log))
	if err := h.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
