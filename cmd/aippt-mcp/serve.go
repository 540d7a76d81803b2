package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/aippt-mcp-go/auth"
	"github.com/ggoodman/aippt-mcp-go/internal/config"
	"github.com/ggoodman/aippt-mcp-go/sessions"
	"github.com/ggoodman/aippt-mcp-go/streaminghttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the queued streaming HTTP transport",
		RunE:  runServe,
	}
	cmd.Flags().String("host", "", "listen host (env MCP_HOST, default localhost)")
	cmd.Flags().Int("port", 0, "listen port (env MCP_PORT, default 8002)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := newLogger(cfg)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	regOpts := []sessions.Option{
		sessions.WithLogger(log),
		sessions.WithTombstoneTTL(cfg.ClosedSessionTTL),
	}
	if a.metrics != nil {
		regOpts = append(regOpts, sessions.WithObserver(a.metrics))
	}
	registry := sessions.NewRegistry(regOpts...)
	defer registry.Stop()

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go registry.RunReaper(reaperCtx, cfg.SessionIdleTimeout, 0)

	authenticator, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return fmt.Errorf("configure authentication: %w", err)
	}

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithEndpoint(cfg.Endpoint),
		streaminghttp.WithPublicURL(cfg.PublicURL),
		streaminghttp.WithServerName(cfg.ServerName),
		streaminghttp.WithHeartbeat(cfg.HeartbeatInterval),
		streaminghttp.WithMaxBodyBytes(cfg.MaxBodyBytes),
		streaminghttp.WithMetrics(a.metrics),
	}
	if authenticator != nil {
		opts = append(opts, streaminghttp.WithAuthenticator(authenticator), streaminghttp.WithRealm(cfg.AuthRealm))
	}
	h, err := streaminghttp.New(registry, a.engine, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "http.listen",
			slog.String("addr", srv.Addr),
			slog.String("endpoint", cfg.Endpoint),
			slog.String("auth", authModeName(cfg.AuthMode())),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.InfoContext(ctx, "http.shutdown")
	// Closing sessions first ends every event stream, so Shutdown is not held
	// up by long-lived GETs.
	registry.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	var opts []auth.AccessTokenAuthOption
	if scopes := cfg.RequiredScopes(); len(scopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(scopes...), auth.WithAdvertisedScopes(auth.StaticScopes(scopes...)))
	}

	switch cfg.AuthMode() {
	case config.AuthHS256:
		return auth.NewHS256(cfg.AuthIssuer, cfg.AuthAudience, []byte(cfg.AuthHS256Key), opts...)
	case config.AuthJWKS:
		return auth.NewJWKS(ctx, cfg.AuthIssuer, cfg.AuthAudience, cfg.AuthJWKSURL, opts...)
	case config.AuthDiscovery:
		return auth.NewFromDiscovery(ctx, cfg.AuthIssuer, cfg.AuthAudience, opts...)
	}
	return nil, nil
}

func authModeName(m config.AuthMode) string {
	switch m {
	case config.AuthHS256:
		return "hs256"
	case config.AuthJWKS:
		return "jwks"
	case config.AuthDiscovery:
		return "discovery"
	}
	return "none"
}
