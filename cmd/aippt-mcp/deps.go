package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ggoodman/aippt-mcp-go/aippt"
	"github.com/ggoodman/aippt-mcp-go/internal/config"
	"github.com/ggoodman/aippt-mcp-go/internal/engine"
	"github.com/ggoodman/aippt-mcp-go/internal/logctx"
	"github.com/ggoodman/aippt-mcp-go/internal/metrics"
	"github.com/ggoodman/aippt-mcp-go/storage"
	"github.com/ggoodman/aippt-mcp-go/storage/memory"
	redisstore "github.com/ggoodman/aippt-mcp-go/storage/redis"
	"github.com/ggoodman/aippt-mcp-go/tools"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// loadConfig reads the environment and lets explicitly set flags win.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
	if f := flags.Lookup("host"); f != nil && f.Changed {
		cfg.Host = f.Value.String()
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	return cfg, nil
}

// newLogger always writes to stderr; stdout belongs to the stdio transport.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return logctx.Wrap(slog.New(h))
}

// newCache picks Redis when REDIS_ADDR is set and an in-process LRU otherwise.
func newCache(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	if cfg.RedisAddr == "" {
		log.InfoContext(ctx, "cache.memory", slog.Int("max_items", cfg.CacheMaxItems))
		return memory.New(cfg.CacheMaxItems)
	}

	opts := &redis.Options{Addr: cfg.RedisAddr}
	if strings.Contains(cfg.RedisAddr, "://") {
		var err error
		if opts, err = redis.ParseURL(cfg.RedisAddr); err != nil {
			return nil, fmt.Errorf("parse REDIS_ADDR: %w", err)
		}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	log.InfoContext(ctx, "cache.redis", slog.String("addr", opts.Addr), slog.String("prefix", cfg.CacheKeyPrefix))
	return redisstore.New(redisstore.Config{Client: client, KeyPrefix: cfg.CacheKeyPrefix})
}

// app is everything both transports share.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	cache   storage.Storage
	engine  *engine.Engine
}

func (a *app) Close() error {
	if a.cache != nil {
		return a.cache.Close()
	}
	return nil
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	cache, err := newCache(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	client, err := aippt.NewClient(aippt.Config{
		AppID:     cfg.AppID,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.RateBurst,
	},
		aippt.WithCache(cache, cfg.CacheTTL),
		aippt.WithMetrics(m),
		aippt.WithLogger(log),
		aippt.WithRetry(cfg.MaxRetries, func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = cfg.Timeout
			return b
		}),
	)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	catalog := tools.NewContainer(aippt.Tools(client)...)
	eng := engine.NewEngine(catalog,
		engine.WithLogger(log),
		engine.WithMetrics(m),
		engine.WithServerInfo(cfg.ServerName, cfg.ServerVersion),
	)
	log.InfoContext(ctx, "catalog.ready", slog.Any("tools", catalog.Names()))

	return &app{cfg: cfg, log: log, metrics: m, cache: cache, engine: eng}, nil
}
