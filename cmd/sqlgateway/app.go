package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/shakram02/sqlgateway"
	"github.com/shakram02/sqlgateway/internal/config"
)

type app struct {
	gw    *sqlgateway.Gateway
	redis *redis.Client
}

func builtinRegistry() *sqlgateway.TemplateRegistry {
	return sqlgateway.DefaultTemplates()
}

// newApp wires a connected Gateway from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	adapter, err := sqlgateway.NewAdapter(cfg.Engine, cfg.GatewayConnection(),
		sqlgateway.WithPoolConfig(cfg.GatewayPool()),
		sqlgateway.WithRetryConfig(cfg.GatewayRetry()),
		sqlgateway.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	a := &app{}
	opts := []sqlgateway.Option{
		sqlgateway.WithMaxRows(cfg.Query.MaxRows),
		sqlgateway.WithQueryTimeout(cfg.Query.Timeout),
		sqlgateway.WithQueryLogger(sqlgateway.NewQueryLogger(cfg.Log.QueryLog, cfg.Log.QueryLogSize, cfg.Log.MaxSQLLength)),
		sqlgateway.WithTemplates(builtinRegistry()),
		sqlgateway.WithGatewayLogger(logger),
	}
	if cfg.Cache.Enabled {
		var store sqlgateway.Store = sqlgateway.NewMemoryStore()
		if cfg.Cache.Backend == "redis" {
			a.redis = redis.NewClient(&redis.Options{Addr: cfg.Cache.Redis.Addr, DB: cfg.Cache.Redis.DB})
			if err := a.redis.Ping(ctx).Err(); err != nil {
				_ = a.redis.Close()
				return nil, fmt.Errorf("redis cache unreachable: %w", err)
			}
			store = sqlgateway.NewRedisStore(a.redis, cfg.Cache.Redis.Prefix)
		}
		opts = append(opts, sqlgateway.WithCache(sqlgateway.NewMetadataCache(store, cfg.Cache.TTL, logger)))
	}

	a.gw = sqlgateway.New(adapter, opts...)
	if err := a.gw.Connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.gw != nil {
		_ = a.gw.Disconnect()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
