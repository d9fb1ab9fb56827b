package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/billsync/internal/billsync"
	"github.com/odyssey-erp/billsync/internal/ledger"
	"github.com/odyssey-erp/billsync/internal/platform/cache"
	"github.com/odyssey-erp/billsync/internal/resolve"
)

// Runtime bundles the engine with the resources it holds open.
type Runtime struct {
	Engine  *billsync.Engine
	Ledger  *ledger.Client
	Metrics *billsync.Metrics
	Redis   *redis.Client
}

// NewRuntime builds the ledger client and the engine. A Redis connection is opened for the
// entity store when REDIS_ADDR answers; otherwise the engine runs with a per-run cache only.
func NewRuntime(ctx context.Context, cfg *Config, logger *slog.Logger, registerer prometheus.Registerer) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	metrics := billsync.NewMetrics(registerer)
	client := ledger.NewClient(cfg.LedgerConfig(), cfg.TokenProvider(),
		ledger.WithLogger(logger),
		ledger.WithObserver(metrics),
	)
	rt := &Runtime{Ledger: client, Metrics: metrics}

	opts := []billsync.Option{billsync.WithLogger(logger), billsync.WithMetrics(metrics)}
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		rdb, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("entity store disabled", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
		} else {
			rt.Redis = rdb
			opts = append(opts, billsync.WithStore(resolve.NewRedisStore(rdb, cfg.EntityCacheTTL)))
		}
	}
	rt.Engine = billsync.NewEngine(client, engineCfg, opts...)
	return rt, nil
}

// Close releases the Redis connection.
func (r *Runtime) Close() error {
	if r == nil || r.Redis == nil {
		return nil
	}
	return r.Redis.Close()
}
