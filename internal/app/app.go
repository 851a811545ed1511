// Package app assembles the engine and its backing services from configuration. The API
// server and batchctl share it so both run jobs the same way.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shipment-batch-engine/internal/carrier"
	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/engine"
	"shipment-batch-engine/internal/events"
	"shipment-batch-engine/internal/gateway"
	"shipment-batch-engine/internal/lease"
	"shipment-batch-engine/internal/mapping"
	"shipment-batch-engine/internal/ratelimit"
	"shipment-batch-engine/internal/store"
	"shipment-batch-engine/internal/worker"
)

// App owns everything Build opened. Close releases it in reverse dependency order.
type App struct {
	Store   *store.Store
	Redis   *redis.Client
	Bus     *events.Bus
	Sources *gateway.Resolver
	Engine  *engine.Engine

	logger *zap.Logger
	amqp   *amqp.Connection
}

// Build opens the store, connects the optional Redis and AMQP backends and constructs the
// engine. The Redis client connects lazily; only the features configured to use it touch it.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	var leaser lease.Leaser
	switch cfg.LeaseBackend {
	case "", "store":
		leaser = lease.NewStoreLeaser(st)
	case "redis":
		leaser = lease.NewRedis(a.Redis)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown lease backend %q", cfg.LeaseBackend)
	}

	var limiter worker.Limiter
	if cfg.CarrierRateLimitEnabled {
		limiter = ratelimit.NewTokenBucket(a.Redis, cfg.CarrierRateLimitCap, cfg.CarrierRateLimitRefill, time.Hour)
	}

	a.Bus = events.NewBus()
	if cfg.EventsRedis {
		a.Bus.Attach(events.NewRedisSink(a.Redis), logger)
	}
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		a.amqp = conn
		sink, err := events.NewAMQPSink(conn, cfg.AMQPExchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Bus.Attach(sink, logger)
	}

	a.Sources = gateway.NewResolver(cfg.SourcePostgresDSN)

	e, err := engine.New(cfg, engine.Deps{
		Store:   st,
		Carrier: NewCarrier(cfg),
		Leaser:  leaser,
		Limiter: limiter,
		Bus:     a.Bus,
		Sources: a.resolve,
		Logger:  logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = e
	return a, nil
}

// NewCarrier returns the sandbox carrier when CARRIER_BASE_URL is "sandbox", otherwise the HTTP
// client.
func NewCarrier(cfg config.Config) carrier.Client {
	if cfg.CarrierBaseURL == carrier.SandboxURL {
		return carrier.NewSandbox()
	}
	return carrier.NewHTTPClient(cfg)
}

func (a *App) resolve(ctx context.Context, ref string, m mapping.Mapping) (gateway.WriteBacker, error) {
	return a.Sources.Open(ctx, ref, m.WriteBackColumns())
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	switch cfg.StoreDriver {
	case store.DriverSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		return store.Open(ctx, store.DriverSQLite, cfg.SQLitePath)
	case store.DriverPostgres:
		return store.Open(ctx, store.DriverPostgres, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Close stops the engine, drains event sinks and closes every connection.
func (a *App) Close() {
	if a.Engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.Engine.Shutdown(ctx); err != nil {
			a.logger.Warn("engine shutdown", zap.Error(err))
		}
		cancel()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.Sources != nil {
		a.Sources.Close()
	}
	if a.amqp != nil {
		_ = a.amqp.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}
