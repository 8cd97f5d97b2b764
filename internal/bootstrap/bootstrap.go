// Package bootstrap builds the shared runtime used by the server and worker
// binaries: store, queue, connectors, notifier and engine.
package bootstrap

import (
	"context"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/connector"
	"github.com/flowmesh/flowmesh/pkg/engine"
	"github.com/flowmesh/flowmesh/pkg/notify"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/queue"
	"github.com/flowmesh/flowmesh/pkg/store"
)

// Runtime holds everything a binary needs after wiring.
type Runtime struct {
	Config  *config.Config
	Logger  observability.Logger
	Metrics observability.MetricsClient
	Store   store.Store
	Queue   queue.Queue
	Engine  *engine.Engine

	db *sqlx.DB
}

// New wires the runtime from configuration.
func New(ctx context.Context, cfg *config.Config, logger observability.Logger) (*Runtime, error) {
	metrics := observability.NewMetricsClient()

	st, db, err := buildStore(ctx, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	q, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := connector.NewRegistry()
	for name, cc := range cfg.Connectors {
		registry.Register(name, connector.NewHTTPAdapter(name, cc.BaseURL, &http.Client{Timeout: cc.Timeout}, logger))
	}

	notifier := notify.NewWebhookNotifier(cfg.Notify.DefaultURL, nil, logger, metrics)

	eng := engine.New(engine.Config{
		Store:    st,
		Invoker:  registry,
		Notifier: notifier,
		Queue:    q,
		Logger:   logger,
		Metrics:  metrics,
	})

	return &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Store:   st,
		Queue:   q,
		Engine:  eng,
		db:      db,
	}, nil
}

func buildStore(ctx context.Context, cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) (store.Store, *sqlx.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to connect to postgres")
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		pg, err := store.NewPostgresStore(db, logger, metrics)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Bootstrap(ctx); err != nil {
			return nil, nil, errors.Wrap(err, "failed to bootstrap schema")
		}
		return pg, db, nil
	case "memory", "":
		logger.Warn("using in-memory store; state is lost on restart", nil)
		return store.NewMemoryStore(), nil, nil
	default:
		return nil, nil, errors.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func buildQueue(ctx context.Context, cfg *config.Config, logger observability.Logger) (queue.Queue, error) {
	switch cfg.Queue.Kind {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrap(err, "failed to connect to redis")
		}
		return queue.NewRedisQueue(client, "", logger), nil
	case "sqs":
		return queue.NewSQSQueueFromEnv(ctx, cfg.Queue.SQSURL, cfg.Queue.AWSRegion, logger)
	case "none", "":
		return nil, nil
	default:
		return nil, errors.Errorf("unknown queue kind %q", cfg.Queue.Kind)
	}
}

// Close releases runtime resources.
func (r *Runtime) Close() {
	if r.Queue != nil {
		if err := r.Queue.Close(); err != nil {
			r.Logger.Warn("queue close failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.Logger.Warn("database close failed", map[string]interface{}{"error": err.Error()})
		}
	}
	_ = r.Metrics.Close()
}
