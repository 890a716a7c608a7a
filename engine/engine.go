// Package engine wires the task graph runner, job queue, and tabular
// storage together into one runnable process, the way a top-level
// main.go wires its CLI commands against shared service clients. Storage
// backend selection follows config.EngineConfig.
package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"eve.evalgo.org/audit"
	"eve.evalgo.org/config"
	"eve.evalgo.org/outputcache"
	"eve.evalgo.org/queue"
	"eve.evalgo.org/registry"
	"eve.evalgo.org/runner"
	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
	"eve.evalgo.org/tabular/boltstore"
	"eve.evalgo.org/tabular/memstore"
	"eve.evalgo.org/tabular/pgstore"
	"eve.evalgo.org/tabular/redisstore"
	"eve.evalgo.org/transport"
)

// Engine owns the process-wide registries and runner for one running
// instance of the task graph / job queue system.
type Engine struct {
	Config config.EngineConfig
	Logger *logrus.Logger

	Tasks  *registry.TaskRegistry
	Queues *registry.QueueRegistry
	Cache  *outputcache.Cache
	Audit  *audit.Log
	Runner *runner.Runner

	HTTPServer *transport.HTTPServer
	Worker     *transport.Worker
}

// openRepo opens a tabular.Repository against cfg's configured backend for
// the given schema/primary key. "couch" is not selectable here: it needs
// separate user/password credentials config.EngineConfig does not carry,
// so couchstore is wired directly by callers that need it instead.
func openRepo(ctx context.Context, cfg config.EngineConfig, sch *schema.Schema, pk schema.PrimaryKey) (tabular.Repository, error) {
	switch cfg.StorageBackend {
	case "memory", "":
		return memstore.New(sch, pk), nil
	case "bolt":
		return boltstore.Open(cfg.BoltPath, sch, pk)
	case "postgres":
		return pgstore.Open(ctx, cfg.StorageDSN, sch, pk)
	case "redis":
		return redisstore.Open(cfg.StorageDSN, sch, pk)
	default:
		return nil, fmt.Errorf("engine: unsupported storage backend %q", cfg.StorageBackend)
	}
}

// New constructs an Engine from cfg: opens the output cache and audit
// storage repositories, builds the task/queue registries, output cache, runner,
// and transport servers, but starts nothing.
func New(ctx context.Context, cfg config.EngineConfig, logger *logrus.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	cacheRepo, err := openRepo(ctx, cfg, outputcache.Schema(), outputcache.PrimaryKey())
	if err != nil {
		return nil, fmt.Errorf("engine: open cache storage: %w", err)
	}
	if err := cacheRepo.SetupDatabase(ctx); err != nil {
		return nil, fmt.Errorf("engine: setup cache storage: %w", err)
	}
	cache := outputcache.New(cacheRepo, outputcache.WithCompression(cfg.OutputCacheCompression))

	auditRepo, err := openRepo(ctx, cfg, audit.Schema(), audit.PrimaryKey())
	if err != nil {
		return nil, fmt.Errorf("engine: open audit storage: %w", err)
	}
	if err := auditRepo.SetupDatabase(ctx); err != nil {
		return nil, fmt.Errorf("engine: setup audit storage: %w", err)
	}
	auditLog := audit.New(auditRepo)

	tasks := registry.NewTaskRegistry(logger)
	queues := registry.NewQueueRegistry(logger)

	r := runner.New(runner.Executors{}, queues, cache, logger, runner.WithAuditLog(auditLog))

	return &Engine{
		Config:     cfg,
		Logger:     logger,
		Tasks:      tasks,
		Queues:     queues,
		Cache:      cache,
		Audit:      auditLog,
		Runner:     r,
		HTTPServer: transport.NewHTTPServer(queues),
		Worker:     transport.NewWorker(queues, logrus.NewEntry(logger)),
	}, nil
}

// AddQueue opens a storage repository for queueName, constructs its
// Server/Client pair with cfg's concurrency/rate-limit/retry settings, and
// registers the resulting handle, but does not start it.
func (e *Engine) AddQueue(ctx context.Context, queueName string, executor queue.Executor) error {
	repo, err := openRepo(ctx, e.Config, queue.Schema(), queue.PrimaryKey())
	if err != nil {
		return fmt.Errorf("engine: open queue storage for %q: %w", queueName, err)
	}
	if err := repo.SetupDatabase(ctx); err != nil {
		return fmt.Errorf("engine: setup queue storage for %q: %w", queueName, err)
	}
	storage := queue.NewStorage(repo)

	var limiter queue.RateLimiter
	if e.Config.QueueRateLimit > 0 {
		limiter = queue.NewSlidingWindowLimiter(repo, queue.Limits{
			MaxExecutions:       e.Config.QueueRateLimit,
			WindowSizeInSeconds: int(e.Config.QueueRateWindow.Seconds()),
		})
	} else {
		limiter = queue.NewMemoryLimiter(queue.Limits{})
	}

	server := queue.NewServer(queue.ServerConfig{
		QueueName:   queueName,
		Storage:     storage,
		Limiter:     limiter,
		Executor:    executor,
		RetryFloor:  e.Config.QueueRetryFloor,
		Concurrency: e.Config.QueueConcurrency,
		Logger:      e.Logger,
	})
	client := queue.NewClient(queueName, storage, server.Events())

	e.Queues.Add(&registry.QueueHandle{Name: queueName, Server: server, Client: client, Storage: storage})
	return nil
}

// Start starts every registered queue's server loop.
func (e *Engine) Start(ctx context.Context) error {
	return e.Queues.StartQueues(ctx)
}

// Stop stops every registered queue's server loop.
func (e *Engine) Stop() {
	e.Queues.StopQueues()
}

// TransportHandler returns the HTTP mux serving both the REST job API
// (transport.HTTPServer) and the WebSocket worker-offload endpoint
// (transport.Worker) at cfg.TransportPath.
func (e *Engine) TransportHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", e.HTTPServer.Handler())
	mux.Handle(e.Config.TransportPath, e.Worker)
	return mux
}
