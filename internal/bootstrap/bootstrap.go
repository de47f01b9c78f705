package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/credit-pipeline/internal/config"
	"github.com/kirillkom/credit-pipeline/internal/core/decision"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
	"github.com/kirillkom/credit-pipeline/internal/core/routing"
	"github.com/kirillkom/credit-pipeline/internal/core/stages"
	"github.com/kirillkom/credit-pipeline/internal/core/usecase"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/extractor/document"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/llm/ollama"
	lockredis "github.com/kirillkom/credit-pipeline/internal/infrastructure/lock/redis"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/storage/minio"
	"github.com/kirillkom/credit-pipeline/internal/observability/metrics"
)

type checkpointBackend interface {
	ports.CheckpointStore
	ports.CheckpointLister
}

type App struct {
	Config   config.Config
	Pipeline config.Pipeline
	Logger   *slog.Logger

	Store     ports.CheckpointStore
	Lister    ports.CheckpointLister
	Queue     ports.WorkQueue
	Engine    *usecase.Engine
	Submitter *usecase.SubmitUseCase
	Metrics   *metrics.PipelineMetrics

	closers []func()
}

// New wires the application. NATS, Redis and the reviewer are optional:
// an empty NATS_URL or REDIS_ADDR, or REVIEW_ENABLED=false, leaves them out.
func New(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	pipeline, err := config.LoadPipeline(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load pipeline policy: %w", err)
	}
	app.Pipeline = pipeline

	store, err := app.openCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	app.Store = store
	app.Lister = store

	storage, err := app.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	app.Metrics = metrics.NewPipelineMetrics(service)
	retryHook := resilience.WithRetryHook(app.Metrics.ObserveRetry)

	var notifier ports.Notifier
	if cfg.NATSURL != "" {
		queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSRunSubject, cfg.NATSEventSubject, nats.Options{
			ResilienceExecutor: resilience.NewExecutor(resilience.QueueConfig(), resilience.WithLogger(logger), retryHook),
			Logger:             logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.closers = append(app.closers, queue.Close)
		app.Queue = queue
		notifier = queue
	}

	var reviewer ports.QualitativeReviewer
	if cfg.ReviewEnabled {
		executor := resilience.NewExecutor(resilience.ReviewerConfig(cfg.OllamaTimeout), resilience.WithLogger(logger), retryHook)
		reviewer = ollama.NewReviewer(ollama.New(cfg.OllamaURL, cfg.OllamaModel, cfg.OllamaTimeout, executor))
	}

	engineOpts := []usecase.EngineOption{
		usecase.WithNotifier(notifier),
		usecase.WithNotifyTimeout(cfg.NotifyTimeout),
		usecase.WithEngineLogger(logger),
	}
	if cfg.RedisAddr != "" {
		client, err := lockredis.Dial(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("init run lock: %w", err)
		}
		app.closers = append(app.closers, func() { _ = client.Close() })
		engineOpts = append(engineOpts, usecase.WithRunLocker(lockredis.NewLocker(client, cfg.RunLockTTL)))
	}

	engineOpts = append(engineOpts, usecase.WithObserver(app.Metrics))

	router, err := routing.New(pipeline.Routing)
	if err != nil {
		return nil, fmt.Errorf("init router: %w", err)
	}
	aggregator, err := decision.NewAggregator(pipeline.Decision, reviewer, decision.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("init aggregator: %w", err)
	}
	analysis := stages.All(stages.Deps{
		Reviewer:  reviewer,
		Extractor: document.NewExtractor(storage, int64(cfg.MaxDocumentBytes)),
		Logger:    logger,
	})
	engine, err := usecase.NewEngine(analysis, router, aggregator, store, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	app.Engine = engine
	app.Submitter = usecase.NewSubmitUseCase(store, storage, app.Queue, notifier, logger)

	ok = true
	return app, nil
}

func (a *App) openCheckpoints(ctx context.Context) (checkpointBackend, error) {
	switch a.Config.CheckpointBackend {
	case "sqlite":
		store, err := sqlite.Open(a.Config.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil
	case "postgres", "":
		db, err := postgres.OpenDB(a.Config.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		repo := postgres.NewCheckpointRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", a.Config.CheckpointBackend)
	}
}

func (a *App) openStorage(ctx context.Context) (ports.ObjectStorage, error) {
	switch a.Config.StorageBackend {
	case "minio":
		storage, err := minio.New(minio.Options{
			Endpoint:  a.Config.MinioEndpoint,
			AccessKey: a.Config.MinioAccessKey,
			SecretKey: a.Config.MinioSecretKey,
			Bucket:    a.Config.MinioBucket,
			UseSSL:    a.Config.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		if err := storage.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		return storage, nil
	case "localfs", "":
		storage, err := localfs.New(a.Config.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.Config.StorageBackend)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
