package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Yulian302/lfusys-services-ingest/auth"
	"github.com/Yulian302/lfusys-services-ingest/caching"
	"github.com/Yulian302/lfusys-services-ingest/handlers"
	"github.com/Yulian302/lfusys-services-ingest/health"
	"github.com/Yulian302/lfusys-services-ingest/queues"
	"github.com/Yulian302/lfusys-services-ingest/services"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

type Stores struct {
	sessions store.SessionStore
	chunks   store.ChunkStore
	catalog  *store.PostgresCatalogStore
	broker   queues.Broker
}

type Services struct {
	Sessions services.SessionService
	Chunks   services.ChunkService
	Catalog  services.CatalogService
	Pipeline *services.IngestPipeline

	Stores   *Stores
	Consumer *queues.Consumer
	Router   http.Handler

	app *App
}

func BuildServices(ctx context.Context, app *App) (*Services, error) {
	cfg := app.Config
	sc := cfg.ServiceConfig
	l := app.Logger
	m := app.Metrics

	stores, err := buildStores(ctx, app)
	if err != nil {
		return nil, err
	}

	if err := stores.catalog.RunMigrations(ctx); err != nil {
		return nil, err
	}

	var cachingSvc caching.CachingService
	cachingSvc = caching.NewRedisCachingService(app.Redis)
	if app.Redis == nil {
		cachingSvc = caching.NewNullCachingService()
	}

	updater := services.NewMetadataUpdater(stores.sessions, sc.MaxCASAttempts, sc.CASBaseDelay, l, m)
	detector := services.NewCompletionDetector(stores.sessions, stores.broker, updater, sc.MaxCASAttempts, sc.CASBaseDelay, l, m)

	sessSvc := services.NewSessionServiceImpl(stores.sessions, l)
	chunkSvc := services.NewChunkServiceImpl(stores.sessions, stores.chunks, detector, l, m)
	catalogSvc := services.NewCatalogServiceImpl(stores.catalog, cachingSvc, sc.ListingCacheTTL, l)

	pipeline := services.NewIngestPipeline(
		stores.sessions,
		services.NewMerger(stores.chunks, sc.MergeDir, l),
		services.NewBatchProcessor(stores.catalog, sc.BatchSize, sc.DateColumns, l, m),
		updater,
		cachingSvc,
		l,
		m,
	)

	jwtSvc, err := auth.NewJWTService(cfg.JWTConfig.Secret, auth.DefaultTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("init jwt: %w", err)
	}

	svcs := &Services{
		Sessions: sessSvc,
		Chunks:   chunkSvc,
		Catalog:  catalogSvc,
		Pipeline: pipeline,
		Stores:   stores,
		app:      app,
	}

	svcs.Router = handlers.NewRouter(handlers.RouterDeps{
		Uploads:  handlers.NewUploadHandler(sessSvc, chunkSvc, l),
		Catalog:  handlers.NewCatalogHandler(catalogSvc, l),
		Health:   handlers.NewHealthHandler(svcs.ReadinessChecks(), l),
		JWT:      jwtSvc,
		Gatherer: app.Registry,
		Logger:   l,
	})

	return svcs, nil
}

func buildStores(ctx context.Context, app *App) (*Stores, error) {
	sc := app.Config.ServiceConfig
	l := app.Logger

	stores := &Stores{
		catalog: store.NewPostgresCatalogStore(app.Postgres),
	}

	switch sc.SessionBackend {
	case "dynamodb":
		stores.sessions = store.NewDynamoDBSessionStore(app.DynamoDB, app.Config.DynamoDBConfig.UploadsTableName)
	default:
		stores.sessions = store.NewRedisSessionStore(app.Redis)
	}

	switch sc.ChunkBackend {
	case "s3":
		stores.chunks = store.NewS3ChunkStore(app.S3, app.Config.S3Config.ChunksBucket, l)
	default:
		stores.chunks = store.NewFSChunkStore(sc.UploadDir, l)
	}

	switch sc.QueueBackend {
	case "sqs":
		queueUrl, err := queues.ResolveQueueUrl(ctx, app.Sqs, sc.UploadsQueueName)
		if err != nil {
			return nil, err
		}
		stores.broker = queues.NewSQSJobQueue(app.Sqs, queueUrl, sc.MaxJobAttempts, l)
	default:
		stores.broker = queues.NewRedisJobQueue(app.Redis, app.Config.RedisConfig.QueueKey, sc.MaxJobAttempts, l)
	}

	l.Info("stores configured",
		"sessions", stores.sessions.Name(),
		"chunks", stores.chunks.Name(),
		"queue", stores.broker.Name(),
	)
	return stores, nil
}

// ReadinessChecks lists every backing dependency probed by /health/ready and
// the gRPC health service.
func (s *Services) ReadinessChecks() []health.ReadinessCheck {
	return []health.ReadinessCheck{
		s.Stores.sessions,
		s.Stores.chunks,
		s.Stores.catalog,
		s.Stores.broker,
	}
}

// StartWorkers starts the merge workers. Jobs a previous process left in
// flight are made visible again first.
func (s *Services) StartWorkers(ctx context.Context) error {
	if rq, ok := s.Stores.broker.(*queues.RedisJobQueue); ok {
		n, err := rq.RequeueInFlight(ctx)
		if err != nil {
			return fmt.Errorf("requeue in-flight jobs: %w", err)
		}
		if n > 0 {
			s.app.Logger.Info("requeued in-flight jobs", "count", n)
		}
	}

	s.Consumer = queues.NewConsumer(
		ctx,
		s.Stores.broker,
		s.Pipeline.Handle,
		s.app.Config.ServiceConfig.WorkerConcurrency,
		s.app.Logger,
		s.app.Metrics,
	)
	s.Consumer.Start()
	return nil
}

func (s *Services) Shutdown(ctx context.Context) error {
	l := s.app.Logger
	l.Info("shutting down services")

	if s.Consumer != nil {
		if err := s.Consumer.Shutdown(ctx); err != nil {
			l.Error("consumer shutdown error", "error", err)
		}
	}

	l.Info("services shutdown complete")
	return nil
}
