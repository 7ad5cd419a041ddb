package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Yulian302/lfusys-services-ingest/config"
	"github.com/Yulian302/lfusys-services-ingest/health"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/metrics"
	"github.com/Yulian302/lfusys-services-ingest/store"
	"github.com/Yulian302/lfusys-services-ingest/tracing"
)

const healthInterval = 5 * time.Second

type App struct {
	HTTPServer   *http.Server
	GRPCServer   *grpc.Server
	HealthServer *grpchealth.Server

	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Sqs      *sqs.Client
	Redis    *redis.Client
	Postgres *sql.DB

	Config    config.Config
	AwsConfig aws.Config

	Registry       *prometheus.Registry
	Metrics        *metrics.Metrics
	Services       *Services
	TracerProvider *trace.TracerProvider
	Logger         logging.Logger
}

func SetupApp(ctx context.Context) (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	appLogger := logging.NewSlogLogger(logging.CreateAppLogger(cfg.Env))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app := &App{
		Config:   cfg,
		Registry: reg,
		Metrics:  metrics.NewMetrics(reg),
		Logger:   appLogger,
	}

	if cfg.ServiceConfig.UsesAWS() {
		awsCfg, err := initAWS(ctx, cfg.AWSConfig)
		if err != nil {
			return nil, err
		}
		app.AwsConfig = awsCfg
		app.DynamoDB = dynamodb.NewFromConfig(awsCfg)
		app.S3 = initS3(awsCfg, cfg.AWSConfig.Endpoint != "")
		app.Sqs = sqs.NewFromConfig(awsCfg)
	}

	app.Redis = initRedis(cfg.RedisConfig)

	db, err := initPostgres(ctx, cfg.PostgresConfig)
	if err != nil {
		return nil, err
	}
	app.Postgres = db

	if cfg.Tracing {
		tp, err := tracing.InitTracer(ctx, "ingest", cfg.TracingAddr)
		if err != nil {
			return nil, fmt.Errorf("start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "addr", cfg.TracingAddr)
		app.TracerProvider = tp
	}

	svcs, err := BuildServices(ctx, app)
	if err != nil {
		app.closeClients()
		return nil, err
	}
	app.Services = svcs

	return app, nil
}

// Run serves HTTP and the gRPC health service and runs the merge workers
// until ctx is cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	a.HTTPServer = &http.Server{
		Addr:              a.Config.ServiceConfig.HTTPAddr,
		Handler:           a.Services.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.GRPCServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	a.HealthServer = grpchealth.NewServer()
	healthpb.RegisterHealthServer(a.GRPCServer, a.HealthServer)

	grpcListener, err := net.Listen("tcp", a.Config.ServiceConfig.HealthGRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Config.ServiceConfig.HealthGRPCAddr, err)
	}

	if err := a.Services.StartWorkers(ctx); err != nil {
		grpcListener.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server started", "addr", a.HTTPServer.Addr)
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.Logger.Info("grpc health server started", "addr", grpcListener.Addr().String())
		if err := a.GRPCServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		health.Watch(gctx, a.HealthServer, a.Services.ReadinessChecks(), healthInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ServiceConfig.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func initAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		opts = append(opts,
			awsconfig.WithBaseEndpoint(cfg.Endpoint),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initS3(cfg aws.Config, pathStyle bool) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
	})
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.HOST,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func initPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := store.OpenPostgres(cfg.DSN)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error("http server shutdown error", "error", err)
		}
	}

	if a.GRPCServer != nil {
		done := make(chan struct{})
		go func() {
			a.GRPCServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.GRPCServer.Stop() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Error("services shutdown error", "error", err)
		}
	}

	a.closeClients()

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Error("tracer shutdown error", "error", err)
		}
	}

	a.Logger.Info("graceful shutdown complete")
	return nil
}

func (a *App) closeClients() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}
	if a.Postgres != nil {
		if err := a.Postgres.Close(); err != nil {
			a.Logger.Error("postgres close error", "error", err)
		}
	}
}
