// Package app wires the SitePulse services together and manages their
// lifecycle.
//
// Every collaborator (logger, store, classification table, metrics
// registry, rate limiter, archive storage) is built here once and handed to
// the components that need it. Nothing is process-global.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/sitepulse/sitepulse/internal/aggregate"
	grpcapi "github.com/sitepulse/sitepulse/internal/api/grpc"
	httpapi "github.com/sitepulse/sitepulse/internal/api/http"
	"github.com/sitepulse/sitepulse/internal/classify"
	"github.com/sitepulse/sitepulse/internal/config"
	"github.com/sitepulse/sitepulse/internal/ingest"
	"github.com/sitepulse/sitepulse/internal/observability"
	"github.com/sitepulse/sitepulse/internal/query"
	"github.com/sitepulse/sitepulse/internal/ratelimit"
	"github.com/sitepulse/sitepulse/internal/retention"
	"github.com/sitepulse/sitepulse/internal/server"
	"github.com/sitepulse/sitepulse/internal/storage"
	"github.com/sitepulse/sitepulse/internal/store"
)

// Service names used in health responses and logs.
const (
	ServiceIngest    = "sitepulse-ingest"
	ServiceQuery     = "sitepulse-query"
	ServiceRetention = "sitepulse-retention"
	ServiceGRPC      = "sitepulse-grpc"
)

// App manages all SitePulse service lifecycles.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Shared resources
	metrics  *observability.Metrics
	store    *store.SQLStore
	table    *classify.Table
	limiter  ratelimit.Limiter
	redis    *redis.Client
	archive  storage.ObjectStorage
	shutdown *server.ShutdownManager

	// Service components
	recorder   *ingest.Handler
	daemon     *retention.Daemon
	grpcServer *grpc.Server
	grpcHealth *health.Server

	addrs map[string]net.Addr

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &App{
		cfg:    cfg,
		logger: logger,
		addrs:  make(map[string]net.Addr),
	}, nil
}

// Start initializes shared resources and starts all configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.Stop(context.Background())
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.ShouldRunIngest() {
		if err := a.startIngestService(); err != nil {
			a.Stop(context.Background())
			return fmt.Errorf("failed to start ingest service: %w", err)
		}
	}

	if a.cfg.ShouldRunQuery() {
		if err := a.startQueryService(); err != nil {
			a.Stop(context.Background())
			return fmt.Errorf("failed to start query service: %w", err)
		}
	}

	if a.cfg.ShouldRunRetention() {
		if err := a.startRetentionService(ctx); err != nil {
			a.Stop(context.Background())
			return fmt.Errorf("failed to start retention service: %w", err)
		}
	}

	a.logger.Info("sitepulse started", zap.String("mode", string(a.cfg.Mode)))
	return nil
}

// initSharedResources opens the store and builds the collaborators every
// service shares.
func (a *App) initSharedResources(ctx context.Context) error {
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig(), a.logger)
	a.metrics = observability.NewMetrics()

	table, err := classify.New(a.cfg.Classification.Version, a.cfg.Classification.Pageview, a.cfg.Classification.NotFound)
	if err != nil {
		return fmt.Errorf("failed to build classification table: %w", err)
	}
	a.table = table
	a.logger.Info("event classification loaded",
		zap.Int("version", table.Version()),
		zap.Strings("pageview", table.Names(classify.ClassPageview)),
		zap.Strings("not_found", table.Names(classify.ClassNotFound)))

	a.store, err = store.Open(a.cfg.Store.Driver, a.cfg.Store.DSN, a.logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	a.shutdown.RegisterCloser("store", a.store)
	a.logger.Info("event store opened", zap.String("driver", a.cfg.Store.Driver))

	a.limiter = ratelimit.Noop{}
	if a.cfg.RateLimit.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr: a.cfg.RateLimit.RedisAddr,
			DB:   a.cfg.RateLimit.RedisDB,
		})
		a.shutdown.RegisterCloser("redis", a.redis)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.logger.Warn("rate limiter redis unreachable, requests are admitted until it recovers",
				zap.String("addr", a.cfg.RateLimit.RedisAddr),
				zap.Error(err))
		}
		a.limiter = ratelimit.NewRedisLimiter(a.redis, a.cfg.RateLimit.Window, a.cfg.RateLimit.MaxRequests)
		a.logger.Info("rate limiting enabled",
			zap.Duration("window", a.cfg.RateLimit.Window),
			zap.Int64("max_requests", a.cfg.RateLimit.MaxRequests))
	}

	return nil
}

// initArchiveStorage builds the object storage archived events go to.
func (a *App) initArchiveStorage(ctx context.Context) (storage.ObjectStorage, error) {
	switch a.cfg.Archive.Type {
	case "local":
		return storage.NewLocalStorage(a.cfg.Archive.Path)
	case "s3":
		return storage.NewS3Storage(ctx, a.cfg.Archive.S3.Bucket, storage.S3Config{
			Region:       a.cfg.Archive.S3.Region,
			Endpoint:     a.cfg.Archive.S3.Endpoint,
			UsePathStyle: a.cfg.Archive.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", a.cfg.Archive.Type)
	}
}

func (a *App) routerConfig(service string) httpapi.RouterConfig {
	return httpapi.RouterConfig{
		Service:        service,
		AllowedOrigins: a.cfg.HTTP.AllowedOrigins,
		APIKey:         a.cfg.Auth.APIKey,
		Metrics:        a.metrics,
		Store:          a.store,
		Logger:         a.logger.Named("http"),
	}
}

// startIngestService starts the ingest HTTP server and, when enabled, the
// gRPC server.
func (a *App) startIngestService() error {
	a.recorder = ingest.NewHandler(a.store, a.table, a.cfg.Ingest, a.metrics, a.logger.Named("ingest"))

	track := httpapi.NewTrackHandler(a.recorder, a.limiter, a.cfg.Ingest.MaxBodyBytes, a.metrics, a.logger.Named("ingest"))
	if err := a.serveHTTP(ServiceIngest, a.cfg.HTTP.IngestAddr, httpapi.NewIngestRouter(a.routerConfig(ServiceIngest), track)); err != nil {
		return err
	}

	if !a.cfg.GRPC.Enabled {
		return nil
	}

	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.setAddr(ServiceGRPC, lis.Addr())

	ingestServer := grpcapi.NewIngestServer(a.recorder, a.limiter, a.metrics, a.logger.Named("grpc"))
	a.grpcServer, a.grpcHealth = grpcapi.NewServer(ingestServer, a.logger.Named("grpc"))
	a.shutdown.RegisterCloser(ServiceGRPC, server.CloserFunc(func() error {
		a.grpcHealth.Shutdown()
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// startQueryService starts the query HTTP server.
func (a *App) startQueryService() error {
	engine := query.NewEngine(a.store, a.cfg.Query, a.metrics, a.logger.Named("query"))
	handler := httpapi.NewQueryHandler(engine, aggregate.Options{
		Table: a.table,
		TopK:  a.cfg.Aggregate.TopK,
	}, a.logger.Named("query"))

	return a.serveHTTP(ServiceQuery, a.cfg.HTTP.QueryAddr, httpapi.NewQueryRouter(a.routerConfig(ServiceQuery), handler))
}

// startRetentionService starts the retention daemon and its HTTP server for
// health checks and manual triggers.
func (a *App) startRetentionService(ctx context.Context) error {
	log := a.logger.Named("retention")

	var archiver *retention.Archiver
	if a.cfg.Retention.Archive {
		objects, err := a.initArchiveStorage(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		a.archive = objects
		archiver = retention.NewArchiver(objects, a.cfg.Archive.Shards, log)
		log.Info("archiving expired events", zap.String("type", a.cfg.Archive.Type))
	}

	var policy retention.Policy
	switch a.cfg.Retention.Policy {
	case "ttl":
		ttl, err := retention.NewTTLPolicy(retention.TTLConfig{
			TTL:       a.cfg.Retention.TTL,
			BatchSize: a.cfg.Retention.BatchSize,
		}, a.store, archiver, a.metrics, log)
		if err != nil {
			return err
		}
		policy = ttl
	default:
		policy = retention.NewNonePolicy(log)
	}

	a.daemon = retention.NewDaemon(policy, a.cfg.Retention.Interval, a.metrics, log)

	var archives *httpapi.ArchiveHandler
	if archiver != nil {
		archives = httpapi.NewArchiveHandler(archiver)
	}
	router := httpapi.NewRetentionRouter(a.routerConfig(ServiceRetention), httpapi.NewRetentionHandler(a.daemon), archives)
	if err := a.serveHTTP(ServiceRetention, a.cfg.HTTP.RetentionAddr, router); err != nil {
		return err
	}

	if err := a.daemon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention daemon: %w", err)
	}
	a.shutdown.RegisterCloser("retention-daemon", server.CloserFunc(a.daemon.Stop))
	log.Info("retention daemon started",
		zap.String("policy", policy.Name()),
		zap.Duration("interval", a.cfg.Retention.Interval))
	return nil
}

// serveHTTP listens on addr and serves h until shutdown.
func (a *App) serveHTTP(service, addr string, h http.Handler) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	a.setAddr(service, lis.Addr())

	srv := &http.Server{
		Handler:      server.ShutdownMiddleware(a.shutdown)(h),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser(service, server.HTTPServerCloser{Server: srv})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("HTTP server listening", zap.String("service", service), zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", zap.String("service", service), zap.Error(err))
		}
	}()
	return nil
}

func (a *App) setAddr(service string, addr net.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addrs[service] = addr
}

// Addr returns the address a running service listens on, or nil.
func (a *App) Addr(service string) net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addrs[service]
}

// Metrics returns the metrics registry the services record into.
func (a *App) Metrics() *observability.Metrics {
	return a.metrics
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.logger.Info("initiating graceful shutdown")

	var err error
	if a.shutdown != nil {
		err = a.shutdown.Shutdown(ctx, "stop requested")
	}
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown timeout, some servers may not have finished")
	}

	a.logger.Info("sitepulse stopped")
	return err
}

// WaitForShutdown blocks until a shutdown signal is received or ctx is done.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
