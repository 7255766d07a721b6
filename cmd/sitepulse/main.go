// Package main implements the sitepulse binary.
// It runs the ingest, query and retention services together or one at a
// time, selected with --mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/app"
	"github.com/sitepulse/sitepulse/internal/config"
	"github.com/sitepulse/sitepulse/internal/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

// flags holds command line overrides; empty values leave the config alone.
type flags struct {
	configFile    string
	envFile       string
	dataDir       string
	mode          string
	httpIngest    string
	httpQuery     string
	httpRetention string
	grpcAddr      string
	storeDriver   string
	storeDSN      string
	logLevel      string
	grpcEnabled   bool
}

func main() {
	var (
		f           flags
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.envFile, "env-file", ".env", "Path to a .env file loaded before reading the environment")
	flag.StringVar(&f.dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&f.mode, "mode", "", "Service mode: all, ingest, query, retention (default all)")
	flag.StringVar(&f.httpIngest, "http-ingest", "", "HTTP address for the ingest service")
	flag.StringVar(&f.httpQuery, "http-query", "", "HTTP address for the query service")
	flag.StringVar(&f.httpRetention, "http-retention", "", "HTTP address for the retention service")
	flag.StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC server address")
	flag.BoolVar(&f.grpcEnabled, "grpc", false, "Enable the gRPC ingestion server")
	flag.StringVar(&f.storeDriver, "store-driver", "", "Event store driver: sqlite3, postgres")
	flag.StringVar(&f.storeDSN, "store-dsn", "", "Event store data source name")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "SitePulse - self-hosted website analytics\n\n")
		fmt.Fprintf(os.Stderr, "Usage: sitepulse [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  sitepulse --data-dir /var/lib/sitepulse\n")
		fmt.Fprintf(os.Stderr, "  sitepulse --mode ingest --grpc\n")
		fmt.Fprintf(os.Stderr, "  sitepulse --config /etc/sitepulse/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  SITEPULSE_MODE            Service mode (all, ingest, query, retention)\n")
		fmt.Fprintf(os.Stderr, "  SITEPULSE_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  SITEPULSE_API_KEY         Query credential (ANALYTICS_API_KEY also accepted)\n")
		fmt.Fprintf(os.Stderr, "  SITEPULSE_STORE_DRIVER    Event store driver (sqlite3, postgres)\n")
		fmt.Fprintf(os.Stderr, "  SITEPULSE_STORE_DSN       Event store data source name\n")
		fmt.Fprintf(os.Stderr, "  SITEPULSE_HTTP_*_ADDR     HTTP addresses for services\n")
		fmt.Fprintf(os.Stderr, "  SITEPULSE_RETENTION_*     Retention policy, TTL and interval\n")
		fmt.Fprintf(os.Stderr, "  SITEPULSE_REDIS_ADDR      Redis address for rate limiting\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("sitepulse version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	printBanner(log, cfg)

	application, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("failed to create application", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatal("failed to start application", zap.Error(err))
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Warn("shutdown reported an error", zap.Error(err))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}

// loadConfig layers defaults or the config file, then .env and the
// environment, then command line flags.
func loadConfig(f flags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if f.configFile != "" {
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if f.envFile != "" {
		if err := config.LoadDotEnv(f.envFile); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)

	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.mode != "" {
		cfg.Mode = config.Mode(f.mode)
	}
	if f.httpIngest != "" {
		cfg.HTTP.IngestAddr = f.httpIngest
	}
	if f.httpQuery != "" {
		cfg.HTTP.QueryAddr = f.httpQuery
	}
	if f.httpRetention != "" {
		cfg.HTTP.RetentionAddr = f.httpRetention
	}
	if f.grpcAddr != "" {
		cfg.GRPC.Addr = f.grpcAddr
	}
	if f.grpcEnabled {
		cfg.GRPC.Enabled = true
	}
	if f.storeDriver != "" {
		cfg.Store.Driver = f.storeDriver
	}
	if f.storeDSN != "" {
		cfg.Store.DSN = f.storeDSN
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	return cfg, nil
}

// printBanner logs the configuration summary at startup.
func printBanner(log *zap.Logger, cfg *config.Config) {
	log.Info("sitepulse starting",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("mode", string(cfg.Mode)),
		zap.String("data_dir", cfg.DataDir),
		zap.String("store", cfg.Store.Driver))

	if cfg.ShouldRunIngest() {
		fields := []zap.Field{zap.String("http", cfg.HTTP.IngestAddr), zap.Bool("rate_limit", cfg.RateLimit.Enabled)}
		if cfg.GRPC.Enabled {
			fields = append(fields, zap.String("grpc", cfg.GRPC.Addr))
		}
		log.Info("ingest service", fields...)
	}

	if cfg.ShouldRunQuery() {
		log.Info("query service",
			zap.String("http", cfg.HTTP.QueryAddr),
			zap.Int("default_limit", cfg.Query.DefaultLimit),
			zap.Int("max_limit", cfg.Query.MaxLimit))
	}

	if cfg.ShouldRunRetention() {
		log.Info("retention service",
			zap.String("http", cfg.HTTP.RetentionAddr),
			zap.String("policy", cfg.Retention.Policy),
			zap.Duration("interval", cfg.Retention.Interval))
	}
}
