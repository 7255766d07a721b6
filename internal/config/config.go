// Package config provides unified configuration for all SitePulse services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sitepulse/sitepulse/internal/logger"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeIngest    Mode = "ingest"
	ModeQuery     Mode = "query"
	ModeRetention Mode = "retention"
)

// Config holds the unified configuration for all SitePulse services.
type Config struct {
	// Mode specifies which services to run: all, ingest, query, retention
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP           HTTPConfig           `json:"http" yaml:"http"`
	GRPC           GRPCConfig           `json:"grpc" yaml:"grpc"`
	Store          StoreConfig          `json:"store" yaml:"store"`
	Auth           AuthConfig           `json:"auth" yaml:"auth"`
	Ingest         IngestConfig         `json:"ingest" yaml:"ingest"`
	Query          QueryConfig          `json:"query" yaml:"query"`
	Aggregate      AggregateConfig      `json:"aggregate" yaml:"aggregate"`
	Classification ClassificationConfig `json:"classification" yaml:"classification"`
	Retention      RetentionConfig      `json:"retention" yaml:"retention"`
	Archive        ArchiveConfig        `json:"archive" yaml:"archive"`
	RateLimit      RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Log            logger.Config        `json:"log" yaml:"log"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// IngestAddr serves the open ingestion boundary
	IngestAddr string `json:"ingest_addr" yaml:"ingest_addr"`

	// QueryAddr serves the credential-protected query boundary
	QueryAddr string `json:"query_addr" yaml:"query_addr"`

	// RetentionAddr serves health and manual retention triggers
	RetentionAddr string `json:"retention_addr" yaml:"retention_addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// AllowedOrigins is the CORS allow list for browser callers
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// StoreConfig selects and configures the event store.
type StoreConfig struct {
	// Driver is sqlite3 or postgres
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the data source name; for sqlite3 it defaults to DataDir/events.db
	DSN string `json:"dsn" yaml:"dsn"`
}

// AuthConfig holds the shared credential for the query boundary.
type AuthConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
}

// IngestConfig bounds what the ingestion boundary accepts.
type IngestConfig struct {
	MaxBodyBytes       int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
	MaxWebsiteIDLength int   `json:"max_website_id_length" yaml:"max_website_id_length"`
	MaxEventNameLength int   `json:"max_event_name_length" yaml:"max_event_name_length"`
	MaxSessionIDLength int   `json:"max_session_id_length" yaml:"max_session_id_length"`
	MaxEventDataBytes  int   `json:"max_event_data_bytes" yaml:"max_event_data_bytes"`
	MaxEventDataDepth  int   `json:"max_event_data_depth" yaml:"max_event_data_depth"`
	MaxUserAgentLength int   `json:"max_user_agent_length" yaml:"max_user_agent_length"`
}

// QueryConfig bounds the query window.
type QueryConfig struct {
	DefaultLimit int `json:"default_limit" yaml:"default_limit"`
	MaxLimit     int `json:"max_limit" yaml:"max_limit"`
}

// AggregateConfig configures summary computation.
type AggregateConfig struct {
	TopK int `json:"top_k" yaml:"top_k"`
}

// ClassificationConfig is the versioned event-name classification table.
type ClassificationConfig struct {
	Version  int      `json:"version" yaml:"version"`
	Pageview []string `json:"pageview" yaml:"pageview"`
	NotFound []string `json:"not_found" yaml:"not_found"`
}

// RetentionConfig selects the retention policy.
type RetentionConfig struct {
	// Policy is none or ttl
	Policy string `json:"policy" yaml:"policy"`

	// TTL is the age after which events are removed (ttl policy)
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// Interval is the time between retention runs
	Interval time.Duration `json:"interval" yaml:"interval"`

	// BatchSize is the number of events removed per step
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// Archive writes removed events to object storage before deletion
	Archive bool `json:"archive" yaml:"archive"`
}

// ArchiveConfig holds object storage configuration for archived events.
type ArchiveConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Shards is the number of key prefixes archived objects are spread over
	Shards int `json:"shards" yaml:"shards"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// RateLimitConfig configures the ingestion rate limiter.
type RateLimitConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	RedisAddr   string        `json:"redis_addr" yaml:"redis_addr"`
	RedisDB     int           `json:"redis_db" yaml:"redis_db"`
	Window      time.Duration `json:"window" yaml:"window"`
	MaxRequests int64         `json:"max_requests" yaml:"max_requests"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/sitepulse",
		HTTP: HTTPConfig{
			IngestAddr:     ":8080",
			QueryAddr:      ":8081",
			RetentionAddr:  ":8082",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			IdleTimeout:    120 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: false,
		},
		Store: StoreConfig{
			Driver: "sqlite3",
		},
		Ingest: IngestConfig{
			MaxBodyBytes:       64 * 1024,
			MaxWebsiteIDLength: 255,
			MaxEventNameLength: 255,
			MaxSessionIDLength: 255,
			MaxEventDataBytes:  16 * 1024,
			MaxEventDataDepth:  8,
			MaxUserAgentLength: 1024,
		},
		Query: QueryConfig{
			DefaultLimit: 500,
			MaxLimit:     1000,
		},
		Aggregate: AggregateConfig{
			TopK: 10,
		},
		Classification: ClassificationConfig{
			Version:  1,
			Pageview: []string{"pageview", "page_view"},
			NotFound: []string{"404_not_found", "not_found"},
		},
		Retention: RetentionConfig{
			Policy:    "none",
			TTL:       90 * 24 * time.Hour,
			Interval:  time.Hour,
			BatchSize: 1000,
		},
		Archive: ArchiveConfig{
			Type:   "local",
			Shards: 16,
		},
		RateLimit: RateLimitConfig{
			Enabled:     false,
			RedisAddr:   "localhost:6379",
			Window:      time.Minute,
			MaxRequests: 600,
		},
		Log: logger.Config{
			Level: "info",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/sitepulse"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite3"
	}
	if c.Store.Driver == "sqlite3" && c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(c.DataDir, "events.db")
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeIngest, ModeQuery, ModeRetention:
	default:
		return fmt.Errorf("invalid mode: %s (must be all, ingest, query, or retention)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Store.Driver {
	case "sqlite3":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("invalid store driver: %s (must be sqlite3 or postgres)", c.Store.Driver)
	}

	if c.ShouldRunQuery() && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when the query service runs")
	}

	if c.Query.DefaultLimit <= 0 || c.Query.MaxLimit <= 0 {
		return fmt.Errorf("query limits must be positive")
	}
	if c.Query.DefaultLimit > c.Query.MaxLimit {
		return fmt.Errorf("query.default_limit (%d) exceeds query.max_limit (%d)", c.Query.DefaultLimit, c.Query.MaxLimit)
	}

	if c.Aggregate.TopK <= 0 {
		return fmt.Errorf("aggregate.top_k must be positive, got %d", c.Aggregate.TopK)
	}

	if c.Ingest.MaxWebsiteIDLength <= 0 || c.Ingest.MaxEventNameLength <= 0 ||
		c.Ingest.MaxEventDataBytes <= 0 || c.Ingest.MaxEventDataDepth <= 0 {
		return fmt.Errorf("ingest bounds must be positive")
	}

	switch c.Retention.Policy {
	case "none":
	case "ttl":
		if c.Retention.TTL <= 0 {
			return fmt.Errorf("retention.ttl must be positive for the ttl policy")
		}
		if c.Retention.BatchSize <= 0 {
			return fmt.Errorf("retention.batch_size must be positive")
		}
	default:
		return fmt.Errorf("invalid retention policy: %s (must be none or ttl)", c.Retention.Policy)
	}

	if c.Archive.Type != "local" && c.Archive.Type != "s3" {
		return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
	}
	if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("rate_limit.redis_addr is required when rate limiting is enabled")
		}
		if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit.window and rate_limit.max_requests must be positive")
		}
	}

	return nil
}

// ShouldRunIngest returns true if the ingest service should run.
func (c *Config) ShouldRunIngest() bool {
	return c.Mode == ModeAll || c.Mode == ModeIngest
}

// ShouldRunQuery returns true if the query service should run.
func (c *Config) ShouldRunQuery() bool {
	return c.Mode == ModeAll || c.Mode == ModeQuery
}

// ShouldRunRetention returns true if the retention service should run.
func (c *Config) ShouldRunRetention() bool {
	return c.Mode == ModeAll || c.Mode == ModeRetention
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if !json.Valid(data) {
			return nil, fmt.Errorf("failed to parse JSON config: invalid JSON")
		}
		// JSON is decoded by the YAML decoder so durations are written as
		// strings like "24h" in both formats.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SITEPULSE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SITEPULSE_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("SITEPULSE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("SITEPULSE_HTTP_INGEST_ADDR"); v != "" {
		cfg.HTTP.IngestAddr = v
	}
	if v := os.Getenv("SITEPULSE_HTTP_QUERY_ADDR"); v != "" {
		cfg.HTTP.QueryAddr = v
	}
	if v := os.Getenv("SITEPULSE_HTTP_RETENTION_ADDR"); v != "" {
		cfg.HTTP.RetentionAddr = v
	}
	if v := os.Getenv("SITEPULSE_HTTP_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}

	// gRPC configuration
	if v := os.Getenv("SITEPULSE_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("SITEPULSE_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Store configuration
	if v := os.Getenv("SITEPULSE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SITEPULSE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}

	// Credential; ANALYTICS_API_KEY is honored for existing deployments
	if v := os.Getenv("ANALYTICS_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("SITEPULSE_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Query and aggregation
	if v := os.Getenv("SITEPULSE_QUERY_DEFAULT_LIMIT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.DefaultLimit)
	}
	if v := os.Getenv("SITEPULSE_QUERY_MAX_LIMIT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.MaxLimit)
	}
	if v := os.Getenv("SITEPULSE_AGGREGATE_TOP_K"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Aggregate.TopK)
	}

	// Classification table
	if v := os.Getenv("SITEPULSE_CLASSIFICATION_VERSION"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Classification.Version)
	}
	if v := os.Getenv("SITEPULSE_CLASSIFICATION_PAGEVIEW"); v != "" {
		cfg.Classification.Pageview = splitList(v)
	}
	if v := os.Getenv("SITEPULSE_CLASSIFICATION_NOT_FOUND"); v != "" {
		cfg.Classification.NotFound = splitList(v)
	}

	// Retention configuration
	if v := os.Getenv("SITEPULSE_RETENTION_POLICY"); v != "" {
		cfg.Retention.Policy = v
	}
	if v := os.Getenv("SITEPULSE_RETENTION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.TTL = d
		}
	}
	if v := os.Getenv("SITEPULSE_RETENTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.Interval = d
		}
	}
	if v := os.Getenv("SITEPULSE_RETENTION_ARCHIVE"); v != "" {
		cfg.Retention.Archive = v == "true" || v == "1"
	}

	// Archive storage configuration
	if v := os.Getenv("SITEPULSE_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := os.Getenv("SITEPULSE_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("SITEPULSE_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("SITEPULSE_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("SITEPULSE_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}

	// Rate limiting
	if v := os.Getenv("SITEPULSE_RATE_LIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SITEPULSE_REDIS_ADDR"); v != "" {
		cfg.RateLimit.RedisAddr = v
	}
	if v := os.Getenv("SITEPULSE_RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RateLimit.MaxRequests = n
		}
	}

	// Logging
	if v := os.Getenv("SITEPULSE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
