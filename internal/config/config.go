package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	gib = int64(1) << 30
	mib = int64(1) << 20
)

type Config struct {
	// Application
	AppName string
	AppEnv  string
	Port    string

	// Security (bearer tokens are optional; no token means anonymous)
	JWTSecret  string
	JWTExpiry  time.Duration
	AdminToken string // guards /api/admin/*; empty disables those routes
	RateLimit  int    // requests per minute per IP on upload routes

	// Observability (optional)
	SentryDSN string

	// Storage (S3-compatible: MinIO, AWS S3, Cloudflare R2, DigitalOcean Spaces, etc.)
	StorageDriver          string // "s3" or "memory"
	StorageTimeout         time.Duration
	S3Region               string
	S3Bucket               string
	S3AccessKey            string
	S3SecretKey            string
	S3Endpoint             string        // Optional: for S3-compatible services (MinIO, DO Spaces, R2, etc.)
	S3PresignExpiryPublic  time.Duration // Expiry for resolved public links - default: 7 days
	S3PresignExpiryPrivate time.Duration // Expiry for private links and upload URLs - default: 1 hour

	// Cache (Redis optional; process-local LRU always present)
	RedisURL       string
	CacheTimeout   time.Duration
	CacheLocalSize int
	UsageCacheTTL  time.Duration

	// Fingerprint catalog used by the near-duplicate scanner: "bucket", "sqlite" or "pgx"
	CatalogDriver string
	DBConnection  string

	// Identity
	SnowflakeWorkerID       int64
	SnowflakeClockTolerance time.Duration
	DigestAlgorithm         string // "sha256" or "blake3"
	DuplicateThresholdMed   int
	DuplicateThresholdFine  int

	// Quotas
	AnonymousUploads     bool
	UserMaxQuota         int64
	AnonymousMaxQuota    int64
	AnonymousIPDailySize int64
	MaxUploadSize        int64

	// Expiry & eviction
	AnonymousTTL    time.Duration
	SweepDebounce   time.Duration
	SweepInterval   time.Duration
	EvictKeepRecent time.Duration

	// Ledger & signer collaborators (optional)
	LedgerURL     string
	LedgerToken   string
	LedgerTimeout time.Duration
	SignerURL     string
}

func Load() *Config {
	// Load .env file if it exists
	err := godotenv.Load()
	if err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg := &Config{
		// Application
		AppName: envString("APP_NAME", "provenance"),
		AppEnv:  envRequired("APP_ENV"), // Required: 'development' or 'production'
		Port:    envString("PORT", "8090"),

		JWTSecret:  envString("JWT_SECRET", ""),
		JWTExpiry:  envDuration("JWT_EXPIRY", 24*time.Hour),
		AdminToken: envString("ADMIN_TOKEN", ""),
		RateLimit:  envInt("RATE_LIMIT_PER_MINUTE", 60),
		SentryDSN:  envString("SENTRY_DSN", ""),

		// Storage
		StorageDriver:          envString("STORAGE_DRIVER", "s3"),
		StorageTimeout:         envDuration("STORAGE_TIMEOUT", 30*time.Second),
		S3Region:               envString("S3_REGION", "us-east-1"),
		S3Bucket:               envString("S3_BUCKET", "provenance"),
		S3AccessKey:            envString("S3_ACCESS_KEY", ""),
		S3SecretKey:            envString("S3_SECRET_KEY", ""),
		S3Endpoint:             envString("S3_ENDPOINT", ""),                           // Optional: for non-AWS providers
		S3PresignExpiryPublic:  envDuration("S3_PRESIGN_EXPIRY_PUBLIC", 168*time.Hour), // 7 days
		S3PresignExpiryPrivate: envDuration("S3_PRESIGN_EXPIRY_PRIVATE", 1*time.Hour),

		// Cache
		RedisURL:       envString("REDIS_URL", ""),
		CacheTimeout:   envDuration("CACHE_TIMEOUT", 250*time.Millisecond),
		CacheLocalSize: envInt("CACHE_LOCAL_SIZE", 10000),
		UsageCacheTTL:  envDuration("USAGE_CACHE_TTL", 5*time.Minute),

		// Catalog
		CatalogDriver: envString("CATALOG_DRIVER", "bucket"),
		DBConnection:  envString("DB_CONNECTION", "./data/catalog.db?_pragma=journal_mode(WAL)"),

		// Identity
		SnowflakeWorkerID:       envInt64("SNOWFLAKE_WORKER_ID", 0),
		SnowflakeClockTolerance: envDuration("SNOWFLAKE_CLOCK_TOLERANCE", 10*time.Millisecond),
		DigestAlgorithm:         envString("DIGEST_ALGORITHM", "sha256"),
		DuplicateThresholdMed:   envInt("DUPLICATE_THRESHOLD_MEDIUM", 10),
		DuplicateThresholdFine:  envInt("DUPLICATE_THRESHOLD_FINE", 20),

		// Quotas
		AnonymousUploads:     envBool("ANONYMOUS_UPLOADS_ENABLED", true),
		UserMaxQuota:         envInt64("USER_MAX_QUOTA", 10*gib),
		AnonymousMaxQuota:    envInt64("ANONYMOUS_MAX_QUOTA", 50*gib),
		AnonymousIPDailySize: envInt64("ANONYMOUS_IP_DAILY_BYTES", 500*mib),
		MaxUploadSize:        envInt64("MAX_UPLOAD_SIZE", 100*mib),

		// Expiry & eviction
		AnonymousTTL:    envDuration("ANONYMOUS_TTL", 24*time.Hour),
		SweepDebounce:   envDuration("SWEEP_DEBOUNCE", 5*time.Minute),
		SweepInterval:   envDuration("SWEEP_INTERVAL", 1*time.Hour),
		EvictKeepRecent: envDuration("EVICT_KEEP_RECENT", 24*time.Hour),

		// Collaborators
		LedgerURL:     envString("LEDGER_URL", ""),
		LedgerToken:   envString("LEDGER_TOKEN", ""),
		LedgerTimeout: envDuration("LEDGER_TIMEOUT", 5*time.Second),
		SignerURL:     envString("SIGNER_URL", ""),
	}

	// Production: validate required services
	if cfg.IsProduction() {
		validateProduction(cfg)
	}

	return cfg
}

// validateProduction ensures all required services are configured for production deployments.
// Development allows in-memory storage and anonymous-only operation for easier local testing.
func validateProduction(cfg *Config) {
	problems := cfg.ProductionProblems()
	for _, problem := range problems {
		slog.Error("invalid production configuration", "problem", problem)
	}
	if len(problems) > 0 {
		os.Exit(1)
	}
}

// ProductionProblems lists settings that are unsafe outside development
func (c *Config) ProductionProblems() []string {
	var problems []string
	if c.StorageDriver != "s3" {
		problems = append(problems, "STORAGE_DRIVER must be s3")
	}
	if c.S3AccessKey == "" || c.S3SecretKey == "" {
		problems = append(problems, "S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	if c.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	}
	if c.RedisURL == "" {
		problems = append(problems, "REDIS_URL is required so quota state is shared across instances")
	}
	return problems
}

func envString(key, def string) string {
	value := os.Getenv(key)
	if value == "" {
		value = def
	}
	return value
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config invalid bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func envInt(key string, def int) int {
	return int(envInt64(key, int64(def)))
}

func envInt64(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("config invalid integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func envRequired(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	slog.Error("config required env var missing", "key", key)
	os.Exit(1)
	return ""
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}
