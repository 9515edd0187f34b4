package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/templui/provenance/internal/cache"
	"github.com/templui/provenance/internal/config"
	"github.com/templui/provenance/internal/db"
	"github.com/templui/provenance/internal/fingerprint"
	"github.com/templui/provenance/internal/handler"
	"github.com/templui/provenance/internal/index"
	"github.com/templui/provenance/internal/ledger"
	"github.com/templui/provenance/internal/logger"
	"github.com/templui/provenance/internal/repository"
	"github.com/templui/provenance/internal/service"
	"github.com/templui/provenance/internal/snowflake"
	"github.com/templui/provenance/internal/storage"
)

type App struct {
	Cfg            *config.Config
	DB             *sqlx.DB // nil unless CATALOG_DRIVER is sqlite or pgx
	Storage        storage.Storage
	Cache          *cache.Tiered
	Redis          *cache.Redis // nil without REDIS_URL
	Index          *index.Index
	AuthService    *service.AuthService
	BucketService  *service.BucketService
	CleanupService *service.CleanupService
	UploadService  *service.UploadService
	HealthChecks   map[string]handler.Pinger
}

func New(cfg *config.Config) (*App, error) {
	ctx := context.Background()
	a := &App{
		Cfg:          cfg,
		HealthChecks: make(map[string]handler.Pinger),
	}

	// Storage
	fileStorage, err := storage.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Storage = fileStorage
	a.HealthChecks["storage"] = handler.PingFunc(func(ctx context.Context) error {
		for _, err := range fileStorage.List(ctx, "indexes/identities/", false) {
			if err != nil {
				return err
			}
			break
		}
		return nil
	})

	// Cache: Redis when configured, process-local LRU always
	var remote cache.Remote
	if cfg.RedisURL != "" {
		redis, err := cache.NewRedis(cfg.RedisURL, cfg.AppName+":", cfg.CacheTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		a.Redis = redis
		remote = redis
		a.HealthChecks["redis"] = redis
	} else {
		slog.Warn("REDIS_URL not set, quota state is local to this instance")
	}
	a.Cache = cache.NewTiered(remote, cache.NewLocal(cfg.CacheLocalSize), cfg.CacheTimeout, logger.For("cache"))

	// Index, optionally mirrored into a SQL catalog for the duplicate scanner
	var indexOpts []index.Option
	var catalog fingerprint.Catalog
	switch cfg.CatalogDriver {
	case "sqlite", "pgx":
		database, err := db.Open(ctx, cfg.CatalogDriver, cfg.DBConnection)
		if err != nil {
			a.closeConnections()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.DB = database
		if err := db.Migrate(ctx, database.DB, cfg.CatalogDriver); err != nil {
			a.closeConnections()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		fingerprints := repository.NewFingerprintRepository(database)
		indexOpts = append(indexOpts, index.WithMirror(fingerprints))
		catalog = fingerprints
		a.HealthChecks["catalog"] = handler.PingFunc(database.PingContext)
	case "bucket", "":
	default:
		a.closeConnections()
		return nil, fmt.Errorf("unknown CATALOG_DRIVER %q", cfg.CatalogDriver)
	}
	a.Index = index.New(fileStorage, logger.For("index"), indexOpts...)
	if catalog == nil {
		catalog = a.Index
	}

	// Identity
	ids, err := snowflake.New(snowflake.Config{
		WorkerID:       cfg.SnowflakeWorkerID,
		ClockTolerance: cfg.SnowflakeClockTolerance,
	})
	if err != nil {
		a.closeConnections()
		return nil, fmt.Errorf("failed to initialize id generator: %w", err)
	}
	fingerprinter, err := fingerprint.New(cfg.DigestAlgorithm)
	if err != nil {
		a.closeConnections()
		return nil, fmt.Errorf("failed to initialize fingerprinter: %w", err)
	}

	// Collaborators
	var ledgerClient ledger.Client = ledger.Noop{}
	if cfg.LedgerURL != "" {
		ledgerClient = ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerToken, cfg.LedgerTimeout, logger.For("ledger"))
	}
	var signer ledger.Signer = ledger.Passthrough{}
	if cfg.SignerURL != "" {
		signer = ledger.NewHTTPSigner(cfg.SignerURL, cfg.LedgerTimeout)
	}

	// Services
	removed := service.ForgetInIndex(a.Index, logger.For("index"))
	a.AuthService = service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	a.BucketService = service.NewBucketService(fileStorage, a.Cache, service.BucketConfig{
		UserMaxQuota:      cfg.UserMaxQuota,
		AnonymousMaxQuota: cfg.AnonymousMaxQuota,
		UsageTTL:          cfg.UsageCacheTTL,
	}, removed, logger.Log)
	a.CleanupService = service.NewCleanupService(fileStorage, a.BucketService, removed, cfg.AnonymousTTL, cfg.SweepInterval, logger.Log)
	a.UploadService = service.NewUploadService(service.UploadDeps{
		IDs:           ids,
		Fingerprinter: fingerprinter,
		Scanner:       fingerprint.NewLinearScanner(catalog),
		Index:         a.Index,
		Store:         fileStorage,
		Bucket:        a.BucketService,
		Cleanup:       a.CleanupService,
		Allowance:     service.NewAllowance(a.Cache, cfg.AnonymousIPDailySize),
		Attestor:      ledger.NewAttestor(ledgerClient, fileStorage, a.Cache, cfg.LedgerTimeout, logger.For("ledger")),
		Signer:        signer,
	}, service.UploadConfig{
		MaxUploadSize:          cfg.MaxUploadSize,
		AnonymousEnabled:       cfg.AnonymousUploads,
		AnonymousTTL:           cfg.AnonymousTTL,
		SweepDebounce:          cfg.SweepDebounce,
		PresignExpiryPublic:    cfg.S3PresignExpiryPublic,
		PresignExpiryPrivate:   cfg.S3PresignExpiryPrivate,
		DuplicateThresholdMed:  cfg.DuplicateThresholdMed,
		DuplicateThresholdFine: cfg.DuplicateThresholdFine,
	}, logger.Log)

	if !a.AuthService.Enabled() {
		slog.Warn("JWT_SECRET not set, every caller is anonymous")
	}
	return a, nil
}

// Start launches background jobs
func (a *App) Start(ctx context.Context) {
	a.CleanupService.Start(ctx)
}

// Close stops background jobs, waits for in-flight attestations up to timeout
// and releases connections
func (a *App) Close(timeout time.Duration) error {
	a.CleanupService.Stop()

	done := make(chan struct{})
	go func() {
		a.UploadService.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("gave up waiting for attestations", "timeout", timeout)
	}

	return a.closeConnections()
}

func (a *App) closeConnections() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, db.Close(a.DB))
	}
	return errors.Join(errs...)
}
