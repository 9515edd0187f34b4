package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/templui/provenance/internal/index"
	"github.com/templui/provenance/internal/model"
	"github.com/templui/provenance/internal/storage"
)

// Object metadata written on anonymous uploads and manifests
const (
	MetaUploadTime = "upload-time"
	MetaTTL        = "ttl" // seconds
)

const sweepTimeout = 10 * time.Minute

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provenance_sweep_runs_total",
		Help: "Anonymous expiry sweeps run.",
	})
	sweepRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provenance_sweep_removed_total",
		Help: "Expired anonymous objects removed.",
	})
	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provenance_sweep_errors_total",
		Help: "Per-object failures during sweeps.",
	})
	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "provenance_sweep_duration_seconds",
		Help:    "Duration of anonymous expiry sweeps.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// CleanupService retires anonymous uploads and manifests past their TTL
type CleanupService struct {
	store    storage.Storage
	bucket   *BucketService
	removed  RemovedFunc
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu sync.Mutex // one sweep at a time

	timerMu sync.Mutex
	timer   *time.Timer
	cancel  context.CancelFunc
}

func NewCleanupService(store storage.Storage, bucket *BucketService, removed RemovedFunc, ttl, interval time.Duration, logger *slog.Logger) *CleanupService {
	if removed == nil {
		removed = func(context.Context, string) {}
	}
	return &CleanupService{
		store:    store,
		bucket:   bucket,
		removed:  removed,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "cleanup")),
	}
}

// ScheduleSweep (re)arms a single delayed sweep. Calling it again before the
// delay elapses replaces the pending sweep, so bursts of uploads cause one sweep.
func (s *CleanupService) ScheduleSweep(delay time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("scheduled sweep failed", slog.String("error", err.Error()))
		}
	})
}

// Start runs a sweep immediately and then on every interval until Stop
func (s *CleanupService) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.timerMu.Lock()
	s.cancel = cancel
	s.timerMu.Unlock()

	go s.run(ctx)

	s.logger.Info("sweeper started",
		slog.String("interval", s.interval.String()),
		slog.String("ttl", s.ttl.String()),
	)
}

func (s *CleanupService) run(ctx context.Context) {
	s.sweepLogged(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepLogged(ctx)
		}
	}
}

func (s *CleanupService) sweepLogged(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
	}
}

// Stop ends the ticker loop and drops any pending scheduled sweep
func (s *CleanupService) Stop() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.logger.Info("sweeper stopped")
}

// SweepOnce deletes every anonymous object whose upload-time is older than its TTL.
// Per-object failures are counted and logged; only a failed listing aborts the sweep.
func (s *CleanupService) SweepOnce(ctx context.Context) (model.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now()
	var result model.SweepResult

	var listErr error
	for obj, err := range s.store.List(ctx, index.StoragePrefix(index.AnonymousNamespace), true) {
		if err != nil {
			listErr = translateStorage(err, "list anonymous")
			break
		}

		info, err := s.store.Stat(ctx, obj.Key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			result.Errors++
			s.logger.Warn("sweep stat failed", slog.String("key", obj.Key), slog.String("error", err.Error()))
			continue
		}

		expiresAt, ok := s.expiry(info)
		if !ok {
			s.logger.Warn("anonymous object without upload-time, skipping", slog.String("key", obj.Key))
			continue
		}
		// Only strictly older than the cutoff
		if !now.After(expiresAt) {
			continue
		}

		s.removed(ctx, obj.Key)
		if err := s.store.Remove(ctx, obj.Key); err != nil {
			result.Errors++
			s.logger.Warn("sweep remove failed", slog.String("key", obj.Key), slog.String("error", err.Error()))
			continue
		}
		result.RemovedFiles++
		result.FreedSpace += info.Size
	}

	if result.RemovedFiles > 0 && s.bucket != nil {
		s.bucket.ClearCache(ctx, index.AnonymousNamespace)
	}

	result.Duration = time.Since(start)
	sweepRunsTotal.Inc()
	sweepRemovedTotal.Add(float64(result.RemovedFiles))
	sweepErrorsTotal.Add(float64(result.Errors))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Info("sweep finished",
		slog.Int("removed", result.RemovedFiles),
		slog.Int64("freed", result.FreedSpace),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result, listErr
}

// expiry reads upload-time (and an optional per-object ttl) from metadata; backend mtime is ignored
func (s *CleanupService) expiry(info storage.ObjectInfo) (time.Time, bool) {
	raw, ok := info.Metadata[MetaUploadTime]
	if !ok {
		return time.Time{}, false
	}
	uploaded, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	ttl := s.ttl
	if v, ok := info.Metadata[MetaTTL]; ok {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	return uploaded.Add(ttl), true
}
