package service

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"mime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/templui/provenance/internal/apperr"
	"github.com/templui/provenance/internal/cache"
	"github.com/templui/provenance/internal/index"
	"github.com/templui/provenance/internal/model"
	"github.com/templui/provenance/internal/storage"
)

const usageKeyPrefix = "usage:"

var (
	evictedFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provenance_evicted_files_total",
		Help: "Objects removed to bring a storage identity under its target size.",
	})
	evictedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provenance_evicted_bytes_total",
		Help: "Bytes freed by eviction.",
	})
	usageScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provenance_usage_scans_total",
		Help: "Full prefix listings run to compute usage (cache misses).",
	})
)

// RemovedFunc is told about every object key a background job deletes, before the bytes go
type RemovedFunc func(ctx context.Context, key string)

// ForgetInIndex drops index records for removed asset paths. Keys that are
// not asset paths (manifests) are ignored.
func ForgetInIndex(idx *index.Index, logger *slog.Logger) RemovedFunc {
	return func(ctx context.Context, key string) {
		_, err := idx.DeleteByPath(ctx, key)
		if err == nil || errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation) {
			return
		}
		logger.Warn("failed to forget removed object", slog.String("key", key), slog.String("error", err.Error()))
	}
}

type BucketConfig struct {
	UserMaxQuota      int64
	AnonymousMaxQuota int64
	UsageTTL          time.Duration
	StatConcurrency   int
}

// BucketService accounts storage per storage identity. Usage snapshots are
// cached; the bucket listing is always the source of truth.
type BucketService struct {
	store   storage.Storage
	cache   cache.Store
	cfg     BucketConfig
	removed RemovedFunc
	now     func() time.Time
	logger  *slog.Logger
}

func NewBucketService(store storage.Storage, c cache.Store, cfg BucketConfig, removed RemovedFunc, logger *slog.Logger) *BucketService {
	if cfg.StatConcurrency <= 0 {
		cfg.StatConcurrency = 8
	}
	if removed == nil {
		removed = func(context.Context, string) {}
	}
	return &BucketService{
		store:   store,
		cache:   c,
		cfg:     cfg,
		removed: removed,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "bucket")),
	}
}

// MaxQuota is the byte allowance of a storage identity
func (s *BucketService) MaxQuota(storageID string) int64 {
	if storageID == index.AnonymousNamespace {
		return s.cfg.AnonymousMaxQuota
	}
	return s.cfg.UserMaxQuota
}

// Usage returns the cached snapshot or recomputes it from a full listing
func (s *BucketService) Usage(ctx context.Context, storageID string) (model.UsageSnapshot, error) {
	key := usageKeyPrefix + storageID
	if snap, ok := cache.GetJSON[model.UsageSnapshot](ctx, s.cache, key); ok {
		return snap, nil
	}

	snap, err := s.scan(ctx, storageID)
	if err != nil {
		return model.UsageSnapshot{}, err
	}
	if err := cache.SetJSON(ctx, s.cache, key, snap, s.cfg.UsageTTL); err != nil {
		s.logger.Warn("failed to cache usage", slog.String("storage_id", storageID), slog.String("error", err.Error()))
	}
	return snap, nil
}

// scan streams the prefix and stats objects with bounded parallelism for their content types
func (s *BucketService) scan(ctx context.Context, storageID string) (model.UsageSnapshot, error) {
	usageScansTotal.Inc()
	snap := model.UsageSnapshot{
		StorageID: storageID,
		FileTypes: make(map[string]int),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.StatConcurrency)

	for obj, err := range s.store.List(gctx, index.StoragePrefix(storageID), true) {
		if err != nil {
			// A failed stat cancels gctx, which also ends the listing
			if werr := g.Wait(); werr != nil {
				return model.UsageSnapshot{}, werr
			}
			return model.UsageSnapshot{}, translateStorage(err, "list "+storageID)
		}
		g.Go(func() error {
			info, err := s.store.Stat(gctx, obj.Key)
			if errors.Is(err, storage.ErrNotFound) {
				// Deleted while we were listing
				return nil
			}
			if err != nil {
				return translateStorage(err, "stat "+obj.Key)
			}
			mu.Lock()
			snap.TotalSize += info.Size
			snap.FileCount++
			snap.FileTypes[mediaType(info.ContentType)]++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.UsageSnapshot{}, err
	}

	snap.ComputedAt = s.now().UTC()
	return snap, nil
}

// CheckQuota allows an upload when current + incoming does not exceed the maximum
func (s *BucketService) CheckQuota(ctx context.Context, storageID string, incoming int64) (model.QuotaCheck, error) {
	usage, err := s.Usage(ctx, storageID)
	if err != nil {
		return model.QuotaCheck{}, err
	}
	return quotaCheck(usage.TotalSize, s.MaxQuota(storageID), incoming), nil
}

func quotaCheck(current, maxQuota, incoming int64) model.QuotaCheck {
	check := model.QuotaCheck{
		Allowed:        current+incoming <= maxQuota,
		CurrentUsage:   current,
		MaxQuota:       maxQuota,
		RemainingQuota: max(maxQuota-current, 0),
	}
	if maxQuota > 0 {
		check.UsagePercentage = float64(current) / float64(maxQuota) * 100
	}
	return check
}

// EnsureQuota is CheckQuota as an error
func (s *BucketService) EnsureQuota(ctx context.Context, storageID string, incoming int64) error {
	check, err := s.CheckQuota(ctx, storageID, incoming)
	if err != nil {
		return err
	}
	if !check.Allowed {
		return &apperr.QuotaError{Current: check.CurrentUsage, Max: check.MaxQuota, Incoming: incoming}
	}
	return nil
}

type evictionCandidate struct {
	key      string
	size     int64
	modified time.Time
}

// EvictToTarget removes the oldest objects until usage is at or below target.
// Objects younger than keepRecent are never touched, even if the target is missed.
func (s *BucketService) EvictToTarget(ctx context.Context, storageID string, target int64, keepRecent time.Duration) (model.EvictionResult, error) {
	cutoff := s.now().Add(-keepRecent)

	var total int64
	var candidates []evictionCandidate
	for obj, err := range s.store.List(ctx, index.StoragePrefix(storageID), true) {
		if err != nil {
			return model.EvictionResult{}, translateStorage(err, "list "+storageID)
		}
		total += obj.Size
		if obj.LastModified.Before(cutoff) {
			candidates = append(candidates, evictionCandidate{key: obj.Key, size: obj.Size, modified: obj.LastModified})
		}
	}

	result := model.EvictionResult{RemainingUsage: total}
	if total <= target {
		return result, nil
	}

	slices.SortFunc(candidates, func(a, b evictionCandidate) int {
		return cmp.Or(a.modified.Compare(b.modified), cmp.Compare(a.key, b.key))
	})

	var err error
	for _, c := range candidates {
		if result.RemainingUsage <= target {
			break
		}
		s.removed(ctx, c.key)
		if rerr := s.store.Remove(ctx, c.key); rerr != nil {
			err = translateStorage(rerr, "remove "+c.key)
			break
		}
		result.RemovedFiles++
		result.FreedSpace += c.size
		result.RemainingUsage -= c.size
	}

	evictedFilesTotal.Add(float64(result.RemovedFiles))
	evictedBytesTotal.Add(float64(result.FreedSpace))
	s.ClearCache(ctx, storageID)

	s.logger.Info("eviction finished",
		slog.String("storage_id", storageID),
		slog.Int("removed", result.RemovedFiles),
		slog.Int64("freed", result.FreedSpace),
		slog.Int64("remaining", result.RemainingUsage),
		slog.Int64("target", target),
	)
	return result, err
}

// ClearCache drops the snapshot of one storage identity, or of all when storageID is empty
func (s *BucketService) ClearCache(ctx context.Context, storageID string) {
	if storageID == "" {
		s.cache.DeletePrefix(ctx, usageKeyPrefix)
		return
	}
	s.cache.Delete(ctx, usageKeyPrefix+storageID)
}

func mediaType(contentType string) string {
	if contentType == "" {
		return "application/octet-stream"
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}

func translateStorage(err error, what string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound(what)
	case errors.Is(err, apperr.ErrUpstreamUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperr.Upstream(what, err)
	}
}
