// Package cache is the two-level cache used for usage snapshots and allowance counters.
//
// Reads try the distributed tier first and fall back to the process-local tier.
// Writes go to both. A failing distributed tier degrades to local-only behaviour
// and is never reported to callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrMiss is returned by a Remote when the key does not exist
var ErrMiss = errors.New("cache miss")

var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provenance_cache_hits_total",
		Help: "Cache hits by tier.",
	}, []string{"tier"})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provenance_cache_misses_total",
		Help: "Lookups that missed every tier.",
	})
	cacheRemoteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provenance_cache_remote_errors_total",
		Help: "Distributed tier failures that degraded to the local tier.",
	}, []string{"op"})
)

// Store is what the rest of the service depends on
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	DeletePrefix(ctx context.Context, prefix string)
	// IncrBy adds delta to a counter and returns the new value. The ttl applies when the counter is created.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
}

// Remote is the distributed tier
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	DelPrefix(ctx context.Context, prefix string) error
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
}

// GetJSON decodes a cached JSON value. Undecodable entries count as misses.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool) {
	var v T
	data, ok := s.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false
	}
	return v, true
}

// SetJSON encodes v and stores it in every tier
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.SetWithTTL(ctx, key, data, ttl)
	return nil
}
