package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Tiered fronts an optional Remote with a Local tier
type Tiered struct {
	remote  Remote
	local   *Local
	timeout time.Duration
	logger  *slog.Logger
}

// NewTiered builds the cache. remote may be nil (local-only).
func NewTiered(remote Remote, local *Local, timeout time.Duration, logger *slog.Logger) *Tiered {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Tiered{
		remote:  remote,
		local:   local,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "cache")),
	}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if t.remote != nil {
		rctx, cancel := context.WithTimeout(ctx, t.timeout)
		data, err := t.remote.Get(rctx, key)
		cancel()
		switch {
		case err == nil:
			cacheHitsTotal.WithLabelValues("remote").Inc()
			return data, true
		case !errors.Is(err, ErrMiss):
			t.degraded("get", key, err)
		}
	}

	if data, ok := t.local.Get(ctx, key); ok {
		cacheHitsTotal.WithLabelValues("local").Inc()
		return data, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

func (t *Tiered) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) {
	t.local.SetWithTTL(ctx, key, value, ttl)
	if t.remote == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.remote.Set(rctx, key, value, ttl); err != nil {
		t.degraded("set", key, err)
	}
}

func (t *Tiered) Delete(ctx context.Context, key string) {
	t.local.Delete(ctx, key)
	if t.remote == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.remote.Del(rctx, key); err != nil {
		t.degraded("delete", key, err)
	}
}

func (t *Tiered) DeletePrefix(ctx context.Context, prefix string) {
	t.local.DeletePrefix(ctx, prefix)
	if t.remote == nil {
		return
	}
	// SCAN may take several round trips, so allow more than a single-call budget
	rctx, cancel := context.WithTimeout(ctx, t.timeout*20)
	defer cancel()
	if err := t.remote.DelPrefix(rctx, prefix); err != nil {
		t.degraded("delete_prefix", prefix, err)
	}
}

// IncrBy counts in the distributed tier when it is reachable so all instances share the value
func (t *Tiered) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if t.remote != nil {
		rctx, cancel := context.WithTimeout(ctx, t.timeout)
		n, err := t.remote.IncrBy(rctx, key, delta, ttl)
		cancel()
		if err == nil {
			return n, nil
		}
		t.degraded("incr", key, err)
	}
	return t.local.IncrBy(ctx, key, delta, ttl)
}

func (t *Tiered) degraded(op, key string, err error) {
	cacheRemoteErrorsTotal.WithLabelValues(op).Inc()
	t.logger.Debug("distributed cache unavailable, using local tier",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}
