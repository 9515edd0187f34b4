package cache

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// Local is a size-bounded in-process tier with per-entry expiry
type Local struct {
	mu  sync.Mutex // serialises IncrBy read-modify-write
	lru *expirable.LRU[string, localEntry]
	now func() time.Time
}

// NewLocal creates an LRU holding at most size entries
func NewLocal(size int) *Local {
	if size <= 0 {
		size = 1024
	}
	return &Local{
		// ttl 0: expiry is tracked per entry instead of per cache
		lru: expirable.NewLRU[string, localEntry](size, nil, 0),
		now: time.Now,
	}
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := l.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !l.now().Before(e.expiresAt) {
		l.lru.Remove(key)
		return nil, false
	}
	return slices.Clone(e.value), true
}

func (l *Local) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) {
	l.lru.Add(key, l.entry(value, ttl))
}

func (l *Local) Delete(_ context.Context, key string) {
	l.lru.Remove(key)
}

func (l *Local) DeletePrefix(_ context.Context, prefix string) {
	for _, k := range l.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			l.lru.Remove(k)
		}
	}
}

func (l *Local) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var current int64
	expiresAt := time.Time{}
	if e, ok := l.lru.Get(key); ok && (e.expiresAt.IsZero() || l.now().Before(e.expiresAt)) {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err == nil {
			current = n
			expiresAt = e.expiresAt
		}
	}

	next := current + delta
	e := l.entry([]byte(strconv.FormatInt(next, 10)), ttl)
	if !expiresAt.IsZero() {
		e.expiresAt = expiresAt
	}
	l.lru.Add(key, e)
	return next, nil
}

func (l *Local) entry(value []byte, ttl time.Duration) localEntry {
	e := localEntry{value: slices.Clone(value)}
	if ttl > 0 {
		e.expiresAt = l.now().Add(ttl)
	}
	return e
}
