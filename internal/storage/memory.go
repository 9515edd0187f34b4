package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	modified    time.Time
	etag        string
	contentType string
	metadata    map[string]string
}

// Memory is an in-process Storage used for development and tests
type Memory struct {
	mu      sync.RWMutex
	objects map[string]*memObject
	now     func() time.Time
	version uint64
}

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]*memObject),
		now:     time.Now,
	}
}

// SetClock overrides the time source used for LastModified
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetModTime rewrites the LastModified of an existing key
func (m *Memory) SetModTime(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[key]; ok {
		obj.modified = t
	}
}

// Len returns the number of stored objects
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Memory) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.objects[key]
	if opts.IfNoneMatch && exists {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
	}
	if opts.IfMatch != "" && (!exists || existing.etag != opts.IfMatch) {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
	}

	m.version++
	sum := sha256.Sum256(data)
	obj := &memObject{
		data:        data,
		modified:    m.now().UTC(),
		etag:        fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(sum[:8]), m.version),
		contentType: opts.ContentType,
		metadata:    maps.Clone(opts.Metadata),
	}
	m.objects[key] = obj
	return obj.info(key), nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(slices.Clone(obj.data))), obj.info(key), nil
}

func (m *Memory) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, ErrNotFound)
	}
	return obj.info(key), nil
}

// List snapshots matching keys in lexical order, then yields them one by one
func (m *Memory) List(ctx context.Context, prefix string, recursive bool) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		m.mu.RLock()
		var keys []string
		for k := range m.objects {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if !recursive && strings.Contains(k[len(prefix):], "/") {
				continue
			}
			keys = append(keys, k)
		}
		m.mu.RUnlock()
		slices.Sort(keys)

		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				yield(ObjectInfo{}, err)
				return
			}
			m.mu.RLock()
			obj, ok := m.objects[k]
			var info ObjectInfo
			if ok {
				info = obj.info(k)
				info.ContentType = ""
				info.Metadata = nil
			}
			m.mu.RUnlock()
			if !ok {
				continue
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (m *Memory) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

func (m *Memory) Copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[src]
	if !ok {
		return fmt.Errorf("copy %s: %w", src, ErrNotFound)
	}
	cp := *obj
	cp.data = slices.Clone(obj.data)
	cp.metadata = maps.Clone(obj.metadata)
	cp.modified = m.now().UTC()
	m.version++
	sum := sha256.Sum256(cp.data)
	cp.etag = fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(sum[:8]), m.version)
	m.objects[dst] = &cp
	return nil
}

func (m *Memory) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return presignURL("GET", key, ttl), nil
}

func (m *Memory) PresignPut(_ context.Context, key string, ttl time.Duration) (string, error) {
	return presignURL("PUT", key, ttl), nil
}

func presignURL(method, key string, ttl time.Duration) string {
	q := url.Values{}
	q.Set("method", method)
	q.Set("expires", fmt.Sprintf("%d", int(ttl.Seconds())))
	return "memory:///" + key + "?" + q.Encode()
}

func (o *memObject) info(key string) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(o.data)),
		LastModified: o.modified,
		ETag:         o.etag,
		ContentType:  o.contentType,
		Metadata:     maps.Clone(o.metadata),
	}
}
