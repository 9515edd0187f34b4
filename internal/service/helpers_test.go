package service

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/templui/provenance/internal/cache"
	"github.com/templui/provenance/internal/fingerprint"
	"github.com/templui/provenance/internal/index"
	"github.com/templui/provenance/internal/model"
	"github.com/templui/provenance/internal/snowflake"
	"github.com/templui/provenance/internal/storage"
)

const gib = int64(1) << 30

type fakeAttestor struct {
	mu    sync.Mutex
	calls []model.Identity
}

func (f *fakeAttestor) Attest(_ context.Context, _ string, identity model.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, identity)
}

func (f *fakeAttestor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type removedKeys struct {
	mu   sync.Mutex
	keys []string
}

func (r *removedKeys) hook(_ context.Context, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *removedKeys) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

type harness struct {
	svc      *UploadService
	store    storage.Storage
	mem      *storage.Memory
	idx      *index.Index
	bucket   *BucketService
	cleanup  *CleanupService
	cache    *cache.Tiered
	attestor *fakeAttestor
}

type harnessOptions struct {
	upload UploadConfig
	bucket BucketConfig
	store  func(*storage.Memory) storage.Storage
}

func defaultHarnessOptions() harnessOptions {
	return harnessOptions{
		upload: UploadConfig{
			MaxUploadSize:          10 << 20,
			AnonymousEnabled:       true,
			AnonymousTTL:           24 * time.Hour,
			SweepDebounce:          time.Minute,
			PresignExpiryPublic:    7 * 24 * time.Hour,
			PresignExpiryPrivate:   time.Hour,
			DuplicateThresholdMed:  10,
			DuplicateThresholdFine: 20,
		},
		bucket: BucketConfig{
			UserMaxQuota:      10 * gib,
			AnonymousMaxQuota: 50 * gib,
			UsageTTL:          time.Minute,
		},
	}
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := slog.Default()

	mem := storage.NewMemory()
	var store storage.Storage = mem
	if opts.store != nil {
		store = opts.store(mem)
	}
	c := cache.NewTiered(nil, cache.NewLocal(100), time.Second, logger)
	idx := index.New(store, logger)

	ids, err := snowflake.New(snowflake.Config{WorkerID: 1})
	require.NoError(t, err)
	fp, err := fingerprint.New(fingerprint.SHA256)
	require.NoError(t, err)

	bucket := NewBucketService(store, c, opts.bucket, ForgetInIndex(idx, logger), logger)
	cleanup := NewCleanupService(store, bucket, ForgetInIndex(idx, logger), opts.upload.AnonymousTTL, time.Hour, logger)
	t.Cleanup(cleanup.Stop)

	attestor := &fakeAttestor{}
	svc := NewUploadService(UploadDeps{
		IDs:           ids,
		Fingerprinter: fp,
		Scanner:       fingerprint.NewLinearScanner(idx),
		Index:         idx,
		Store:         store,
		Bucket:        bucket,
		Cleanup:       cleanup,
		Allowance:     NewAllowance(c, 1<<20),
		Attestor:      attestor,
	}, opts.upload, logger)
	t.Cleanup(svc.Wait)

	return &harness{
		svc:      svc,
		store:    store,
		mem:      mem,
		idx:      idx,
		bucket:   bucket,
		cleanup:  cleanup,
		cache:    c,
		attestor: attestor,
	}
}

// sizedStore reports synthetic sizes and ages so multi-gigabyte layouts can be tested
type sizedStore struct {
	storage.Storage
	mu      sync.Mutex
	objects map[string]storage.ObjectInfo
	order   []string
}

func newSizedStore() *sizedStore {
	return &sizedStore{Storage: storage.NewMemory(), objects: make(map[string]storage.ObjectInfo)}
}

func (s *sizedStore) add(key string, size int64, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = storage.ObjectInfo{Key: key, Size: size, LastModified: modified}
	s.order = append(s.order, key)
}

func (s *sizedStore) List(_ context.Context, prefix string, _ bool) iter.Seq2[storage.ObjectInfo, error] {
	return func(yield func(storage.ObjectInfo, error) bool) {
		s.mu.Lock()
		var infos []storage.ObjectInfo
		for _, k := range s.order {
			if obj, ok := s.objects[k]; ok && len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				infos = append(infos, obj)
			}
		}
		s.mu.Unlock()
		for _, info := range infos {
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (s *sizedStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrNotFound
	}
	obj.ContentType = "image/png"
	return obj, nil
}

func (s *sizedStore) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.objects, k)
	}
	return nil
}

func (s *sizedStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}
