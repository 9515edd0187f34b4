package storage

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

var (
	// ErrNotFound is returned when the key does not exist
	ErrNotFound = errors.New("object not found")
	// ErrPreconditionFailed is returned when a conditional write loses (If-None-Match / If-Match)
	ErrPreconditionFailed = errors.New("object precondition failed")
)

// ObjectInfo is the fixed record type yielded by listings.
// ContentType and Metadata are only populated by Stat and Get.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	ContentType  string
	Metadata     map[string]string
}

// PutOptions controls a single write
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	IfNoneMatch bool   // create only, fail with ErrPreconditionFailed if the key exists
	IfMatch     string // overwrite only if the current ETag matches
}

// Storage is the object-store collaborator: a key -> bytes store
type Storage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// List yields objects under prefix lazily. Ranging again restarts the listing.
	List(ctx context.Context, prefix string, recursive bool) iter.Seq2[ObjectInfo, error]
	Remove(ctx context.Context, keys ...string) error
	Copy(ctx context.Context, src, dst string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ReadAll fetches an object fully into memory
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, ObjectInfo, error) {
	body, info, err := s.Get(ctx, key)
	if err != nil {
		return nil, info, err
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, info, err
	}
	return data, info, nil
}
