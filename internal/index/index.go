// Package index persists identity records and file maps as JSON objects next
// to the assets they describe.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/templui/provenance/internal/apperr"
	"github.com/templui/provenance/internal/model"
	"github.com/templui/provenance/internal/storage"
)

// maxRetries bounds optimistic If-Match loops on identity records
const maxRetries = 5

var errDeleteRecord = errors.New("delete record")

// Mirror receives every identity change, for secondary catalogs
type Mirror interface {
	SaveIdentity(ctx context.Context, identity model.Identity) error
	DeleteIdentity(ctx context.Context, contentHash string) error
}

type Index struct {
	store  storage.Storage
	mirror Mirror
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Index)

func WithMirror(m Mirror) Option {
	return func(x *Index) { x.mirror = m }
}

func WithClock(now func() time.Time) Option {
	return func(x *Index) { x.now = now }
}

func New(store storage.Storage, logger *slog.Logger, opts ...Option) *Index {
	x := &Index{
		store:  store,
		logger: logger.With(slog.String("component", "index")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// UpsertInput describes the upload asking for an identity
type UpsertInput struct {
	Fingerprint model.Fingerprint
	OwnerID     string
	Username    string
	FileName    string
	ContentType string
	Size        int64
	ID          int64
	MnemonicID  string
	Path        string
	Visibility  model.Visibility
}

type UpsertResult struct {
	Identity        model.Identity
	Existing        bool
	IsOriginalOwner bool
}

// UpsertIdentity creates the record for a new digest with a create-only write.
// A digest that already has a record gets its upload count incremented instead.
func (x *Index) UpsertIdentity(ctx context.Context, in UpsertInput) (UpsertResult, error) {
	digest := in.Fingerprint.ExactDigest
	if !ValidDigest(digest) {
		return UpsertResult{}, apperr.Validation("fingerprint exact digest is missing or malformed")
	}

	now := x.now().UTC()
	record := model.Identity{
		ContentHash:     digest,
		DigestAlgorithm: in.Fingerprint.Algorithm,
		CoarseHash:      in.Fingerprint.CoarseHash,
		MediumHash:      in.Fingerprint.MediumHash,
		FineHash:        in.Fingerprint.FineHash,
		OwnerID:         in.OwnerID,
		Username:        in.Username,
		FileName:        in.FileName,
		ContentType:     in.ContentType,
		Size:            in.Size,
		ID:              in.ID,
		MnemonicID:      in.MnemonicID,
		Path:            in.Path,
		References:      []string{in.Path},
		CreatedAt:       now,
		UpdatedAt:       now,
		Status:          model.StatusPending,
		UploadCount:     1,
	}
	if in.Visibility == model.VisibilityPublic {
		record.PublicPath = in.Path
	}

	for range maxRetries {
		_, err := x.writeJSON(ctx, IdentityKey(digest), record, storage.PutOptions{IfNoneMatch: true})
		if err == nil {
			x.mirrorSave(ctx, record)
			x.logger.Debug("identity created", slog.String("digest", digest), slog.Int64("id", in.ID))
			return UpsertResult{Identity: record, IsOriginalOwner: true}, nil
		}
		if !errors.Is(err, storage.ErrPreconditionFailed) {
			return UpsertResult{}, err
		}

		existing, err := x.mutateIdentity(ctx, digest, func(i *model.Identity) error {
			i.UploadCount++
			i.UpdatedAt = x.now().UTC()
			return nil
		})
		if errors.Is(err, apperr.ErrNotFound) {
			// Deleted between our create attempt and the read
			continue
		}
		if err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{
			Identity:        existing,
			Existing:        true,
			IsOriginalOwner: existing.OwnerID == in.OwnerID,
		}, nil
	}
	return UpsertResult{}, apperr.Upstream("upsert identity", fmt.Errorf("identity %s kept changing", digest))
}

// ConfirmIdentity marks the record as backed by verified bytes. The perceptual
// hashes are replaced by the ones computed from those bytes, so declared values
// never reach the duplicate scanner. Confirming twice is a no-op.
func (x *Index) ConfirmIdentity(ctx context.Context, verified model.Fingerprint) (model.Identity, error) {
	return x.mutateIdentity(ctx, verified.ExactDigest, func(i *model.Identity) error {
		i.Status = model.StatusConfirmed
		i.CoarseHash = verified.CoarseHash
		i.MediumHash = verified.MediumHash
		i.FineHash = verified.FineHash
		if verified.Algorithm != "" {
			i.DigestAlgorithm = verified.Algorithm
		}
		i.UpdatedAt = x.now().UTC()
		return nil
	})
}

// AdoptPending hands a pending identity whose primary path never received bytes
// to a new upload. The stale path stays referenced so its intent can still be
// confirmed. Returns ErrConflict when the record moved on in the meantime.
func (x *Index) AdoptPending(ctx context.Context, stalePath string, in UpsertInput) (model.Identity, error) {
	return x.mutateIdentity(ctx, in.Fingerprint.ExactDigest, func(i *model.Identity) error {
		if i.Status != model.StatusPending || i.Path != stalePath {
			return &apperr.ConflictError{Path: IdentityKey(i.ContentHash), Reason: "identity is no longer abandoned"}
		}
		i.OwnerID = in.OwnerID
		i.Username = in.Username
		i.FileName = in.FileName
		i.ContentType = in.ContentType
		i.Size = in.Size
		i.ID = in.ID
		i.MnemonicID = in.MnemonicID
		i.Path = in.Path
		i.CoarseHash = in.Fingerprint.CoarseHash
		i.MediumHash = in.Fingerprint.MediumHash
		i.FineHash = in.Fingerprint.FineHash
		i.AddReference(in.Path)
		i.UpdatedAt = x.now().UTC()
		return nil
	})
}

// WriteFileMap upserts the record for one stored path. The identity it refers to must exist.
func (x *Index) WriteFileMap(ctx context.Context, fm model.FileMap) error {
	if fm.IdentityRef == "" || fm.Path == "" || fm.Namespace == "" {
		return apperr.Validation("file map needs identity_ref, path and namespace")
	}
	if !fm.Visibility.Valid() {
		return apperr.Validation("unknown visibility %q", fm.Visibility)
	}
	if _, err := x.store.Stat(ctx, IdentityKey(fm.IdentityRef)); err != nil {
		return x.translate(err, "identity "+fm.IdentityRef)
	}
	_, err := x.writeJSON(ctx, FileMapKey(fm), fm, storage.PutOptions{})
	return err
}

// Publish copies a private asset to the handle's public namespace and records the
// public file map. Publishing the same identity again returns the existing record.
func (x *Index) Publish(ctx context.Context, ownerID string, id int64, handle string) (model.FileMap, error) {
	if !ValidHandle(handle) {
		return model.FileMap{}, apperr.Validation("invalid public handle %q", handle)
	}

	privateKey := PrivateFileMapKey(ownerID, id)
	var private model.FileMap
	if _, err := x.readJSON(ctx, privateKey, &private); err != nil {
		return model.FileMap{}, err
	}

	publicKey := PublicFileMapKey(handle, id)
	existing, err := x.existingPublication(ctx, publicKey, private.IdentityRef)
	if err != nil {
		return model.FileMap{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	dst := PublicAssetPath(handle, id)
	public := model.FileMap{
		ID:          private.ID,
		MnemonicID:  private.MnemonicID,
		FileName:    private.FileName,
		Path:        dst,
		Visibility:  model.VisibilityPublic,
		Namespace:   handle,
		UploadedAt:  x.now().UTC(),
		IdentityRef: private.IdentityRef,
	}
	// Claim the public key before touching the bytes behind it
	if _, err := x.writeJSON(ctx, publicKey, public, storage.PutOptions{IfNoneMatch: true}); err != nil {
		if !errors.Is(err, storage.ErrPreconditionFailed) {
			return model.FileMap{}, err
		}
		// Lost a race with another publisher of the same key
		existing, err = x.existingPublication(ctx, publicKey, private.IdentityRef)
		if err != nil {
			return model.FileMap{}, err
		}
		if existing == nil {
			return model.FileMap{}, &apperr.ConflictError{Path: publicKey, Reason: "public record changed during publish"}
		}
		return *existing, nil
	}

	if err := x.store.Copy(ctx, private.Path, dst); err != nil {
		if rerr := x.store.Remove(ctx, publicKey); rerr != nil {
			x.logger.Error("failed to release public record", slog.String("key", publicKey), slog.String("error", rerr.Error()))
		}
		return model.FileMap{}, x.translate(err, "private asset "+private.Path)
	}

	if _, err := x.mutateIdentity(ctx, private.IdentityRef, func(i *model.Identity) error {
		i.PublicPath = dst
		i.AddReference(dst)
		i.UpdatedAt = x.now().UTC()
		return nil
	}); err != nil {
		return model.FileMap{}, err
	}

	private.PublicPath = dst
	if _, err := x.writeJSON(ctx, privateKey, private, storage.PutOptions{}); err != nil {
		return model.FileMap{}, err
	}

	x.logger.Info("file published",
		slog.String("owner", ownerID),
		slog.String("handle", handle),
		slog.Int64("id", id),
	)
	return public, nil
}

// existingPublication returns the record at key when it belongs to identityRef,
// nil when there is none, and a conflict when someone else owns it.
func (x *Index) existingPublication(ctx context.Context, key, identityRef string) (*model.FileMap, error) {
	var fm model.FileMap
	_, err := x.readJSON(ctx, key, &fm)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fm.IdentityRef != identityRef {
		return nil, &apperr.ConflictError{Path: key, Reason: "already published by another identity"}
	}
	return &fm, nil
}

func (x *Index) LookupByFingerprint(ctx context.Context, digest string) (model.Identity, error) {
	if !ValidDigest(digest) {
		return model.Identity{}, apperr.NotFound("identity " + digest)
	}
	var identity model.Identity
	_, err := x.readJSON(ctx, IdentityKey(digest), &identity)
	return identity, err
}

// LookupByMnemonic resolves a shareable code inside a namespace. Public records
// win over private ones in the same namespace.
func (x *Index) LookupByMnemonic(ctx context.Context, namespace, code string) (model.FileMap, error) {
	id, err := decodeMnemonic(code)
	if err != nil {
		return model.FileMap{}, err
	}

	keys := []string{PrivateFileMapKey(namespace, id)}
	if namespace != AnonymousNamespace {
		keys = []string{PublicFileMapKey(namespace, id), PrivateFileMapKey(namespace, id)}
	}
	for _, key := range keys {
		var fm model.FileMap
		_, err := x.readJSON(ctx, key, &fm)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		return fm, err
	}
	return model.FileMap{}, apperr.NotFound(fmt.Sprintf("mnemonic %s in %s", code, namespace))
}

// LookupFileMap reads the private (or anonymous) record for an id
func (x *Index) LookupFileMap(ctx context.Context, namespace string, id int64) (model.FileMap, error) {
	var fm model.FileMap
	_, err := x.readJSON(ctx, PrivateFileMapKey(namespace, id), &fm)
	return fm, err
}

func (x *Index) LookupByPath(ctx context.Context, assetPath string) (model.FileMap, error) {
	ref, err := ParsePath(assetPath)
	if err != nil {
		return model.FileMap{}, err
	}
	var fm model.FileMap
	_, err = x.readJSON(ctx, ref.fileMapKey(), &fm)
	return fm, err
}

// DeleteByPath forgets a stored path: file map first, then the identity's
// reference, deleting the identity once nothing refers to it. The bytes are
// left to the caller. Returns the removed file map.
func (x *Index) DeleteByPath(ctx context.Context, assetPath string) (model.FileMap, error) {
	ref, err := ParsePath(assetPath)
	if err != nil {
		return model.FileMap{}, err
	}
	key := ref.fileMapKey()

	var fm model.FileMap
	if _, err := x.readJSON(ctx, key, &fm); err != nil {
		return model.FileMap{}, err
	}
	if err := x.store.Remove(ctx, key); err != nil {
		return model.FileMap{}, x.translate(err, key)
	}

	identity, err := x.DetachPath(ctx, fm.IdentityRef, assetPath)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fm, err
	}

	// A withdrawn publication no longer shows on the owner's private record
	if fm.Visibility == model.VisibilityPublic && identity.OwnerID != "" {
		x.clearPublicPath(ctx, identity.OwnerID, fm.ID, assetPath)
	}
	return fm, nil
}

// DetachPath removes assetPath from the identity's references and deletes the
// identity when none remain. The returned identity is the last stored state.
func (x *Index) DetachPath(ctx context.Context, digest, assetPath string) (model.Identity, error) {
	return x.mutateIdentity(ctx, digest, func(i *model.Identity) error {
		if !i.RemoveReference(assetPath) {
			return errDeleteRecord
		}
		i.UpdatedAt = x.now().UTC()
		return nil
	})
}

func (x *Index) clearPublicPath(ctx context.Context, ownerID string, id int64, publicPath string) {
	key := PrivateFileMapKey(ownerID, id)
	var private model.FileMap
	etag, err := x.readJSON(ctx, key, &private)
	if err != nil || private.PublicPath != publicPath {
		return
	}
	private.PublicPath = ""
	if _, err := x.writeJSON(ctx, key, private, storage.PutOptions{IfMatch: etag}); err != nil {
		x.logger.Warn("failed to clear public path", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// All streams every identity record
func (x *Index) All(ctx context.Context) iter.Seq2[model.Identity, error] {
	return func(yield func(model.Identity, error) bool) {
		for obj, err := range x.store.List(ctx, identitiesPrefix, false) {
			if err != nil {
				yield(model.Identity{}, x.translate(err, identitiesPrefix))
				return
			}
			if !strings.HasSuffix(obj.Key, ".json") {
				continue
			}
			var identity model.Identity
			_, err := x.readJSON(ctx, obj.Key, &identity)
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			if !yield(identity, err) {
				return
			}
		}
	}
}

// mutateIdentity applies fn under an If-Match loop. fn returning errDeleteRecord removes the record.
func (x *Index) mutateIdentity(ctx context.Context, digest string, fn func(*model.Identity) error) (model.Identity, error) {
	key := IdentityKey(digest)
	for range maxRetries {
		var identity model.Identity
		etag, err := x.readJSON(ctx, key, &identity)
		if err != nil {
			return model.Identity{}, err
		}

		switch err := fn(&identity); {
		case errors.Is(err, errDeleteRecord):
			if err := x.store.Remove(ctx, key); err != nil {
				return identity, x.translate(err, key)
			}
			x.mirrorDelete(ctx, digest)
			x.logger.Debug("identity deleted", slog.String("digest", digest))
			return identity, nil
		case err != nil:
			return model.Identity{}, err
		}

		_, err = x.writeJSON(ctx, key, identity, storage.PutOptions{IfMatch: etag})
		if errors.Is(err, storage.ErrPreconditionFailed) {
			continue
		}
		if err != nil {
			return model.Identity{}, err
		}
		x.mirrorSave(ctx, identity)
		return identity, nil
	}
	return model.Identity{}, apperr.Upstream("update identity", fmt.Errorf("identity %s kept changing", digest))
}

func (x *Index) readJSON(ctx context.Context, key string, v any) (string, error) {
	data, info, err := storage.ReadAll(ctx, x.store, key)
	if err != nil {
		return "", x.translate(err, key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return "", fmt.Errorf("decode %s: %w", key, err)
	}
	return info.ETag, nil
}

// writeJSON keeps storage.ErrPreconditionFailed visible to callers
func (x *Index) writeJSON(ctx context.Context, key string, v any, opts storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("encode %s: %w", key, err)
	}
	opts.ContentType = "application/json"
	info, err := x.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil && !errors.Is(err, storage.ErrPreconditionFailed) {
		return info, x.translate(err, key)
	}
	return info, err
}

// translate turns storage errors into the service taxonomy
func (x *Index) translate(err error, what string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound(what)
	case errors.Is(err, apperr.ErrUpstreamUnavailable), errors.Is(err, context.Canceled):
		return err
	default:
		return apperr.Upstream(what, err)
	}
}

func (x *Index) mirrorSave(ctx context.Context, identity model.Identity) {
	if x.mirror == nil {
		return
	}
	if err := x.mirror.SaveIdentity(ctx, identity); err != nil {
		x.logger.Warn("catalog mirror save failed", slog.String("digest", identity.ContentHash), slog.String("error", err.Error()))
	}
}

func (x *Index) mirrorDelete(ctx context.Context, digest string) {
	if x.mirror == nil {
		return
	}
	if err := x.mirror.DeleteIdentity(ctx, digest); err != nil {
		x.logger.Warn("catalog mirror delete failed", slog.String("digest", digest), slog.String("error", err.Error()))
	}
}
