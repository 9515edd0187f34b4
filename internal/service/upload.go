package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/templui/provenance/internal/apperr"
	"github.com/templui/provenance/internal/fingerprint"
	"github.com/templui/provenance/internal/index"
	"github.com/templui/provenance/internal/ledger"
	"github.com/templui/provenance/internal/mnemonic"
	"github.com/templui/provenance/internal/model"
	"github.com/templui/provenance/internal/storage"
)

const attestTimeout = 30 * time.Second

var uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "provenance_uploads_total",
	Help: "Uploads by outcome.",
}, []string{"outcome"})

type IDGenerator interface {
	Next() (int64, error)
}

type Attestor interface {
	Attest(ctx context.Context, ownerID string, identity model.Identity)
}

// Owner is the caller. An empty ID means anonymous.
type Owner struct {
	ID       string
	Username string
}

func (o Owner) Anonymous() bool {
	return o.ID == ""
}

func (o Owner) storageID() string {
	if o.Anonymous() {
		return index.AnonymousNamespace
	}
	return o.ID
}

type UploadConfig struct {
	MaxUploadSize          int64
	AnonymousEnabled       bool
	AnonymousTTL           time.Duration
	SweepDebounce          time.Duration
	PresignExpiryPublic    time.Duration
	PresignExpiryPrivate   time.Duration
	DuplicateThresholdMed  int
	DuplicateThresholdFine int
}

type UploadDeps struct {
	IDs           IDGenerator
	Fingerprinter *fingerprint.Fingerprinter
	Scanner       fingerprint.Scanner
	Index         *index.Index
	Store         storage.Storage
	Bucket        *BucketService
	Cleanup       *CleanupService
	Allowance     *Allowance
	Attestor      Attestor
	Signer        ledger.Signer
}

type UploadService struct {
	UploadDeps
	cfg    UploadConfig
	now    func() time.Time
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewUploadService(deps UploadDeps, cfg UploadConfig, logger *slog.Logger) *UploadService {
	if deps.Signer == nil {
		deps.Signer = ledger.Passthrough{}
	}
	return &UploadService{
		UploadDeps: deps,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "upload")),
	}
}

type UploadInput struct {
	Owner       Owner
	ClientIP    string
	FileName    string
	ContentType string
	Data        []byte
	Visibility  model.Visibility
}

type UploadResult struct {
	ID              int64                  `json:"id"`
	MnemonicID      string                 `json:"mnemonic_id"`
	Existing        bool                   `json:"existing"`
	IsOriginalOwner bool                   `json:"is_original_owner"`
	Path            string                 `json:"path,omitempty"`
	PublicPath      string                 `json:"public_path,omitempty"`
	Fingerprint     model.Fingerprint      `json:"fingerprint"`
	Duplicates      []model.DuplicateMatch `json:"duplicates,omitempty"`
	PublishError    string                 `json:"publish_error,omitempty"`
}

// Upload stores new content, or records another submission of content already known
func (s *UploadService) Upload(ctx context.Context, in UploadInput) (UploadResult, error) {
	if err := s.validateUpload(&in); err != nil {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return UploadResult{}, err
	}
	size := int64(len(in.Data))
	storageID := in.Owner.storageID()

	if err := s.Bucket.EnsureQuota(ctx, storageID, size); err != nil {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return UploadResult{}, err
	}
	if in.Visibility == model.VisibilityAnonymous {
		if err := s.Allowance.Reserve(ctx, in.ClientIP, size); err != nil {
			uploadsTotal.WithLabelValues("rejected").Inc()
			return UploadResult{}, err
		}
	}

	result, err := s.upload(ctx, in, storageID)
	if err != nil || result.Existing {
		if in.Visibility == model.VisibilityAnonymous {
			s.Allowance.Release(ctx, in.ClientIP, size)
		}
	}
	switch {
	case err != nil:
		uploadsTotal.WithLabelValues("failed").Inc()
	case result.Existing:
		uploadsTotal.WithLabelValues("existing").Inc()
	default:
		uploadsTotal.WithLabelValues("created").Inc()
	}
	return result, err
}

func (s *UploadService) validateUpload(in *UploadInput) error {
	if len(in.Data) == 0 {
		return apperr.Validation("file is empty")
	}
	if s.cfg.MaxUploadSize > 0 && int64(len(in.Data)) > s.cfg.MaxUploadSize {
		return apperr.Validation("file exceeds the %d byte upload limit", s.cfg.MaxUploadSize)
	}
	in.FileName = index.CleanFileName(in.FileName)

	if in.Owner.Anonymous() {
		if !s.cfg.AnonymousEnabled {
			return apperr.Validation("anonymous uploads are disabled")
		}
		in.Visibility = model.VisibilityAnonymous
		return nil
	}
	switch in.Visibility {
	case "":
		in.Visibility = model.VisibilityPrivate
	case model.VisibilityPrivate:
	case model.VisibilityPublic:
		if !index.ValidHandle(in.Owner.Username) {
			return apperr.Validation("a valid username is required to publish")
		}
	default:
		return apperr.Validation("visibility must be private or public")
	}
	return nil
}

func (s *UploadService) upload(ctx context.Context, in UploadInput, storageID string) (UploadResult, error) {
	id, err := s.IDs.Next()
	if err != nil {
		return UploadResult{}, fmt.Errorf("generate id: %w", err)
	}
	code := mnemonic.Encode(id)

	fp, err := s.Fingerprinter.Fingerprint(in.Data)
	if err != nil {
		return UploadResult{}, fmt.Errorf("fingerprint: %w", err)
	}

	duplicates := s.findDuplicates(ctx, fp)

	assetPath := index.PrivateAssetPath(storageID, in.FileName, id)
	if in.Visibility == model.VisibilityAnonymous {
		assetPath = index.AnonymousAssetPath(code, in.FileName)
	}

	upsertIn := index.UpsertInput{
		Fingerprint: fp,
		OwnerID:     storageID,
		Username:    in.Owner.Username,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		Size:        int64(len(in.Data)),
		ID:          id,
		MnemonicID:  code,
		Path:        assetPath,
		Visibility:  visibilityOfRecord(in.Visibility),
	}
	upsert, err := s.Index.UpsertIdentity(ctx, upsertIn)
	if err != nil {
		return UploadResult{}, err
	}
	if upsert.Existing {
		if adopted, ok := s.adoptAbandoned(ctx, upsert.Identity, upsertIn); ok {
			upsert = index.UpsertResult{Identity: adopted, IsOriginalOwner: true}
		}
	}
	if upsert.Existing {
		existing := upsert.Identity
		s.logger.Info("content already known",
			slog.String("digest", existing.ContentHash),
			slog.Int64("id", existing.ID),
			slog.Int("upload_count", existing.UploadCount),
		)
		return UploadResult{
			ID:              existing.ID,
			MnemonicID:      existing.MnemonicID,
			Existing:        true,
			IsOriginalOwner: upsert.IsOriginalOwner && !in.Owner.Anonymous(),
			Fingerprint:     fp,
			Duplicates:      duplicates,
		}, nil
	}

	uploadedAt := s.now().UTC()
	body, meta := in.Data, map[string]string{
		"content-hash": fp.ExactDigest,
	}
	if in.Visibility == model.VisibilityAnonymous {
		meta[MetaUploadTime] = uploadedAt.Format(time.RFC3339Nano)
		meta[MetaTTL] = strconv.FormatInt(int64(s.cfg.AnonymousTTL/time.Second), 10)
		manifest := s.manifest(id, code, fp, in, uploadedAt)
		if body, err = s.Signer.Sign(ctx, in.Data, manifest); err != nil {
			s.rollback(ctx, fp.ExactDigest, assetPath, false)
			return UploadResult{}, fmt.Errorf("sign: %w", err)
		}
		if err := s.writeManifest(ctx, manifest, meta); err != nil {
			s.rollback(ctx, fp.ExactDigest, assetPath, false)
			return UploadResult{}, err
		}
	}

	if _, err := storage.PutBytes(ctx, s.Store, assetPath, body, storage.PutOptions{
		ContentType: in.ContentType,
		Metadata:    meta,
	}); err != nil {
		s.rollback(ctx, fp.ExactDigest, assetPath, false)
		return UploadResult{}, translateStorage(err, "store "+assetPath)
	}

	if err := s.Index.WriteFileMap(ctx, model.FileMap{
		ID:          id,
		MnemonicID:  code,
		FileName:    in.FileName,
		Path:        assetPath,
		Visibility:  visibilityOfRecord(in.Visibility),
		Namespace:   storageID,
		UploadedAt:  uploadedAt,
		IdentityRef: fp.ExactDigest,
	}); err != nil {
		s.rollback(ctx, fp.ExactDigest, assetPath, true)
		return UploadResult{}, err
	}

	identity, err := s.Index.ConfirmIdentity(ctx, fp)
	if err != nil {
		// Bytes and records are consistent; the record stays pending
		s.logger.Warn("confirm failed", slog.String("digest", fp.ExactDigest), slog.String("error", err.Error()))
		identity = upsert.Identity
	}
	s.Bucket.ClearCache(ctx, storageID)

	result := UploadResult{
		ID:              id,
		MnemonicID:      code,
		IsOriginalOwner: true,
		Path:            assetPath,
		Fingerprint:     fp,
		Duplicates:      duplicates,
	}

	if in.Visibility == model.VisibilityPublic {
		// The private upload is committed either way; the client can publish again later
		public, err := s.Index.Publish(ctx, storageID, id, in.Owner.Username)
		if err != nil {
			s.logger.Warn("publish after upload failed",
				slog.Int64("id", id),
				slog.String("handle", in.Owner.Username),
				slog.String("error", err.Error()),
			)
			result.PublishError = err.Error()
		} else {
			result.PublicPath = public.Path
		}
	}
	if in.Visibility == model.VisibilityAnonymous && s.Cleanup != nil {
		s.Cleanup.ScheduleSweep(s.cfg.AnonymousTTL + s.cfg.SweepDebounce)
	}

	s.attest(storageID, identity)

	s.logger.Info("upload stored",
		slog.Int64("id", id),
		slog.String("mnemonic", code),
		slog.String("visibility", string(in.Visibility)),
		slog.Int("size", len(in.Data)),
	)
	return result, nil
}

// adoptAbandoned lets a direct upload take over a pending identity whose bytes never arrived
func (s *UploadService) adoptAbandoned(ctx context.Context, existing model.Identity, in index.UpsertInput) (model.Identity, bool) {
	if existing.Status != model.StatusPending {
		return model.Identity{}, false
	}
	if _, err := s.Store.Stat(ctx, existing.Path); !errors.Is(err, storage.ErrNotFound) {
		return model.Identity{}, false
	}
	adopted, err := s.Index.AdoptPending(ctx, existing.Path, in)
	if err != nil {
		s.logger.Warn("adopting abandoned identity failed", slog.String("digest", existing.ContentHash), slog.String("error", err.Error()))
		return model.Identity{}, false
	}
	s.logger.Info("abandoned identity adopted",
		slog.String("digest", existing.ContentHash),
		slog.String("stale_path", existing.Path),
		slog.String("path", in.Path),
	)
	return adopted, true
}

// Private and public direct uploads both start as a private record; publishing adds the public one
func visibilityOfRecord(v model.Visibility) model.Visibility {
	if v == model.VisibilityAnonymous {
		return v
	}
	return model.VisibilityPrivate
}

func (s *UploadService) findDuplicates(ctx context.Context, fp model.Fingerprint) []model.DuplicateMatch {
	if s.Scanner == nil {
		return nil
	}
	matches, err := s.Scanner.FindDuplicates(ctx, fp, fingerprint.Thresholds{
		Medium: s.cfg.DuplicateThresholdMed,
		Fine:   s.cfg.DuplicateThresholdFine,
	})
	if err != nil {
		s.logger.Warn("duplicate scan failed", slog.String("error", err.Error()))
	}
	for _, m := range matches {
		s.logger.Warn("near-duplicate upload",
			slog.String("digest", fp.ExactDigest),
			slog.Int64("existing_id", m.ExistingID),
			slog.Int("medium_distance", m.MediumDistance),
			slog.Int("fine_distance", m.FineDistance),
		)
	}
	return matches
}

func (s *UploadService) manifest(id int64, code string, fp model.Fingerprint, in UploadInput, uploadedAt time.Time) model.Manifest {
	return model.Manifest{
		ID:          id,
		MnemonicID:  code,
		ContentHash: fp.ExactDigest,
		Algorithm:   fp.Algorithm,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		Size:        int64(len(in.Data)),
		UploadTime:  uploadedAt,
		ExpiresAt:   uploadedAt.Add(s.cfg.AnonymousTTL),
	}
}

func (s *UploadService) writeManifest(ctx context.Context, manifest model.Manifest, meta map[string]string) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	key := index.AnonymousManifestPath(manifest.MnemonicID)
	if _, err := storage.PutBytes(ctx, s.Store, key, data, storage.PutOptions{
		ContentType: "application/json",
		Metadata:    meta,
	}); err != nil {
		return translateStorage(err, "store "+key)
	}
	return nil
}

// rollback undoes a freshly created identity after a failed write
func (s *UploadService) rollback(ctx context.Context, digest, assetPath string, removeBytes bool) {
	if _, err := s.Index.DetachPath(ctx, digest, assetPath); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		s.logger.Error("rollback of identity failed", slog.String("digest", digest), slog.String("error", err.Error()))
	}
	if removeBytes {
		if err := s.Store.Remove(ctx, assetPath); err != nil {
			s.logger.Error("rollback of bytes failed", slog.String("path", assetPath), slog.String("error", err.Error()))
		}
	}
}

// attest runs in the background; the response never waits for the ledger
func (s *UploadService) attest(ownerID string, identity model.Identity) {
	if s.Attestor == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), attestTimeout)
		defer cancel()
		s.Attestor.Attest(ctx, ownerID, identity)
	}()
}

// Wait blocks until background attestations finish
func (s *UploadService) Wait() {
	s.wg.Wait()
}

type IntentInput struct {
	Owner       Owner
	FileName    string
	ContentType string
	Size        int64
	Fingerprint model.Fingerprint
}

type IntentResult struct {
	ID              int64     `json:"id"`
	MnemonicID      string    `json:"mnemonic_id"`
	Existing        bool      `json:"existing"`
	IsOriginalOwner bool      `json:"is_original_owner"`
	Path            string    `json:"path,omitempty"`
	UploadURL       string    `json:"upload_url,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitzero"`
}

// Intent registers a declared fingerprint and hands out a presigned upload URL.
// The bytes are verified by Confirm once they land.
func (s *UploadService) Intent(ctx context.Context, in IntentInput) (IntentResult, error) {
	if in.Owner.Anonymous() {
		return IntentResult{}, apperr.Validation("presigned uploads require an account")
	}
	if in.Fingerprint.ExactDigest == "" {
		return IntentResult{}, apperr.Validation("fingerprint exact digest is required")
	}
	if in.Size <= 0 || (s.cfg.MaxUploadSize > 0 && in.Size > s.cfg.MaxUploadSize) {
		return IntentResult{}, apperr.Validation("size must be between 1 and %d bytes", s.cfg.MaxUploadSize)
	}
	if in.Fingerprint.Algorithm == "" {
		in.Fingerprint.Algorithm = s.Fingerprinter.Algorithm()
	}
	if in.Fingerprint.Algorithm != s.Fingerprinter.Algorithm() {
		return IntentResult{}, apperr.Validation("digest algorithm must be %s", s.Fingerprinter.Algorithm())
	}
	in.FileName = index.CleanFileName(in.FileName)
	storageID := in.Owner.storageID()

	if err := s.Bucket.EnsureQuota(ctx, storageID, in.Size); err != nil {
		return IntentResult{}, err
	}

	id, err := s.IDs.Next()
	if err != nil {
		return IntentResult{}, fmt.Errorf("generate id: %w", err)
	}
	code := mnemonic.Encode(id)
	assetPath := index.PrivateAssetPath(storageID, in.FileName, id)

	upsert, err := s.Index.UpsertIdentity(ctx, index.UpsertInput{
		Fingerprint: in.Fingerprint,
		OwnerID:     storageID,
		Username:    in.Owner.Username,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		Size:        in.Size,
		ID:          id,
		MnemonicID:  code,
		Path:        assetPath,
		Visibility:  model.VisibilityPrivate,
	})
	if err != nil {
		return IntentResult{}, err
	}
	if upsert.Existing {
		return IntentResult{
			ID:              upsert.Identity.ID,
			MnemonicID:      upsert.Identity.MnemonicID,
			Existing:        true,
			IsOriginalOwner: upsert.IsOriginalOwner,
		}, nil
	}

	if err := s.Index.WriteFileMap(ctx, model.FileMap{
		ID:          id,
		MnemonicID:  code,
		FileName:    in.FileName,
		Path:        assetPath,
		Visibility:  model.VisibilityPrivate,
		Namespace:   storageID,
		UploadedAt:  s.now().UTC(),
		IdentityRef: in.Fingerprint.ExactDigest,
	}); err != nil {
		s.rollback(ctx, in.Fingerprint.ExactDigest, assetPath, false)
		return IntentResult{}, err
	}

	url, err := s.Store.PresignPut(ctx, assetPath, s.cfg.PresignExpiryPrivate)
	if err != nil {
		if _, derr := s.Index.DeleteByPath(ctx, assetPath); derr != nil {
			s.logger.Error("rollback of intent failed", slog.String("path", assetPath), slog.String("error", derr.Error()))
		}
		return IntentResult{}, translateStorage(err, "presign "+assetPath)
	}
	return IntentResult{
		ID:              id,
		MnemonicID:      code,
		IsOriginalOwner: true,
		Path:            assetPath,
		UploadURL:       url,
		ExpiresAt:       s.now().UTC().Add(s.cfg.PresignExpiryPrivate),
	}, nil
}

// Confirm verifies bytes that arrived through a presigned URL against the declared
// fingerprint and size, then re-checks quota with the bytes counted. Any failure
// removes the bytes and records.
func (s *UploadService) Confirm(ctx context.Context, owner Owner, id int64) (model.Identity, error) {
	if owner.Anonymous() {
		return model.Identity{}, apperr.NotFound(fmt.Sprintf("upload %d", id))
	}
	fm, err := s.Index.LookupFileMap(ctx, owner.ID, id)
	if err != nil {
		return model.Identity{}, err
	}
	declared, err := s.Index.LookupByFingerprint(ctx, fm.IdentityRef)
	if err != nil {
		return model.Identity{}, err
	}
	if declared.IsConfirmed() && declared.Path == fm.Path {
		return declared, nil
	}

	data, _, err := storage.ReadAll(ctx, s.Store, fm.Path)
	if err != nil {
		return model.Identity{}, translateStorage(err, "uploaded bytes at "+fm.Path)
	}
	size := int64(len(data))

	fp, err := s.Fingerprinter.Fingerprint(data)
	if err != nil {
		return model.Identity{}, fmt.Errorf("fingerprint: %w", err)
	}
	switch {
	case fp.ExactDigest != fm.IdentityRef:
		return model.Identity{}, s.discard(ctx, owner, fm,
			&apperr.ConflictError{Path: fm.Path, Reason: "uploaded bytes do not match the declared fingerprint"})
	case size != declared.Size:
		return model.Identity{}, s.discard(ctx, owner, fm,
			&apperr.ConflictError{Path: fm.Path, Reason: fmt.Sprintf("uploaded %d bytes, declared %d", size, declared.Size)})
	}

	// The landed bytes are already part of the usage
	s.Bucket.ClearCache(ctx, owner.ID)
	check, err := s.Bucket.CheckQuota(ctx, owner.ID, 0)
	if err != nil {
		return model.Identity{}, err
	}
	if !check.Allowed {
		return model.Identity{}, s.discard(ctx, owner, fm,
			&apperr.QuotaError{Current: check.CurrentUsage - size, Max: check.MaxQuota, Incoming: size})
	}

	identity, err := s.Index.ConfirmIdentity(ctx, fp)
	if err != nil {
		return model.Identity{}, err
	}
	s.attest(owner.ID, identity)
	return identity, nil
}

// discard drops the records and bytes of a presigned upload that failed verification
func (s *UploadService) discard(ctx context.Context, owner Owner, fm model.FileMap, cause error) error {
	if _, err := s.Index.DeleteByPath(ctx, fm.Path); err != nil {
		s.logger.Error("failed to drop rejected records", slog.String("path", fm.Path), slog.String("error", err.Error()))
	}
	if err := s.Store.Remove(ctx, fm.Path); err != nil {
		s.logger.Error("failed to remove rejected bytes", slog.String("path", fm.Path), slog.String("error", err.Error()))
	}
	s.Bucket.ClearCache(ctx, owner.ID)
	s.logger.Warn("presigned upload rejected", slog.String("path", fm.Path), slog.String("reason", cause.Error()))
	return cause
}

// Delete removes one of the owner's stored paths: records first, then bytes
func (s *UploadService) Delete(ctx context.Context, owner Owner, assetPath string) error {
	ref, err := index.ParsePath(assetPath)
	if err != nil {
		return err
	}
	allowed := !owner.Anonymous() &&
		((ref.Visibility == model.VisibilityPrivate && ref.Namespace == owner.ID) ||
			(ref.Visibility == model.VisibilityPublic && ref.Namespace == owner.Username))
	if !allowed {
		return apperr.NotFound(assetPath)
	}

	if _, err := s.Index.DeleteByPath(ctx, assetPath); err != nil {
		return err
	}
	if err := s.Store.Remove(ctx, assetPath); err != nil {
		return translateStorage(err, "remove "+assetPath)
	}
	s.Bucket.ClearCache(ctx, owner.ID)
	s.logger.Info("file deleted", slog.String("owner", owner.ID), slog.String("path", assetPath))
	return nil
}

// Publish exposes a private upload under the owner's public handle
func (s *UploadService) Publish(ctx context.Context, owner Owner, id int64, handle string) (model.FileMap, error) {
	if owner.Anonymous() {
		return model.FileMap{}, apperr.NotFound(fmt.Sprintf("upload %d", id))
	}
	if handle == "" {
		handle = owner.Username
	}
	if handle != owner.Username {
		return model.FileMap{}, apperr.Validation("files can only be published under your own handle")
	}
	return s.Index.Publish(ctx, owner.ID, id, handle)
}

type Resolved struct {
	File      model.FileMap `json:"file"`
	URL       string        `json:"url"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Resolve turns a shareable code into a download link. Private records only resolve for their owner.
func (s *UploadService) Resolve(ctx context.Context, requester Owner, namespace, code string) (Resolved, error) {
	fm, err := s.Index.LookupByMnemonic(ctx, namespace, code)
	if err != nil {
		return Resolved{}, err
	}
	if fm.Visibility == model.VisibilityPrivate && (requester.Anonymous() || requester.ID != fm.Namespace) {
		return Resolved{}, apperr.NotFound(fmt.Sprintf("mnemonic %s in %s", code, namespace))
	}

	ttl := s.cfg.PresignExpiryPrivate
	if fm.Visibility == model.VisibilityPublic {
		ttl = s.cfg.PresignExpiryPublic
	}
	url, err := s.Store.PresignGet(ctx, fm.Path, ttl)
	if err != nil {
		return Resolved{}, translateStorage(err, "presign "+fm.Path)
	}
	return Resolved{File: fm, URL: url, ExpiresAt: s.now().UTC().Add(ttl)}, nil
}
