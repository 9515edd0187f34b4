package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/templui/provenance/internal/cache"
	"github.com/templui/provenance/internal/model"
	"github.com/templui/provenance/internal/storage"
)

const (
	// ProofOfUploadType is the resource type of upload attestations
	ProofOfUploadType = "proof-of-upload"

	storageIDTTL = 30 * 24 * time.Hour
)

// Attestor mints storage identities lazily and records proof-of-upload resources
type Attestor struct {
	client  Client
	store   storage.Storage
	cache   cache.Store
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewAttestor(client Client, store storage.Storage, c cache.Store, timeout time.Duration, logger *slog.Logger) *Attestor {
	return &Attestor{
		client:  client,
		store:   store,
		cache:   c,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "attestor")),
		now:     time.Now,
	}
}

// storageIdentity is the bucket record binding an owner to its ledger identifier
type storageIdentity struct {
	OwnerID   string    `json:"owner_id"`
	DID       string    `json:"did"`
	CreatedAt time.Time `json:"created_at"`
}

// StorageIdentityKey is where an owner's ledger identifier is recorded
func StorageIdentityKey(ownerID string) string {
	return "indexes/storage-ids/" + ownerID + ".json"
}

// StorageIdentifier returns the ledger identifier for an owner, creating it on first use.
// The bucket record is authoritative; the cache only sits in front of it.
func (a *Attestor) StorageIdentifier(ctx context.Context, ownerID string) (string, error) {
	cacheKey := "storage-did:" + ownerID
	if did, ok := a.cache.Get(ctx, cacheKey); ok {
		return string(did), nil
	}

	key := StorageIdentityKey(ownerID)
	did, err := a.readIdentifier(ctx, key)
	switch {
	case err == nil:
		a.cache.SetWithTTL(ctx, cacheKey, []byte(did), storageIDTTL)
		return did, nil
	case !errors.Is(err, storage.ErrNotFound):
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	identifier, err := a.client.CreateIdentifier(callCtx, ownerID)
	cancel()
	if err != nil {
		return "", fmt.Errorf("create storage identifier: %w", err)
	}
	if identifier.DID == "" {
		return "", errors.New("ledger returned an empty identifier")
	}

	data, err := json.Marshal(storageIdentity{OwnerID: ownerID, DID: identifier.DID, CreatedAt: a.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("encode storage identifier: %w", err)
	}
	_, err = storage.PutBytes(ctx, a.store, key, data, storage.PutOptions{
		ContentType: "application/json",
		IfNoneMatch: true,
	})
	switch {
	case errors.Is(err, storage.ErrPreconditionFailed):
		// Another instance recorded one first; theirs wins
		winner, rerr := a.readIdentifier(ctx, key)
		if rerr != nil {
			return "", rerr
		}
		a.logger.Warn("discarding duplicate storage identifier",
			slog.String("owner", ownerID),
			slog.String("did", identifier.DID),
			slog.String("kept", winner),
		)
		did = winner
	case err != nil:
		return "", fmt.Errorf("record storage identifier: %w", err)
	default:
		did = identifier.DID
	}

	a.cache.SetWithTTL(ctx, cacheKey, []byte(did), storageIDTTL)
	return did, nil
}

func (a *Attestor) readIdentifier(ctx context.Context, key string) (string, error) {
	data, _, err := storage.ReadAll(ctx, a.store, key)
	if err != nil {
		return "", err
	}
	var record storageIdentity
	if err := json.Unmarshal(data, &record); err != nil {
		return "", fmt.Errorf("decode %s: %w", key, err)
	}
	if record.DID == "" {
		return "", fmt.Errorf("%s holds an empty identifier", key)
	}
	return record.DID, nil
}

type proofOfUpload struct {
	ContentHash string    `json:"content_hash"`
	Algorithm   string    `json:"algorithm"`
	ID          int64     `json:"id"`
	MnemonicID  string    `json:"mnemonic_id"`
	Path        string    `json:"path"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Attest records a proof-of-upload for identity. Failures are logged, never returned.
func (a *Attestor) Attest(ctx context.Context, ownerID string, identity model.Identity) {
	did, err := a.StorageIdentifier(ctx, ownerID)
	if err != nil {
		a.logger.Warn("attestation skipped", slog.String("owner", ownerID), slog.String("error", err.Error()))
		return
	}

	data, err := json.Marshal(proofOfUpload{
		ContentHash: identity.ContentHash,
		Algorithm:   identity.DigestAlgorithm,
		ID:          identity.ID,
		MnemonicID:  identity.MnemonicID,
		Path:        identity.Path,
		UploadedAt:  identity.CreatedAt,
	})
	if err != nil {
		a.logger.Error("attestation encode failed", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	resource, err := a.client.CreateResource(ctx, did, ResourceInput{
		ID:        uuid.NewString(),
		Name:      identity.MnemonicID,
		Type:      ProofOfUploadType,
		MediaType: "application/json",
		Data:      data,
	})
	if err != nil {
		a.logger.Warn("attestation failed",
			slog.String("did", did),
			slog.Int64("id", identity.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.Debug("attestation recorded", slog.String("did", did), slog.String("resource", resource.ID))
}
