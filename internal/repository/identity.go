package repository

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/templui/provenance/internal/model"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
)

type identityRow struct {
	ContentHash     string    `db:"content_hash"`
	DigestAlgorithm string    `db:"digest_algorithm"`
	CoarseHash      string    `db:"coarse_hash"`
	MediumHash      string    `db:"medium_hash"`
	FineHash        string    `db:"fine_hash"`
	OwnerID         string    `db:"owner_id"`
	FileName        string    `db:"file_name"`
	FileID          int64     `db:"file_id"`
	MnemonicID      string    `db:"mnemonic_id"`
	Size            int64     `db:"size"`
	Status          string    `db:"status"`
	UploadCount     int       `db:"upload_count"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func rowFrom(i model.Identity) identityRow {
	return identityRow{
		ContentHash:     i.ContentHash,
		DigestAlgorithm: i.DigestAlgorithm,
		CoarseHash:      i.CoarseHash,
		MediumHash:      i.MediumHash,
		FineHash:        i.FineHash,
		OwnerID:         i.OwnerID,
		FileName:        i.FileName,
		FileID:          i.ID,
		MnemonicID:      i.MnemonicID,
		Size:            i.Size,
		Status:          string(i.Status),
		UploadCount:     i.UploadCount,
		CreatedAt:       i.CreatedAt.UTC(),
		UpdatedAt:       i.UpdatedAt.UTC(),
	}
}

func (r identityRow) identity() model.Identity {
	return model.Identity{
		ContentHash:     r.ContentHash,
		DigestAlgorithm: r.DigestAlgorithm,
		CoarseHash:      r.CoarseHash,
		MediumHash:      r.MediumHash,
		FineHash:        r.FineHash,
		OwnerID:         r.OwnerID,
		FileName:        r.FileName,
		ID:              r.FileID,
		MnemonicID:      r.MnemonicID,
		Size:            r.Size,
		Status:          model.IdentityStatus(r.Status),
		UploadCount:     r.UploadCount,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// FingerprintRepository mirrors identity fingerprints into SQL so the
// duplicate scanner can stream rows instead of listing the bucket.
type FingerprintRepository struct {
	db *sqlx.DB
}

func NewFingerprintRepository(db *sqlx.DB) *FingerprintRepository {
	return &FingerprintRepository{db: db}
}

func (r *FingerprintRepository) SaveIdentity(ctx context.Context, identity model.Identity) error {
	query := `INSERT INTO identities (content_hash, digest_algorithm, coarse_hash, medium_hash, fine_hash, owner_id, file_name, file_id, mnemonic_id, size, status, upload_count, created_at, updated_at)
	          VALUES (:content_hash, :digest_algorithm, :coarse_hash, :medium_hash, :fine_hash, :owner_id, :file_name, :file_id, :mnemonic_id, :size, :status, :upload_count, :created_at, :updated_at)
	          ON CONFLICT (content_hash) DO UPDATE SET
	              status = excluded.status,
	              upload_count = excluded.upload_count,
	              updated_at = excluded.updated_at`

	_, err := r.db.NamedExecContext(ctx, query, rowFrom(identity))
	return err
}

func (r *FingerprintRepository) DeleteIdentity(ctx context.Context, contentHash string) error {
	query := `DELETE FROM identities WHERE content_hash = $1`
	_, err := r.db.ExecContext(ctx, query, contentHash)
	return err
}

func (r *FingerprintRepository) ByContentHash(ctx context.Context, contentHash string) (model.Identity, error) {
	var row identityRow
	query := `SELECT * FROM identities WHERE content_hash = $1`

	err := r.db.GetContext(ctx, &row, query, contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return model.Identity{}, err
	}
	return row.identity(), nil
}

func (r *FingerprintRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM identities`)
	return n, err
}

// All streams rows that carry perceptual hashes; exact-only records can never match
func (r *FingerprintRepository) All(ctx context.Context) iter.Seq2[model.Identity, error] {
	return func(yield func(model.Identity, error) bool) {
		query := `SELECT * FROM identities WHERE medium_hash <> '' OR fine_hash <> '' ORDER BY created_at`
		rows, err := r.db.QueryxContext(ctx, query)
		if err != nil {
			yield(model.Identity{}, err)
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var row identityRow
			if err := rows.StructScan(&row); err != nil {
				yield(model.Identity{}, err)
				return
			}
			if !yield(row.identity(), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Identity{}, err)
		}
	}
}
