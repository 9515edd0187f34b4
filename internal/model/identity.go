package model

import (
	"slices"
	"time"
)

type IdentityStatus string

const (
	StatusPending   IdentityStatus = "pending"
	StatusConfirmed IdentityStatus = "confirmed"
)

// Identity is the canonical record for one exact digest
type Identity struct {
	ContentHash     string         `json:"content_hash"`
	DigestAlgorithm string         `json:"digest_algorithm"`
	CoarseHash      string         `json:"coarse_hash,omitempty"`
	MediumHash      string         `json:"medium_hash,omitempty"`
	FineHash        string         `json:"fine_hash,omitempty"`
	OwnerID         string         `json:"owner_id"`
	Username        string         `json:"username,omitempty"`
	FileName        string         `json:"file_name"`
	ContentType     string         `json:"content_type,omitempty"`
	Size            int64          `json:"size"`
	ID              int64          `json:"id"`
	MnemonicID      string         `json:"mnemonic_id"`
	Path            string         `json:"path"`
	PublicPath      string         `json:"public_path,omitempty"`
	References      []string       `json:"references,omitempty"` // every path whose file map points here
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Status          IdentityStatus `json:"status"`
	UploadCount     int            `json:"upload_count"`
}

func (i *Identity) Fingerprint() Fingerprint {
	return Fingerprint{
		ExactDigest: i.ContentHash,
		Algorithm:   i.DigestAlgorithm,
		CoarseHash:  i.CoarseHash,
		MediumHash:  i.MediumHash,
		FineHash:    i.FineHash,
	}
}

func (i *Identity) IsConfirmed() bool {
	return i.Status == StatusConfirmed
}

func (i *Identity) AddReference(path string) bool {
	if slices.Contains(i.References, path) {
		return false
	}
	i.References = append(i.References, path)
	return true
}

// RemoveReference drops path and reports whether any reference is left
func (i *Identity) RemoveReference(path string) bool {
	i.References = slices.DeleteFunc(i.References, func(p string) bool { return p == path })
	if i.PublicPath == path {
		i.PublicPath = ""
	}
	return len(i.References) > 0
}
