package model

import (
	"time"
)

// Visibility decides which index namespace a file map lives in
type Visibility string

const (
	VisibilityPrivate   Visibility = "private"
	VisibilityPublic    Visibility = "public"
	VisibilityAnonymous Visibility = "anonymous"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityPublic, VisibilityAnonymous:
		return true
	}
	return false
}

// FileMap is one stored path pointing back at its identity record
type FileMap struct {
	ID          int64      `json:"id"`
	MnemonicID  string     `json:"mnemonic_id"`
	FileName    string     `json:"file_name"`
	Path        string     `json:"path"`
	PublicPath  string     `json:"public_path,omitempty"`
	Visibility  Visibility `json:"visibility"`
	Namespace   string     `json:"namespace"` // owner id, public handle or "anonymous"
	UploadedAt  time.Time  `json:"uploaded_at"`
	IdentityRef string     `json:"identity_ref"` // exact digest of the owning identity
}
