package model

import "time"

// Manifest describes an anonymous upload. It is stored next to the asset and
// handed to the signer; the signed wire format is not ours.
type Manifest struct {
	ID          int64     `json:"id"`
	MnemonicID  string    `json:"mnemonic_id"`
	ContentHash string    `json:"content_hash"`
	Algorithm   string    `json:"algorithm"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UploadTime  time.Time `json:"upload_time"`
	ExpiresAt   time.Time `json:"expires_at"`
}
