package model

// Fingerprint is the exact digest plus up to three perceptual hashes (hex bit strings)
type Fingerprint struct {
	ExactDigest string `json:"exact_digest"`
	Algorithm   string `json:"algorithm,omitempty"`
	CoarseHash  string `json:"coarse_hash,omitempty"`
	MediumHash  string `json:"medium_hash,omitempty"`
	FineHash    string `json:"fine_hash,omitempty"`
}

// ExactOnly is true when no perceptual hash could be computed (non-image content)
func (f Fingerprint) ExactOnly() bool {
	return f.MediumHash == "" && f.FineHash == ""
}

// DuplicateMatch is an informational near-duplicate hit, never an error
type DuplicateMatch struct {
	ExistingID     int64  `json:"existing_id"`
	MnemonicID     string `json:"mnemonic_id"`
	ContentHash    string `json:"content_hash"`
	MediumDistance int    `json:"medium_distance"`
	FineDistance   int    `json:"fine_distance"`
}
