package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/templui/provenance/internal/apperr"
	"github.com/templui/provenance/internal/model"
)

// maxSignedSize bounds the signer's response body
const maxSignedSize = 512 << 20

// Signer embeds an authenticity manifest into an asset. The format is the signer's business.
type Signer interface {
	Sign(ctx context.Context, buf []byte, manifest model.Manifest) ([]byte, error)
}

// Passthrough returns the asset unchanged
type Passthrough struct{}

func (Passthrough) Sign(_ context.Context, buf []byte, _ model.Manifest) ([]byte, error) {
	return buf, nil
}

// HTTPSigner posts the asset and manifest to an external signing service
type HTTPSigner struct {
	url        string
	httpClient *http.Client
}

func NewHTTPSigner(url string, timeout time.Duration) *HTTPSigner {
	return &HTTPSigner{
		url:        strings.TrimRight(url, "/") + "/sign",
		httpClient: &http.Client{Timeout: timeout},
	}
}

type signRequest struct {
	Manifest model.Manifest `json:"manifest"`
	Asset    []byte         `json:"asset"`
}

func (s *HTTPSigner) Sign(ctx context.Context, buf []byte, manifest model.Manifest) ([]byte, error) {
	body, err := json.Marshal(signRequest{Manifest: manifest, Asset: buf})
	if err != nil {
		return nil, fmt.Errorf("encode sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Upstream("sign", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Upstream("sign", fmt.Errorf("status %d", resp.StatusCode))
	}
	signed, err := io.ReadAll(io.LimitReader(resp.Body, maxSignedSize))
	if err != nil {
		return nil, apperr.Upstream("sign", err)
	}
	return signed, nil
}
