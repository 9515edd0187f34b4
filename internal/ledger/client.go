package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/templui/provenance/internal/apperr"
)

// maxErrorBody caps how much of an error response is kept for the message
const maxErrorBody = 1 << 10

// HTTPClient is the JSON-over-HTTP ledger client
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{MaxIdleConnsPerHost: 10},
		},
		logger: logger.With(slog.String("component", "ledger_client")),
	}
}

func (c *HTTPClient) CreateIdentifier(ctx context.Context, alias string) (Identifier, error) {
	var out Identifier
	err := c.do(ctx, http.MethodPost, "/identifiers", map[string]string{"alias": alias}, &out)
	return out, err
}

func (c *HTTPClient) ResolveIdentifier(ctx context.Context, did string) (Identifier, error) {
	var out Identifier
	err := c.do(ctx, http.MethodGet, "/identifiers/"+url.PathEscape(did), nil, &out)
	return out, err
}

func (c *HTTPClient) CreateResource(ctx context.Context, did string, in ResourceInput) (Resource, error) {
	var out Resource
	err := c.do(ctx, http.MethodPost, "/identifiers/"+url.PathEscape(did)+"/resources", in, &out)
	return out, err
}

func (c *HTTPClient) GetResource(ctx context.Context, did, resourceID string) (Resource, error) {
	var out Resource
	path := fmt.Sprintf("/identifiers/%s/resources/%s", url.PathEscape(did), url.PathEscape(resourceID))
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode ledger request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Upstream("ledger "+method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound("ledger " + path)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("ledger request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return apperr.Upstream("ledger "+method+" "+path,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Upstream("ledger "+method+" "+path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
