package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/templui/provenance/internal/apperr"
	"github.com/templui/provenance/internal/ctxkeys"
)

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`

	// Quota details
	CurrentUsage int64 `json:"current_usage,omitempty"`
	MaxQuota     int64 `json:"max_quota,omitempty"`
	Incoming     int64 `json:"incoming,omitempty"`

	// Conflict details
	Path string `json:"path,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// statusFor maps the error taxonomy onto HTTP
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, apperr.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Expected outcomes are not logged; server faults are.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{
		Error:     err.Error(),
		RequestID: ctxkeys.RequestID(r.Context()),
	}

	var quota *apperr.QuotaError
	if errors.As(err, &quota) {
		resp.CurrentUsage = quota.Current
		resp.MaxQuota = quota.Max
		resp.Incoming = quota.Incoming
	}
	var conflict *apperr.ConflictError
	if errors.As(err, &conflict) {
		resp.Path = conflict.Path
	}

	switch status {
	case http.StatusInternalServerError:
		slog.Error("request failed", "path", r.URL.Path, "error", err, "request_id", resp.RequestID)
		resp.Error = "internal error"
	case http.StatusServiceUnavailable:
		slog.Warn("upstream unavailable", "path", r.URL.Path, "error", err, "request_id", resp.RequestID)
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid JSON body: %s", err.Error())
	}
	return nil
}
