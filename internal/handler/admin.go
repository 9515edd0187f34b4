package handler

import (
	"net/http"
	"time"

	"github.com/templui/provenance/internal/apperr"
	"github.com/templui/provenance/internal/service"
)

type AdminHandler struct {
	cleanupService *service.CleanupService
	bucketService  *service.BucketService
	keepRecent     time.Duration
}

func NewAdminHandler(cleanupService *service.CleanupService, bucketService *service.BucketService, keepRecent time.Duration) *AdminHandler {
	return &AdminHandler{
		cleanupService: cleanupService,
		bucketService:  bucketService,
		keepRecent:     keepRecent,
	}
}

// Cleanup runs an anonymous expiry sweep now
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.cleanupService.SweepOnce(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type evictRequest struct {
	StorageID  string `json:"storage_id"`
	Target     int64  `json:"target"`
	KeepRecent string `json:"keep_recent,omitempty"`
}

func (h *AdminHandler) Evict(w http.ResponseWriter, r *http.Request) {
	var req evictRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.StorageID == "" || req.Target < 0 {
		writeError(w, r, apperr.Validation("storage_id and a non-negative target are required"))
		return
	}
	keepRecent := h.keepRecent
	if req.KeepRecent != "" {
		d, err := time.ParseDuration(req.KeepRecent)
		if err != nil || d < 0 {
			writeError(w, r, apperr.Validation("keep_recent must be a duration such as 24h"))
			return
		}
		keepRecent = d
	}

	result, err := h.bucketService.EvictToTarget(r.Context(), req.StorageID, req.Target, keepRecent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ClearCache drops usage snapshots for ?storage_id=, or all of them
func (h *AdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.bucketService.ClearCache(r.Context(), r.URL.Query().Get("storage_id"))
	w.WriteHeader(http.StatusNoContent)
}
