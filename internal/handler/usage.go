package handler

import (
	"net/http"
	"strconv"

	"github.com/templui/provenance/internal/apperr"
	"github.com/templui/provenance/internal/ctxkeys"
	"github.com/templui/provenance/internal/index"
	"github.com/templui/provenance/internal/service"
)

type UsageHandler struct {
	bucketService *service.BucketService
}

func NewUsageHandler(bucketService *service.BucketService) *UsageHandler {
	return &UsageHandler{bucketService: bucketService}
}

// storageID is the caller's own storage identity; anonymous callers share the pool
func storageID(r *http.Request) string {
	owner := ctxkeys.Owner(r.Context())
	if owner.Anonymous() {
		return index.AnonymousNamespace
	}
	return owner.ID
}

func (h *UsageHandler) Usage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.bucketService.Usage(r.Context(), storageID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// Quota answers whether ?bytes= more would fit
func (h *UsageHandler) Quota(w http.ResponseWriter, r *http.Request) {
	var incoming int64
	if raw := r.URL.Query().Get("bytes"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, apperr.Validation("bytes must be a non-negative integer"))
			return
		}
		incoming = n
	}

	check, err := h.bucketService.CheckQuota(r.Context(), storageID(r), incoming)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}
