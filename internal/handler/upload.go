package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/templui/provenance/internal/apperr"
	"github.com/templui/provenance/internal/ctxkeys"
	"github.com/templui/provenance/internal/model"
	"github.com/templui/provenance/internal/service"
	"github.com/templui/provenance/internal/validation"
)

// multipartOverhead is headroom above the file limit for the other form fields
const multipartOverhead = 1 << 20

type UploadHandler struct {
	uploadService *service.UploadService
	maxUploadSize int64
}

func NewUploadHandler(uploadService *service.UploadService, maxUploadSize int64) *UploadHandler {
	return &UploadHandler{
		uploadService: uploadService,
		maxUploadSize: maxUploadSize,
	}
}

// Upload accepts a multipart "file" with an optional "visibility" field
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperr.Validation("request exceeds the %d byte upload limit", h.maxUploadSize))
			return
		}
		writeError(w, r, apperr.Validation("failed to parse form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	_, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, apperr.Validation("no file uploaded"))
		return
	}

	upload, err := validation.ReadUpload(header, h.maxUploadSize)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.uploadService.Upload(r.Context(), service.UploadInput{
		Owner:       ctxkeys.Owner(r.Context()),
		ClientIP:    ctxkeys.ClientIP(r.Context()),
		FileName:    upload.FileName,
		ContentType: upload.ContentType,
		Data:        upload.Data,
		Visibility:  model.Visibility(r.FormValue("visibility")),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

type intentRequest struct {
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Fingerprint model.Fingerprint `json:"fingerprint"`
}

// Intent registers a declared fingerprint and returns a presigned upload URL
func (h *UploadHandler) Intent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.uploadService.Intent(r.Context(), service.IntentInput{
		Owner:       ctxkeys.Owner(r.Context()),
		FileName:    req.FileName,
		ContentType: req.ContentType,
		Size:        req.Size,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *UploadHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	identity, err := h.uploadService.Confirm(r.Context(), ctxkeys.Owner(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

type publishRequest struct {
	Handle string `json:"handle"`
}

func (h *UploadHandler) Publish(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req publishRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	fm, err := h.uploadService.Publish(r.Context(), ctxkeys.Owner(r.Context()), id, req.Handle)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fm)
}

func (h *UploadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, r, apperr.Validation("path is required"))
		return
	}

	if err := h.uploadService.Delete(r.Context(), ctxkeys.Owner(r.Context()), path); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resolve answers with the record and a presigned link; ?redirect=1 sends the client straight there
func (h *UploadHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	resolved, err := h.uploadService.Resolve(r.Context(), ctxkeys.Owner(r.Context()), r.PathValue("namespace"), r.PathValue("mnemonic"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if redirect, _ := strconv.ParseBool(r.URL.Query().Get("redirect")); redirect {
		http.Redirect(w, r, resolved.URL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}
