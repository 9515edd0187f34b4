package validation

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/templui/provenance/internal/apperr"
)

// Upload is a validated multipart file, fully read
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// ReadUpload validates a multipart file header against maxSize and reads the
// body. The content type comes from the part header; when it is missing or
// generic the type is sniffed from the first 512 bytes.
func ReadUpload(header *multipart.FileHeader, maxSize int64) (Upload, error) {
	if header.Size == 0 {
		return Upload{}, apperr.Validation("file is empty")
	}
	if maxSize > 0 && header.Size > maxSize {
		return Upload{}, apperr.Validation("file too large: maximum size is %d bytes", maxSize)
	}
	if err := ValidateFileName(header.Filename); err != nil {
		return Upload{}, err
	}

	file, err := header.Open()
	if err != nil {
		return Upload{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// Read one byte past the limit so a lying header cannot sneak through
	limit := header.Size + 1
	if maxSize > 0 {
		limit = maxSize + 1
	}
	data, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return Upload{}, fmt.Errorf("failed to read file: %w", err)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return Upload{}, apperr.Validation("file too large: maximum size is %d bytes", maxSize)
	}

	return Upload{
		FileName:    header.Filename,
		ContentType: contentType(header.Header.Get("Content-Type"), data),
		Data:        data,
	}, nil
}

func contentType(declared string, data []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return declared
		}
	}
	// http.DetectContentType reads max 512 bytes to determine MIME type
	return http.DetectContentType(data)
}
