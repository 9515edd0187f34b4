package validation

import (
	"strings"
	"unicode"

	"github.com/templui/provenance/internal/apperr"
)

const maxFileNameLength = 255

// ValidateFileName rejects names that cannot be stored as a single key segment
func ValidateFileName(name string) error {
	trimmed := strings.TrimSpace(name)

	if len(trimmed) > maxFileNameLength {
		return apperr.Validation("file name is too long (max %d characters)", maxFileNameLength)
	}

	if strings.ContainsFunc(trimmed, unicode.IsControl) {
		return apperr.Validation("file name contains control characters")
	}

	return nil
}
