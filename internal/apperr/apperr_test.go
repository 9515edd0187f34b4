package apperr

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaErrorUnwrap(t *testing.T) {
	var err error = &QuotaError{Current: 9, Max: 10, Incoming: 2}
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	var qe *QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, int64(10), qe.Max)
	assert.Contains(t, err.Error(), "incoming 2")
}

func TestConflictErrorUnwrap(t *testing.T) {
	err := &ConflictError{Path: "public/alice/1", Reason: "already published"}
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "public/alice/1")
}

func TestUpstreamKeepsCause(t *testing.T) {
	err := Upstream("get object", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NoError(t, Upstream("noop", nil))
}

func TestValidationAndNotFound(t *testing.T) {
	assert.ErrorIs(t, Validation("missing %s", "digest"), ErrValidation)
	assert.ErrorIs(t, NotFound("identity abc"), ErrNotFound)
}
