package validation

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templui/provenance/internal/apperr"
)

// fileHeader builds a real multipart header the way net/http parses it
func fileHeader(t *testing.T, name, contentType string, data []byte) *multipart.FileHeader {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	_, fh, err := req.FormFile("file")
	require.NoError(t, err)
	return fh
}

func TestReadUpload(t *testing.T) {
	up, err := ReadUpload(fileHeader(t, "a.txt", "text/plain", []byte("hello")), 10)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", up.FileName)
	assert.Equal(t, "text/plain", up.ContentType)
	assert.Equal(t, "hello", string(up.Data))
}

func TestReadUploadSniffsGenericTypes(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	up, err := ReadUpload(fileHeader(t, "x", "application/octet-stream", png), 0)
	require.NoError(t, err)
	assert.Equal(t, "image/png", up.ContentType)
}

func TestReadUploadRejects(t *testing.T) {
	_, err := ReadUpload(fileHeader(t, "big.bin", "", []byte("0123456789a")), 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = ReadUpload(fileHeader(t, "empty", "", nil), 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = ReadUpload(fileHeader(t, strings.Repeat("n", 300), "", []byte("x")), 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestValidateFileName(t *testing.T) {
	assert.NoError(t, ValidateFileName("holiday photo.jpg"))
	assert.NoError(t, ValidateFileName(""))
	assert.ErrorIs(t, ValidateFileName("bad\x00name"), apperr.ErrValidation)
}
