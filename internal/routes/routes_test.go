package routes

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templui/provenance/internal/app"
	"github.com/templui/provenance/internal/config"
	"github.com/templui/provenance/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		AppName:                "provenance",
		AppEnv:                 "development",
		JWTSecret:              "test-secret",
		JWTExpiry:              time.Hour,
		AdminToken:             "admin-token",
		RateLimit:              100,
		StorageDriver:          "memory",
		S3PresignExpiryPublic:  7 * 24 * time.Hour,
		S3PresignExpiryPrivate: time.Hour,
		CacheTimeout:           100 * time.Millisecond,
		CacheLocalSize:         100,
		UsageCacheTTL:          time.Minute,
		CatalogDriver:          "bucket",
		DigestAlgorithm:        "sha256",
		DuplicateThresholdMed:  10,
		DuplicateThresholdFine: 20,
		AnonymousUploads:       true,
		UserMaxQuota:           1 << 20,
		AnonymousMaxQuota:      1 << 20,
		AnonymousIPDailySize:   1 << 20,
		MaxUploadSize:          1 << 16,
		AnonymousTTL:           24 * time.Hour,
		SweepDebounce:          time.Minute,
		SweepInterval:          time.Hour,
		EvictKeepRecent:        24 * time.Hour,
		LedgerTimeout:          time.Second,
	}
}

type testServer struct {
	app     *app.App
	handler http.Handler
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	a, err := app.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(time.Second) })
	return &testServer{app: a, handler: SetupRoutes(a)}
}

func (s *testServer) token(t *testing.T, owner service.Owner) string {
	t.Helper()
	token, err := s.app.AuthService.GenerateJWT(owner)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, token, name string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.RemoteAddr = "198.51.100.7:5555"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "provenance_http_requests_total")
}

func TestAnonymousUploadAndResolve(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := s.do(uploadRequest(t, "", "hello.txt", []byte("anonymous hello"), nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[service.UploadResult](t, rec)
	assert.False(t, created.Existing)
	assert.NotEmpty(t, created.MnemonicID)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/r/anonymous/"+created.MnemonicID, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[service.Resolved](t, rec)
	assert.Equal(t, created.Path, resolved.File.Path)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/r/anonymous/"+created.MnemonicID+"?redirect=1", nil))
	assert.Equal(t, http.StatusFound, rec.Code)

	rec = s.do(uploadRequest(t, "", "again.txt", []byte("anonymous hello"), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[service.UploadResult](t, rec)
	assert.True(t, again.Existing)
	assert.Equal(t, created.ID, again.ID)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/r/anonymous/not-a-real-code", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthenticatedLifecycle(t *testing.T) {
	s := newTestServer(t, testConfig())
	token := s.token(t, service.Owner{ID: "u1", Username: "alice"})

	rec := s.do(uploadRequest(t, token, "doc.txt", []byte("private content"), nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[service.UploadResult](t, rec)

	rec = s.do(authed(httptest.NewRequest(http.MethodGet, "/api/usage", nil), token))
	require.Equal(t, http.StatusOK, rec.Code)
	var usage struct {
		TotalSize int64 `json:"total_size"`
		FileCount int   `json:"file_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, 1, usage.FileCount)
	assert.Equal(t, int64(len("private content")), usage.TotalSize)

	rec = s.do(authed(httptest.NewRequest(http.MethodGet, "/api/quota?bytes=2000000", nil), token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":false`)

	// Private codes do not resolve for strangers
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/r/u1/"+created.MnemonicID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(authed(httptest.NewRequest(http.MethodGet, "/api/r/u1/"+created.MnemonicID, nil), token))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(authed(httptest.NewRequest(http.MethodPost, "/api/files/"+itoa(created.ID)+"/publish", nil), token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/r/alice/"+created.MnemonicID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(authed(httptest.NewRequest(http.MethodDelete, "/api/files?path="+url.QueryEscape(created.Path), nil), token))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(authed(httptest.NewRequest(http.MethodDelete, "/api/files?path="+url.QueryEscape(created.Path), nil), token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntentAndConfirmOverHTTP(t *testing.T) {
	s := newTestServer(t, testConfig())
	token := s.token(t, service.Owner{ID: "u1", Username: "alice"})

	body := `{"file_name":"big.bin","size":4,"fingerprint":{"exact_digest":"` + sha256hex("data") + `","algorithm":"sha256"}}`
	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/uploads/intent", bytes.NewBufferString(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(authed(httptest.NewRequest(http.MethodPost, "/api/uploads/intent", bytes.NewBufferString(body)), token))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	intent := decode[service.IntentResult](t, rec)
	assert.NotEmpty(t, intent.UploadURL)

	// Nothing landed yet
	rec = s.do(authed(httptest.NewRequest(http.MethodPost, "/api/uploads/"+itoa(intent.ID)+"/confirm", nil), token))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(authed(httptest.NewRequest(http.MethodPost, "/api/uploads/intent", bytes.NewBufferString(`{"size":4}`)), token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatuses(t *testing.T) {
	cfg := testConfig()
	cfg.UserMaxQuota = 8
	s := newTestServer(t, cfg)
	token := s.token(t, service.Owner{ID: "u1", Username: "alice"})

	rec := s.do(uploadRequest(t, token, "big.txt", []byte("more than eight bytes"), nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), `"max_quota":8`)

	rec = s.do(uploadRequest(t, "forged.token.value", "a.txt", []byte("x"), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(uploadRequest(t, token, "a.txt", []byte("x"), map[string]string{"visibility": "everyone"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(uploadRequest(t, token, "huge.bin", bytes.Repeat([]byte("z"), 1<<16+1), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(authed(httptest.NewRequest(http.MethodPost, "/api/files/abc/publish", nil), token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/api/files?path=users/u1/uploads/a/1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/admin/cleanup", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/cleanup", nil)
	req.Header.Set("X-Admin-Token", "admin-token")
	rec = s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed_files":0`)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/evict", bytes.NewBufferString(`{"storage_id":"u1","target":0}`))
	req.Header.Set("X-Admin-Token", "admin-token")
	rec = s.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/evict", bytes.NewBufferString(`{"storage_id":"u1","target":0,"keep_recent":"soon"}`))
	req.Header.Set("X-Admin-Token", "admin-token")
	rec = s.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/admin/cache", nil)
	req.Header.Set("X-Admin-Token", "admin-token")
	rec = s.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUploadRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 2
	s := newTestServer(t, cfg)

	for i := range 2 {
		rec := s.do(uploadRequest(t, "", "f.txt", []byte{byte('a' + i)}, nil))
		require.Less(t, rec.Code, 300, rec.Body.String())
	}
	rec := s.do(uploadRequest(t, "", "f.txt", []byte("c"), nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
