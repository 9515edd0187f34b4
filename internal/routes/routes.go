package routes

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/templui/provenance/internal/app"
	"github.com/templui/provenance/internal/handler"
	"github.com/templui/provenance/internal/middleware"
)

func SetupRoutes(app *app.App) http.Handler {
	// Handlers
	uploads := handler.NewUploadHandler(app.UploadService, app.Cfg.MaxUploadSize)
	usage := handler.NewUsageHandler(app.BucketService)
	admin := handler.NewAdminHandler(app.CleanupService, app.BucketService, app.Cfg.EvictKeepRecent)
	health := handler.NewHealthHandler(app.HealthChecks)

	mux := http.NewServeMux()

	// ============================================================================
	// OPERATIONS
	// ============================================================================

	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// ============================================================================
	// UPLOADS (anonymous allowed, rate limited per IP)
	// ============================================================================

	rateLimiter := middleware.NewRateLimiter(app.Cache, "uploads", app.Cfg.RateLimit, time.Minute)

	mux.HandleFunc("POST /api/uploads", rateLimiter.Limit(uploads.Upload))
	mux.HandleFunc("POST /api/uploads/intent", rateLimiter.Limit(middleware.RequireAuth(uploads.Intent)))
	mux.HandleFunc("POST /api/uploads/{id}/confirm", middleware.RequireAuth(uploads.Confirm))

	// ============================================================================
	// FILES
	// ============================================================================

	mux.HandleFunc("POST /api/files/{id}/publish", middleware.RequireAuth(uploads.Publish))
	mux.HandleFunc("DELETE /api/files", middleware.RequireAuth(uploads.Delete))
	mux.HandleFunc("GET /api/r/{namespace}/{mnemonic}", uploads.Resolve)

	// ============================================================================
	// USAGE
	// ============================================================================

	mux.HandleFunc("GET /api/usage", usage.Usage)
	mux.HandleFunc("GET /api/quota", usage.Quota)

	// ============================================================================
	// ADMIN
	// ============================================================================

	requireAdmin := middleware.RequireAdmin(app.Cfg.AdminToken)

	mux.HandleFunc("POST /api/admin/cleanup", requireAdmin(admin.Cleanup))
	mux.HandleFunc("POST /api/admin/evict", requireAdmin(admin.Evict))
	mux.HandleFunc("DELETE /api/admin/cache", requireAdmin(admin.ClearCache))

	// Global middleware - executed in order (top to bottom)
	handler := middleware.Chain(
		mux,
		middleware.RequestID,             // Request id and client IP first, everything below logs them
		middleware.Auth(app.AuthService), // Optional bearer token; refuses bad tokens itself
		middleware.RequestLogging,        // Innermost so the matched route pattern is visible
	)

	return handler
}
