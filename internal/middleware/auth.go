package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/templui/provenance/internal/ctxkeys"
	"github.com/templui/provenance/internal/service"
)

// Auth reads an optional bearer token and puts the owner it names in the
// context. Requests without a token continue as anonymous; a token that does
// not verify is refused.
func Auth(authService *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || !authService.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			owner, err := authService.VerifyJWT(token)
			if err != nil {
				slog.Warn("rejected bearer token", "error", err, "path", r.URL.Path)
				writeUnauthorized(w)
				return
			}

			ctx := ctxkeys.WithOwner(r.Context(), owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth refuses anonymous callers
func RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctxkeys.Owner(r.Context()).Anonymous() {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// RequireAdmin guards operator endpoints with a static token. An empty token disables them.
func RequireAdmin(adminToken string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Admin-Token")
			if adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="provenance"`)
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
