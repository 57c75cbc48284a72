package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/af-corp/copilot-bridge/internal/httputil"
)

// Middleware returns a chi middleware that authenticates requests via the
// x-api-key header or a Bearer token. It lets every request through when the
// store requires no key.
func Middleware(store KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.Required() {
				next.ServeHTTP(w, r)
				return
			}
			reqID := w.Header().Get("X-Request-ID")

			token := r.Header.Get("X-Api-Key")
			if token == "" {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					httputil.WriteAuthError(w, reqID, "Missing API key. Use: x-api-key: <key> or Authorization: Bearer <key>")
					return
				}
				token = strings.TrimPrefix(authHeader, "Bearer ")
				if token == authHeader {
					httputil.WriteAuthError(w, reqID, "Invalid Authorization format. Use: Authorization: Bearer <key>")
					return
				}
			}
			if token == "" {
				httputil.WriteAuthError(w, reqID, "Empty API key")
				return
			}

			info, err := store.Lookup(r.Context(), HashKey(token))
			if err != nil {
				slog.Error("key lookup failed", "error", err, "key_prefix", KeyPrefix(token))
				httputil.WriteInternalError(w, reqID, "Internal error during authentication")
				return
			}
			if info == nil {
				slog.Warn("auth failed: key not accepted", "key_prefix", KeyPrefix(token))
				httputil.WriteAuthError(w, reqID, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminMiddleware gates the admin endpoints with the shared admin secret,
// sent in the X-Admin-Token header or the token query parameter.
func AdminMiddleware(secret func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := secret()
			if want == "" {
				slog.Error("admin endpoint called without an admin token configured", "path", r.URL.Path)
				httputil.WriteAdminError(w, http.StatusInternalServerError, "Server misconfigured")
				return
			}
			got := r.Header.Get("X-Admin-Token")
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				slog.Warn("admin auth failed", "path", r.URL.Path, "remote", r.RemoteAddr)
				httputil.WriteAdminError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
