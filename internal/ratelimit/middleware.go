package ratelimit

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/af-corp/copilot-bridge/internal/httputil"
)

const headerRetryAfter = "Retry-After"

// Middleware returns chi middleware that passes every request through the
// admission gate.
func Middleware(gate *Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			err := gate.Admit(r.Context())
			var rejected *RejectedError
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.As(err, &rejected):
				slog.Warn("rate limit exceeded", "request_id", reqID, "retry_after", rejected.RetryAfter)
				w.Header().Set(headerRetryAfter, strconv.Itoa(int(rejected.RetryAfter.Seconds())))
				httputil.WriteRateLimitError(w, reqID, "Rate limit exceeded")
			default:
				// The client went away while waiting.
				slog.Debug("admission wait aborted", "request_id", reqID, "error", err)
			}
		})
	}
}
