package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"relaygate/internal/httputil"
)

// Recovery converts handler panics into a 500 problem response. A panic
// mid-SSE cannot be converted (headers are already out), so the write is
// best effort and the connection simply drops.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						"panic", rec,
						"method", r.Method,
						"path", r.URL.Path,
						"org_id", OrgID(r.Context()),
						"stack", string(debug.Stack()),
					)
					httputil.RespondError(w, http.StatusInternalServerError, "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
