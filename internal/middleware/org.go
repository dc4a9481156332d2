package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"relaygate/internal/httputil"
)

type contextKey string

const (
	orgIDKey     contextKey = "org_id"
	requestIDKey contextKey = "request_id"

	// OrgHeader carries the tenant identity resolved by the layer above
	// this gateway. Requests without it are rejected before any work.
	OrgHeader = "x-org-id"

	// RequestIDHeader is an optional client-supplied trace ID.
	RequestIDHeader = "x-request-id"
)

// OrgResolution extracts the org header into the request context and
// rejects requests that lack it.
func OrgResolution(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgID := r.Header.Get(OrgHeader)
			if orgID == "" {
				logger.Debug("request rejected: missing org header", "path", r.URL.Path)
				httputil.RespondError(w, http.StatusUnauthorized, "missing "+OrgHeader+" header")
				return
			}

			ctx := context.WithValue(r.Context(), orgIDKey, orgID)
			if reqID := r.Header.Get(RequestIDHeader); reqID != "" {
				ctx = context.WithValue(ctx, requestIDKey, reqID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OrgID returns the org resolved for this request, or "".
func OrgID(ctx context.Context) string {
	id, _ := ctx.Value(orgIDKey).(string)
	return id
}

// RequestID returns the client-supplied trace ID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
