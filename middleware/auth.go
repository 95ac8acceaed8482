// Package middleware holds the chi middleware chain shared across the
// ingest backend's routes, adapted from the teacher's ordered chain of
// auth/body-size/logging middleware around the request path.
package middleware

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/glitchtip/ingest/auth"
	"github.com/glitchtip/ingest/handler"
)

// ProjectAuthMiddleware extracts the project id from the route and the
// sentry_key from the request, authenticates and throttles it through
// Gate, and stores the resolved *auth.ProjectAuth in request context
// for handlers to read via handler.ProjectAuthFromContext.
func ProjectAuthMiddleware(gate *auth.Gate, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			projectID, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
			if err != nil {
				http.Error(w, `{"detail":"invalid project id"}`, http.StatusNotFound)
				return
			}

			sentryKey, err := auth.ExtractKey(r)
			if err != nil {
				http.Error(w, `{"detail":"invalid api key"}`, http.StatusForbidden)
				return
			}

			pa, err := gate.Authenticate(r.Context(), projectID, sentryKey)
			if err != nil {
				writeAuthError(w, logger, err)
				return
			}

			ctx := handler.WithProjectAuth(r.Context(), pa)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	if throttle, ok := err.(*auth.ThrottleError); ok {
		w.Header().Set("Retry-After", strconv.Itoa(throttle.RetryAfter))
		http.Error(w, `{"detail":"event rejected"}`, http.StatusTooManyRequests)
		return
	}
	switch err {
	case auth.ErrInvalidDSN:
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusForbidden)
	case auth.ErrMaintenanceFreeze:
		http.Error(w, `{"detail":"service unavailable"}`, http.StatusServiceUnavailable)
	default:
		logger.Error().Err(err).Msg("auth gate error")
		http.Error(w, `{"detail":"internal error"}`, http.StatusInternalServerError)
	}
}
