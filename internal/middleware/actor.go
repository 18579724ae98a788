package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"offer-negotiation-api/internal/models"
	"offer-negotiation-api/internal/validation"
)

// ActorHeader carries the id of the acting user. It is set by the gateway
// in front of this service after it has authenticated the caller.
const ActorHeader = "X-User-ID"

type contextKey string

const actorKey contextKey = "actor_id"

// Actor reads the acting user from ActorHeader and stores it in the
// request context. Requests without the header pass through untouched.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.ToLower(validation.SanitizeString(r.Header.Get(ActorHeader)))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		if err := validation.ValidateUUID(id, ActorHeader); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), id)))
	})
}

// RequireActor rejects requests that carry no acting user.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ActorFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, ActorHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimitBody caps the request body size.
func LimitBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithActor returns a context carrying the acting user id.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey, actorID)
}

// ActorFromContext returns the acting user id, if any.
func ActorFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(actorKey).(string)
	return id, ok && id != ""
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: message})
}
