// Package middleware provides HTTP middleware for the Spaces API.
package middleware

import (
	"context"
	"net/http"
	"strconv"
)

type contextKey string

const (
	userIDKey  contextKey = "user_id"
	spaceIDKey contextKey = "space_id"
)

// Identity extracts the tenant from the X-User-ID and X-Space-ID headers.
// X-User-ID is mandatory; requests without a valid positive id are
// rejected before any handler runs. X-Space-ID is optional and scopes the
// request to a single space.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"missing or invalid X-User-ID header"}`))
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		if rawSpace := r.Header.Get("X-Space-ID"); rawSpace != "" {
			if spaceID, err := strconv.ParseInt(rawSpace, 10, 64); err == nil && spaceID > 0 {
				ctx = context.WithValue(ctx, spaceIDKey, spaceID)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the authenticated user id. The boolean is false only for
// requests that bypassed the Identity middleware.
func UserID(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(userIDKey).(int64)
	return v, ok
}

// SpaceID returns the request's space scope, or nil for all spaces.
func SpaceID(ctx context.Context) *int64 {
	if v, ok := ctx.Value(spaceIDKey).(int64); ok {
		return &v
	}
	return nil
}

// CORS allows browser clients from the given origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Space-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
