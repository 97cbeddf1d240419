// Package middleware provides the HTTP middleware for the flagport server:
// API key authentication, per-client rate limiting, and request logging.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// KeyValidator validates an API key and returns the client id it belongs to.
type KeyValidator interface {
	ValidateKey(ctx context.Context, key string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure func()
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// APIKeyAuth enforces "Authorization: ApiKey <key>" authentication. The
// authenticated client id is attached to the request context for downstream
// handlers (exposure attribution, rate limiting).
func APIKeyAuth(validator KeyValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, err := authorize(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if cfg.onFailure != nil {
					cfg.onFailure()
				}
				writeUnauthorized(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), clientIDKey, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type contextKey string

const clientIDKey contextKey = "client_id"

// ClientIDFromContext retrieves the authenticated client id from the context.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey).(string)
	return id, ok
}

// NewContextWithClientID returns a new context carrying the given client id.
func NewContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func authorize(ctx context.Context, authorizationHeader string, validator KeyValidator) (string, error) {
	if validator == nil {
		return "", errors.New("key validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	key, err := parseAPIKey(authorizationHeader)
	if err != nil {
		return "", err
	}

	clientID, err := validator.ValidateKey(ctx, key)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(clientID) == "" {
		return "", errInvalidAuthorizationHeader
	}

	return clientID, nil
}

func parseAPIKey(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "ApiKey") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	message := "Invalid API key"
	switch {
	case errors.Is(err, errMissingAuthorizationHeader):
		message = "Missing Authorization header"
	case errors.Is(err, errInvalidAuthorizationHeader):
		message = "Invalid Authorization header format"
	}

	w.Header().Set("WWW-Authenticate", "ApiKey")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    "unauthorized",
			"message": message,
		},
	})
}
