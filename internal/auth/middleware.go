package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/merlin-assistant/merlin/internal/api"
)

type contextKey string

const claimsKey contextKey = "claims"

// Middleware requires a valid bearer token. A nil manager disables
// authentication entirely.
func Middleware(m *TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			claims, err := m.Validate(token)
			if err != nil {
				slog.Debug("auth: rejected token", "error", err)
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}
