package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/poolpilot/walletcore/internal/app/domain"
)

type ctxKey string

const ctxIdentityKey ctxKey = "identity_id"

// Claims are the bearer-token claims walletcore accepts. Subject is the
// identity id.
type Claims struct {
	jwt.RegisteredClaims
}

// identityMiddleware resolves the caller identity. With a secret configured
// it requires a valid HS256 bearer token whose subject is the identity id;
// without one it falls back to the X-Identity-ID header for local
// development.
func identityMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identityID, err := resolveIdentity(r, secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identityID)))
		})
	}
}

func resolveIdentity(r *http.Request, secret string) (string, error) {
	if secret == "" {
		identityID := strings.TrimSpace(r.Header.Get("X-Identity-ID"))
		if identityID == "" {
			return "", fmt.Errorf("missing X-Identity-ID header: %w", domain.ErrUnauthorized)
		}
		return identityID, nil
	}

	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("missing bearer token: %w", domain.ErrUnauthorized)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", domain.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token missing subject: %w", domain.ErrUnauthorized)
	}
	return claims.Subject, nil
}

func withIdentity(ctx context.Context, identityID string) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, identityID)
}

// callerIdentity returns the identity resolved by the middleware.
func callerIdentity(r *http.Request) string {
	if v, ok := r.Context().Value(ctxIdentityKey).(string); ok {
		return v
	}
	return ""
}
