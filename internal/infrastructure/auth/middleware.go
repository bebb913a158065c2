package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/honeynil/sms-billing/internal/infrastructure/redis"
)

type contextKey struct{}

// TenantFromContext returns the tenant set by AuthMiddleware.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(contextKey{}).(string)
	return tenantID, ok && tenantID != ""
}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

func revokedKey(jti string) string {
	return fmt.Sprintf("token:%s:revoked", jti)
}

// Revoke blocks the token with the given id until ttl passes.
func Revoke(ctx context.Context, redisClient redis.RedisClient, jti string, ttl time.Duration) error {
	return redisClient.Set(ctx, revokedKey(jti), "1", ttl)
}

// AuthMiddleware accepts HS256 bearer tokens carrying a tenant_id claim.
// When redisClient is set, tokens revoked by id are refused.
func AuthMiddleware(redisClient redis.RedisClient, jwtSecret string) func(http.Handler) http.Handler {
	secret := []byte(jwtSecret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "authorization header missing", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := ParseToken(secret, parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			if redisClient != nil && claims.ID != "" {
				_, err := redisClient.Get(r.Context(), revokedKey(claims.ID))
				if err == nil || !errors.Is(err, redis.ErrKeyNotFound) {
					slog.Error("invalid or revoked token", "tenant_id", claims.TenantID, "jti", claims.ID, "error", err)
					http.Error(w, "invalid or revoked token", http.StatusUnauthorized)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), claims.TenantID)))
		})
	}
}
