package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"shelter-api/internal/auth"
)

// TokenVerifier checks a bearer token's signature and expiry.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// VersionChecker reports whether a token version is still current for
// the user.
type VersionChecker interface {
	CheckTokenVersion(ctx context.Context, userID string, tokenVersion int) (bool, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
	versions VersionChecker
	logr     *zap.Logger
}

type contextKey string

const (
	ContextUserIDKey  contextKey = "userID"
	ContextAuthMethod contextKey = "authMethod"
	ContextRolesKey   contextKey = "roles"
)

func NewAuthMiddleware(verifier TokenVerifier, versions VersionChecker, logr *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, versions: versions, logr: logr}
}

// JWTAuth validates an access token and attaches the user to the request
// context.
func (m *AuthMiddleware) JWTAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "invalid token format", http.StatusUnauthorized)
			return
		}

		claims, err := m.verifier.VerifyToken(tokenString)
		if err != nil {
			m.logr.Warn("token parse error", zap.Error(err))
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		if claims.Kind != auth.AccessToken {
			http.Error(w, "access token required", http.StatusUnauthorized)
			return
		}

		valid, err := m.versions.CheckTokenVersion(r.Context(), claims.Subject, claims.Version)
		if err != nil {
			m.logr.Error("failed checking token version", zap.Error(err), zap.String("user_id", claims.Subject))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if !valid {
			m.logr.Warn("token version invalid", zap.String("user_id", claims.Subject))
			http.Error(w, "token revoked or invalid", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ContextUserIDKey, claims.Subject)
		ctx = context.WithValue(ctx, ContextAuthMethod, claims.AuthMethod)
		ctx = context.WithValue(ctx, ContextRolesKey, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose token lacks role. It must run after
// JWTAuth.
func (m *AuthMiddleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			roles, _ := r.Context().Value(ContextRolesKey).([]string)
			for _, have := range roles {
				if have == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			userID, _ := r.Context().Value(ContextUserIDKey).(string)
			m.logr.Warn("missing role", zap.String("user_id", userID), zap.String("role", role))
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
