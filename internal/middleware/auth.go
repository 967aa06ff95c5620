package middleware

import (
	"context"
	"net/http"
	"strings"

	"medicine-reminder/internal/auth"
)

type contextKey string

const UserContextKey contextKey = "user"

// UserContext identifies the authenticated user of a request
type UserContext struct {
	UserID   int64
	Username string
}

// AuthMiddleware validates session tokens and adds user context
type AuthMiddleware struct {
	jwtManager *auth.JWTManager
}

func NewAuthMiddleware(jwtManager *auth.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{jwtManager: jwtManager}
}

// RequireAuth rejects requests without a valid bearer token
func (am *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		claims, err := am.jwtManager.ValidateToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		ctx := WithUser(r.Context(), &UserContext{UserID: claims.UserID, Username: claims.Username})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireBotToken guards the intake endpoints used by the chat bot. The
// token is read from X-Bot-Token or a bearer Authorization header.
func RequireBotToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Bot-Token")
			if got == "" {
				got = BearerToken(r)
			}
			if got == "" || !SecureCompare(got, token) {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken returns the token of a "Bearer" Authorization header
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WithUser stores the user context on ctx
func WithUser(ctx context.Context, u *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, u)
}

// GetUserContext retrieves user context from request
func GetUserContext(r *http.Request) *UserContext {
	if userCtx, ok := r.Context().Value(UserContextKey).(*UserContext); ok {
		return userCtx
	}
	return nil
}

// GetUserID retrieves user ID from request context
func GetUserID(ctx context.Context) int64 {
	if userCtx, ok := ctx.Value(UserContextKey).(*UserContext); ok {
		return userCtx.UserID
	}
	return 0
}
