/**
 * @description
 * This package provides middleware for the HTTP server, specifically for
 * handling authentication and authorization.
 *
 * @notes
 * - With a signing secret configured, requests must carry an HS256 bearer
 *   token whose `sub` claim is the user ID.
 * - Without a secret the service trusts the X-User-Id header set by the API
 *   gateway. This mode is meant for local development only.
 */
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthContextKey is a custom type for the context key to avoid collisions.
type AuthContextKey string

const (
	// UserIDKey is the key used to store the user's ID in the request context.
	UserIDKey AuthContextKey = "userID"
	// AuthTokenKey is the key used to store the raw auth token in the request context.
	AuthTokenKey AuthContextKey = "authToken"
)

// UserIDHeader carries the caller identity in trusted-header mode.
const UserIDHeader = "X-User-Id"

// ErrNoAuthHeader is returned when the Authorization header is missing.
var ErrNoAuthHeader = errors.New("authorization header is required")

// AuthConfig controls how incoming requests are authenticated.
type AuthConfig struct {
	JWTSecret      string
	ExpectedIssuer string
}

// AuthMiddleware creates a middleware that authenticates the caller and
// stores the user ID in the request context.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	secret := []byte(strings.TrimSpace(cfg.JWTSecret))
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
				if userID == "" {
					http.Error(w, "Unauthorized: Missing auth credentials", http.StatusUnauthorized)
					return
				}
				ctx := context.WithValue(r.Context(), UserIDKey, userID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			tokenString, err := bearerToken(r.Header.Get("Authorization"))
			if err != nil {
				http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				return secret, nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			if cfg.ExpectedIssuer != "" {
				if iss, _ := claims.GetIssuer(); iss != cfg.ExpectedIssuer {
					http.Error(w, "Invalid issuer", http.StatusUnauthorized)
					return
				}
			}

			userID, _ := claims.GetSubject()
			if strings.TrimSpace(userID) == "" {
				http.Error(w, "User ID not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			ctx = context.WithValue(ctx, AuthTokenKey, tokenString)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(authHeader string) (string, error) {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return "", ErrNoAuthHeader
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid Authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// GetUserIDFromContext retrieves the user ID from the request context.
// It returns an empty string if the user ID is not found.
func GetUserIDFromContext(ctx context.Context) string {
	userID, ok := ctx.Value(UserIDKey).(string)
	if !ok {
		return ""
	}
	return userID
}

// GetAuthTokenFromContext retrieves the authorization token from the request context.
// It returns an empty string if the token is not found.
func GetAuthTokenFromContext(ctx context.Context) string {
	token, ok := ctx.Value(AuthTokenKey).(string)
	if !ok {
		return ""
	}
	return token
}
