package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/complyledger/evidence/internal/errcode"
)

type contextKey string

const UserContextKey contextKey = "user"

func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// WithClaims returns ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, UserContextKey, claims)
}

// Middleware rejects requests without a valid access token using the
// engine's error envelope.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			deny(w, r, errcode.Unauthenticated, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			deny(w, r, errcode.Unauthenticated, "invalid authorization header format")
			return
		}

		claims, err := s.ValidateToken(parts[1])
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				deny(w, r, errcode.Unauthenticated, "token expired")
				return
			}
			deny(w, r, errcode.Unauthenticated, "invalid token")
			return
		}
		if claims.Use != tokenAccess {
			deny(w, r, errcode.Unauthenticated, "refresh tokens cannot authorize requests")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				deny(w, r, errcode.Unauthenticated, "unauthorized")
				return
			}

			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			deny(w, r, errcode.RoleNotPermitted, "role "+string(claims.Role)+" may not call this endpoint")
		})
	}
}

func deny(w http.ResponseWriter, r *http.Request, code errcode.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errcode.HTTPStatus(code))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":         false,
		"error_code": code,
		"message":    message,
		"request_id": middleware.GetReqID(r.Context()),
	})
}
