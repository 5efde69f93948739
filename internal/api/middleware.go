/**
 * @description
 * Operator authentication for the admin routes. Tokens are HS256 JWTs issued by the
 * operations console and must carry an operator or admin role.
 */
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// OperatorIDContextKey holds the authenticated operator's subject.
const OperatorIDContextKey = contextKey("operatorID")

var operatorRoles = map[string]bool{"operator": true, "admin": true}

// AdminAuthMiddleware validates operator JWTs signed with secret.
func AdminAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(strings.TrimSpace(secret))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				respondWithError(w, http.StatusServiceUnavailable, "admin authentication is not configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				respondWithError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				respondWithError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			role, _ := claims["role"].(string)
			if !operatorRoles[strings.ToLower(role)] {
				respondWithError(w, http.StatusForbidden, "operator role required")
				return
			}
			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				respondWithError(w, http.StatusUnauthorized, "Operator ID not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), OperatorIDContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorIDFromContext returns the authenticated operator, if any.
func OperatorIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(OperatorIDContextKey).(string)
	return id
}
