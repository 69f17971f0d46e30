package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey int

const actorKey ctxKey = iota

// RequireJWT rejects requests without a valid HS256 bearer token and stores
// the token subject as the acting user.
func RequireJWT(secret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
				return
			}
			var claims jwt.RegisteredClaims
			tok, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
				if len(secret) == 0 {
					return nil, errors.New("no signing secret configured")
				}
				return secret, nil
			})
			if err != nil || !tok.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token", err)
				return
			}
			if claims.Subject == "" {
				writeError(w, http.StatusUnauthorized, "token has no subject", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, claims.Subject)))
		})
	}
}

// Actor returns the authenticated subject, empty outside RequireJWT.
func Actor(ctx context.Context) string {
	s, _ := ctx.Value(actorKey).(string)
	return s
}
