package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated operator.
type Principal struct {
	Subject string
	Source  string // "jwt" or "anonymous"
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}

func authenticateJWT(token, secret string) (Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Subject: claims.Subject, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware requires an HS256 bearer token signed with secret.
// An empty secret disables authentication; every request is anonymous.
func newAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(secret) == "" {
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), Principal{Source: "anonymous"})))
				return
			}

			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			if authz == "" {
				respondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
				return
			}
			principal, err := authenticateJWT(token, secret)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
		})
	}
}
