package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type contextKey struct{}

// ClaimsFromContext returns the claims Guard attached to the request
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

// Guard wraps admin handlers for one tier
type Guard struct {
	tokens *TokenManager
	tierID string
}

// NewGuard creates a guard. Tokens pinned to another tier are refused.
func NewGuard(tokens *TokenManager, tierID string) *Guard {
	return &Guard{tokens: tokens, tierID: tierID}
}

// Require lets a request through when its bearer token carries at least
// role. A nil guard lets everything through.
func (g *Guard) Require(role string, next http.Handler) http.Handler {
	if g == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := g.check(r, role)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrForbidden) {
				status = http.StatusForbidden
			} else {
				w.Header().Set("WWW-Authenticate", `Bearer realm="cluso"`)
			}
			respondError(w, status, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
	})
}

func (g *Guard) check(r *http.Request, role string) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errors.New("missing authorization header")
	}
	// format: "Bearer <token>"
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, errors.New("invalid authorization header format")
	}

	claims, err := g.tokens.Validate(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}
	if claims.Tier != "" && claims.Tier != g.tierID {
		return nil, ErrForbidden
	}
	if !claims.Allows(role) {
		return nil, ErrForbidden
	}
	return claims, nil
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
