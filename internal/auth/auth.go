// Package auth turns bearer tokens into verified identities. Tokens are
// HS256 JWTs carrying the actor's id, display name and role.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"campuswatch/presence-server/internal/model"
)

// ErrUnauthorized is returned for any missing, malformed or invalid token.
var ErrUnauthorized = errors.New("unauthorized")

// AnonymousName is the display name of tokens that carry none.
const AnonymousName = "Anonymous"

// Claims is the token payload issued to campus actors.
type Claims struct {
	ID   ActorID `json:"id"`
	Name string  `json:"name"`
	Role string  `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates and mints tokens with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier builds a verifier for secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret, now: time.Now}
}

// Verify checks the token signature and expiry and returns the identity it
// carries. Tokens without an id or with an unknown role are rejected.
func (v *Verifier) Verify(token string) (model.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Identity{}, ErrUnauthorized
	}
	var claims Claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return model.Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if strings.TrimSpace(string(claims.ID)) == "" {
		return model.Identity{}, fmt.Errorf("%w: token has no id", ErrUnauthorized)
	}
	role, err := model.ParseRole(claims.Role)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = AnonymousName
	}
	return model.Identity{ActorID: string(claims.ID), DisplayName: name, Role: role}, nil
}

// ActorID accepts both string and numeric id claims; user databases that
// issue integer keys put numbers in the token.
type ActorID string

func (a *ActorID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = ActorID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id claim: %w", err)
	}
	*a = ActorID(n.String())
	return nil
}

// Issue signs a token for id. A zero ttl produces a token without expiry.
func (v *Verifier) Issue(id model.Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		ID:   ActorID(id.ActorID),
		Name: id.DisplayName,
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "campuswatch",
			Subject:  id.ActorID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

type ctxKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity placed by Middleware.
func FromContext(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(model.Identity)
	return id, ok
}

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter for clients such as
// EventSource that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token with 401 and otherwise
// attaches the caller's identity to the request context.
func Middleware(v *Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.Verify(TokenFromRequest(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
