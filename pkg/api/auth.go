package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope grants access to a group of endpoints. ScopeAdmin implies the
// others.
type Scope string

const (
	ScopeIngest Scope = "ingest"
	ScopeRead   Scope = "read"
	ScopeAdmin  Scope = "admin"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims are the bearer token claims. Scope is space separated, as in
// RFC 8693.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Has reports whether the claims grant s.
func (c *Claims) Has(s Scope) bool {
	scopes := strings.Fields(c.Scope)
	return slices.Contains(scopes, string(s)) || slices.Contains(scopes, string(ScopeAdmin))
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	leeway time.Duration
}

// NewAuthenticator returns nil when secret is empty, which disables auth.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret), leeway: 30 * time.Second}
}

// Issue signs a token for subject with the given scopes.
func (a *Authenticator) Issue(subject string, ttl time.Duration, scopes ...Scope) (string, error) {
	now := time.Now()
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: strings.Join(parts, " "),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses and verifies tokenString.
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.leeway), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFrom returns the claims of an authenticated request.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Require rejects requests whose token lacks scope. A nil Authenticator
// lets everything through.
func (a *Authenticator) Require(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			kind, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(kind, "Bearer") {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			claims, err := a.Validate(token)
			if err != nil {
				WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			if !claims.Has(scope) {
				WriteForbidden(w, r, "Token lacks scope "+string(scope))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}
