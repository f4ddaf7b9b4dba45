// Package auth resolves the current user id from signed session tokens.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/safesats/safesats/internal/domain"
)

const defaultTTL = 24 * time.Hour

type contextKey struct{}

// Claims session token claims; Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates HS256 session tokens issued by the identity provider.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify returns the user id carried by token.
func (v *Verifier) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", errors.Wrap(domain.ErrPermissionDenied, err.Error())
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", errors.Wrap(domain.ErrPermissionDenied, "token has no subject")
	}
	return claims.Subject, nil
}

// FromRequest verifies the bearer token of r. Browsers cannot set headers on
// EventSource requests, so an access_token query parameter is accepted too.
func (v *Verifier) FromRequest(r *http.Request) (string, error) {
	token := ""
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", errors.Wrap(domain.ErrPermissionDenied, "invalid Authorization header")
		}
		token = strings.TrimSpace(parts[1])
	} else {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return "", errors.Wrap(domain.ErrPermissionDenied, "missing session token")
	}
	return v.Verify(token)
}

// Issuer mints tokens; used for development and tests.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. A non-positive ttl defaults to 24h.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for userID.
func (i *Issuer) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserID returns the authenticated user id stored in ctx.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}
