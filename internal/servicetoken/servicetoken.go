// Package servicetoken issues and verifies the HS256 credentials that service
// callers present to the admin gRPC API.
package servicetoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// ScopeAdmin grants access to every QuotaAdmin method.
	ScopeAdmin = "quota:admin"

	defaultIssuer = "mediaquota"
	minSecretLen  = 16
)

// ErrInvalidToken covers every verification failure.
var ErrInvalidToken = errors.New("invalid service token")

// Claims identifies a calling service.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether scope was granted.
func (claims *Claims) HasScope(scope string) bool {
	for _, granted := range claims.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

// Config holds the shared secret and issuer.
type Config struct {
	Secret string
	Issuer string
}

// Authority signs and verifies service tokens.
type Authority struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthority validates cfg. A nil clock uses time.Now.
func NewAuthority(cfg Config, now func() time.Time) (*Authority, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("service token secret must be at least %d bytes", minSecretLen)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	if now == nil {
		now = time.Now
	}
	return &Authority{secret: []byte(cfg.Secret), issuer: issuer, now: now}, nil
}

// Issue mints a token for subject valid for ttl.
func (authority *Authority) Issue(subject string, ttl time.Duration, scopes ...string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("service token subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("service token ttl must be positive")
	}
	issuedAt := authority.now().UTC()
	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    authority.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(authority.secret)
}

// Verify parses tokenString and checks signature, issuer and expiry.
func (authority *Authority) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return authority.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(authority.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(authority.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractBearer returns the token from an "Authorization: Bearer" value.
func ExtractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
