package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type serviceClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenSigner issues short-lived HS256 service tokens. The sync worker
// presents them to owner services' internal read endpoints; the admin API
// accepts them from operators' tooling.
type TokenSigner struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenSigner(secret, issuer, audience string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TokenSigner{secret: []byte(secret), issuer: issuer, audience: audience, ttl: ttl, now: time.Now}
}

func (s *TokenSigner) Sign() (string, error) {
	return s.SignScope("internal:read")
}

func (s *TokenSigner) SignScope(scope string) (string, error) {
	now := s.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, serviceClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	return token.SignedString(s.secret)
}

type ServiceClaims struct {
	Service string
	Scope   string
}

// ParseServiceToken validates a token issued by TokenSigner.
func ParseServiceToken(raw, secret, audience string) (ServiceClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &serviceClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(audience), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return ServiceClaims{}, err
	}
	claims, ok := parsed.Claims.(*serviceClaims)
	if !ok || !parsed.Valid {
		return ServiceClaims{}, errors.New("invalid token claims")
	}
	return ServiceClaims{Service: claims.Issuer, Scope: claims.Scope}, nil
}
