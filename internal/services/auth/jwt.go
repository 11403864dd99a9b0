package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Verifier validates HS256 bearer tokens issued by the external auth
// service. Sessions live on that side; this API only checks the signature
// and expiry and extracts the account id from the subject claim.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

type AccessClaims struct {
	AccountID string
	ExpiresAt time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v *Verifier) ValidateAccessToken(raw string) (AccessClaims, error) {
	if strings.TrimSpace(raw) == "" {
		return AccessClaims{}, ErrUnauthorized
	}
	if len(v.secret) == 0 {
		return AccessClaims{}, fmt.Errorf("jwt secret is empty")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil || token == nil || !token.Valid {
		return AccessClaims{}, ErrUnauthorized
	}

	accountID := strings.TrimSpace(claims.Subject)
	if accountID == "" {
		return AccessClaims{}, ErrUnauthorized
	}
	if claims.ExpiresAt == nil {
		return AccessClaims{}, ErrUnauthorized
	}
	if v.now().After(claims.ExpiresAt.Time) {
		return AccessClaims{}, ErrUnauthorized
	}

	return AccessClaims{
		AccountID: accountID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// SignAccessToken mints a token the verifier accepts. Used by tests and by
// local development tooling; production tokens come from the auth service.
func SignAccessToken(secret, accountID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(accountID) == "" {
		return "", fmt.Errorf("account id is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}
