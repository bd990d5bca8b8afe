package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sumire/pulse/internal/domain"
)

// PurposeDigestUnsubscribe scopes tokens minted for digest email opt-out
// links. Verification against any other purpose fails.
const PurposeDigestUnsubscribe = "digest-unsubscribe"

// TokenService issues and verifies signed, expiring, purpose-scoped tokens.
// Tokens are stateless: ownership is proven purely by cryptographic validity
// and expiry, there is no revocation list.
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// NewTokenService creates a TokenService signing with the given secret.
func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret), now: time.Now}
}

// Issue mints a purpose-scoped token for the user, valid for ttl.
func (s *TokenService) Issue(userID int64, purpose string, ttl time.Duration) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     userID,
		"purpose": purpose,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", purpose, err)
	}
	return signed, nil
}

// Verify checks signature, expiry, purpose and subject, in that order, and
// returns the token's user ID. Each failure mode maps to its own sentinel so
// the caller can distinguish token errors from internal ones.
func (s *TokenService) Verify(tokenString, expectedPurpose string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, domain.ErrExpiredToken
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, domain.ErrInvalidToken
	}

	purpose, _ := claims["purpose"].(string)
	if purpose != expectedPurpose {
		return 0, domain.ErrPurposeMismatch
	}

	sub, ok := claims["sub"].(float64)
	if !ok || sub <= 0 {
		return 0, domain.ErrMissingSubject
	}

	return int64(sub), nil
}
