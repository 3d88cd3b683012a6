package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenTTL = 24 * time.Hour

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingEmail = errors.New("token carries no email")
)

type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Signer issues and verifies the HS256 tokens that vouch for the identity
// asserted in an auth frame. The email travels in the "email" claim.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), ttl: DefaultTokenTTL, now: time.Now}
}

// WithTTL returns a copy of s issuing tokens valid for ttl.
func (s *Signer) WithTTL(ttl time.Duration) *Signer {
	c := *s
	c.ttl = ttl
	return &c
}

// Sign creates a token for email.
func (s *Signer) Sign(email string) (string, error) {
	now := s.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the token and returns the email it was issued for.
func (s *Signer) Verify(tokenString string) (string, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Email == "" {
		return "", ErrMissingEmail
	}
	return claims.Email, nil
}
