// ABOUTME: Bearer token verification: HS256 JWTs, static tokens, and bcrypt token hashes.
// ABOUTME: Chain combines verifiers so any configured method can accept a token.

package auth

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// MinSecretLength is the shortest accepted HS256 secret.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.Newf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (principalID string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{secret: secret, now: time.Now}, nil
}

// Verify validates the token and extracts the principal ID from the "sub" claim
func (v *JWTVerifier) Verify(tokenString string) (principalID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", errors.Wrapf(ErrInvalidToken, "%v", err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.Wrap(ErrMissingClaim, "sub")
	}

	return sub, nil
}

// Generate creates a new JWT token for the given principal ID with expiration
func (v *JWTVerifier) Generate(principalID string, expiresIn time.Duration) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// StaticTokens accepts a fixed set of tokens, either in plain text or as bcrypt hashes.
type StaticTokens struct {
	tokens [][]byte
	hashes [][]byte
}

// NewStaticTokens builds a verifier from plain tokens and bcrypt hashes.
// Every hash must be a well-formed bcrypt hash.
func NewStaticTokens(tokens, hashes []string) (*StaticTokens, error) {
	s := &StaticTokens{}
	for _, t := range tokens {
		if t == "" {
			continue
		}
		s.tokens = append(s.tokens, []byte(t))
	}
	for i, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, errors.Wrapf(err, "token_hashes[%d]", i)
		}
		s.hashes = append(s.hashes, []byte(h))
	}
	return s, nil
}

// Empty reports whether no tokens are configured.
func (s *StaticTokens) Empty() bool {
	return len(s.tokens) == 0 && len(s.hashes) == 0
}

// Verify accepts a token that matches a configured plain token or hash.
// The principal is "token:<index>" or "token_hash:<index>".
func (s *StaticTokens) Verify(tokenString string) (string, error) {
	candidate := []byte(tokenString)
	for i, t := range s.tokens {
		if subtle.ConstantTimeCompare(candidate, t) == 1 {
			return fmt.Sprintf("token:%d", i), nil
		}
	}
	for i, h := range s.hashes {
		if bcrypt.CompareHashAndPassword(h, candidate) == nil {
			return fmt.Sprintf("token_hash:%d", i), nil
		}
	}
	return "", ErrInvalidToken
}

// Chain tries each verifier in order and returns the first accepted principal.
type Chain []TokenVerifier

// Verify implements TokenVerifier.
func (c Chain) Verify(tokenString string) (string, error) {
	err := ErrInvalidToken
	for _, v := range c {
		principal, verr := v.Verify(tokenString)
		if verr == nil {
			return principal, nil
		}
		if errors.Is(verr, ErrExpiredToken) {
			err = verr
		}
	}
	return "", err
}
