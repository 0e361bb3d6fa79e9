// Package auth holds the authentication core: password hashing, token issuance
// and verification, and the HTTP middleware that guards protected routes.
//
// AUTHENTICATION FLOW:
//  1. Register or login → the service hashes/verifies the password and calls
//     TokenService.Issue for the account id
//  2. The client keeps the token and sends it on every protected call as
//     "Authorization: Bearer <token>"
//  3. RequireAuth verifies the token and puts the account id in the request
//     context; handlers read it with AccountIDFromContext
//
// TOKEN FORMAT (HS256 JWT):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header:  {"alg":"HS256","typ":"JWT"}
//	- Payload: {"userId":"<id>","sub":"<id>","iss":"repotrack","iat":...,"exp":...}
//
// Tokens are stateless: nothing is stored server-side, so a token stays valid
// until exp even if the password changes.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is the fixed lifetime of every issued token.
const TokenTTL = time.Hour

// MinSecretLength is the shortest HMAC secret NewTokenService accepts.
const MinSecretLength = 16

const issuer = "repotrack"

var (
	// ErrInvalidToken is returned for every token that must be rejected:
	// bad signature, malformed, wrong algorithm, wrong issuer or expired.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrTokenExpired is joined with ErrInvalidToken when exp has passed.
	ErrTokenExpired = errors.New("auth: token expired")
)

// TokenService issues and verifies account tokens.
//
// The secret is read once from configuration at construction and never leaves
// this struct: it is not embedded in tokens and is never logged.
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// NewTokenService creates a TokenService with the given secret.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: JWT secret must be at least %d characters", MinSecretLength)
	}
	return &TokenService{secret: []byte(secret), now: time.Now}, nil
}

// WithClock returns a copy of s that reads the current time from now.
// Used in tests to move across the expiry boundary.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	return &TokenService{secret: s.secret, now: now}
}

// claims is the token payload. userId mirrors sub for clients that read the
// payload directly.
type claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Issue signs a new token for accountID, valid for TokenTTL.
func (s *TokenService) Issue(accountID string) (string, error) {
	if accountID == "" {
		return "", errors.New("auth: cannot issue a token for an empty account id")
	}

	now := s.now()
	c := claims{
		UserID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, algorithm, issuer and expiry of tokenStr and
// returns the account id it carries.
//
// A token is expired once now >= exp. Every failure wraps ErrInvalidToken.
func (s *TokenService) Verify(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenExpired)
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	if id == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}
	return id, nil
}
