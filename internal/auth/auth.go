// Package auth issues and validates bearer tokens for the local hearth API.
//
// Tokens are HS256 JWTs signed with the shared HEARTH_API_SECRET. There are
// no roles: a valid token names an operator and that is all the API checks.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer   = "hearth"
	audience = "hearth-api"
)

// MinSecretBytes is the shortest accepted signing secret.
const MinSecretBytes = 32

// ErrInvalidToken is wrapped by every validation failure.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims extends jwt.RegisteredClaims with the operator name.
type Claims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

// JWTManager handles token creation and validation.
type JWTManager struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager creates a JWTManager signing with secret.
func NewJWTManager(secret string, expiration time.Duration) (*JWTManager, error) {
	if len(secret) < MinSecretBytes {
		return nil, fmt.Errorf("auth: secret must be at least %d bytes", MinSecretBytes)
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &JWTManager{secret: []byte(secret), expiration: expiration, now: time.Now}, nil
}

// IssueToken creates a signed token for operator.
func (m *JWTManager) IssueToken(operator string) (string, time.Time, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", time.Time{}, fmt.Errorf("auth: operator is required")
	}
	now := m.now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Operator: operator,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a token, returning its claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Operator == "" {
		return nil, fmt.Errorf("%w: missing operator", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
