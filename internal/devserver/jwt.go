package devserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for access token validation.
var (
	ErrInvalidAccessToken = errors.New("devserver.invalid_access_token")
	ErrWrongIssuer        = errors.New("devserver.wrong_issuer")
)

// AccessClaims are embedded in the bearer access token.
type AccessClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// MintAccessToken creates a signed HS256 bearer token.
func MintAccessToken(userID string, email string, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, signErr := accessToken.SignedString(signingKey)
	return signed, expiresAt, signErr
}

// ParseAccessToken validates a bearer token string and returns its claims.
func ParseAccessToken(tokenString string, issuer string, signingKey []byte) (*AccessClaims, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("devserver.parse_access_token: %w", ErrInvalidAccessToken)
	}
	claims, ok := parsedToken.Claims.(*AccessClaims)
	if !ok {
		return nil, fmt.Errorf("devserver.parse_access_token: %w", ErrInvalidAccessToken)
	}
	if claims.Issuer != issuer {
		return nil, fmt.Errorf("devserver.parse_access_token: %w", ErrWrongIssuer)
	}
	return claims, nil
}
