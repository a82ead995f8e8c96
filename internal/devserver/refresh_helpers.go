package devserver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the refresh token stores.
var (
	ErrRefreshTokenNotFound       = errors.New("refresh_store.not_found")
	ErrRefreshTokenRevoked        = errors.New("refresh_store.revoked")
	ErrRefreshTokenExpired        = errors.New("refresh_store.expired")
	ErrRefreshTokenAlreadyRevoked = errors.New("refresh_store.already_revoked")
	ErrRefreshTokenEmptyOpaque    = errors.New("refresh_store.empty_token")
)

const refreshOpaqueByteLength = 32

func newRefreshTokenID(now time.Time) string {
	nowString := now.UTC().Format(time.RFC3339Nano)
	return base64.RawURLEncoding.EncodeToString([]byte(nowString))
}

func generateRefreshOpaque() (string, string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("refresh_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
