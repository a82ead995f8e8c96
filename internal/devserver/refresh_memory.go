package devserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// MemoryRefreshTokenStore is an in-memory refresh token store intended for
// tests and single-process dev runs.
type MemoryRefreshTokenStore struct {
	mutex      sync.Mutex
	byID       map[string]*memoryRefreshRecord
	byHash     map[string]string
	sequenceID uint64
}

type memoryRefreshRecord struct {
	TokenID         string
	UserID          string
	Hash            string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
	IssuedAtUnix    int64
}

// NewMemoryRefreshTokenStore creates an empty in-memory store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		byID:   make(map[string]*memoryRefreshRecord),
		byHash: make(map[string]string),
	}
}

// Issue creates a new token, optionally linked to the token it rotates out.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, userID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID := store.nextID()
	opaque, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return "", "", randomErr
	}
	record := &memoryRefreshRecord{
		TokenID:         tokenID,
		UserID:          userID,
		Hash:            hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    time.Now().UTC().Unix(),
	}
	store.byID[tokenID] = record
	store.byHash[hashValue] = tokenID
	return tokenID, opaque, nil
}

// Validate checks the opaque token and returns user, token id, and expiry.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if tokenOpaque == "" {
		return "", "", 0, fmt.Errorf("refresh_store.validate: %w", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return "", "", 0, fmt.Errorf("refresh_store.validate: %w", ErrRefreshTokenNotFound)
	}
	record := store.byID[tokenID]
	if record == nil {
		return "", "", 0, fmt.Errorf("refresh_store.validate: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return "", "", 0, fmt.Errorf("refresh_store.validate: %w", ErrRefreshTokenRevoked)
	}
	if time.Unix(record.ExpiresUnix, 0).Before(time.Now().UTC()) {
		return "", "", 0, fmt.Errorf("refresh_store.validate: %w", ErrRefreshTokenExpired)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a token as revoked; revoking twice is idempotent.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[tokenID]
	if record == nil {
		return fmt.Errorf("refresh_store.revoke: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return nil
	}
	record.RevokedAtUnix = time.Now().UTC().Unix()
	return nil
}

func (store *MemoryRefreshTokenStore) nextID() string {
	store.sequenceID++
	timestampID := newRefreshTokenID(time.Now().UTC())
	sequenceFragment := base64.RawURLEncoding.EncodeToString([]byte{byte(store.sequenceID % 255)})
	return timestampID + "-" + sequenceFragment
}
