package devserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/framegen/authcore/internal/store"
	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore persists rotating refresh tokens using GORM.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
}

type refreshTokenRecord struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	TokenHash       string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseRefreshTokenStore opens a GORM-backed store for a sqlite:// or
// postgres:// URL.
func NewDatabaseRefreshTokenStore(ctx context.Context, databaseURL string) (*DatabaseRefreshTokenStore, error) {
	gormDB, driverLabel, openErr := store.OpenDatabase(databaseURL)
	if openErr != nil {
		return nil, openErr
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&refreshTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("refresh_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseRefreshTokenStore{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (tokenStore *DatabaseRefreshTokenStore) Driver() string {
	return tokenStore.driverLabel
}

// Issue inserts a new refresh token record and returns its identifiers.
func (tokenStore *DatabaseRefreshTokenStore) Issue(ctx context.Context, userID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	now := time.Now().UTC()
	tokenID := newRefreshTokenID(now)
	opaqueToken, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.%s: %w", tokenStore.driverLabel, randomErr)
	}
	record := refreshTokenRecord{
		TokenID:         tokenID,
		UserID:          userID,
		TokenHash:       hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    now.Unix(),
	}
	if createErr := tokenStore.db.WithContext(ctx).Create(&record).Error; createErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.%s: %w", tokenStore.driverLabel, createErr)
	}
	return tokenID, opaqueToken, nil
}

// Validate locates a refresh token by its opaque value.
func (tokenStore *DatabaseRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if tokenOpaque == "" {
		return "", "", 0, fmt.Errorf("refresh_store.validate.%s: %w", tokenStore.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	var record refreshTokenRecord
	findErr := tokenStore.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(tokenOpaque)).Take(&record).Error
	if findErr != nil {
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return "", "", 0, fmt.Errorf("refresh_store.validate.%s: %w", tokenStore.driverLabel, ErrRefreshTokenNotFound)
		}
		return "", "", 0, fmt.Errorf("refresh_store.validate.%s: %w", tokenStore.driverLabel, findErr)
	}
	if record.RevokedAtUnix != 0 {
		return "", "", 0, fmt.Errorf("refresh_store.validate.%s: %w", tokenStore.driverLabel, ErrRefreshTokenRevoked)
	}
	if time.Unix(record.ExpiresUnix, 0).Before(time.Now().UTC()) {
		return "", "", 0, fmt.Errorf("refresh_store.validate.%s: %w", tokenStore.driverLabel, ErrRefreshTokenExpired)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a refresh token as revoked.
func (tokenStore *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	result := tokenStore.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_id = ? AND revoked_at_unix = 0", tokenID).
		Update("revoked_at_unix", time.Now().UTC().Unix())
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", tokenStore.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		var record refreshTokenRecord
		findErr := tokenStore.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&record).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("refresh_store.revoke.%s: %w", tokenStore.driverLabel, ErrRefreshTokenNotFound)
		}
		if findErr != nil {
			return fmt.Errorf("refresh_store.revoke.%s: %w", tokenStore.driverLabel, findErr)
		}
		if record.RevokedAtUnix != 0 {
			return fmt.Errorf("refresh_store.revoke.%s: %w", tokenStore.driverLabel, ErrRefreshTokenAlreadyRevoked)
		}
	}
	return nil
}
