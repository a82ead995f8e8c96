package devserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/framegen/authcore/internal/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sentinel errors for user lookups and billing.
var (
	ErrUserNotFound        = errors.New("user_store.not_found")
	ErrInsufficientCredits = errors.New("user_store.insufficient_credits")
)

// DatabaseUserStore persists application users and credit balances via GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

type userRecord struct {
	UserID        string `gorm:"column:user_id;primaryKey"`
	GoogleSub     string `gorm:"column:google_sub;uniqueIndex;not null"`
	Email         string `gorm:"column:email;not null"`
	DisplayName   string `gorm:"column:display_name;not null;default:''"`
	PictureURL    string `gorm:"column:picture_url;not null;default:''"`
	Credits       int64  `gorm:"column:credits;not null;default:0"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

// NewDatabaseUserStore opens a GORM-backed user store for a sqlite:// or
// postgres:// URL.
func NewDatabaseUserStore(ctx context.Context, databaseURL string) (*DatabaseUserStore, error) {
	gormDB, driverLabel, openErr := store.OpenDatabase(databaseURL)
	if openErr != nil {
		return nil, openErr
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{db: gormDB, driverLabel: driverLabel}, nil
}

// UpsertGoogleUser inserts a new account with starter credits or refreshes
// the profile fields of an existing one.
func (users *DatabaseUserStore) UpsertGoogleUser(ctx context.Context, googleSub string, email string, displayName string, pictureURL string, starterCredits int64) (UserAccount, bool, error) {
	var record userRecord
	findErr := users.db.WithContext(ctx).Where("google_sub = ?", googleSub).Take(&record).Error
	switch {
	case errors.Is(findErr, gorm.ErrRecordNotFound):
		record = userRecord{
			UserID:        uuid.NewString(),
			GoogleSub:     googleSub,
			Email:         email,
			DisplayName:   displayName,
			PictureURL:    pictureURL,
			Credits:       starterCredits,
			CreatedAtUnix: time.Now().UTC().Unix(),
		}
		if createErr := users.db.WithContext(ctx).Create(&record).Error; createErr != nil {
			return UserAccount{}, false, fmt.Errorf("user_store.create.%s: %w", users.driverLabel, createErr)
		}
		return accountFromRecord(record), true, nil
	case findErr != nil:
		return UserAccount{}, false, fmt.Errorf("user_store.find.%s: %w", users.driverLabel, findErr)
	}

	updates := map[string]any{
		"email":        email,
		"display_name": displayName,
	}
	if pictureURL != "" {
		updates["picture_url"] = pictureURL
	}
	if updateErr := users.db.WithContext(ctx).Model(&userRecord{}).Where("user_id = ?", record.UserID).Updates(updates).Error; updateErr != nil {
		return UserAccount{}, false, fmt.Errorf("user_store.update.%s: %w", users.driverLabel, updateErr)
	}
	record.Email = email
	record.DisplayName = displayName
	if pictureURL != "" {
		record.PictureURL = pictureURL
	}
	return accountFromRecord(record), false, nil
}

// GetUser returns a user by application id.
func (users *DatabaseUserStore) GetUser(ctx context.Context, userID string) (UserAccount, error) {
	var record userRecord
	findErr := users.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if findErr != nil {
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return UserAccount{}, fmt.Errorf("user_store.get.%s: %w", users.driverLabel, ErrUserNotFound)
		}
		return UserAccount{}, fmt.Errorf("user_store.get.%s: %w", users.driverLabel, findErr)
	}
	return accountFromRecord(record), nil
}

// SpendCredits atomically deducts cost, rejecting overdrafts.
func (users *DatabaseUserStore) SpendCredits(ctx context.Context, userID string, cost int64) (int64, error) {
	result := users.db.WithContext(ctx).Model(&userRecord{}).
		Where("user_id = ? AND credits >= ?", userID, cost).
		Update("credits", gorm.Expr("credits - ?", cost))
	if result.Error != nil {
		return 0, fmt.Errorf("user_store.spend.%s: %w", users.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, getErr := users.GetUser(ctx, userID); getErr != nil {
			return 0, getErr
		}
		return 0, fmt.Errorf("user_store.spend.%s: %w", users.driverLabel, ErrInsufficientCredits)
	}
	account, getErr := users.GetUser(ctx, userID)
	if getErr != nil {
		return 0, getErr
	}
	return account.Credits, nil
}

func accountFromRecord(record userRecord) UserAccount {
	return UserAccount{
		UserID:            record.UserID,
		Email:             record.Email,
		DisplayName:       record.DisplayName,
		ProfilePictureURL: record.PictureURL,
		Credits:           record.Credits,
	}
}
