package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseLayer persists values in an embedded transactional database via
// GORM. It is the slowest, most durable layer and the only one skipped by
// GetSync.
type DatabaseLayer struct {
	db          *gorm.DB
	driverLabel string
}

type storedValueRecord struct {
	Key           string `gorm:"column:key;primaryKey"`
	Value         string `gorm:"column:value;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (storedValueRecord) TableName() string {
	return "stored_values"
}

// NewDatabaseLayer opens (or creates) the database at databaseURL and
// migrates the stored_values table.
func NewDatabaseLayer(ctx context.Context, databaseURL string) (*DatabaseLayer, error) {
	gormDB, driverLabel, openErr := OpenDatabase(databaseURL)
	if openErr != nil {
		return nil, openErr
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&storedValueRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("durable_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseLayer{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (layer *DatabaseLayer) Driver() string {
	return layer.driverLabel
}

// Name labels the layer in logs.
func (layer *DatabaseLayer) Name() string {
	return "database"
}

// Synchronous reports that the database must be skipped by GetSync.
func (layer *DatabaseLayer) Synchronous() bool {
	return false
}

// Get returns the stored value, if any.
func (layer *DatabaseLayer) Get(ctx context.Context, key string) (string, bool, error) {
	var record storedValueRecord
	err := layer.db.WithContext(ctx).Where("key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("durable_store.get.%s: %w", layer.driverLabel, err)
	}
	return record.Value, true, nil
}

// Set upserts the stored value.
func (layer *DatabaseLayer) Set(ctx context.Context, key string, value string) error {
	record := storedValueRecord{
		Key:           key,
		Value:         value,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := layer.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("durable_store.set.%s: %w", layer.driverLabel, err)
	}
	return nil
}

// Remove deletes the stored value; a missing record is not an error.
func (layer *DatabaseLayer) Remove(ctx context.Context, key string) error {
	err := layer.db.WithContext(ctx).Where("key = ?", key).Delete(&storedValueRecord{}).Error
	if err != nil {
		return fmt.Errorf("durable_store.remove.%s: %w", layer.driverLabel, err)
	}
	return nil
}
