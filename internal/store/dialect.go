package store

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("durable_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("durable_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("durable_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("durable_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("durable_store.unsupported_no_scheme")
)

// OpenDatabase opens a GORM connection for a sqlite:// or postgres:// URL
// and returns the handle together with the selected driver label.
func OpenDatabase(databaseURL string) (*gorm.DB, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, "", fmt.Errorf("durable_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, resolveErr := resolveDialector(databaseURL)
	if resolveErr != nil {
		return nil, "", resolveErr
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if openErr != nil {
		return nil, "", fmt.Errorf("durable_store.open.%s: %w", driverLabel, openErr)
	}
	return gormDB, driverLabel, nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, parseErr := url.Parse(databaseURL)
	if parseErr != nil {
		return nil, "", fmt.Errorf("durable_store.parse_url: %w", parseErr)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("durable_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("durable_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("durable_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
