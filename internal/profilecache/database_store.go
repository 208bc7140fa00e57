package profilecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("profile_store.unsupported_dialect")

	errEmptyCacheURL       = errors.New("profile_store.empty_cache_url")
	errSQLiteEmptyPath     = errors.New("profile_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("profile_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("profile_store.unsupported_no_scheme")
)

// DatabaseStore persists cached profiles using GORM so staleness survives
// client restarts.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type profileRecord struct {
	UserID      string `gorm:"column:user_id;primaryKey"`
	PayloadJSON string `gorm:"column:payload_json;not null"`
	FetchedUnix int64  `gorm:"column:fetched_unix;not null"`
}

func (profileRecord) TableName() string {
	return "cached_profiles"
}

// NewDatabaseStore constructs a GORM-backed store from a cache URL
// (sqlite:// or postgres://).
func NewDatabaseStore(ctx context.Context, cacheURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(cacheURL) == "" {
		return nil, fmt.Errorf("profile_store.open: %w", errEmptyCacheURL)
	}
	dialector, driverLabel, err := resolveDialector(cacheURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("profile_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&profileRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("profile_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Load returns the persisted entry for the given user when present.
func (store *DatabaseStore) Load(ctx context.Context, userID string) (Entry, bool, error) {
	var record profileRecord
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("profile_store.load.%s: %w", store.driverLabel, err)
	}
	profile := Profile{}
	if unmarshalErr := json.Unmarshal([]byte(record.PayloadJSON), &profile); unmarshalErr != nil {
		return Entry{}, false, fmt.Errorf("profile_store.decode.%s: %w", store.driverLabel, unmarshalErr)
	}
	return Entry{Profile: profile, FetchedUnix: record.FetchedUnix}, true, nil
}

// Store upserts the entry for the given user.
func (store *DatabaseStore) Store(ctx context.Context, userID string, entry Entry) error {
	payload, marshalErr := json.Marshal(entry.Profile)
	if marshalErr != nil {
		return fmt.Errorf("profile_store.encode.%s: %w", store.driverLabel, marshalErr)
	}
	record := profileRecord{
		UserID:      userID,
		PayloadJSON: string(payload),
		FetchedUnix: entry.FetchedUnix,
	}
	result := store.db.WithContext(ctx).Model(&profileRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"payload_json": record.PayloadJSON,
			"fetched_unix": record.FetchedUnix,
		})
	if result.Error != nil {
		return fmt.Errorf("profile_store.store.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		if createErr := store.db.WithContext(ctx).Create(&record).Error; createErr != nil {
			return fmt.Errorf("profile_store.store.%s: %w", store.driverLabel, createErr)
		}
	}
	return nil
}

// Delete removes one entry. Deleting an absent entry succeeds.
func (store *DatabaseStore) Delete(ctx context.Context, userID string) error {
	result := store.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&profileRecord{})
	if result.Error != nil {
		return fmt.Errorf("profile_store.delete.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// DeleteAll removes every entry.
func (store *DatabaseStore) DeleteAll(ctx context.Context) error {
	result := store.db.WithContext(ctx).Where("1 = 1").Delete(&profileRecord{})
	if result.Error != nil {
		return fmt.Errorf("profile_store.delete_all.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

func resolveDialector(cacheURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(cacheURL)
	if err != nil {
		return nil, "", fmt.Errorf("profile_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("profile_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(cacheURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("profile_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("profile_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
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
