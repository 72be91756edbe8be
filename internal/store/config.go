package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/fleetcam/vms/internal/verr"
)

// Runtime configuration keys. These override the file configuration
// and survive restarts.
const (
	KeyRetentionDays     = "retention_days"
	KeyMaxStorageGB      = "max_storage_gb"
	KeyMaxStoragePercent = "max_storage_percent"
	KeyStoragePath       = "storage_path"
)

// ConfigEntry is one persisted runtime setting.
type ConfigEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// validateConfigValue enforces the domain of each known key. Unknown
// keys are rejected outright.
func validateConfigValue(key, value string) error {
	switch key {
	case KeyRetentionDays:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 3650 {
			return verr.New(verr.KindValidation, "%s must be an integer in [1, 3650]", key)
		}
	case KeyMaxStorageGB:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil || n <= 0 {
			return verr.New(verr.KindValidation, "%s must be a positive number", key)
		}
	case KeyMaxStoragePercent:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil || n < 50 || n > 99 {
			return verr.New(verr.KindValidation, "%s must be a number in [50, 99]", key)
		}
	case KeyStoragePath:
		if value == "" {
			return verr.New(verr.KindValidation, "%s must not be empty", key)
		}
	default:
		return verr.New(verr.KindValidation, "unknown config key: %s", key)
	}
	return nil
}

// SetConfig validates and persists a runtime setting, recording who
// changed it.
func (s *Store) SetConfig(ctx context.Context, key, value, principal string) error {
	if err := validateConfigValue(key, value); err != nil {
		return err
	}

	return s.withRetry(ctx, "config.set", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO system_config (key, value, updated_by, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_by = excluded.updated_by,
				updated_at = excluded.updated_at
		`, key, value, principal, time.Now().Unix())
		return err
	})
}

// GetConfig fetches one runtime setting, or NotFound when it was never
// set.
func (s *Store) GetConfig(ctx context.Context, key string) (*ConfigEntry, error) {
	var entry ConfigEntry
	var updatedAt int64
	err := s.withRetry(ctx, "config.get", func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT key, value, updated_by, updated_at FROM system_config WHERE key = ?
		`, key).Scan(&entry.Key, &entry.Value, &entry.UpdatedBy, &updatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, verr.New(verr.KindNotFound, "config key not set: %s", key)
	}
	if err != nil {
		return nil, err
	}
	entry.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &entry, nil
}

// ListConfig returns all persisted runtime settings.
func (s *Store) ListConfig(ctx context.Context) ([]ConfigEntry, error) {
	var entries []ConfigEntry
	err := s.withRetry(ctx, "config.list", func() error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT key, value, updated_by, updated_at FROM system_config ORDER BY key")
		if err != nil {
			return err
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			var e ConfigEntry
			var updatedAt int64
			if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedBy, &updatedAt); err != nil {
				return err
			}
			e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}

// ConfigInt returns a runtime integer setting, or fallback when unset.
func (s *Store) ConfigInt(ctx context.Context, key string, fallback int) int {
	entry, err := s.GetConfig(ctx, key)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(entry.Value)
	if err != nil {
		return fallback
	}
	return n
}

// ConfigFloat returns a runtime float setting, or fallback when unset.
func (s *Store) ConfigFloat(ctx context.Context, key string, fallback float64) float64 {
	entry, err := s.GetConfig(ctx, key)
	if err != nil {
		return fallback
	}
	n, err := strconv.ParseFloat(entry.Value, 64)
	if err != nil {
		return fallback
	}
	return n
}
