package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"

	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/models"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/uuid"
)

const deviceIDKey = "device_id"

// =====================================================
// Device Identity
// =====================================================

// DeviceID returns the device identity, generating and persisting it on
// first use. A stored identity is never replaced unless it is not a UUID.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()

	insert := "INSERT OR IGNORE INTO settings (key, value, updated_at) VALUES (?, ?, ?)"
	value, err := s.Setting(ctx, deviceIDKey)
	switch {
	case err == nil:
		verr := uuid.Validate(value)
		if verr == nil {
			return value, nil
		}
		s.log.Warn("replacing malformed device id", map[string]interface{}{"error": verr.Error()})
		insert = "INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)"
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return "", err
	}

	id := uuid.New()
	err = s.withTx(ctx, "create device id", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insert, deviceIDKey, id, s.clock.Now().UnixMilli())
		return err
	})
	if err != nil {
		return "", err
	}
	// Another process may have won the insert.
	return s.Setting(ctx, deviceIDKey)
}

// Setting returns a stored setting, or an ErrNotFound error.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	if err := s.available(); err != nil {
		return "", err
	}
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("setting %s not found", key))
	}
	if err != nil {
		return "", classify("get setting", err)
	}
	return value, nil
}

// =====================================================
// Cache Namespace Registry
// =====================================================

// RegisterNamespace records a cache namespace. Registering an existing
// name is a no-op.
func (s *Store) RegisterNamespace(ctx context.Context, ns models.CacheNamespace) error {
	if ns.CreatedAt == 0 {
		ns.CreatedAt = s.clock.Now().UnixMilli()
	}
	return s.withTx(ctx, "register namespace", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO cache_namespaces (name, class, version, created_at) VALUES (?, ?, ?, ?)",
			ns.Name, ns.Class, ns.Version, ns.CreatedAt)
		return err
	})
}

// ListNamespaces returns the registered namespaces ordered by name.
func (s *Store) ListNamespaces(ctx context.Context) ([]models.CacheNamespace, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, class, version, created_at FROM cache_namespaces ORDER BY name")
	if err != nil {
		return nil, classify("list namespaces", err)
	}
	defer rows.Close()

	namespaces := []models.CacheNamespace{}
	for rows.Next() {
		var ns models.CacheNamespace
		if err := rows.Scan(&ns.Name, &ns.Class, &ns.Version, &ns.CreatedAt); err != nil {
			return nil, classify("list namespaces", err)
		}
		namespaces = append(namespaces, ns)
	}
	return namespaces, classify("list namespaces", rows.Err())
}

// DeleteNamespace removes a namespace from the registry.
func (s *Store) DeleteNamespace(ctx context.Context, name string) error {
	return s.withTx(ctx, "delete namespace", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM cache_namespaces WHERE name = ?", name)
		return err
	})
}

// =====================================================
// User Profile
// =====================================================

// PutProfile stores the last known profile of a user.
func (s *Store) PutProfile(ctx context.Context, profile models.CachedProfile) error {
	if profile.UserID == "" {
		return apperrors.New(apperrors.ErrInvalid, "profile user id is required")
	}
	if !json.Valid(profile.Data) {
		return apperrors.New(apperrors.ErrInvalid, "profile data is not valid JSON")
	}
	if profile.UpdatedAt == 0 {
		profile.UpdatedAt = s.clock.Now().UnixMilli()
	}
	return s.withTx(ctx, "put profile", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_profile (user_id, data, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			profile.UserID, []byte(profile.Data), profile.UpdatedAt)
		return err
	})
}

// GetProfile returns the cached profile of a user, or an ErrNotFound error.
func (s *Store) GetProfile(ctx context.Context, userID string) (*models.CachedProfile, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	profile := models.CachedProfile{UserID: userID}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data, updated_at FROM user_profile WHERE user_id = ?", userID).Scan(&data, &profile.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("profile %s not found", userID))
	}
	if err != nil {
		return nil, classify("get profile", err)
	}
	profile.Data = data
	return &profile, nil
}
