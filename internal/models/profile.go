package models

import "encoding/json"

// CachedProfile is the last known user profile, kept for offline reads.
type CachedProfile struct {
	UserID    string          `json:"userId" db:"user_id"`
	Data      json.RawMessage `json:"data" db:"data"`
	UpdatedAt int64           `json:"updatedAt" db:"updated_at"`
}

// TableName returns the table name for CachedProfile.
func (CachedProfile) TableName() string {
	return "user_profile"
}

// CacheNamespace is a registered cache namespace. The registry lets the
// activate step find namespaces of older versions after a restart.
type CacheNamespace struct {
	Name      string `json:"name" db:"name"`
	Class     string `json:"class" db:"class"`
	Version   string `json:"version" db:"version"`
	CreatedAt int64  `json:"createdAt" db:"created_at"`
}

// TableName returns the table name for CacheNamespace.
func (CacheNamespace) TableName() string {
	return "cache_namespaces"
}
