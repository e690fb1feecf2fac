// Package models provides data model definitions for the Peated offline core.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// CachedRecord is the locally persisted copy of one remote domain object
// (a tasting, a bottle, a user profile). The payload is the serialized
// object as received from the remote; the core never interprets it beyond
// the social counter fields touched by optimistic updates.
type CachedRecord struct {
	ID          string `db:"id" json:"id"`
	Payload     []byte `db:"payload" json:"payload"`
	LastUpdated int64  `db:"last_updated" json:"last_updated"`
}

// TableName returns the table name for CachedRecord.
func (CachedRecord) TableName() string {
	return "cached_records"
}

// LastUpdatedTime returns LastUpdated as time.Time.
func (r *CachedRecord) LastUpdatedTime() time.Time {
	return time.Unix(r.LastUpdated, 0)
}

// Touch updates the LastUpdated timestamp.
func (r *CachedRecord) Touch() {
	r.LastUpdated = time.Now().Unix()
}
