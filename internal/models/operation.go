// Package models provides data model definitions for the Peated offline core.
package models

import (
	"encoding/json"
	"time"
)

// OperationType identifies the kind of queued user action.
type OperationType string

const (
	OpCreateTasting OperationType = "create_tasting"
	OpUpdateTasting OperationType = "update_tasting"
	OpDeleteTasting OperationType = "delete_tasting"
	OpToggleToast   OperationType = "toggle_toast"
	OpAddComment    OperationType = "add_comment"
	OpDeleteComment OperationType = "delete_comment"
	OpFollowUser    OperationType = "follow_user"
	OpUnfollowUser  OperationType = "unfollow_user"
	OpUpdateProfile OperationType = "update_profile"
	OpUploadImage   OperationType = "upload_image"
)

// OperationStatus represents the lifecycle state of a queued operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in_progress"
	StatusFailed     OperationStatus = "failed"
	StatusCompleted  OperationStatus = "completed"
)

// OfflineOperation is one durably queued user action awaiting replay
// against the remote. Completed operations are deleted, not retained;
// failed operations are retained until retried or purged.
type OfflineOperation struct {
	ID            UUID            `db:"id" json:"id"`
	Type          OperationType   `db:"type" json:"type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastAttemptAt int64           `db:"last_attempt_at" json:"last_attempt_at"` // 0 = never attempted
	Status        OperationStatus `db:"status" json:"status"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for OfflineOperation.
func (OfflineOperation) TableName() string {
	return "offline_operations"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (o *OfflineOperation) CreatedAtTime() time.Time {
	return time.Unix(o.CreatedAt, 0)
}

// Attempted reports whether a send has ever been attempted.
func (o *OfflineOperation) Attempted() bool {
	return o.LastAttemptAt > 0
}

// Expired reports whether the operation is older than maxAge at now.
func (o *OfflineOperation) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(o.CreatedAtTime()) > maxAge
}

// Terminal reports whether the operation has left the retryable states.
func (o *OfflineOperation) Terminal() bool {
	return o.Status == StatusFailed || o.Status == StatusCompleted
}
