// Package db provides CRUD operations for offline core data models.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/uuid"
)

// Store provides CRUD operations for cached records and offline operations.
// It is the single writer of durable state; callers never touch SQL directly.
type Store struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// CachedRecord Operations
// =====================================================

// PutRecord inserts or replaces a cached record. Last-write-wins: there
// is no history and no version column.
func (s *Store) PutRecord(ctx context.Context, rec *models.CachedRecord) error {
	if rec.ID == "" {
		return errors.New(errors.ErrInvalid, "record id is required")
	}
	if rec.LastUpdated == 0 {
		rec.LastUpdated = time.Now().Unix()
	}

	query := `
	INSERT OR REPLACE INTO cached_records (id, payload, last_updated)
	VALUES (?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, rec.ID, rec.Payload, rec.LastUpdated)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to put record", err)
	}
	return nil
}

// PutRecords writes a fetched page of records in one transaction so a
// failure never leaves a partially stored page.
func (s *Store) PutRecords(ctx context.Context, recs []*models.CachedRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	query := `
	INSERT OR REPLACE INTO cached_records (id, payload, last_updated)
	VALUES (?, ?, ?)
	`
	now := time.Now().Unix()
	for _, rec := range recs {
		if rec.ID == "" {
			return errors.New(errors.ErrInvalid, "record id is required")
		}
		if rec.LastUpdated == 0 {
			rec.LastUpdated = now
		}
		if _, err := tx.ExecContext(ctx, query, rec.ID, rec.Payload, rec.LastUpdated); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to put record batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to commit record batch", err)
	}
	return nil
}

// GetRecord retrieves a cached record by id. A missing row is reported
// as a cache miss, which callers treat as a normal state.
func (s *Store) GetRecord(ctx context.Context, id string) (*models.CachedRecord, error) {
	query := `SELECT id, payload, last_updated FROM cached_records WHERE id = ?`

	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to prepare record query", err)
	}

	var rec models.CachedRecord
	err = stmt.QueryRowContext(ctx, id).Scan(&rec.ID, &rec.Payload, &rec.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCacheMiss, fmt.Sprintf("no cached record: %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to get record", err)
	}
	return &rec, nil
}

// GetRecords retrieves the named records, preserving the order of ids.
// Ids without a stored row are skipped, not errors.
func (s *Store) GetRecords(ctx context.Context, ids []string) ([]*models.CachedRecord, error) {
	recs := make([]*models.CachedRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetRecord(ctx, id)
		if err != nil {
			if errors.IsCacheMiss(err) {
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// DeleteRecord removes a cached record. Deleting an absent row is a no-op.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	query := `DELETE FROM cached_records WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete record", err)
	}
	return nil
}

// =====================================================
// OfflineOperation Operations
// =====================================================

// CreateOperation persists a new queued operation. Assigns id, created_at
// and pending status when unset.
func (s *Store) CreateOperation(ctx context.Context, op *models.OfflineOperation) error {
	if op.ID == "" {
		op.ID = models.UUID(uuid.New())
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().Unix()
	}
	if op.Status == "" {
		op.Status = models.StatusPending
	}
	if op.Type == "" {
		return errors.New(errors.ErrInvalid, "operation type is required")
	}

	query := `
	INSERT INTO offline_operations (id, type, payload, created_at, retry_count, last_attempt_at, status, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, op.ID, op.Type, []byte(op.Payload),
		op.CreatedAt, op.RetryCount, op.LastAttemptAt, op.Status, op.LastError)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to create operation", err)
	}
	return nil
}

// GetOperation retrieves an operation by id.
func (s *Store) GetOperation(ctx context.Context, id models.UUID) (*models.OfflineOperation, error) {
	query := `
	SELECT id, type, payload, created_at, retry_count, last_attempt_at, status, last_error
	FROM offline_operations WHERE id = ?
	`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to prepare operation query", err)
	}

	var op models.OfflineOperation
	err = stmt.QueryRowContext(ctx, id).Scan(
		&op.ID, &op.Type, &op.Payload, &op.CreatedAt,
		&op.RetryCount, &op.LastAttemptAt, &op.Status, &op.LastError,
	)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrStorage, fmt.Sprintf("operation not found: %s", id), err)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to get operation", err)
	}
	return &op, nil
}

// UpdateOperation rewrites the mutable bookkeeping fields of an operation.
func (s *Store) UpdateOperation(ctx context.Context, op *models.OfflineOperation) error {
	query := `
	UPDATE offline_operations
	SET retry_count = ?, last_attempt_at = ?, status = ?, last_error = ?
	WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, op.RetryCount, op.LastAttemptAt,
		op.Status, op.LastError, op.ID)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to update operation", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New(errors.ErrStorage, fmt.Sprintf("operation not found: %s", op.ID))
	}
	return nil
}

// DeleteOperation removes an operation row (used on completion).
func (s *Store) DeleteOperation(ctx context.Context, id models.UUID) error {
	query := `DELETE FROM offline_operations WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete operation", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New(errors.ErrStorage, fmt.Sprintf("operation not found: %s", id))
	}
	return nil
}

// ListOperations returns operations ordered oldest-first, optionally
// filtered by status. Creation order is the replay order.
func (s *Store) ListOperations(ctx context.Context, statuses ...models.OperationStatus) ([]*models.OfflineOperation, error) {
	query := `
	SELECT id, type, payload, created_at, retry_count, last_attempt_at, status, last_error
	FROM offline_operations
	`
	var args []interface{}
	if len(statuses) > 0 {
		query += " WHERE status IN (?" + strings.Repeat(",?", len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list operations", err)
	}
	defer rows.Close()

	var ops []*models.OfflineOperation
	for rows.Next() {
		var op models.OfflineOperation
		err := rows.Scan(
			&op.ID, &op.Type, &op.Payload, &op.CreatedAt,
			&op.RetryCount, &op.LastAttemptAt, &op.Status, &op.LastError,
		)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan operation", err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to iterate operations", err)
	}
	return ops, nil
}

// CountOperations returns row counts per status.
func (s *Store) CountOperations(ctx context.Context) (map[models.OperationStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM offline_operations GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to count operations", err)
	}
	defer rows.Close()

	counts := make(map[models.OperationStatus]int)
	for rows.Next() {
		var status models.OperationStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan operation count", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// SweepExpiredOperations marks every non-completed operation created
// before cutoff as failed with the expiry message. Returns the number of
// rows marked.
func (s *Store) SweepExpiredOperations(ctx context.Context, cutoff int64, message string) (int64, error) {
	query := `
	UPDATE offline_operations
	SET status = ?, last_error = ?
	WHERE created_at < ? AND status != ?
	`
	result, err := s.db.ExecContext(ctx, query, models.StatusFailed, message, cutoff, models.StatusCompleted)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to sweep expired operations", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// ResetFailedOperations returns failed operations to pending with a zero
// retry count. Returns the number of rows reset.
func (s *Store) ResetFailedOperations(ctx context.Context) (int64, error) {
	query := `
	UPDATE offline_operations
	SET status = ?, retry_count = 0, last_attempt_at = 0, last_error = ''
	WHERE status = ?
	`
	result, err := s.db.ExecContext(ctx, query, models.StatusPending, models.StatusFailed)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to reset failed operations", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// RecoverInFlightOperations returns in-progress rows to pending. Called
// once at startup so operations interrupted by a crash drain again.
func (s *Store) RecoverInFlightOperations(ctx context.Context) (int64, error) {
	query := `UPDATE offline_operations SET status = ? WHERE status = ?`
	result, err := s.db.ExecContext(ctx, query, models.StatusPending, models.StatusInProgress)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to recover in-flight operations", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// PurgeFailedOperations deletes failed rows. Purging is explicit; the
// sweep only marks.
func (s *Store) PurgeFailedOperations(ctx context.Context) (int64, error) {
	query := `DELETE FROM offline_operations WHERE status = ?`
	result, err := s.db.ExecContext(ctx, query, models.StatusFailed)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to purge operations", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
