// Package queue provides the durable offline mutation queue with
// exponential backoff and retry accounting.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/peatedapp/peated-core/internal/config"
	"github.com/peatedapp/peated-core/internal/db"
	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
)

// ExpiredMessage is recorded on operations the age sweep abandons.
const ExpiredMessage = "Operation expired"

// Queue persists offline mutations and schedules their replay. All
// state lives in the store, so the queue survives restarts and is safe
// for concurrent use without its own locking.
type Queue struct {
	store  *db.Store
	policy config.QueueConfig
	log    *zap.Logger
}

// New creates a Queue over the given store.
func New(store *db.Store, policy config.QueueConfig, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{store: store, policy: policy, log: log}
}

// Enqueue records a mutation for later replay. The operation starts
// pending with a zero retry count and is immediately eligible for the
// next drain.
func (q *Queue) Enqueue(ctx context.Context, opType models.OperationType, payload json.RawMessage, now time.Time) (*models.OfflineOperation, error) {
	op := &models.OfflineOperation{
		Type:      opType,
		Payload:   payload,
		CreatedAt: now.Unix(),
		Status:    models.StatusPending,
	}
	if err := q.store.CreateOperation(ctx, op); err != nil {
		return nil, err
	}

	q.log.Debug("enqueued operation",
		zap.String("id", string(op.ID)),
		zap.String("type", string(opType)))

	return op, nil
}

// retryDelay returns the backoff an operation must wait after its
// retryCount-th failed attempt. Doubles per retry from the base delay,
// capped at one hour to keep pathological configs bounded.
func (q *Queue) retryDelay(retryCount int) time.Duration {
	const maxDelay = time.Hour

	delay := q.policy.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// ready reports whether an operation is eligible for replay at now.
// Never-attempted operations are always ready; retried ones wait out
// their backoff window first.
func (q *Queue) ready(op *models.OfflineOperation, now time.Time) bool {
	if op.Status != models.StatusPending {
		return false
	}
	if !op.Attempted() {
		return true
	}
	elapsed := time.Duration(now.Unix()-op.LastAttemptAt) * time.Second
	return elapsed >= q.retryDelay(op.RetryCount)
}

// DequeueReady returns the pending operations whose backoff window has
// elapsed, oldest first. Failed and in-progress operations are never
// returned.
func (q *Queue) DequeueReady(ctx context.Context, now time.Time) ([]*models.OfflineOperation, error) {
	pending, err := q.store.ListOperations(ctx, models.StatusPending)
	if err != nil {
		return nil, err
	}

	ready := make([]*models.OfflineOperation, 0, len(pending))
	for _, op := range pending {
		if q.ready(op, now) {
			ready = append(ready, op)
		}
	}
	return ready, nil
}

// MarkInProgress flags an operation as being replayed so concurrent
// drains skip it.
func (q *Queue) MarkInProgress(ctx context.Context, op *models.OfflineOperation) error {
	op.Status = models.StatusInProgress
	return q.store.UpdateOperation(ctx, op)
}

// MarkAttempt records the outcome of one replay attempt. A nil
// attemptErr deletes the operation. Semantic rejections fail the
// operation immediately; network errors return it to pending with an
// incremented retry count until retries are exhausted.
func (q *Queue) MarkAttempt(ctx context.Context, op *models.OfflineOperation, attemptErr error, now time.Time) error {
	if attemptErr == nil {
		if err := q.store.DeleteOperation(ctx, op.ID); err != nil {
			return err
		}
		op.Status = models.StatusCompleted
		q.log.Debug("operation completed",
			zap.String("id", string(op.ID)),
			zap.String("type", string(op.Type)))
		return nil
	}

	op.LastAttemptAt = now.Unix()
	op.LastError = attemptErr.Error()

	if errors.IsSemantic(attemptErr) {
		op.Status = models.StatusFailed
		q.log.Warn("operation rejected by server",
			zap.String("id", string(op.ID)),
			zap.String("type", string(op.Type)),
			zap.Error(attemptErr))
		return q.store.UpdateOperation(ctx, op)
	}

	op.RetryCount++
	if op.RetryCount >= q.policy.MaxRetries {
		op.Status = models.StatusFailed
		q.log.Warn("operation exhausted retries",
			zap.String("id", string(op.ID)),
			zap.Int("retry_count", op.RetryCount),
			zap.Error(attemptErr))
	} else {
		op.Status = models.StatusPending
		q.log.Debug("operation attempt failed, will retry",
			zap.String("id", string(op.ID)),
			zap.Int("retry_count", op.RetryCount),
			zap.Duration("next_retry_in", q.retryDelay(op.RetryCount)),
			zap.Error(attemptErr))
	}

	return q.store.UpdateOperation(ctx, op)
}

// SweepExpired fails every non-completed operation older than the
// configured max age. Returns the number of operations abandoned.
func (q *Queue) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-q.policy.MaxAge).Unix()
	n, err := q.store.SweepExpiredOperations(ctx, cutoff, ExpiredMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("expired stale operations", zap.Int64("count", n))
	}
	return n, nil
}

// RecoverInFlight returns operations stranded in progress by a crash to
// pending. Call once at startup before the first drain.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	n, err := q.store.RecoverInFlightOperations(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("recovered in-flight operations", zap.Int64("count", n))
	}
	return n, nil
}

// RetryFailed returns failed operations to pending with a fresh retry
// budget. This is the user-visible "retry" action; the automatic drain
// never picks failed operations back up on its own.
func (q *Queue) RetryFailed(ctx context.Context) (int64, error) {
	n, err := q.store.ResetFailedOperations(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("reset failed operations for retry", zap.Int64("count", n))
	}
	return n, nil
}

// ListFailed returns failed operations oldest first, for surfacing in a
// "pending changes" UI.
func (q *Queue) ListFailed(ctx context.Context) ([]*models.OfflineOperation, error) {
	return q.store.ListOperations(ctx, models.StatusFailed)
}

// PurgeFailed permanently removes failed operations.
func (q *Queue) PurgeFailed(ctx context.Context) (int64, error) {
	n, err := q.store.PurgeFailedOperations(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("purged failed operations", zap.Int64("count", n))
	}
	return n, nil
}

// Stats returns operation counts per status.
func (q *Queue) Stats(ctx context.Context) (map[models.OperationStatus]int, error) {
	return q.store.CountOperations(ctx)
}
