// Package optimistic applies user actions to local state immediately
// and settles them against the server afterwards: confirmed with the
// server's truth, queued for replay when offline, or rolled back to the
// pre-action snapshot on a rejection.
package optimistic

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/peatedapp/peated-core/internal/db"
	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/remote"
	"github.com/peatedapp/peated-core/internal/sync/queue"
)

// State names the terminal state of one optimistic action.
type State string

const (
	// StateConfirmed means the server acknowledged the action and local
	// state holds the reconciled truth.
	StateConfirmed State = "confirmed"
	// StateQueued means the action is applied locally and waiting in
	// the mutation queue for replay.
	StateQueued State = "queued"
	// StateRolledBack means the server rejected the action and local
	// state was restored to the pre-action snapshot.
	StateRolledBack State = "rolled_back"
)

// Outcome reports how an optimistic action settled.
type Outcome struct {
	State     State
	Record    *models.CachedRecord
	Operation *models.OfflineOperation
	Notice    string
}

// togglePayload encodes the intended final state of a toast toggle, not
// the delta, so replaying it later is idempotent.
type togglePayload struct {
	TastingID string `json:"tasting_id"`
	Toasted   bool   `json:"toasted"`
}

// Controller runs the optimistic update protocol over the store, the
// mutation queue and the remote mutator.
type Controller struct {
	store        *db.Store
	queue        *queue.Queue
	mutator      remote.Mutator
	reachability remote.Reachability
	log          *zap.Logger
}

// NewController creates a controller over the given collaborators.
func NewController(store *db.Store, q *queue.Queue, mutator remote.Mutator, reachability remote.Reachability, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		store:        store,
		queue:        q,
		mutator:      mutator,
		reachability: reachability,
		log:          log,
	}
}

// ToggleToast flips the user's toast on a tasting. The stored record
// mutates synchronously before any network activity so the UI reflects
// the tap immediately; the outcome then reports whether the change was
// confirmed, queued for replay, or rolled back.
func (c *Controller) ToggleToast(ctx context.Context, tastingID string) (*Outcome, error) {
	snapshot, err := c.store.GetRecord(ctx, tastingID)
	if err != nil {
		return nil, err
	}
	original := make([]byte, len(snapshot.Payload))
	copy(original, snapshot.Payload)

	doc, err := decodeTasting(snapshot.Payload)
	if err != nil {
		return nil, err
	}
	wasToasted, originalCount := toastState(doc)
	nowToasted := !wasToasted

	doc["hasToasted"] = nowToasted
	if nowToasted {
		doc["toasts"] = originalCount + 1
	} else {
		doc["toasts"] = max(originalCount-1, 0)
	}

	applied, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to encode tasting", err)
	}
	snapshot.Payload = applied
	if err := c.store.PutRecord(ctx, snapshot); err != nil {
		return nil, err
	}

	intent, err := json.Marshal(togglePayload{TastingID: tastingID, Toasted: nowToasted})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to encode toggle intent", err)
	}

	if !c.reachability.Current().IsConnected {
		return c.queueAction(ctx, snapshot, models.OpToggleToast, intent)
	}

	op := &models.OfflineOperation{Type: models.OpToggleToast, Payload: intent}
	ack, sendErr := c.mutator.Send(ctx, op)
	switch {
	case sendErr == nil:
		return c.reconcileToggle(ctx, snapshot, original, wasToasted, originalCount, ack)
	case errors.IsSemantic(sendErr):
		return c.rollback(ctx, snapshot, original, sendErr)
	default:
		c.log.Warn("toggle send failed, queueing for replay",
			zap.String("tasting_id", tastingID), zap.Error(sendErr))
		return c.queueAction(ctx, snapshot, models.OpToggleToast, intent)
	}
}

// Submit sends any other mutation through the online-or-queue path.
// There is no local snapshot to restore, so a server rejection settles
// as rolled back with only a notice.
func (c *Controller) Submit(ctx context.Context, opType models.OperationType, payload json.RawMessage) (*Outcome, error) {
	if !c.reachability.Current().IsConnected {
		return c.queueAction(ctx, nil, opType, payload)
	}

	op := &models.OfflineOperation{Type: opType, Payload: payload}
	_, sendErr := c.mutator.Send(ctx, op)
	switch {
	case sendErr == nil:
		return &Outcome{State: StateConfirmed}, nil
	case errors.IsSemantic(sendErr):
		return &Outcome{State: StateRolledBack, Notice: noticeFrom(sendErr)}, nil
	default:
		c.log.Warn("submit failed, queueing for replay",
			zap.String("type", string(opType)), zap.Error(sendErr))
		return c.queueAction(ctx, nil, opType, payload)
	}
}

// HandleQueuedCompletion folds acknowledgements from drained queue
// operations back into local records. Wire it to the coordinator's
// completion listener. The pre-optimistic snapshot is gone by replay
// time, so only absolute server values apply here.
func (c *Controller) HandleQueuedCompletion(op *models.OfflineOperation, ack *remote.Ack) {
	if op.Type != models.OpToggleToast || ack == nil {
		return
	}
	var intent togglePayload
	if err := json.Unmarshal(op.Payload, &intent); err != nil {
		c.log.Warn("malformed queued toggle payload", zap.String("id", string(op.ID)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := c.store.GetRecord(ctx, intent.TastingID)
	if err != nil {
		// The record may have been evicted since the action; the next
		// fetch returns server truth anyway
		return
	}

	if len(ack.Payload) > 0 {
		rec.Payload = ack.Payload
	} else {
		doc, err := decodeTasting(rec.Payload)
		if err != nil {
			return
		}
		if ack.Toasted != nil {
			doc["hasToasted"] = *ack.Toasted
		}
		if ack.ToastCount != nil {
			doc["toasts"] = *ack.ToastCount
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return
		}
		rec.Payload = payload
	}
	rec.Touch()

	if err := c.store.PutRecord(ctx, rec); err != nil {
		c.log.Warn("failed to reconcile drained operation",
			zap.String("id", string(op.ID)), zap.Error(err))
	}
}

// queueAction appends the intended final state to the mutation queue,
// leaving any optimistic local value in place.
func (c *Controller) queueAction(ctx context.Context, rec *models.CachedRecord, opType models.OperationType, payload json.RawMessage) (*Outcome, error) {
	op, err := c.queue.Enqueue(ctx, opType, payload, time.Now())
	if err != nil {
		return nil, err
	}
	return &Outcome{State: StateQueued, Record: rec, Operation: op}, nil
}

// reconcileToggle folds the acknowledgement into the stored record. A
// full payload wins outright. A partial ack recomputes the counter from
// the pre-optimistic value, never from the optimistic guess, so a
// confirmed toggle is not counted twice.
func (c *Controller) reconcileToggle(ctx context.Context, rec *models.CachedRecord, original []byte, wasToasted bool, originalCount int64, ack *remote.Ack) (*Outcome, error) {
	switch {
	case ack == nil:
		// No reconciliation data; the optimistic value stands
	case len(ack.Payload) > 0:
		rec.Payload = ack.Payload
	default:
		doc, err := decodeTasting(original)
		if err != nil {
			return nil, err
		}
		toasted := !wasToasted
		if ack.Toasted != nil {
			toasted = *ack.Toasted
		}
		count := originalCount
		if toasted && !wasToasted {
			count = originalCount + 1
		} else if !toasted && wasToasted {
			count = max(originalCount-1, 0)
		}
		if ack.ToastCount != nil {
			count = *ack.ToastCount
		}
		doc["hasToasted"] = toasted
		doc["toasts"] = count

		payload, err := json.Marshal(doc)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "failed to encode tasting", err)
		}
		rec.Payload = payload
	}
	rec.Touch()

	if err := c.store.PutRecord(ctx, rec); err != nil {
		return nil, err
	}
	return &Outcome{State: StateConfirmed, Record: rec}, nil
}

// rollback restores the exact pre-optimistic snapshot bytes.
func (c *Controller) rollback(ctx context.Context, rec *models.CachedRecord, original []byte, cause error) (*Outcome, error) {
	rec.Payload = original
	if err := c.store.PutRecord(ctx, rec); err != nil {
		return nil, err
	}

	c.log.Warn("rolled back rejected action",
		zap.String("id", rec.ID), zap.Error(cause))

	return &Outcome{State: StateRolledBack, Record: rec, Notice: noticeFrom(cause)}, nil
}

// decodeTasting parses a tasting payload, preserving unknown fields.
func decodeTasting(payload []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "malformed tasting payload", err)
	}
	return doc, nil
}

// toastState extracts the toggle-relevant fields from a decoded tasting.
func toastState(doc map[string]interface{}) (toasted bool, count int64) {
	if v, ok := doc["hasToasted"].(bool); ok {
		toasted = v
	}
	if v, ok := doc["toasts"].(float64); ok {
		count = int64(v)
	}
	return toasted, count
}

// noticeFrom turns a rejection into a user-facing message.
func noticeFrom(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return "The server rejected this action"
}
