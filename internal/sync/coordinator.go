// Package sync drains the offline mutation queue against the remote
// collaborator, driven by connectivity changes and cron schedules.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/peatedapp/peated-core/internal/config"
	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/remote"
	"github.com/peatedapp/peated-core/internal/sync/queue"
)

// drainTimeout bounds one full drain pass.
const drainTimeout = 5 * time.Minute

// CompletedFunc is notified when a queued operation is acknowledged by
// the server. The ack carries the authoritative state for reconciling
// local data.
type CompletedFunc func(op *models.OfflineOperation, ack *remote.Ack)

// FailedFunc is notified when a queued operation moves to failed,
// either by server rejection or by exhausting its retries.
type FailedFunc func(op *models.OfflineOperation, err error)

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	Running   bool       `json:"running"`
	Online    bool       `json:"online"`
	Draining  bool       `json:"draining"`
	LastDrain *time.Time `json:"last_drain,omitempty"`
	Pending   int        `json:"pending"`
	Failed    int        `json:"failed"`
}

// Coordinator replays queued operations oldest first: immediately when
// connectivity returns, and on a schedule while connected. A separate
// schedule sweeps out operations past their max age. Only one drain
// pass runs at a time.
type Coordinator struct {
	queue        *queue.Queue
	mutator      remote.Mutator
	reachability remote.Reachability
	cfg          config.SyncConfig
	log          *zap.Logger

	cron   *cron.Cron
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	running     bool
	online      bool
	draining    bool
	lastDrain   time.Time
	onCompleted CompletedFunc
	onFailed    FailedFunc
}

// NewCoordinator creates a coordinator over the given queue and remote
// collaborators.
func NewCoordinator(q *queue.Queue, mutator remote.Mutator, reachability remote.Reachability, cfg config.SyncConfig, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		queue:        q,
		mutator:      mutator,
		reachability: reachability,
		cfg:          cfg,
		log:          log,
		cron:         cron.New(),
		stopCh:       make(chan struct{}),
	}
}

// SetOnCompleted registers the completion listener. Pass nil to clear.
func (c *Coordinator) SetOnCompleted(fn CompletedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCompleted = fn
}

// SetOnFailed registers the failure listener. Pass nil to clear.
func (c *Coordinator) SetOnFailed(fn FailedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailed = fn
}

// Start recovers operations stranded by a previous crash, runs an
// initial sweep, begins watching reachability and installs the drain
// and sweep schedules. Draining starts immediately when already online.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	// Subscribe before sampling so a transition between the two is
	// never lost.
	changes := c.reachability.Changes()

	c.mu.Lock()
	c.online = c.reachability.Current().IsConnected
	online := c.online
	c.mu.Unlock()

	if err := c.startup(ctx); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}
	c.cron.Start()

	c.wg.Add(1)
	go c.watchReachability(changes)

	c.log.Info("sync coordinator started",
		zap.Bool("online", online),
		zap.String("drain_schedule", c.cfg.DrainSchedule),
		zap.String("sweep_schedule", c.cfg.SweepSchedule))

	if online {
		c.drainAsync()
	}
	return nil
}

func (c *Coordinator) startup(ctx context.Context) error {
	if _, err := c.queue.RecoverInFlight(ctx); err != nil {
		return err
	}
	if _, err := c.queue.SweepExpired(ctx, time.Now()); err != nil {
		return err
	}
	if _, err := c.cron.AddFunc(c.cfg.DrainSchedule, c.scheduledDrain); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid drain schedule", err)
	}
	if _, err := c.cron.AddFunc(c.cfg.SweepSchedule, c.scheduledSweep); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid sweep schedule", err)
	}
	return nil
}

// Stop halts schedules and waits for in-flight work to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cron.Stop()
	close(c.stopCh)
	c.wg.Wait()

	c.log.Info("sync coordinator stopped")
}

// TriggerDrain requests an immediate asynchronous drain. Reports false
// when offline or one is already running.
func (c *Coordinator) TriggerDrain() bool {
	c.mu.Lock()
	skip := !c.online || c.draining
	c.mu.Unlock()
	if skip {
		return false
	}
	c.drainAsync()
	return true
}

// Drain runs one pass over the ready operations in creation order.
// Each ready operation is attempted exactly once per pass; operations
// still inside their backoff window are skipped without blocking later
// ones. Concurrent calls are collapsed to a single pass.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil
	}
	c.draining = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	ready, err := c.queue.DequeueReady(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}

	c.log.Info("draining offline operations", zap.Int("ready", len(ready)))

	for _, op := range ready {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.attempt(ctx, op)
	}

	c.mu.Lock()
	c.lastDrain = time.Now()
	c.mu.Unlock()
	return nil
}

// Sweep fails operations past their max age.
func (c *Coordinator) Sweep(ctx context.Context) error {
	_, err := c.queue.SweepExpired(ctx, time.Now())
	return err
}

// Status returns the coordinator and queue state.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Status{
		Running:  c.running,
		Online:   c.online,
		Draining: c.draining,
		Pending:  stats[models.StatusPending] + stats[models.StatusInProgress],
		Failed:   stats[models.StatusFailed],
	}
	if !c.lastDrain.IsZero() {
		t := c.lastDrain
		s.LastDrain = &t
	}
	return s, nil
}

// attempt replays one operation and records the outcome. Listener
// notification follows the resulting status.
func (c *Coordinator) attempt(ctx context.Context, op *models.OfflineOperation) {
	if err := c.queue.MarkInProgress(ctx, op); err != nil {
		c.log.Error("failed to mark operation in progress",
			zap.String("id", string(op.ID)), zap.Error(err))
		return
	}

	ack, sendErr := c.mutator.Send(ctx, op)
	if err := c.queue.MarkAttempt(ctx, op, sendErr, time.Now()); err != nil {
		c.log.Error("failed to record attempt outcome",
			zap.String("id", string(op.ID)), zap.Error(err))
		return
	}

	c.mu.Lock()
	completed := c.onCompleted
	failed := c.onFailed
	c.mu.Unlock()

	switch op.Status {
	case models.StatusCompleted:
		if completed != nil {
			completed(op, ack)
		}
	case models.StatusFailed:
		if failed != nil {
			failed(op, sendErr)
		}
	}
}

// scheduledDrain runs the periodic drain while online.
func (c *Coordinator) scheduledDrain() {
	c.mu.Lock()
	online := c.online
	c.mu.Unlock()
	if !online {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := c.Drain(ctx); err != nil {
		c.log.Error("scheduled drain failed", zap.Error(err))
	}
}

// scheduledSweep runs the periodic expiry sweep.
func (c *Coordinator) scheduledSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := c.Sweep(ctx); err != nil {
		c.log.Error("scheduled sweep failed", zap.Error(err))
	}
}

// watchReachability reacts to connectivity transitions. Regaining
// connectivity triggers an immediate drain.
func (c *Coordinator) watchReachability(changes <-chan models.NetworkState) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case state, ok := <-changes:
			if !ok {
				return
			}
			c.handleTransition(state)
		}
	}
}

func (c *Coordinator) handleTransition(state models.NetworkState) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = state.IsConnected
	c.mu.Unlock()

	if wasOnline == state.IsConnected {
		return
	}

	if state.IsConnected {
		c.log.Info("connectivity regained, draining queue",
			zap.Bool("expensive", state.IsExpensive),
			zap.Bool("constrained", state.IsConstrained))
		c.drainAsync()
	} else {
		c.log.Info("connectivity lost")
	}
}

// drainAsync runs a drain pass on its own goroutine.
func (c *Coordinator) drainAsync() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := c.Drain(ctx); err != nil {
			c.log.Error("drain failed", zap.Error(err))
		}
	}()
}
