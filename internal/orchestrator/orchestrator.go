// Package orchestrator serializes sync execution.
//
// At most one sync pipeline runs at a time. Triggers that arrive while a
// sync is in flight are queued (one slot per user, bounded) and drained
// after the active pass finishes, so a change made during a sync is
// picked up by the follow-up pass instead of being silently dropped.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/traintrack/traintrack/internal/store"
	"github.com/traintrack/traintrack/internal/sync"
)

// State is the orchestrator's lifecycle state.
type State int

const (
	// StateIdle means no sync is running and the queue is empty.
	StateIdle State = iota
	// StateRunning means a sync pass is executing.
	StateRunning
	// StateDraining means the active pass finished and queued triggers
	// are being worked off.
	StateDraining
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

const (
	// maxQueuedTriggers bounds the follow-up queue. Requests are
	// deduplicated per user, so the bound only matters with many users
	// sharing one orchestrator.
	maxQueuedTriggers = 8

	// drainDelay is the pause between the active pass and a queued
	// follow-up, letting rapid bursts of local writes coalesce into one
	// pass.
	drainDelay = 250 * time.Millisecond
)

// Connectivity reports whether the remote store is reachable.
// *remote.Client satisfies it via Ping.
type Connectivity interface {
	Ping(ctx context.Context) error
}

// Orchestrator owns the sync lifecycle for a local store.
type Orchestrator struct {
	store  *store.DB
	syncer sync.Syncer
	conn   Connectivity
	logger *log.Logger

	mu    stdsync.Mutex
	state State
	queue []string // user ids awaiting a follow-up pass, FIFO
}

// New creates an Orchestrator. If logger is nil, a default logger
// writing to stderr is used.
func New(db *store.DB, syncer sync.Syncer, conn Connectivity, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:  db,
		syncer: syncer,
		conn:   conn,
		logger: logger,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastSyncAt returns the completion time of the last successful sync, or
// nil if none has completed yet.
func (o *Orchestrator) LastSyncAt(ctx context.Context) (*time.Time, error) {
	meta, err := o.store.LoadSyncMeta(ctx)
	if err != nil {
		return nil, err
	}
	return meta.LastSyncAt, nil
}

// Trigger requests a sync for userID.
//
// If the remote store is unreachable the trigger is a silent no-op:
// local writes are already durable and marked pending, so nothing is
// lost by waiting for the next trigger. If a sync is already in flight
// the request is queued for a follow-up pass and Trigger returns
// immediately. Otherwise Trigger runs the sync, then drains the queue,
// and returns the error of the initial pass.
func (o *Orchestrator) Trigger(ctx context.Context, userID string) error {
	if err := o.conn.Ping(ctx); err != nil {
		o.logger.Printf("Remote unreachable, skipping sync: %v", err)
		return nil
	}

	if !o.acquire(userID) {
		return nil
	}

	err := o.syncOnce(ctx, userID)
	o.drain(ctx)
	return err
}

// ForceFullSync clears the incremental sync watermark and triggers a
// sync, so the next pull fetches and re-applies the complete remote
// state. Re-applying is idempotent; it repairs local drift without
// touching pending edits.
func (o *Orchestrator) ForceFullSync(ctx context.Context, userID string) error {
	if err := o.store.ResetSyncMeta(ctx, userID); err != nil {
		return fmt.Errorf("failed to reset sync watermark: %w", err)
	}
	o.logger.Println("Sync watermark cleared, forcing full sync")
	return o.Trigger(ctx, userID)
}

// StartPeriodic triggers a sync for userID every interval until the
// returned stop function is called.
func (o *Orchestrator) StartPeriodic(userID string, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.Trigger(ctx, userID); err != nil {
					o.logger.Printf("WARNING: periodic sync failed: %v", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// acquire either claims the pipeline (returning true) or queues the
// request behind the active pass (returning false).
func (o *Orchestrator) acquire(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle {
		o.enqueueLocked(userID)
		return false
	}
	o.state = StateRunning
	return true
}

// enqueueLocked appends userID to the follow-up queue. A user already
// queued is not queued again; the pending pass covers both requests.
// Callers must hold o.mu.
func (o *Orchestrator) enqueueLocked(userID string) {
	for _, queued := range o.queue {
		if queued == userID {
			return
		}
	}
	if len(o.queue) >= maxQueuedTriggers {
		o.logger.Printf("WARNING: trigger queue full, dropping request for user %s", userID)
		return
	}
	o.queue = append(o.queue, userID)
	o.logger.Printf("Sync in progress, queued follow-up for user %s", userID)
}

// drain works off queued triggers one at a time, then returns the
// orchestrator to idle. Follow-up failures are logged, not returned;
// the records involved stay pending and the next trigger retries them.
func (o *Orchestrator) drain(ctx context.Context) {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.state = StateIdle
			o.mu.Unlock()
			return
		}
		o.state = StateDraining
		userID := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			o.mu.Lock()
			o.state = StateIdle
			o.queue = nil
			o.mu.Unlock()
			return
		case <-time.After(drainDelay):
		}

		o.logger.Printf("Draining queued sync for user %s", userID)
		if err := o.syncOnce(ctx, userID); err != nil {
			o.logger.Printf("WARNING: queued sync failed: %v", err)
		}
	}
}

// syncOnce runs one push+pull pass and advances the incremental
// watermark on success.
//
// The watermark is captured before the pull's remote fetch: a remote
// change landing mid-pass is then re-fetched by the next pull rather
// than falling into the gap between fetch and save.
func (o *Orchestrator) syncOnce(ctx context.Context, userID string) error {
	started := time.Now().UTC()
	o.logger.Printf("Sync started for user %s", userID)

	meta, err := o.store.LoadSyncMeta(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}

	pushStats, err := o.syncer.Push(ctx, userID)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	pullStats, err := o.syncer.Pull(ctx, userID, meta.LastSyncAt)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	if err := o.store.SaveSyncMeta(ctx, store.SyncMeta{
		LastSyncAt: &started,
		UserID:     userID,
	}); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}

	o.logger.Printf("Sync finished for user %s: pushed=%d pulled=%d conflicts_kept=%d failed=%d",
		userID, pushStats.Uploaded+pushStats.Deleted, pullStats.Applied+pullStats.Removed,
		pullStats.Kept, pushStats.Failed+pullStats.Failed)
	return nil
}
