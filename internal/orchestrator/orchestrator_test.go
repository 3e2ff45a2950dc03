package orchestrator

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/traintrack/traintrack/internal/store"
	"github.com/traintrack/traintrack/internal/sync"
)

// fakeSyncer records pipeline invocations and can block mid-pass so
// tests can observe overlap behaviour.
type fakeSyncer struct {
	mu        stdsync.Mutex
	calls     []string     // "push" / "pull" in invocation order
	pullSince []*time.Time // lastSyncAt seen by each pull
	active    int
	maxActive int

	block   chan struct{} // if non-nil, Push waits on it
	pushErr error
}

func (f *fakeSyncer) enter(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
}

func (f *fakeSyncer) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeSyncer) Push(ctx context.Context, userID string) (sync.PushStats, error) {
	f.enter("push")
	defer f.leave()
	if f.block != nil {
		<-f.block
	}
	return sync.PushStats{}, f.pushErr
}

func (f *fakeSyncer) Pull(ctx context.Context, userID string, lastSyncAt *time.Time) (sync.PullStats, error) {
	f.enter("pull")
	defer f.leave()
	f.mu.Lock()
	f.pullSince = append(f.pullSince, lastSyncAt)
	f.mu.Unlock()
	return sync.PullStats{}, nil
}

func (f *fakeSyncer) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeConn struct {
	err error
}

func (c *fakeConn) Ping(ctx context.Context) error { return c.err }

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return db
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(os.Stderr, "[test] ", 0)
}

func TestTriggerRunsPushThenPull(t *testing.T) {
	db := setupTestDB(t)
	syncer := &fakeSyncer{}
	o := New(db, syncer, &fakeConn{}, testLogger(t))

	if err := o.Trigger(context.Background(), "user-1"); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if len(syncer.calls) != 2 || syncer.calls[0] != "push" || syncer.calls[1] != "pull" {
		t.Errorf("expected push then pull, got %v", syncer.calls)
	}
}

func TestTriggerOfflineIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	syncer := &fakeSyncer{}
	o := New(db, syncer, &fakeConn{err: errors.New("no route to host")}, testLogger(t))

	if err := o.Trigger(context.Background(), "user-1"); err != nil {
		t.Fatalf("offline trigger must not fail: %v", err)
	}
	if len(syncer.calls) != 0 {
		t.Errorf("no pipeline may run while offline, got %v", syncer.calls)
	}
	if o.State() != StateIdle {
		t.Errorf("state = %v, want idle", o.State())
	}
}

func TestTriggerAdvancesWatermark(t *testing.T) {
	db := setupTestDB(t)
	syncer := &fakeSyncer{}
	o := New(db, syncer, &fakeConn{}, testLogger(t))
	ctx := context.Background()

	before, err := o.LastSyncAt(ctx)
	if err != nil {
		t.Fatalf("last sync lookup failed: %v", err)
	}
	if before != nil {
		t.Fatal("fresh store must have no watermark")
	}

	if err := o.Trigger(ctx, "user-1"); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	after, err := o.LastSyncAt(ctx)
	if err != nil {
		t.Fatalf("last sync lookup failed: %v", err)
	}
	if after == nil {
		t.Fatal("successful sync must record a watermark")
	}
}

func TestFailedSyncLeavesWatermarkUntouched(t *testing.T) {
	db := setupTestDB(t)
	syncer := &fakeSyncer{pushErr: errors.New("backend down")}
	o := New(db, syncer, &fakeConn{}, testLogger(t))
	ctx := context.Background()

	if err := o.Trigger(ctx, "user-1"); err == nil {
		t.Fatal("expected push failure to propagate")
	}

	after, err := o.LastSyncAt(ctx)
	if err != nil {
		t.Fatalf("last sync lookup failed: %v", err)
	}
	if after != nil {
		t.Error("failed sync must not advance the watermark")
	}
	if o.State() != StateIdle {
		t.Errorf("state = %v, want idle after failure", o.State())
	}
}

func TestConcurrentTriggersNeverOverlap(t *testing.T) {
	db := setupTestDB(t)
	syncer := &fakeSyncer{block: make(chan struct{})}
	o := New(db, syncer, &fakeConn{}, testLogger(t))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- o.Trigger(ctx, "user-1") }()

	// Wait for the first pass to be mid-push.
	waitFor(t, func() bool { return syncer.callCount("push") == 1 })
	if got := o.State(); got != StateRunning {
		t.Errorf("state = %v, want running", got)
	}

	// Second trigger must return immediately without starting a pass.
	if err := o.Trigger(ctx, "user-1"); err != nil {
		t.Fatalf("queued trigger failed: %v", err)
	}
	if n := syncer.callCount("push"); n != 1 {
		t.Fatalf("second trigger must not start a pipeline, push count = %d", n)
	}

	// A closed channel unblocks every later pass too.
	close(syncer.block)
	if err := <-done; err != nil {
		t.Fatalf("first trigger failed: %v", err)
	}

	// The queued request runs as a follow-up pass.
	waitFor(t, func() bool { return syncer.callCount("push") == 2 })
	waitFor(t, func() bool { return o.State() == StateIdle })

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if syncer.maxActive > 1 {
		t.Errorf("pipeline invocations overlapped, max concurrent = %d", syncer.maxActive)
	}
}

func TestQueuedTriggersCoalescePerUser(t *testing.T) {
	db := setupTestDB(t)
	syncer := &fakeSyncer{block: make(chan struct{})}
	o := New(db, syncer, &fakeConn{}, testLogger(t))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- o.Trigger(ctx, "user-1") }()
	waitFor(t, func() bool { return syncer.callCount("push") == 1 })

	// Burst of triggers for the same user while a pass is running.
	for i := 0; i < 5; i++ {
		if err := o.Trigger(ctx, "user-1"); err != nil {
			t.Fatalf("queued trigger failed: %v", err)
		}
	}

	close(syncer.block)
	if err := <-done; err != nil {
		t.Fatalf("first trigger failed: %v", err)
	}
	waitFor(t, func() bool { return o.State() == StateIdle })

	// One active pass plus exactly one coalesced follow-up.
	if n := syncer.callCount("push"); n != 2 {
		t.Errorf("burst must coalesce into one follow-up, push count = %d", n)
	}
}

func TestForceFullSyncClearsWatermark(t *testing.T) {
	db := setupTestDB(t)
	syncer := &fakeSyncer{}
	o := New(db, syncer, &fakeConn{}, testLogger(t))
	ctx := context.Background()

	// Establish a watermark with a normal sync first.
	if err := o.Trigger(ctx, "user-1"); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if err := o.ForceFullSync(ctx, "user-1"); err != nil {
		t.Fatalf("force full sync failed: %v", err)
	}

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if len(syncer.pullSince) != 2 {
		t.Fatalf("expected two pulls, got %d", len(syncer.pullSince))
	}
	if syncer.pullSince[0] != nil {
		t.Error("first pull of a fresh store must be full")
	}
	if syncer.pullSince[1] != nil {
		t.Error("forced sync must pull the full remote state")
	}
}

func TestStartPeriodicTriggersAndStops(t *testing.T) {
	db := setupTestDB(t)
	syncer := &fakeSyncer{}
	o := New(db, syncer, &fakeConn{}, testLogger(t))

	stop := o.StartPeriodic("user-1", 20*time.Millisecond)
	waitFor(t, func() bool { return syncer.callCount("push") >= 2 })
	stop()

	after := syncer.callCount("push")
	time.Sleep(60 * time.Millisecond)
	if n := syncer.callCount("push"); n != after {
		t.Errorf("periodic syncs must stop after cancel, %d -> %d", after, n)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
