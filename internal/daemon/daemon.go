// Package daemon runs background synchronization for a local store.
//
// The daemon:
//  1. Triggers an initial sync on startup
//  2. Watches the database files and triggers a debounced sync when an
//     external writer (the app process) changes them
//  3. Triggers a periodic sync as a safety net
//  4. Optionally listens for remote change notifications
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/traintrack/traintrack/internal/remote"
)

// Triggerer requests sync passes. *orchestrator.Orchestrator satisfies it.
type Triggerer interface {
	Trigger(ctx context.Context, userID string) error
}

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to sync regardless of observed activity.
	SyncInterval time.Duration

	// DebounceInterval is how long to wait after a database file change
	// before triggering a sync. This batches rapid writes together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon watches for local and remote change signals and converts them
// into sync triggers.
type Daemon struct {
	dbPath  string
	userID  string
	trigger Triggerer
	config  *Config

	// listener is optional; see AttachListener.
	listener *remote.Listener

	watcher *fsnotify.Watcher

	changeMu    sync.Mutex
	changedAt   time.Time
	changed     bool
	syncing     bool
	lastSyncEnd time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - dbPath: path to the SQLite database file to watch
//   - userID: the account whose data is synced
//   - trigger: the orchestrator handling sync requests
//
// Use Start() to begin watching and syncing.
func New(dbPath, userID string, trigger Triggerer, config *Config) (*Daemon, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	if trigger == nil {
		return nil, fmt.Errorf("trigger cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		dbPath:  dbPath,
		userID:  userID,
		trigger: trigger,
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// AttachListener adds a remote change listener. Notifications from the
// listener are debounced like local file events. Must be called before
// Start.
func (d *Daemon) AttachListener(l *remote.Listener) {
	d.listener = l
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	// Initial sync so the device catches up before any activity.
	d.runSync(ctx)

	// Watch the directory, not the file: SQLite's WAL companion files
	// come and go, and watching a path that does not exist yet fails.
	dbDir := filepath.Dir(d.dbPath)
	if err := d.watcher.Add(dbDir); err != nil {
		return fmt.Errorf("failed to watch database directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.dbPath)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChanges()
	go d.periodicSync()

	if d.listener != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.listener.Run(d.ctx, d.userID, d.queueChange); err != nil && d.ctx.Err() == nil {
				d.config.Logger.Printf("Realtime listener stopped: %v", err)
			}
		}()
	}

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !d.isDatabaseFile(event.Name) {
				continue
			}

			d.queueChange()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// isDatabaseFile reports whether path is the database or one of its
// WAL companion files.
func (d *Daemon) isDatabaseFile(path string) bool {
	base := filepath.Base(path)
	dbBase := filepath.Base(d.dbPath)
	return base == dbBase || base == dbBase+"-wal" || base == dbBase+"-shm"
}

// queueChange marks the database as dirty and restarts the debounce
// window. Events observed while a sync is in flight, or immediately
// after one, are the pipeline's own writes and are dropped.
func (d *Daemon) queueChange() {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()

	if d.syncing || time.Since(d.lastSyncEnd) < d.config.DebounceInterval {
		return
	}
	d.changed = true
	d.changedAt = time.Now()
}

// processChanges triggers a sync once a change has sat in the queue for
// a full debounce interval.
func (d *Daemon) processChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.changeMu.Lock()
			ready := d.changed && time.Since(d.changedAt) >= d.config.DebounceInterval
			if ready {
				d.changed = false
			}
			d.changeMu.Unlock()

			if ready {
				d.config.Logger.Println("Local changes detected, syncing")
				d.runSync(d.ctx)
			}
		}
	}
}

// periodicSync triggers a sync at the configured interval.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runSync(d.ctx)
		}
	}
}

// runSync invokes the orchestrator and keeps self-inflicted file events
// from re-triggering it.
func (d *Daemon) runSync(ctx context.Context) {
	d.changeMu.Lock()
	d.syncing = true
	d.changeMu.Unlock()

	if err := d.trigger.Trigger(ctx, d.userID); err != nil {
		d.config.Logger.Printf("Warning: sync failed: %v", err)
	}

	d.changeMu.Lock()
	d.syncing = false
	d.changed = false
	d.lastSyncEnd = time.Now()
	d.changeMu.Unlock()
}
