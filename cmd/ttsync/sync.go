package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/traintrack/traintrack/internal/daemon"
	"github.com/traintrack/traintrack/internal/entity"
	"github.com/traintrack/traintrack/internal/remote"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass",
	Long: `Push pending local changes to the remote backend, then pull and
merge remote changes. A no-op when the backend is unreachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		userID := requireUser()

		db := openStore()
		defer db.Close()

		orch := newOrchestrator(db)

		start := time.Now()
		if err := orch.Trigger(cmd.Context(), userID); err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
	},
}

var fullSyncCmd = &cobra.Command{
	Use:   "full-sync",
	Short: "Re-fetch the complete remote state",
	Long: `Clear the incremental sync watermark and pull the full remote
state. Use this to repair local drift; pending local edits are
preserved and pushed first.`,
	Run: func(cmd *cobra.Command, args []string) {
		userID := requireUser()

		db := openStore()
		defer db.Close()

		orch := newOrchestrator(db)

		start := time.Now()
		if err := orch.ForceFullSync(cmd.Context(), userID); err != nil {
			fmt.Fprintf(os.Stderr, "Error during full sync: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Full sync complete in %v\n", time.Since(start).Round(time.Millisecond))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local database and sync status",
	Long: `Display the local database location, per-table row and pending
counts, and the time of the last successful sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		userID := requireUser()
		ctx := cmd.Context()

		dbPath := viper.GetString("db")
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			fmt.Printf("Database not initialized at %s\n", dbPath)
			fmt.Printf("Run 'ttsync sync' to create it\n")
			return
		}

		db := openStore()
		defer db.Close()

		meta, err := db.LoadSyncMeta(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading sync state: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nDatabase: %s\n", db.Path())
		if meta.LastSyncAt != nil {
			fmt.Printf("Last sync: %s\n", meta.LastSyncAt.Local().Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("Last sync: never\n")
		}
		fmt.Println()

		totalPending := 0
		for _, typ := range entity.Types {
			count, err := db.CountRecords(ctx, typ, userID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting %s: %v\n", typ, err)
				os.Exit(1)
			}
			pending, err := db.CountPending(ctx, typ, userID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting pending %s: %v\n", typ, err)
				os.Exit(1)
			}
			totalPending += pending
			fmt.Printf("%-20s %5d rows, %d pending\n", typ.Table, count, pending)
		}

		fmt.Println()
		if totalPending > 0 {
			fmt.Printf("%d change(s) waiting for the next sync\n", totalPending)
		} else {
			fmt.Printf("Everything synced\n")
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Syncs once on startup
  2. Watches the database files and syncs after local writes
  3. Syncs periodically as a safety net
  4. Subscribes to remote change notifications when realtime.url is set

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		userID := requireUser()

		db := openStore()
		defer db.Close()

		orch := newOrchestrator(db)

		cfg := daemon.DefaultConfig()
		cfg.SyncInterval = viper.GetDuration("sync.interval")
		cfg.DebounceInterval = viper.GetDuration("sync.debounce")
		cfg.Logger = newLogger("[daemon] ")

		d, err := daemon.New(db.Path(), userID, orch, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		if wsURL := viper.GetString("realtime.url"); wsURL != "" {
			d.AttachListener(remote.NewListener(wsURL, configToken, newLogger("[realtime] ")))
		}

		fmt.Printf("Starting sync daemon for user %s\n", userID)
		fmt.Printf("   Database: %s\n", db.Path())
		fmt.Printf("   Remote: %s\n", viper.GetString("remote.url"))
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(fullSyncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
}
