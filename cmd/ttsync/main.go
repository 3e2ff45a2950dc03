// ttsync is the sync sidecar for the training log.
//
// It keeps the local SQLite database reconciled with the remote backend:
// pending local edits are pushed up, remote changes are pulled down, and
// conflicts resolve last-writer-wins.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/traintrack/traintrack/internal/orchestrator"
	"github.com/traintrack/traintrack/internal/remote"
	"github.com/traintrack/traintrack/internal/store"
	"github.com/traintrack/traintrack/internal/sync"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ttsync",
	Short: "Sync the local training database with the remote backend",
	Long: `ttsync reconciles the app's local SQLite database with the remote
backend. Local edits work offline and are uploaded when connectivity
returns; changes made on other devices are pulled down and merged.

Configuration is read from ttsync.yaml (current directory or
~/.config/ttsync/), overridable with TTSYNC_* environment variables
and flags.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ttsync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the local SQLite database")
	rootCmd.PersistentFlags().String("remote-url", "", "base URL of the remote backend")
	rootCmd.PersistentFlags().String("user", "", "user id whose data is synced")

	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("remote.url", rootCmd.PersistentFlags().Lookup("remote-url"))
	viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ttsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "ttsync"))
		}
	}

	viper.SetEnvPrefix("TTSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db", "traintrack.db")
	viper.SetDefault("sync.interval", 5*time.Minute)
	viper.SetDefault("sync.debounce", 500*time.Millisecond)

	if err := viper.ReadInConfig(); err != nil {
		// A missing default config file is fine; anything else is not.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

// newLogger builds the shared logger. With log.file set, output rotates
// via lumberjack; otherwise it goes to stderr.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if path := viper.GetString("log.file"); path != "" {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

// configToken supplies the bearer token from configuration on every
// request, so a rotated token in the config file takes effect without a
// restart.
func configToken(ctx context.Context) (string, error) {
	return viper.GetString("remote.token"), nil
}

// requireUser returns the configured user id or exits.
func requireUser() string {
	userID := viper.GetString("user")
	if userID == "" {
		fmt.Fprintf(os.Stderr, "Error: no user configured (set --user or TTSYNC_USER)\n")
		os.Exit(1)
	}
	return userID
}

// openStore opens the local database and ensures its schema exists.
func openStore() *store.DB {
	db, err := store.Open(viper.GetString("db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return db
}

// newOrchestrator wires the full sync stack from configuration.
func newOrchestrator(db *store.DB) *orchestrator.Orchestrator {
	baseURL := viper.GetString("remote.url")
	if baseURL == "" {
		fmt.Fprintf(os.Stderr, "Error: no remote URL configured (set --remote-url or TTSYNC_REMOTE_URL)\n")
		os.Exit(1)
	}

	client := remote.NewClient(baseURL, configToken, newLogger("[remote] "))
	syncer := sync.New(db, client, newLogger("[sync] "))
	return orchestrator.New(db, syncer, client, newLogger("[orchestrator] "))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
