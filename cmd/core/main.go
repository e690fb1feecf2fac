// Package main provides the peated-core inspector, a small CLI for
// examining and repairing a device database pulled from a client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/peatedapp/peated-core/internal/config"
	"github.com/peatedapp/peated-core/internal/db"
	"github.com/peatedapp/peated-core/internal/logging"
	"github.com/peatedapp/peated-core/internal/models"
	"github.com/peatedapp/peated-core/internal/sync/queue"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	configDir := flag.String("config", "", "directory containing config.yaml")
	dataDir := flag.String("data", "", "override store.data_dir")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("peated-core v%s\n", Version)
		return
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Store.DataDir = *dataDir
	}

	if err := logging.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	command := flag.Arg(0)
	if command == "" {
		command = "status"
	}

	if err := run(cfg, command); err != nil {
		logging.Log.Error("command failed", zap.String("command", command), zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, command string) error {
	database, err := db.Open(cfg.Store.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Setup(); err != nil {
		return err
	}

	store := db.NewStore(database.DB)
	defer store.Close()
	q := queue.New(store, cfg.Queue, logging.Log.Named("queue"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch command {
	case "status":
		return printStatus(ctx, q)
	case "failed":
		return printFailed(ctx, q)
	case "retry":
		n, err := q.RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("retried %d operations\n", n)
		return nil
	case "purge":
		n, err := q.PurgeFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d operations\n", n)
		return nil
	case "sweep":
		n, err := q.SweepExpired(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("expired %d operations\n", n)
		return nil
	default:
		return fmt.Errorf("unknown command %q (want status, failed, retry, purge or sweep)", command)
	}
}

func printStatus(ctx context.Context, q *queue.Queue) error {
	stats, err := q.Stats(ctx)
	if err != nil {
		return err
	}

	out := map[string]interface{}{
		"version": Version,
		"queue": map[string]int{
			"pending":     stats[models.StatusPending],
			"in_progress": stats[models.StatusInProgress],
			"failed":      stats[models.StatusFailed],
		},
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printFailed(ctx context.Context, q *queue.Queue) error {
	failed, err := q.ListFailed(ctx)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		fmt.Println("no failed operations")
		return nil
	}

	for _, op := range failed {
		fmt.Printf("%s  %-15s  retries=%d  created=%s  %s\n",
			op.ID, op.Type, op.RetryCount,
			op.CreatedAtTime().Format(time.RFC3339), op.LastError)
	}
	return nil
}
