// Command outboxworker runs the lease-based outbox drain loop (C13):
// claim pending/failed rows, retry against external memory with
// exponential backoff, and dead-letter past max_retries, writing the
// outbox_flush_success audit row on every successful delivery.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onlyfeng/engram-sub002/internal/config"
	"github.com/onlyfeng/engram-sub002/internal/extmemory"
	"github.com/onlyfeng/engram-sub002/internal/outbox"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("ENGRAM_CONFIG"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Database.DSN, cfg.Database.Schema, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	memory := extmemory.NewClient(cfg.Gateway.ExternalMemoryBaseURL, time.Duration(cfg.Outbox.PerItemTimeoutSec)*time.Second)

	workerID := os.Getenv("HOSTNAME")
	if workerID == "" {
		workerID = "outboxworker-1"
	}

	worker := outbox.New(st, memory, outbox.Config{
		WorkerID:     workerID,
		BatchSize:    cfg.Outbox.BatchSize,
		LeaseSeconds: cfg.Outbox.LeaseSeconds,
		MaxRetries:   cfg.Outbox.MaxRetries,
		BaseBackoff:  time.Duration(cfg.Outbox.BaseBackoffSec * float64(time.Second)),
		MaxBackoff:   time.Duration(cfg.Outbox.MaxBackoffSec * float64(time.Second)),
		ItemTimeout:  time.Duration(cfg.Outbox.PerItemTimeoutSec) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting outbox worker", "worker_id", workerID, "poll_interval_s", cfg.Outbox.PollIntervalSec)
	if err := worker.Run(ctx, time.Duration(cfg.Outbox.PollIntervalSec)*time.Second); err != nil && ctx.Err() == nil {
		slog.Error("outbox worker exited", "error", err)
		os.Exit(1)
	}
	slog.Info("outbox worker stopped")
}
