// Package outbox implements the lease-based draining worker (C13):
// claim a batch with FOR UPDATE SKIP LOCKED, retry with exponential
// backoff, dead-letter after max_retries, and keep the causal audit
// chain (outbox_id shared across the two audit rows of one write).
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/onlyfeng/engram-sub002/internal/gateway"
	"github.com/onlyfeng/engram-sub002/internal/resilience"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

type ExternalMemory interface {
	Store(ctx context.Context, payloadMD, space string) (memoryID string, err error)
}

type Store interface {
	ClaimOutboxBatch(ctx context.Context, workerID string, leaseSeconds, maxRetries, batchSize int) ([]store.OutboxEntry, error)
	MarkOutboxSent(ctx context.Context, outboxID int64, memoryID string) error
	MarkOutboxRetry(ctx context.Context, outboxID int64, retryCount int, nextAttempt time.Time, lastErr string, dead bool) error
	InsertAudit(ctx context.Context, a store.AuditRow) (int64, error)
}

type Config struct {
	WorkerID     string
	BatchSize    int
	LeaseSeconds int
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	ItemTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = 20
	}
	if c.LeaseSeconds == 0 {
		c.LeaseSeconds = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 8
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.ItemTimeout == 0 {
		c.ItemTimeout = 15 * time.Second
	}
	return c
}

type Worker struct {
	store  Store
	memory ExternalMemory
	cfg    Config
}

func New(s Store, memory ExternalMemory, cfg Config) *Worker {
	return &Worker{store: s, memory: memory, cfg: cfg.withDefaults()}
}

type BatchResult struct {
	Sent  int
	Dead  int
	Retry int
}

// ProcessBatch implements the C13 loop body for one claim-and-drain
// pass. A row left in_progress with an expired lease is re-claimable
// by any worker on the next call, since ClaimOutboxBatch's SELECT matches
// pending/failed rows with next_attempt_at <= now as well as in_progress
// rows whose lease_expires_at has passed.
func (w *Worker) ProcessBatch(ctx context.Context) (BatchResult, error) {
	batch, err := w.store.ClaimOutboxBatch(ctx, w.cfg.WorkerID, w.cfg.LeaseSeconds, w.cfg.MaxRetries, w.cfg.BatchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("outbox: claim batch: %w", err)
	}

	var result BatchResult
	for _, entry := range batch {
		itemCtx, cancel := context.WithTimeout(ctx, w.cfg.ItemTimeout)
		memoryID, writeErr := w.memory.Store(itemCtx, entry.PayloadMD, entry.TargetSpace)
		cancel()

		if writeErr == nil {
			if err := w.store.MarkOutboxSent(ctx, entry.OutboxID, memoryID); err != nil {
				return result, fmt.Errorf("outbox: mark sent %d: %w", entry.OutboxID, err)
			}
			outboxID := entry.OutboxID
			if _, err := w.store.InsertAudit(ctx, store.AuditRow{
				TargetSpace: entry.TargetSpace,
				Action:      store.AuditAllow,
				Reason:      "outbox_flush_success",
				PayloadSHA:  entry.PayloadSHA,
				EvidenceRefs: store.EvidenceRefs{
					Source:        "outbox_worker",
					CorrelationID: gateway.NewCorrelationID(),
					OutboxID:      &outboxID,
					MemoryID:      memoryID,
				},
			}); err != nil {
				return result, fmt.Errorf("outbox: insert flush-success audit %d: %w", entry.OutboxID, err)
			}
			result.Sent++
			continue
		}

		retryCount := entry.RetryCount + 1
		dead := retryCount >= w.cfg.MaxRetries
		nextAttempt := time.Now().Add(resilience.ExponentialBackoff(retryCount, w.cfg.BaseBackoff, w.cfg.MaxBackoff, 0.2))
		if err := w.store.MarkOutboxRetry(ctx, entry.OutboxID, retryCount, nextAttempt, writeErr.Error(), dead); err != nil {
			return result, fmt.Errorf("outbox: mark retry %d: %w", entry.OutboxID, err)
		}
		if dead {
			result.Dead++
		} else {
			result.Retry++
		}
	}
	return result, nil
}

// Run drains batches on interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.ProcessBatch(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
