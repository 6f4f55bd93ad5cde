// Package reliability aggregates outbox and audit counters into the
// reconcile/reliability report (C14), surfaced over both HTTP and CLI.
package reliability

import (
	"context"
	"fmt"

	"github.com/onlyfeng/engram-sub002/internal/store"
)

type Store interface {
	OutboxStats(ctx context.Context) (store.OutboxStats, error)
	AuditStats(ctx context.Context) (store.AuditStats, error)
}

type Report struct {
	Outbox store.OutboxStats `json:"outbox"`
	Audit  store.AuditStats  `json:"audit"`
}

func Build(ctx context.Context, s Store) (Report, error) {
	outboxStats, err := s.OutboxStats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reliability: outbox stats: %w", err)
	}
	auditStats, err := s.AuditStats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reliability: audit stats: %w", err)
	}
	return Report{Outbox: outboxStats, Audit: auditStats}, nil
}
