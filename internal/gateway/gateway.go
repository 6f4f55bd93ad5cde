// Package gateway implements the write-gated memory path (C12): render
// a card, dedup, decide policy, write to external memory, and fall back
// to the outbox with an audit trail when that write fails.
package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/onlyfeng/engram-sub002/internal/card"
	"github.com/onlyfeng/engram-sub002/internal/policy"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

// ExternalMemory is the write/query surface the gateway writes through.
// A production Gateway backs this with an HTTP client to the external
// memory service; tests substitute an in-process fake.
type ExternalMemory interface {
	Store(ctx context.Context, payloadMD, space string) (memoryID string, err error)
	Search(ctx context.Context, space, query string) ([]string, error)
}

// Logbook is the local fallback used when ExternalMemory.Search fails.
type Logbook interface {
	KnowledgeCandidates(ctx context.Context, textPrefix string) ([]string, error)
}

// ActorResolver decides whether an actor is known to the system. The
// spec leaves "unknown actor" resolution to the caller.
type ActorResolver interface {
	IsKnown(ctx context.Context, actor string) bool
}

var correlationIDPattern = regexp.MustCompile(`^corr-[a-fA-F0-9]{16}$`)

// NewCorrelationID returns a fresh id matching ^corr-[a-fA-F0-9]{16}$.
func NewCorrelationID() string {
	return "corr-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// ValidCorrelationID reports whether id matches the canonical pattern.
func ValidCorrelationID(id string) bool {
	return correlationIDPattern.MatchString(id)
}

type Store interface {
	CheckDedup(ctx context.Context, payloadSHA string) (string, bool, error)
	GetPolicySettings(ctx context.Context, projectKey string) (*store.PolicySettings, error)
	EnqueueOutbox(ctx context.Context, targetSpace, payloadMD, payloadSHA string) (int64, error)
	InsertAudit(ctx context.Context, a store.AuditRow) (int64, error)
}

type Gateway struct {
	store   Store
	memory  ExternalMemory
	logbook Logbook
	actors  ActorResolver
	limits  card.Limits
}

func New(s Store, memory ExternalMemory, logbook Logbook, actors ActorResolver, limits card.Limits) *Gateway {
	return &Gateway{store: s, memory: memory, logbook: logbook, actors: actors, limits: limits}
}

type StoreRequest struct {
	ProjectKey  string
	ActorUserID string
	TargetSpace string
	Card        card.Card
}

type StoreResult struct {
	OK            bool
	Action        string
	MemoryID      string
	OutboxID      int64
	CorrelationID string
}

// StoreCard implements the gateway write path documented in C12: render,
// dedup-check, decide, write-or-defer, audit.
func (g *Gateway) StoreCard(ctx context.Context, req StoreRequest) (StoreResult, error) {
	correlationID := NewCorrelationID()

	payloadMD := card.Render(req.Card, g.limits)
	payloadSHA := card.PayloadSHA(payloadMD)

	if existing, hit, err := g.store.CheckDedup(ctx, payloadSHA); err != nil {
		return StoreResult{}, fmt.Errorf("gateway: check dedup: %w", err)
	} else if hit {
		return StoreResult{OK: true, Action: "allow", MemoryID: existing, CorrelationID: correlationID}, nil
	}

	settings, err := g.store.GetPolicySettings(ctx, req.ProjectKey)
	if err != nil {
		return StoreResult{}, fmt.Errorf("gateway: load policy settings: %w", err)
	}
	if settings == nil {
		s := store.DefaultPolicySettings(req.ProjectKey)
		settings = &s
	}

	known := g.actors == nil || g.actors.IsKnown(ctx, req.ActorUserID)
	decision := policy.Decide(req.ActorUserID, req.TargetSpace, req.Card.Kind, req.Card.Evidence, known, *settings)

	if decision.Action == policy.ActionReject {
		if _, err := g.store.InsertAudit(ctx, store.AuditRow{
			ActorUserID: req.ActorUserID,
			TargetSpace: req.TargetSpace,
			Action:      store.AuditReject,
			Reason:      decision.Reason,
			PayloadSHA:  payloadSHA,
			EvidenceRefs: store.EvidenceRefs{
				Source:        "gateway",
				CorrelationID: correlationID,
			},
		}); err != nil {
			return StoreResult{}, fmt.Errorf("gateway: insert reject audit: %w", err)
		}
		return StoreResult{OK: true, Action: string(decision.Action), CorrelationID: correlationID}, nil
	}

	finalSpace := req.TargetSpace
	if decision.Action == policy.ActionRedirect {
		finalSpace = decision.FinalSpace
	}

	memoryID, writeErr := g.memory.Store(ctx, payloadMD, finalSpace)
	if writeErr != nil {
		// Outbox enqueue MUST precede the failure audit write so the
		// audit can embed the outbox_id.
		outboxID, enqErr := g.store.EnqueueOutbox(ctx, finalSpace, payloadMD, payloadSHA)
		if enqErr != nil {
			return StoreResult{CorrelationID: correlationID}, fmt.Errorf("gateway: enqueue outbox after write failure %v: %w", writeErr, enqErr)
		}
		if _, err := g.store.InsertAudit(ctx, store.AuditRow{
			ActorUserID: req.ActorUserID,
			TargetSpace: finalSpace,
			Action:      store.AuditRedirect,
			Reason:      fmt.Sprintf("openmemory_write_failed:%s", classifyWriteError(writeErr)),
			PayloadSHA:  payloadSHA,
			EvidenceRefs: store.EvidenceRefs{
				Source:        "gateway",
				CorrelationID: correlationID,
				OutboxID:      &outboxID,
				Error:         redactError(writeErr),
			},
		}); err != nil {
			return StoreResult{}, fmt.Errorf("gateway: insert deferred audit: %w", err)
		}
		return StoreResult{OK: false, Action: "deferred", OutboxID: outboxID, CorrelationID: correlationID}, nil
	}

	if _, err := g.store.InsertAudit(ctx, store.AuditRow{
		ActorUserID: req.ActorUserID,
		TargetSpace: finalSpace,
		Action:      store.AuditAction(decision.Action),
		Reason:      decision.Reason,
		PayloadSHA:  payloadSHA,
		EvidenceRefs: store.EvidenceRefs{
			Source:        "gateway",
			CorrelationID: correlationID,
			MemoryID:      memoryID,
		},
	}); err != nil {
		// Audit failures are fatal: the external write is not
		// compensated, external memory is authoritative.
		return StoreResult{OK: false, Action: "error", CorrelationID: correlationID}, fmt.Errorf("gateway: insert success audit: %w", err)
	}

	return StoreResult{OK: true, Action: string(decision.Action), MemoryID: memoryID, CorrelationID: correlationID}, nil
}

type QueryResult struct {
	Results       []string
	Degraded      bool
	FallbackUsed  string
	CorrelationID string
}

// QueryCard is the briefer query-path mirror of StoreCard: on external
// memory search failure it falls back to the Logbook's knowledge
// candidates, keyed by text prefix, and marks the response degraded.
func (g *Gateway) QueryCard(ctx context.Context, space, query string) (QueryResult, error) {
	correlationID := NewCorrelationID()
	results, err := g.memory.Search(ctx, space, query)
	if err == nil {
		return QueryResult{Results: results, CorrelationID: correlationID}, nil
	}

	fallback, fbErr := g.logbook.KnowledgeCandidates(ctx, query)
	if fbErr != nil {
		return QueryResult{}, fmt.Errorf("gateway: query fallback: %w", fbErr)
	}
	return QueryResult{
		Results:       fallback,
		Degraded:      true,
		FallbackUsed:  "logbook.knowledge_candidates",
		CorrelationID: correlationID,
	}, nil
}

func classifyWriteError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "refused") || strings.Contains(msg, "network"):
		return "network_error"
	case strings.Contains(msg, "rate"):
		return "rate_limited"
	default:
		return "server_error"
	}
}

// redactError strips anything that looks like a credential or token
// before an external error message is embedded in an audit row.
func redactError(err error) string {
	msg := err.Error()
	if idx := strings.Index(strings.ToLower(msg), "token="); idx >= 0 {
		msg = msg[:idx] + "token=***"
	}
	return msg
}
