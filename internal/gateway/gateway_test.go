package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onlyfeng/engram-sub002/internal/card"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeStore struct {
	dedupID   string
	dedupHit  bool
	settings  *store.PolicySettings
	audits    []store.AuditRow
	outboxID  int64
	enqueueErr error
	auditErr  error
}

func (f *fakeStore) CheckDedup(ctx context.Context, payloadSHA string) (string, bool, error) {
	return f.dedupID, f.dedupHit, nil
}

func (f *fakeStore) GetPolicySettings(ctx context.Context, projectKey string) (*store.PolicySettings, error) {
	return f.settings, nil
}

func (f *fakeStore) EnqueueOutbox(ctx context.Context, targetSpace, payloadMD, payloadSHA string) (int64, error) {
	if f.enqueueErr != nil {
		return 0, f.enqueueErr
	}
	f.outboxID++
	return f.outboxID, nil
}

func (f *fakeStore) InsertAudit(ctx context.Context, a store.AuditRow) (int64, error) {
	if f.auditErr != nil {
		return 0, f.auditErr
	}
	f.audits = append(f.audits, a)
	return int64(len(f.audits)), nil
}

type fakeMemory struct {
	storeErr    error
	memoryID    string
	searchErr   error
	searchHits  []string
	storedSpace string
}

func (f *fakeMemory) Store(ctx context.Context, payloadMD, space string) (string, error) {
	f.storedSpace = space
	if f.storeErr != nil {
		return "", f.storeErr
	}
	return f.memoryID, nil
}

func (f *fakeMemory) Search(ctx context.Context, space, query string) ([]string, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchHits, nil
}

type fakeLogbook struct {
	candidates []string
	err        error
}

func (f *fakeLogbook) KnowledgeCandidates(ctx context.Context, textPrefix string) ([]string, error) {
	return f.candidates, f.err
}

type fakeActors struct{ known bool }

func (f fakeActors) IsKnown(ctx context.Context, actor string) bool { return f.known }

func testCard() card.Card {
	return card.Card{Kind: card.KindFact, Owner: "alice", Module: "sync", Summary: "a fact", Confidence: card.ConfidenceHigh, Visibility: card.VisibilityTeam, TTL: card.TTLLong}
}

// ============================================================================
// STORE CARD — DEDUP
// ============================================================================

func TestStoreCard_DedupHitShortCircuits(t *testing.T) {
	s := &fakeStore{dedupHit: true, dedupID: "mem-123"}
	mem := &fakeMemory{}
	g := New(s, mem, &fakeLogbook{}, fakeActors{known: true}, card.DefaultLimits())

	res, err := g.StoreCard(context.Background(), StoreRequest{ProjectKey: "proj", ActorUserID: "alice", TargetSpace: "team:infra", Card: testCard()})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "allow", res.Action)
	assert.Equal(t, "mem-123", res.MemoryID)
	assert.Empty(t, s.audits, "dedup hit must not write a new audit row")
}

// ============================================================================
// STORE CARD — HAPPY PATH
// ============================================================================

func TestStoreCard_SuccessfulWrite(t *testing.T) {
	s := &fakeStore{settings: settingsPtr(store.DefaultPolicySettings("proj"))}
	mem := &fakeMemory{memoryID: "mem-999"}
	g := New(s, mem, &fakeLogbook{}, fakeActors{known: true}, card.DefaultLimits())

	res, err := g.StoreCard(context.Background(), StoreRequest{ProjectKey: "proj", ActorUserID: "alice", TargetSpace: "team:infra", Card: testCard()})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "mem-999", res.MemoryID)
	require.Len(t, s.audits, 1)
	assert.Equal(t, store.AuditAllow, s.audits[0].Action)
	assert.Equal(t, "mem-999", s.audits[0].EvidenceRefs.MemoryID)
}

func TestStoreCard_NilPolicySettingsFallsBackToDefault(t *testing.T) {
	s := &fakeStore{settings: nil}
	mem := &fakeMemory{memoryID: "mem-1"}
	g := New(s, mem, &fakeLogbook{}, fakeActors{known: true}, card.DefaultLimits())

	res, err := g.StoreCard(context.Background(), StoreRequest{ProjectKey: "proj", ActorUserID: "alice", TargetSpace: "team:infra", Card: testCard()})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

// ============================================================================
// STORE CARD — POLICY REJECT
// ============================================================================

func TestStoreCard_PolicyRejectWritesAuditAndSkipsWrite(t *testing.T) {
	settings := store.DefaultPolicySettings("proj")
	settings.PolicyJSON.UnknownActorPolicy = "reject"
	s := &fakeStore{settings: &settings}
	mem := &fakeMemory{memoryID: "should-not-be-used"}
	g := New(s, mem, &fakeLogbook{}, fakeActors{known: false}, card.DefaultLimits())

	res, err := g.StoreCard(context.Background(), StoreRequest{ProjectKey: "proj", ActorUserID: "ghost", TargetSpace: "team:infra", Card: testCard()})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "reject", res.Action)
	assert.Empty(t, mem.storedSpace, "external memory must not be written on reject")
	require.Len(t, s.audits, 1)
	assert.Equal(t, store.AuditReject, s.audits[0].Action)
}

// ============================================================================
// STORE CARD — DEFERRED (WRITE FAILURE → OUTBOX)
// ============================================================================

func TestStoreCard_WriteFailureDefersToOutbox(t *testing.T) {
	s := &fakeStore{settings: settingsPtr(store.DefaultPolicySettings("proj"))}
	mem := &fakeMemory{storeErr: errors.New("connection refused")}
	g := New(s, mem, &fakeLogbook{}, fakeActors{known: true}, card.DefaultLimits())

	res, err := g.StoreCard(context.Background(), StoreRequest{ProjectKey: "proj", ActorUserID: "alice", TargetSpace: "team:infra", Card: testCard()})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "deferred", res.Action)
	assert.Equal(t, int64(1), res.OutboxID)

	require.Len(t, s.audits, 1)
	assert.Equal(t, store.AuditRedirect, s.audits[0].Action)
	require.NotNil(t, s.audits[0].EvidenceRefs.OutboxID)
	assert.Equal(t, res.OutboxID, *s.audits[0].EvidenceRefs.OutboxID, "audit row must embed the outbox_id from the same failure")
}

func TestStoreCard_EnqueueFailureIsFatal(t *testing.T) {
	s := &fakeStore{settings: settingsPtr(store.DefaultPolicySettings("proj")), enqueueErr: errors.New("db down")}
	mem := &fakeMemory{storeErr: errors.New("connection refused")}
	g := New(s, mem, &fakeLogbook{}, fakeActors{known: true}, card.DefaultLimits())

	_, err := g.StoreCard(context.Background(), StoreRequest{ProjectKey: "proj", ActorUserID: "alice", TargetSpace: "team:infra", Card: testCard()})
	assert.Error(t, err)
}

// ============================================================================
// QUERY CARD — DEGRADED FALLBACK
// ============================================================================

func TestQueryCard_UsesExternalMemoryWhenHealthy(t *testing.T) {
	mem := &fakeMemory{searchHits: []string{"hit-1", "hit-2"}}
	g := New(&fakeStore{}, mem, &fakeLogbook{}, fakeActors{known: true}, card.DefaultLimits())

	res, err := g.QueryCard(context.Background(), "team:infra", "some query")
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, []string{"hit-1", "hit-2"}, res.Results)
}

func TestQueryCard_FallsBackToLogbookOnSearchFailure(t *testing.T) {
	mem := &fakeMemory{searchErr: errors.New("upstream unavailable")}
	logbook := &fakeLogbook{candidates: []string{"local-1"}}
	g := New(&fakeStore{}, mem, logbook, fakeActors{known: true}, card.DefaultLimits())

	res, err := g.QueryCard(context.Background(), "team:infra", "some query")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, "logbook.knowledge_candidates", res.FallbackUsed)
	assert.Equal(t, []string{"local-1"}, res.Results)
}

func settingsPtr(s store.PolicySettings) *store.PolicySettings { return &s }
