package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onlyfeng/engram-sub002/internal/cursor"
	"github.com/onlyfeng/engram-sub002/internal/materializer"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeLocker struct {
	claimErr error
	released bool
}

func (f *fakeLocker) Claim(ctx context.Context, repoID int64, jobType, workerID string, ttl time.Duration) error {
	return f.claimErr
}

func (f *fakeLocker) Release(ctx context.Context, repoID int64, jobType, workerID string) error {
	f.released = true
	return nil
}

type fakeStore struct {
	cur          *store.Cursor
	repo         *store.Repo
	savedCursor  store.Cursor
	closedRuns   []closedRun
	blobIDSeq    int64
	downgraded   []int64
	downgradeErr error
}

type closedRun struct {
	status      store.SyncRunStatus
	degradation json.RawMessage
}

func (f *fakeStore) LoadCursor(ctx context.Context, repoID int64, jobType string) (*store.Cursor, error) {
	return f.cur, nil
}

func (f *fakeStore) SaveCursor(ctx context.Context, target store.Cursor) error {
	f.savedCursor = target
	return nil
}

func (f *fakeStore) GetRepo(ctx context.Context, repoID int64) (*store.Repo, error) {
	return f.repo, nil
}

func (f *fakeStore) OpenSyncRun(ctx context.Context, run store.SyncRun) error { return nil }

func (f *fakeStore) CloseSyncRun(ctx context.Context, runID string, status store.SyncRunStatus, counts, cursorBefore, cursorAfter, degradation json.RawMessage, errSummary *string) error {
	f.closedRuns = append(f.closedRuns, closedRun{status: status, degradation: degradation})
	return nil
}

func (f *fakeStore) UpsertSvnRevision(ctx context.Context, r store.SvnRevision) error { return nil }
func (f *fakeStore) UpsertGitCommit(ctx context.Context, c store.GitCommit) error     { return nil }

func (f *fakeStore) CreatePatchBlob(ctx context.Context, sourceType, sourceID string, format store.BlobFormat) (int64, error) {
	f.blobIDSeq++
	return f.blobIDSeq, nil
}

func (f *fakeStore) UpdatePatchBlobFormat(ctx context.Context, blobID int64, format store.BlobFormat) error {
	f.downgraded = append(f.downgraded, blobID)
	return f.downgradeErr
}

type fakeSource struct {
	jobType    string
	sourceType string
	result     FetchResult
}

func (f *fakeSource) JobType() string    { return f.jobType }
func (f *fakeSource) SourceType() string { return f.sourceType }
func (f *fakeSource) Fetch(ctx context.Context, repo *store.Repo, window cursor.Window) FetchResult {
	return f.result
}

// fakeMaterializer drives mid-batch materialize failures without a real
// artifact store or SCM fetcher: each blob_id gets its own queue of
// results, one per MaterializeOne call; an empty queue means "done".
type fakeMaterializer struct {
	results map[int64][]materializer.Result
}

func (f *fakeMaterializer) MaterializeOne(ctx context.Context, blobID int64) materializer.Result {
	q := f.results[blobID]
	if len(q) == 0 {
		return materializer.Result{BlobID: blobID, Status: "done"}
	}
	f.results[blobID] = q[1:]
	return q[0]
}

func baseRepo() *store.Repo {
	return &store.Repo{RepoID: 1, RepoType: store.RepoTypeGit, CanonicalURL: "https://gitlab.example.com/a/1"}
}

// ============================================================================
// RUN ONCE — LEASE CONTENTION
// ============================================================================

func TestRunOnce_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	s := &fakeStore{repo: baseRepo()}
	locker := &fakeLocker{claimErr: assert.AnError}
	src := &fakeSource{jobType: "sync", sourceType: "git"}
	e := New(s, locker, nil, "worker-1", 60, Thresholds{})

	outcome, err := e.RunOnce(context.Background(), src, 1, Window{ForwardWindowSeconds: 60}, "best_effort", false, 100)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
}

// ============================================================================
// RUN ONCE — CLEAN BATCH ADVANCES CURSOR
// ============================================================================

func TestRunOnce_PersistsAndAdvancesCursor(t *testing.T) {
	s := &fakeStore{repo: baseRepo()}
	locker := &fakeLocker{}
	events := []Event{
		{TS: time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC), SHA: "aaa1111"},
		{TS: time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC), SHA: "bbb2222"},
	}
	src := &fakeSource{jobType: "sync", sourceType: "git", result: FetchResult{Events: events}}
	e := New(s, locker, nil, "worker-1", 60, Thresholds{})

	outcome, err := e.RunOnce(context.Background(), src, 1, Window{ForwardWindowSeconds: 60}, "none", false, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.SyncedCount)
	assert.Equal(t, store.SyncRunCompleted, outcome.Status)
	assert.Equal(t, "bbb2222", *s.savedCursor.LastSHA)
	assert.True(t, locker.released)
}

// ============================================================================
// RUN ONCE — NO DATA
// ============================================================================

func TestRunOnce_NoEventsReportsNoData(t *testing.T) {
	s := &fakeStore{repo: baseRepo()}
	locker := &fakeLocker{}
	src := &fakeSource{jobType: "sync", sourceType: "git", result: FetchResult{}}
	e := New(s, locker, nil, "worker-1", 60, Thresholds{})

	outcome, err := e.RunOnce(context.Background(), src, 1, Window{ForwardWindowSeconds: 60}, "none", false, 100)
	require.NoError(t, err)
	assert.Equal(t, store.SyncRunNoData, outcome.Status)
}

// ============================================================================
// RUN ONCE — UNRECOVERABLE FETCH ERROR
// ============================================================================

func TestRunOnce_UnrecoverableFetchErrorMarksFailed(t *testing.T) {
	s := &fakeStore{repo: baseRepo()}
	locker := &fakeLocker{}
	src := &fakeSource{jobType: "sync", sourceType: "git", result: FetchResult{Classified: "rate_limited", ClassifiedMsg: "429"}}
	e := New(s, locker, nil, "worker-1", 60, Thresholds{})

	outcome, err := e.RunOnce(context.Background(), src, 1, Window{ForwardWindowSeconds: 60}, "none", false, 100)
	require.NoError(t, err)
	assert.Equal(t, store.SyncRunFailed, outcome.Status)
	assert.True(t, outcome.RateLimited)
	require.Len(t, s.closedRuns, 1)
	assert.Equal(t, store.SyncRunFailed, s.closedRuns[0].status)
}

// ============================================================================
// RUN ONCE — BATCH TRUNCATION
// ============================================================================

func TestRunOnce_TruncatesToBatchSize(t *testing.T) {
	s := &fakeStore{repo: baseRepo()}
	locker := &fakeLocker{}
	events := make([]Event, 0, 5)
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		events = append(events, Event{TS: base.Add(time.Duration(i) * time.Minute), SHA: "sha" + string(rune('a'+i))})
	}
	src := &fakeSource{jobType: "sync", sourceType: "git", result: FetchResult{Events: events}}
	e := New(s, locker, nil, "worker-1", 60, Thresholds{})

	outcome, err := e.RunOnce(context.Background(), src, 1, Window{ForwardWindowSeconds: 60}, "none", false, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.SyncedCount)
}

// ============================================================================
// RUN ONCE — BEST_EFFORT DEGRADATION (mid-batch materialize failures)
// ============================================================================

func twoEventBatch() []Event {
	return []Event{
		{TS: time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC), SHA: "aaa1111"},
		{TS: time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC), SHA: "bbb2222"},
	}
}

func TestRunOnce_BestEffortDowngradesFailingEventToMinistat(t *testing.T) {
	s := &fakeStore{repo: baseRepo()}
	locker := &fakeLocker{}
	src := &fakeSource{jobType: "sync", sourceType: "git", result: FetchResult{Events: twoEventBatch()}}
	mat := &fakeMaterializer{results: map[int64][]materializer.Result{
		1: {{Status: "failed", ErrorCategory: "network_error"}, {Status: "done"}},
	}}
	e := New(s, locker, mat, "worker-1", 60, Thresholds{})

	outcome, err := e.RunOnce(context.Background(), src, 1, Window{ForwardWindowSeconds: 60}, "best_effort", false, 100)
	require.NoError(t, err)
	assert.Equal(t, store.SyncRunCompleted, outcome.Status)
	assert.Equal(t, 2, outcome.SyncedCount)
	assert.Equal(t, []int64{1}, s.downgraded)
	assert.Equal(t, "bbb2222", *s.savedCursor.LastSHA)

	require.Len(t, s.closedRuns, 1)
	var degradation map[string]any
	require.NoError(t, json.Unmarshal(s.closedRuns[0].degradation, &degradation))
	assert.Equal(t, true, degradation["degraded"])
	assert.Equal(t, []any{"network_error"}, degradation["degrade_reason"])
	assert.Nil(t, degradation["missing_types"])
}

func TestRunOnce_BestEffortUnrecoverableAdvancesAndRecordsMissingTypes(t *testing.T) {
	s := &fakeStore{repo: baseRepo()}
	locker := &fakeLocker{}
	src := &fakeSource{jobType: "sync", sourceType: "git", result: FetchResult{Events: twoEventBatch()}}
	mat := &fakeMaterializer{results: map[int64][]materializer.Result{
		1: {{Status: "failed", ErrorCategory: "server_error"}, {Status: "failed", ErrorCategory: "server_error"}},
	}}
	e := New(s, locker, mat, "worker-1", 60, Thresholds{})

	outcome, err := e.RunOnce(context.Background(), src, 1, Window{ForwardWindowSeconds: 60}, "best_effort", false, 100)
	require.NoError(t, err)
	assert.Equal(t, store.SyncRunCompleted, outcome.Status)
	assert.Equal(t, 2, outcome.SyncedCount, "both revisions are persisted even though the first's diff is missing")
	assert.Equal(t, "bbb2222", *s.savedCursor.LastSHA, "cursor advances past the degraded event to the batch's last event")

	require.Len(t, s.closedRuns, 1)
	var degradation map[string]any
	require.NoError(t, json.Unmarshal(s.closedRuns[0].degradation, &degradation))
	assert.Equal(t, []any{"git"}, degradation["missing_types"])
}

// ============================================================================
// RUN ONCE — STRICT MODE (independent of diff_mode)
// ============================================================================

func TestRunOnce_StrictModeStopsCursorAtLastCleanEventButCompletes(t *testing.T) {
	s := &fakeStore{repo: baseRepo()}
	locker := &fakeLocker{}
	src := &fakeSource{jobType: "sync", sourceType: "git", result: FetchResult{Events: twoEventBatch()}}
	mat := &fakeMaterializer{results: map[int64][]materializer.Result{
		2: {{Status: "failed", ErrorCategory: "timeout"}},
	}}
	e := New(s, locker, mat, "worker-1", 60, Thresholds{})

	outcome, err := e.RunOnce(context.Background(), src, 1, Window{ForwardWindowSeconds: 60}, "always", true, 100)
	require.NoError(t, err)
	assert.Equal(t, store.SyncRunCompleted, outcome.Status, "a strict-mode mid-batch failure still completes the run")
	assert.Equal(t, 1, outcome.SyncedCount, "only the first event materialized before the stop")
	assert.Equal(t, "aaa1111", *s.savedCursor.LastSHA, "cursor stops at the last cleanly materialized event")
	assert.Empty(t, s.downgraded, "strict mode never attempts a best_effort downgrade")

	require.Len(t, s.closedRuns, 1)
	var degradation map[string]any
	require.NoError(t, json.Unmarshal(s.closedRuns[0].degradation, &degradation))
	stopped := degradation["cursor_advance_stopped_at"].(map[string]any)
	assert.Equal(t, "bbb2222", stopped["sha"])
}

// ============================================================================
// DEDUPE AND FILTER
// ============================================================================

func TestDedupeAndFilter_RemovesDuplicateKeys(t *testing.T) {
	events := []Event{
		{SHA: "a", TS: time.Unix(100, 0)},
		{SHA: "a", TS: time.Unix(100, 0)},
		{SHA: "b", TS: time.Unix(200, 0)},
	}
	out := dedupeAndFilter(events, nil)
	assert.Len(t, out, 2)
}

func TestDedupeAndFilter_DropsAtOrBeforeWatermark(t *testing.T) {
	last := time.Unix(200, 0)
	lastSHA := "b"
	cur := &store.Cursor{LastTS: &last, LastSHA: &lastSHA}

	events := []Event{
		{SHA: "a", TS: time.Unix(100, 0)}, // before watermark
		{SHA: "b", TS: time.Unix(200, 0)}, // equal ts, equal/lesser sha
		{SHA: "c", TS: time.Unix(200, 0)}, // equal ts, greater sha
		{SHA: "d", TS: time.Unix(300, 0)}, // after watermark
	}
	out := dedupeAndFilter(events, cur)

	var shas []string
	for _, e := range out {
		shas = append(shas, e.SHA)
	}
	assert.Equal(t, []string{"c", "d"}, shas)
}

// ============================================================================
// SORT ASCENDING
// ============================================================================

func TestSortAscending_OrdersByTimeThenKey(t *testing.T) {
	events := []Event{
		{SHA: "z", TS: time.Unix(100, 0)},
		{SHA: "a", TS: time.Unix(50, 0)},
		{Rev: 5, TS: time.Unix(50, 0)},
	}
	sortAscending(events)

	assert.Equal(t, int64(5), events[0].Rev)
	assert.Equal(t, "a", events[1].SHA)
	assert.Equal(t, "z", events[2].SHA)
}

// ============================================================================
// ADAPTIVE CONTROLLER
// ============================================================================

func TestAdaptiveState_RateLimitedShrinksWindow(t *testing.T) {
	s := NewAdaptiveState(3600, 100, "always")
	cfg := ControllerConfig{MinForwardWindowSeconds: 60, MaxForwardWindowSeconds: 7200, ShrinkFactor: 0.5, GrowFactor: 1.5, DemoteAfterConsecutive429: 3}

	next := s.Advance(Outcome{RateLimited: true}, cfg)
	assert.Equal(t, 1800, next.ForwardWindowSeconds)
	assert.Equal(t, 50, next.BatchSize)
	assert.Equal(t, "always", next.DiffMode, "must not demote before reaching the consecutive-429 threshold")
}

func TestAdaptiveState_DemotesAfterConsecutive429s(t *testing.T) {
	s := NewAdaptiveState(3600, 100, "always")
	cfg := ControllerConfig{MinForwardWindowSeconds: 60, MaxForwardWindowSeconds: 7200, ShrinkFactor: 0.5, GrowFactor: 1.5, DemoteAfterConsecutive429: 2}

	s = s.Advance(Outcome{RateLimited: true}, cfg)
	s = s.Advance(Outcome{RateLimited: true}, cfg)
	assert.Equal(t, "best_effort", s.DiffMode)
}

func TestAdaptiveState_GrowsWindowAboveCommitThreshold(t *testing.T) {
	s := NewAdaptiveState(600, 50, "best_effort")
	cfg := ControllerConfig{MaxForwardWindowSeconds: 7200, GrowFactor: 2, AdaptiveCommitThreshold: 10}

	next := s.Advance(Outcome{CleanCommitCount: 20}, cfg)
	assert.Equal(t, 1200, next.ForwardWindowSeconds)
}

func TestAdaptiveState_StaysFlatBelowCommitThreshold(t *testing.T) {
	s := NewAdaptiveState(600, 50, "best_effort")
	cfg := ControllerConfig{MaxForwardWindowSeconds: 7200, GrowFactor: 2, AdaptiveCommitThreshold: 10}

	next := s.Advance(Outcome{CleanCommitCount: 1}, cfg)
	assert.Equal(t, 600, next.ForwardWindowSeconds)
}

func TestAdaptiveState_GrowCapsAtMax(t *testing.T) {
	s := NewAdaptiveState(5000, 50, "best_effort")
	cfg := ControllerConfig{MaxForwardWindowSeconds: 7200, GrowFactor: 3, AdaptiveCommitThreshold: 1}

	next := s.Advance(Outcome{CleanCommitCount: 5}, cfg)
	assert.Equal(t, 7200, next.ForwardWindowSeconds)
}
