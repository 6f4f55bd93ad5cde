// Package syncengine runs one incremental sync invocation end to end
// (C7): claim the (repo_id, job_type) lease, load the cursor, fetch a
// bounded window of events from the source, dedupe/sort/truncate them
// against the watermark, persist rows, kick off materialization, and
// advance the cursor — all inside one open/close sync_runs bracket.
// The adaptive window controller (C8) lives alongside it in controller.go.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/onlyfeng/engram-sub002/internal/cursor"
	"github.com/onlyfeng/engram-sub002/internal/identity"
	"github.com/onlyfeng/engram-sub002/internal/materializer"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

// unrecoverableKinds mirrors §4.7's "unrecoverable errors" taxonomy:
// {rate_limited, timeout, server_error, 5xx, network_error} from the
// HTTP adapter, {timeout, auth_error} from the CLI adapter.
var unrecoverableKinds = map[string]bool{
	"rate_limited":   true,
	"timeout":        true,
	"server_error":   true,
	"http_error":     true,
	"network_error":  true,
	"auth_error":     true,
}

// Event is one source-agnostic commit/revision this package persists
// and materializes. SVN rows carry Rev and leave SHA empty; Git/GitLab
// rows carry SHA and leave Rev at zero.
type Event struct {
	TS            time.Time
	Rev           int64
	SHA           string
	Author        string
	Message       string
	IsMerge       bool
	ChangedPaths  int
	DiffSizeBytes int64
}

// FetchResult also carries whether the fetch saw an unrecoverable
// error and, if so, the last event successfully retrieved before it.
type FetchResult struct {
	Events          []Event
	Classified      string // "" on a clean fetch, else the error kind name
	ClassifiedMsg   string
}

// Source abstracts the SVN/GitLab adapters behind the shape the engine
// needs: a job type for lease/cursor keys, a source_type discriminator
// for patch_blob rows, and a windowed fetch.
type Source interface {
	JobType() string
	SourceType() string
	Fetch(ctx context.Context, repo *store.Repo, window cursor.Window) FetchResult
}

// Locker is satisfied by lease.Manager (Redis-backed) or a thin
// wrapper around store.Store's relational fallback.
type Locker interface {
	Claim(ctx context.Context, repoID int64, jobType, workerID string, ttl time.Duration) error
	Release(ctx context.Context, repoID int64, jobType, workerID string) error
}

// Store is the persistence surface syncengine needs beyond cursor.Store.
type Store interface {
	cursor.Store
	GetRepo(ctx context.Context, repoID int64) (*store.Repo, error)
	OpenSyncRun(ctx context.Context, run store.SyncRun) error
	CloseSyncRun(ctx context.Context, runID string, status store.SyncRunStatus, counts, cursorBefore, cursorAfter, degradation json.RawMessage, errSummary *string) error
	UpsertSvnRevision(ctx context.Context, r store.SvnRevision) error
	UpsertGitCommit(ctx context.Context, c store.GitCommit) error
	CreatePatchBlob(ctx context.Context, sourceType, sourceID string, format store.BlobFormat) (int64, error)
	UpdatePatchBlobFormat(ctx context.Context, blobID int64, format store.BlobFormat) error
}

type Thresholds struct {
	GitTotalChangesThreshold int
	GitFilesChangedThreshold int
	SVNChangedPathsThreshold int
	DiffSizeThresholdBytes   int64
}

// Materializer is the narrow surface RunOnce needs from
// materializer.Materializer, declared here so tests can inject a fake
// and drive per-event materialize failures without a real artifact
// store or SCM fetcher.
type Materializer interface {
	MaterializeOne(ctx context.Context, blobID int64) materializer.Result
}

type Engine struct {
	store        Store
	locker       Locker
	materializer Materializer
	workerID     string
	leaseSeconds int
	thresholds   Thresholds
}

func New(s Store, locker Locker, m Materializer, workerID string, leaseSeconds int, thresholds Thresholds) *Engine {
	return &Engine{store: s, locker: locker, materializer: m, workerID: workerID, leaseSeconds: leaseSeconds, thresholds: thresholds}
}

// Outcome feeds the adaptive controller (C8): whether this batch hit
// an unrecoverable error, and how many clean commits it persisted.
type Outcome struct {
	Skipped         bool
	RunID           string
	Status          store.SyncRunStatus
	SyncedCount     int
	RateLimited     bool
	CleanCommitCount int
}

// RunOnce executes one full invocation of the pipeline in §4.6 for
// (repo.RepoID, source.JobType()), within one acquire/release of the
// exclusive lease. strict is independent of diffMode: diffMode picks
// what a failed materialization degrades to (best_effort) or whether
// materialization runs at all (none), while strict picks whether a
// materialize failure halts cursor advancement for the whole batch.
func (e *Engine) RunOnce(ctx context.Context, source Source, repoID int64, window Window, diffMode string, strict bool, batchSize int) (Outcome, error) {
	jobType := source.JobType()

	if err := e.locker.Claim(ctx, repoID, jobType, e.workerID, time.Duration(e.leaseSeconds)*time.Second); err != nil {
		return Outcome{Skipped: true}, nil
	}
	defer e.locker.Release(ctx, repoID, jobType, e.workerID)

	runID := uuid.New().String()
	now := time.Now()

	cur, fetchWindow, err := cursor.Load(ctx, e.store, repoID, jobType, window.ForwardWindow(), window.Overlap, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("syncengine: load cursor: %w", err)
	}
	cursorBefore, _ := json.Marshal(cur)

	if err := e.store.OpenSyncRun(ctx, store.SyncRun{RunID: runID, RepoID: repoID, JobType: jobType, Mode: "incremental", StartedAt: now}); err != nil {
		return Outcome{}, fmt.Errorf("syncengine: open sync run: %w", err)
	}

	repo, err := e.store.GetRepo(ctx, repoID)
	if err != nil || repo == nil {
		e.closeFailed(ctx, runID, cursorBefore, fmt.Sprintf("repo %d not found: %v", repoID, err))
		return Outcome{}, fmt.Errorf("syncengine: get repo %d: %w", repoID, err)
	}

	fetched := source.Fetch(ctx, repo, fetchWindow)
	events := dedupeAndFilter(fetched.Events, cur)
	sortAscending(events)
	truncated := false
	if len(events) > batchSize {
		events = events[:batchSize]
		truncated = true
	}

	persistedCount := 0
	var lastEvent *Event
	var stoppedAt *Event
	degraded := false
	degradeReasons := map[string]bool{}
	missingTypes := map[string]bool{}

	for i := range events {
		ev := &events[i]
		blobID, err := e.persist(ctx, repo, source.SourceType(), *ev, diffMode)
		if err != nil {
			continue
		}
		persistedCount++
		lastEvent = ev

		if diffMode == "none" || blobID == 0 || e.materializer == nil {
			continue
		}
		result := e.materializer.MaterializeOne(ctx, blobID)
		if result.Status != "failed" {
			continue
		}

		if strict {
			// strict mode: stop cursor advancement at the last event
			// that materialized cleanly; the run still completes.
			stoppedAt = ev
			lastEvent = priorEvent(events, i)
			persistedCount--
			break
		}

		reason := result.ErrorCategory
		if reason == "" {
			reason = "unknown"
		}

		if diffMode == "best_effort" {
			if downErr := e.store.UpdatePatchBlobFormat(ctx, blobID, store.FormatMinistat); downErr == nil {
				if retry := e.materializer.MaterializeOne(ctx, blobID); retry.Status == "done" {
					degraded = true
					degradeReasons[reason] = true
					continue
				}
			}
		}

		// Unrecoverable even after a best_effort downgrade attempt (or no
		// downgrade available under diff_mode=always): the revision/commit
		// row is already persisted, so cursor advancement continues past
		// it, but its diff content is permanently missing from this run.
		missingTypes[source.SourceType()] = true
	}

	status := store.SyncRunCompleted
	errSummary := (*string)(nil)
	if len(events) == 0 {
		status = store.SyncRunNoData
	}
	if fetched.Classified != "" && unrecoverableKinds[fetched.Classified] {
		status = store.SyncRunFailed
		msg := fmt.Sprintf("%s: %s", fetched.Classified, fetched.ClassifiedMsg)
		errSummary = &msg
	}

	advanced := false
	if lastEvent != nil {
		target := cursor.PickTarget(repoID, jobType, lastEvent.TS, revPtr(lastEvent), shaPtr(lastEvent), persistedCount)
		advanced, err = cursor.Save(ctx, e.store, target)
		if err != nil {
			return Outcome{}, fmt.Errorf("syncengine: save cursor: %w", err)
		}
	}

	counts, _ := json.Marshal(map[string]int{"fetched": len(fetched.Events), "persisted": persistedCount})
	degradation, _ := json.Marshal(buildDegradation(truncated, diffMode, strict, stoppedAt, degraded, degradeReasons, missingTypes))
	var cursorAfter json.RawMessage
	if advanced {
		newCur, _ := e.store.LoadCursor(ctx, repoID, jobType)
		cursorAfter, _ = json.Marshal(newCur)
	} else {
		cursorAfter = cursorBefore
	}
	if err := e.store.CloseSyncRun(ctx, runID, status, counts, cursorBefore, cursorAfter, degradation, errSummary); err != nil {
		return Outcome{}, fmt.Errorf("syncengine: close sync run: %w", err)
	}

	return Outcome{
		RunID:            runID,
		Status:           status,
		SyncedCount:      persistedCount,
		RateLimited:      fetched.Classified == "rate_limited" || fetched.Classified == "timeout",
		CleanCommitCount: persistedCount,
	}, nil
}

func (e *Engine) closeFailed(ctx context.Context, runID string, cursorBefore json.RawMessage, msg string) {
	_ = e.store.CloseSyncRun(ctx, runID, store.SyncRunFailed, nil, cursorBefore, cursorBefore, nil, &msg)
}

// persist upserts the revision/commit row, classifies it as bulk, and
// enqueues a patch_blob row for materialization — unless diffMode is
// "none", in which case patch_blob writes are skipped entirely (§4.7).
// Returns the new patch_blob's blob_id, or 0 when diffMode is "none".
func (e *Engine) persist(ctx context.Context, repo *store.Repo, sourceType string, ev Event, diffMode string) (int64, error) {
	isBulk, bulkReason := e.classifyBulk(sourceType, ev)

	var sourceID identity.SourceID
	var format store.BlobFormat
	if isBulk {
		format = store.FormatDiffstat
	} else {
		format = store.FormatDiff
	}

	switch sourceType {
	case "svn":
		sourceID = identity.NewSVNSourceID(repo.RepoID, ev.Rev)
		if err := e.store.UpsertSvnRevision(ctx, store.SvnRevision{
			RepoID: repo.RepoID, RevNum: ev.Rev, AuthorRaw: ev.Author, TS: ev.TS,
			Message: ev.Message, IsMerge: ev.IsMerge, IsBulk: isBulk, BulkReason: bulkReason,
			SourceID: sourceID.String(),
		}); err != nil {
			return 0, fmt.Errorf("syncengine: upsert svn revision: %w", err)
		}
	default:
		sourceID = identity.NewGitSourceID(repo.RepoID, ev.SHA)
		if err := e.store.UpsertGitCommit(ctx, store.GitCommit{
			RepoID: repo.RepoID, CommitSHA: ev.SHA, AuthorRaw: ev.Author, TS: ev.TS,
			Message: ev.Message, IsMerge: ev.IsMerge, IsBulk: isBulk, BulkReason: bulkReason,
			SourceID: sourceID.String(),
		}); err != nil {
			return 0, fmt.Errorf("syncengine: upsert git commit: %w", err)
		}
	}

	if diffMode == "none" {
		return 0, nil
	}
	blobID, err := e.store.CreatePatchBlob(ctx, sourceType, sourceID.String(), format)
	if err != nil {
		return 0, fmt.Errorf("syncengine: create patch blob: %w", err)
	}
	return blobID, nil
}

// priorEvent returns a pointer to the event immediately before events[i],
// or nil if i is the first event in the batch.
func priorEvent(events []Event, i int) *Event {
	if i == 0 {
		return nil
	}
	return &events[i-1]
}

// buildDegradation assembles the sync_runs.degradation JSON column: the
// batch-level truncation/mode flags plus, when applicable, strict mode's
// cursor_advance_stopped_at pointer and best_effort's degrade_reason /
// missing_types sets.
func buildDegradation(truncated bool, diffMode string, strict bool, stoppedAt *Event, degraded bool, degradeReasons, missingTypes map[string]bool) map[string]any {
	out := map[string]any{
		"truncated": truncated,
		"diff_mode": diffMode,
		"strict":    strict,
	}
	if stoppedAt != nil {
		stopped := map[string]any{"ts": stoppedAt.TS}
		if stoppedAt.Rev != 0 {
			stopped["rev"] = stoppedAt.Rev
		}
		if stoppedAt.SHA != "" {
			stopped["sha"] = stoppedAt.SHA
		}
		out["cursor_advance_stopped_at"] = stopped
	}
	if degraded {
		out["degraded"] = true
		out["degrade_reason"] = sortedKeys(degradeReasons)
	}
	if len(missingTypes) > 0 {
		out["missing_types"] = sortedKeys(missingTypes)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) classifyBulk(sourceType string, ev Event) (bool, *string) {
	reason := ""
	switch sourceType {
	case "svn":
		if ev.ChangedPaths > e.thresholds.SVNChangedPathsThreshold {
			reason = "changed_paths_count_exceeded"
		} else if ev.DiffSizeBytes > e.thresholds.DiffSizeThresholdBytes {
			reason = "diff_size_exceeded"
		}
	default:
		if ev.ChangedPaths > e.thresholds.GitFilesChangedThreshold {
			reason = "files_changed_exceeded"
		} else if ev.DiffSizeBytes > e.thresholds.DiffSizeThresholdBytes {
			reason = "diff_size_exceeded"
		}
	}
	if reason == "" {
		return false, nil
	}
	return true, &reason
}

func revPtr(ev *Event) *int64 {
	if ev.Rev == 0 {
		return nil
	}
	r := ev.Rev
	return &r
}

func shaPtr(ev *Event) *string {
	if ev.SHA == "" {
		return nil
	}
	s := ev.SHA
	return &s
}

// dedupeAndFilter collapses duplicate primary keys (a row fetched on
// two overlapping pages) and drops anything at or before the cursor's
// watermark (I3).
func dedupeAndFilter(events []Event, cur *store.Cursor) []Event {
	seen := make(map[string]bool, len(events))
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		key := fmt.Sprintf("%d:%s", ev.Rev, ev.SHA)
		if seen[key] {
			continue
		}
		seen[key] = true
		if cur != nil && cur.LastTS != nil && !afterWatermark(ev, *cur) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func afterWatermark(ev Event, cur store.Cursor) bool {
	if cur.LastTS == nil {
		return true
	}
	if ev.TS.After(*cur.LastTS) {
		return true
	}
	if ev.TS.Before(*cur.LastTS) {
		return false
	}
	// Same timestamp: tie-break on sha/rev lexicographically.
	evKey := ev.SHA
	if evKey == "" {
		evKey = fmt.Sprintf("%020d", ev.Rev)
	}
	curKey := ""
	if cur.LastSHA != nil {
		curKey = *cur.LastSHA
	} else if cur.LastRev != nil {
		curKey = fmt.Sprintf("%020d", *cur.LastRev)
	}
	return evKey > curKey
}

func sortAscending(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].TS.Equal(events[j].TS) {
			return events[i].TS.Before(events[j].TS)
		}
		ki, kj := events[i].SHA, events[j].SHA
		if ki == "" {
			ki = fmt.Sprintf("%020d", events[i].Rev)
		}
		if kj == "" {
			kj = fmt.Sprintf("%020d", events[j].Rev)
		}
		return ki < kj
	})
}

// Window bundles the caller-tunable knobs the adaptive controller (C8)
// adjusts between invocations.
type Window struct {
	ForwardWindowSeconds int
	Overlap              time.Duration
}

func (w Window) ForwardWindow() time.Duration {
	return time.Duration(w.ForwardWindowSeconds) * time.Second
}
