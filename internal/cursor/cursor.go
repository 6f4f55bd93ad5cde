// Package cursor is the thin domain wrapper around the per-(repo_id,
// job_type) watermark (C2). The monotonicity enforcement (I3) lives in
// store.Store.SaveCursor; this package adds the window-computation
// helpers the sync pipelines call between loading and saving a cursor.
package cursor

import (
	"context"
	"time"

	"github.com/onlyfeng/engram-sub002/internal/store"
)

type Store interface {
	LoadCursor(ctx context.Context, repoID int64, jobType string) (*store.Cursor, error)
	SaveCursor(ctx context.Context, target store.Cursor) error
}

// Window is the fetch window a sync run should request for this
// invocation, derived from the last saved cursor and the adaptive
// forward_window_seconds the degradation controller tunes.
type Window struct {
	// FromTS is the inclusive lower bound; nil means "from the
	// beginning" (first-ever sync for this repo/job_type).
	FromTS *time.Time
	ToTS   time.Time
	// FromRev/FromSHA seed the SVN/Git adapters' native pagination,
	// when the underlying tool supports resuming from an exact point
	// rather than a timestamp.
	FromRev *int64
	FromSHA *string
}

// Load fetches the current cursor (nil if this is the first sync) and
// computes the next fetch window, applying overlapSeconds of backward
// slack so a commit landing exactly at the boundary isn't missed.
func Load(ctx context.Context, s Store, repoID int64, jobType string, forwardWindow, overlap time.Duration, now time.Time) (*store.Cursor, Window, error) {
	cur, err := s.LoadCursor(ctx, repoID, jobType)
	if err != nil {
		return nil, Window{}, err
	}
	if cur == nil || cur.LastTS == nil {
		return cur, Window{ToTS: now.Add(forwardWindow)}, nil
	}
	from := cur.LastTS.Add(-overlap)
	return cur, Window{
		FromTS:  &from,
		ToTS:    now.Add(forwardWindow),
		FromRev: cur.LastRev,
		FromSHA: cur.LastSHA,
	}, nil
}

// PickTarget selects the new watermark from the batch just persisted:
// the (ts, sha-or-rev) pair of the chronologically last row, which
// store.SaveCursor will then only accept if it is strictly greater
// than the existing one (I3).
func PickTarget(repoID int64, jobType string, lastTS time.Time, lastRev *int64, lastSHA *string, syncedCount int) store.Cursor {
	return store.Cursor{
		RepoID:        repoID,
		JobType:       jobType,
		LastRev:       lastRev,
		LastSHA:       lastSHA,
		LastTS:        &lastTS,
		LastSyncAt:    time.Now(),
		LastSyncCount: syncedCount,
	}
}

// Save persists target, treating store.ErrWatermarkUnchanged as a
// non-error no-op: a concurrent or out-of-order run may compute a
// target that isn't strictly ahead of what's already saved, and that's
// an expected race outcome, not a failure.
func Save(ctx context.Context, s Store, target store.Cursor) (advanced bool, err error) {
	err = s.SaveCursor(ctx, target)
	if err == store.ErrWatermarkUnchanged {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
