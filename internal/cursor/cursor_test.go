package cursor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onlyfeng/engram-sub002/internal/store"
)

// fakeStore is an in-memory stand-in for store.Store, scoped to the
// two methods the Store interface above names.
type fakeStore struct {
	cur      *store.Cursor
	saveErr  error
	lastSave store.Cursor
}

func (f *fakeStore) LoadCursor(ctx context.Context, repoID int64, jobType string) (*store.Cursor, error) {
	return f.cur, nil
}

func (f *fakeStore) SaveCursor(ctx context.Context, target store.Cursor) error {
	f.lastSave = target
	return f.saveErr
}

// ============================================================================
// LOAD — FIRST SYNC
// ============================================================================

func TestLoad_FirstSyncHasNoLowerBound(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	f := &fakeStore{cur: nil}

	cur, win, err := Load(context.Background(), f, 1, "sync", time.Hour, time.Minute, now)
	require.NoError(t, err)
	assert.Nil(t, cur)
	assert.Nil(t, win.FromTS)
	assert.Equal(t, now.Add(time.Hour), win.ToTS)
}

// ============================================================================
// LOAD — RESUME WITH OVERLAP
// ============================================================================

func TestLoad_ResumeAppliesOverlap(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	lastTS := now.Add(-2 * time.Hour)
	rev := int64(77)
	sha := "abc1234"
	f := &fakeStore{cur: &store.Cursor{RepoID: 1, JobType: "sync", LastTS: &lastTS, LastRev: &rev, LastSHA: &sha}}

	cur, win, err := Load(context.Background(), f, 1, "sync", time.Hour, 5*time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, cur)
	require.NotNil(t, win.FromTS)
	assert.Equal(t, lastTS.Add(-5*time.Minute), *win.FromTS)
	assert.Equal(t, now.Add(time.Hour), win.ToTS)
	assert.Equal(t, &rev, win.FromRev)
	assert.Equal(t, &sha, win.FromSHA)
}

// ============================================================================
// PICK TARGET
// ============================================================================

func TestPickTarget(t *testing.T) {
	lastTS := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	rev := int64(5)

	target := PickTarget(1, "sync", lastTS, &rev, nil, 12)
	assert.Equal(t, int64(1), target.RepoID)
	assert.Equal(t, "sync", target.JobType)
	require.NotNil(t, target.LastTS)
	assert.Equal(t, lastTS, *target.LastTS)
	assert.Equal(t, &rev, target.LastRev)
	assert.Equal(t, 12, target.LastSyncCount)
}

// ============================================================================
// SAVE — WATERMARK UNCHANGED IS A NO-OP, NOT AN ERROR
// ============================================================================

func TestSave_Advances(t *testing.T) {
	f := &fakeStore{}
	target := store.Cursor{RepoID: 1, JobType: "sync"}

	advanced, err := Save(context.Background(), f, target)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, target, f.lastSave)
}

func TestSave_WatermarkUnchangedIsNotAnError(t *testing.T) {
	f := &fakeStore{saveErr: store.ErrWatermarkUnchanged}

	advanced, err := Save(context.Background(), f, store.Cursor{RepoID: 1, JobType: "sync"})
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestSave_OtherErrorsPropagate(t *testing.T) {
	boom := assert.AnError
	f := &fakeStore{saveErr: boom}

	advanced, err := Save(context.Background(), f, store.Cursor{RepoID: 1, JobType: "sync"})
	assert.Error(t, err)
	assert.False(t, advanced)
}
