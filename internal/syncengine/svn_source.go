package syncengine

import (
	"context"

	"github.com/onlyfeng/engram-sub002/internal/cursor"
	"github.com/onlyfeng/engram-sub002/internal/scmsvn"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

// SVNSource adapts scmsvn.Client to the Source interface.
type SVNSource struct {
	client *scmsvn.Client
}

func NewSVNSource(client *scmsvn.Client) *SVNSource {
	return &SVNSource{client: client}
}

func (s *SVNSource) JobType() string    { return "svn_sync" }
func (s *SVNSource) SourceType() string { return "svn" }

func (s *SVNSource) Fetch(ctx context.Context, repo *store.Repo, window cursor.Window) FetchResult {
	fromRev := int64(0)
	if window.FromRev != nil {
		fromRev = *window.FromRev
	}
	revisions, classified := s.client.Log(ctx, repo.CanonicalURL, fromRev)
	if !classified.Success {
		return FetchResult{Classified: string(classified.Kind), ClassifiedMsg: classified.Message}
	}

	events := make([]Event, 0, len(revisions))
	for _, r := range revisions {
		if r.Date.After(window.ToTS) {
			continue
		}
		events = append(events, Event{
			TS:           r.Date,
			Rev:          r.RevNum,
			Author:       r.Author,
			Message:      r.Message,
			IsMerge:      r.IsMerge,
			ChangedPaths: r.PathCount,
		})
	}
	return FetchResult{Events: events}
}
