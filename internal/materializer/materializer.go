// Package materializer implements patch-blob materialization (C6): for
// each pending or previously-failed patch_blob row, fetch its diff from
// the originating SVN/GitLab source, derive the requested format
// (diff/diffstat/ministat), write it into the content-addressed artifact
// store, and safely update the row only when the computed sha256 agrees
// with whatever the row already expected.
package materializer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/onlyfeng/engram-sub002/internal/artifact"
	"github.com/onlyfeng/engram-sub002/internal/identity"
	"github.com/onlyfeng/engram-sub002/internal/resilience"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

// ShaMismatchPolicy controls what happens when the freshly fetched
// content's sha256 disagrees with the sha256 already recorded on the
// patch_blob row.
type ShaMismatchPolicy string

const (
	// ShaMismatchStrict marks the blob failed and writes nothing.
	ShaMismatchStrict ShaMismatchPolicy = "strict"
	// ShaMismatchMirror writes the fetched content under its actual
	// sha256 as a side artifact (mirror_uri) while still marking the
	// row failed, so the divergent content is inspectable later.
	ShaMismatchMirror ShaMismatchPolicy = "mirror"
)

// SVNFetcher and GitLabFetcher are the narrow surfaces materializer
// needs from scmsvn.Client / scmgitlab.Client — declared here rather
// than imported directly so this package can be tested without shelling
// out to svn or reaching the network.
type SVNFetcher interface {
	Diff(ctx context.Context, repoURL string, rev int64) ([]byte, resilience.Classified)
}

type GitLabFetcher interface {
	GetCommitDiffSafe(ctx context.Context, projectID int64, sha string, maxBytes int64) ([]byte, resilience.Classified)
}

// Store is the persistence surface this package needs from store.Store.
type Store interface {
	ClaimForMaterialize(ctx context.Context, blobID int64) (bool, error)
	GetPatchBlob(ctx context.Context, blobID int64) (*store.PatchBlob, error)
	GetRepo(ctx context.Context, repoID int64) (*store.Repo, error)
	MarkFailed(ctx context.Context, blobID int64, category, lastErr, lastEndpoint string) error
	MarkFailedWithMirror(ctx context.Context, blobID int64, mirrorURI, actualSHA256 string) error
	CompleteMaterialize(ctx context.Context, blobID int64, expectedSHA *string, uri, sha256, evidenceURI string, size int64) (bool, error)
	PendingPatchBlobs(ctx context.Context, limit int) ([]store.PatchBlob, error)
}

type Materializer struct {
	store       Store
	artifacts   artifact.Store
	svn         SVNFetcher
	gitlab      GitLabFetcher
	projectKey  string
	maxBytes    int64
	shaMismatch ShaMismatchPolicy
	// gitlabProjectID resolves a repo's canonical_url to the numeric
	// GitLab project id the API expects; repos sourced from SVN never
	// call it.
	gitlabProjectID func(repoURL string) (int64, error)
}

func New(s Store, artifacts artifact.Store, svn SVNFetcher, gitlab GitLabFetcher, projectKey string, maxBytes int64, shaMismatch ShaMismatchPolicy, gitlabProjectID func(string) (int64, error)) *Materializer {
	return &Materializer{
		store: s, artifacts: artifacts, svn: svn, gitlab: gitlab,
		projectKey: projectKey, maxBytes: maxBytes, shaMismatch: shaMismatch,
		gitlabProjectID: gitlabProjectID,
	}
}

// Result mirrors MaterializeResult from the grounding script.
type Result struct {
	BlobID        int64
	Status        string // done | failed | skipped
	URI           string
	SHA256        string
	SizeBytes     int64
	Error         string
	ErrorCategory string
}

// MaterializeOne runs the full 11-step algorithm for a single blob_id.
func (m *Materializer) MaterializeOne(ctx context.Context, blobID int64) Result {
	// Step 1: claim. Someone else may have raced us to 'in_progress' or
	// 'done'; losing the claim is success-shaped (nothing to do), not a
	// failure.
	claimed, err := m.store.ClaimForMaterialize(ctx, blobID)
	if err != nil {
		return Result{BlobID: blobID, Status: "failed", Error: err.Error(), ErrorCategory: string(resilience.KindUnknown)}
	}
	if !claimed {
		return Result{BlobID: blobID, Status: "skipped"}
	}

	blob, err := m.store.GetPatchBlob(ctx, blobID)
	if err != nil || blob == nil {
		m.fail(ctx, blobID, "patch_blob row vanished after claim", "", string(resilience.KindUnknown))
		return Result{BlobID: blobID, Status: "failed", Error: "row not found after claim"}
	}

	// Step 3: parse source_id into (repo_id, rev_or_sha).
	sourceID, err := identity.ParseSourceID(blob.SourceID)
	if err != nil {
		m.fail(ctx, blobID, err.Error(), "", string(resilience.KindValidationError))
		return Result{BlobID: blobID, Status: "failed", Error: err.Error(), ErrorCategory: string(resilience.KindValidationError)}
	}

	// Step 4: repo lookup.
	repo, err := m.store.GetRepo(ctx, sourceID.RepoID)
	if err != nil {
		m.fail(ctx, blobID, err.Error(), "", string(resilience.KindUnknown))
		return Result{BlobID: blobID, Status: "failed", Error: err.Error()}
	}
	if repo == nil {
		msg := fmt.Sprintf("repo %d does not exist", sourceID.RepoID)
		m.fail(ctx, blobID, msg, "", string(resilience.KindValidationError))
		return Result{BlobID: blobID, Status: "failed", Error: msg, ErrorCategory: string(resilience.KindValidationError)}
	}

	// Step 5: fetch the raw diff.
	rawDiff, endpoint, classified := m.fetch(ctx, blob, sourceID, repo)
	if !classified.Success {
		m.fail(ctx, blobID, classified.Message, endpoint, string(classified.Kind))
		return Result{BlobID: blobID, Status: "failed", Error: classified.Message, ErrorCategory: string(classified.Kind)}
	}

	// Step 6: derive the requested format from the raw diff.
	content := deriveFormat(store.BlobFormat(blob.Format), rawDiff)

	// Step 7: size cap.
	if int64(len(content)) > m.maxBytes {
		msg := fmt.Sprintf("content %d bytes exceeds cap %d", len(content), m.maxBytes)
		m.fail(ctx, blobID, msg, endpoint, string(resilience.KindContentTooLarge))
		return Result{BlobID: blobID, Status: "failed", Error: msg, ErrorCategory: string(resilience.KindContentTooLarge)}
	}

	sum := sha256.Sum256(content)
	computedSHA := hex.EncodeToString(sum[:])

	// Step 8/9: sha256 agreement check against whatever the row already
	// expected (nil if this is the row's first-ever materialization).
	if blob.SHA256 != nil && *blob.SHA256 != computedSHA {
		return m.handleShaMismatch(ctx, blob, sourceID, computedSHA, content, endpoint)
	}

	// Step 10/11: write the artifact and complete the row under
	// check-and-set.
	return m.writeAndComplete(ctx, blob, sourceID, computedSHA, content)
}

func (m *Materializer) fetch(ctx context.Context, blob *store.PatchBlob, sourceID identity.SourceID, repo *store.Repo) ([]byte, string, resilience.Classified) {
	switch blob.SourceType {
	case "svn":
		rev, err := strconv.ParseInt(sourceID.Key, 10, 64)
		if err != nil {
			return nil, "", resilience.Classified{Success: false, Kind: resilience.KindValidationError, Message: err.Error()}
		}
		endpoint := fmt.Sprintf("svn diff -c %d", rev)
		data, classified := m.svn.Diff(ctx, repo.CanonicalURL, rev)
		return data, endpoint, classified
	case "git", "gitlab":
		projectID, err := m.gitlabProjectID(repo.CanonicalURL)
		if err != nil {
			return nil, "", resilience.Classified{Success: false, Kind: resilience.KindValidationError, Message: err.Error()}
		}
		endpoint := fmt.Sprintf("/projects/%d/repository/commits/%s/diff", projectID, sourceID.Key)
		data, classified := m.gitlab.GetCommitDiffSafe(ctx, projectID, sourceID.Key, m.maxBytes)
		return data, endpoint, classified
	default:
		return nil, "", resilience.Classified{Success: false, Kind: resilience.KindValidationError,
			Message: fmt.Sprintf("unsupported source_type %q", blob.SourceType)}
	}
}

func (m *Materializer) handleShaMismatch(ctx context.Context, blob *store.PatchBlob, sourceID identity.SourceID, computedSHA string, content []byte, endpoint string) Result {
	msg := fmt.Sprintf("sha256 mismatch: computed=%s expected=%s", computedSHA, *blob.SHA256)

	if m.shaMismatch == ShaMismatchStrict {
		m.fail(ctx, blob.BlobID, msg, endpoint, string(resilience.KindValidationError))
		return Result{BlobID: blob.BlobID, Status: "failed", SHA256: computedSHA, Error: msg, ErrorCategory: string(resilience.KindValidationError)}
	}

	// Mirror: persist under the actual sha256 as a side artifact, but
	// still mark the row failed — the expected sha256 it was created
	// against no longer matches reality.
	relPath, err := artifact.BuildPath(m.projectKey, sourceID.RepoID, blob.SourceType, revOrShaFor(blob.SourceType, sourceID.Key), computedSHA, extFor(store.BlobFormat(blob.Format)))
	if err != nil {
		m.fail(ctx, blob.BlobID, err.Error(), endpoint, string(resilience.KindValidationError))
		return Result{BlobID: blob.BlobID, Status: "failed", Error: err.Error()}
	}
	put, err := m.artifacts.Put(relPath, content)
	if err != nil {
		m.fail(ctx, blob.BlobID, err.Error(), endpoint, string(resilience.KindUnknown))
		return Result{BlobID: blob.BlobID, Status: "failed", Error: err.Error()}
	}
	if err := m.store.MarkFailedWithMirror(ctx, blob.BlobID, put.URI, computedSHA); err != nil {
		return Result{BlobID: blob.BlobID, Status: "failed", Error: err.Error()}
	}
	return Result{BlobID: blob.BlobID, Status: "failed", URI: put.URI, SHA256: computedSHA, SizeBytes: put.Size, Error: msg, ErrorCategory: string(resilience.KindValidationError)}
}

func (m *Materializer) writeAndComplete(ctx context.Context, blob *store.PatchBlob, sourceID identity.SourceID, computedSHA string, content []byte) Result {
	relPath, err := artifact.BuildPath(m.projectKey, sourceID.RepoID, blob.SourceType, revOrShaFor(blob.SourceType, sourceID.Key), computedSHA, extFor(store.BlobFormat(blob.Format)))
	if err != nil {
		m.fail(ctx, blob.BlobID, err.Error(), "", string(resilience.KindValidationError))
		return Result{BlobID: blob.BlobID, Status: "failed", Error: err.Error()}
	}
	put, err := m.artifacts.Put(relPath, content)
	if err != nil {
		m.fail(ctx, blob.BlobID, err.Error(), "", string(resilience.KindUnknown))
		return Result{BlobID: blob.BlobID, Status: "failed", Error: err.Error()}
	}
	evidenceURI := identity.PatchBlobEvidenceURI(blob.SourceType, sourceID, put.SHA256)

	ok, err := m.store.CompleteMaterialize(ctx, blob.BlobID, blob.SHA256, put.URI, put.SHA256, evidenceURI, put.Size)
	if err != nil {
		return Result{BlobID: blob.BlobID, Status: "failed", Error: err.Error()}
	}
	if !ok {
		msg := "concurrent update lost race; blob_id's expected sha256 changed before this write committed"
		return Result{BlobID: blob.BlobID, Status: "failed", URI: put.URI, SHA256: put.SHA256, SizeBytes: put.Size, Error: msg}
	}
	return Result{BlobID: blob.BlobID, Status: "done", URI: put.URI, SHA256: put.SHA256, SizeBytes: put.Size}
}

func (m *Materializer) fail(ctx context.Context, blobID int64, msg, endpoint, category string) {
	_ = m.store.MarkFailed(ctx, blobID, category, msg, endpoint)
}

// deriveFormat reduces the raw unified diff to the requested storage
// format. diffstat/ministat generation here is line-count based; the
// richer per-repo stats (git_commits.meta_json.stats, svn_revisions'
// changed_paths) are consulted by the sync pipeline when it first
// creates the patch_blob row, not re-derived here from the diff alone.
func deriveFormat(format store.BlobFormat, rawDiff []byte) []byte {
	switch format {
	case store.FormatDiff:
		return rawDiff
	case store.FormatDiffstat:
		return []byte(generateDiffstat(string(rawDiff)))
	case store.FormatMinistat:
		return []byte(generateMinistat(string(rawDiff)))
	default:
		return rawDiff
	}
}

// generateDiffstat produces a per-file +/- summary line, the same shape
// `svn diff --summarize`-style tooling emits.
func generateDiffstat(diff string) string {
	if strings.TrimSpace(diff) == "" {
		return ""
	}
	var sb strings.Builder
	var currentFile string
	adds, dels := 0, 0
	flush := func() {
		if currentFile != "" {
			fmt.Fprintf(&sb, "%s | +%d -%d\n", currentFile, adds, dels)
		}
	}
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "):
			flush()
			currentFile = strings.TrimPrefix(line, "+++ ")
			adds, dels = 0, 0
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			adds++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			dels++
		}
	}
	flush()
	return sb.String()
}

// generateMinistat produces a one-line aggregate summary.
func generateMinistat(diff string) string {
	adds, dels := 0, 0
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			adds++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			dels++
		}
	}
	return fmt.Sprintf("+%d -%d\n", adds, dels)
}

// revOrShaFor normalizes source_id's Key (a bare rev number for svn, a
// sha for git/gitlab) into the rev_or_sha path segment BuildPath wants.
func revOrShaFor(sourceType, key string) string {
	if sourceType == "svn" {
		return "r" + key
	}
	return key
}

func extFor(format store.BlobFormat) string {
	switch format {
	case store.FormatDiffstat:
		return artifact.ExtDiffstat
	case store.FormatMinistat:
		return artifact.ExtMinistat
	default:
		return artifact.ExtDiff
	}
}

// RunBatch materializes up to limit pending/failed blobs, continuing
// past individual failures so one bad row doesn't block the rest of the
// batch.
func (m *Materializer) RunBatch(ctx context.Context, limit int) ([]Result, error) {
	pending, err := m.store.PendingPatchBlobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("materializer: list pending: %w", err)
	}
	results := make([]Result, 0, len(pending))
	for _, blob := range pending {
		results = append(results, m.MaterializeOne(ctx, blob.BlobID))
	}
	return results, nil
}
