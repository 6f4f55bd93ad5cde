package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onlyfeng/engram-sub002/internal/artifact"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeStore struct {
	blobs       []store.PatchBlob
	attachments []store.Attachment
	repos       []store.Repo
}

func (f *fakeStore) DoneBlobsSample(ctx context.Context, limit int) ([]store.PatchBlob, error) {
	return f.blobs, nil
}

func (f *fakeStore) AllAttachments(ctx context.Context, limit int) ([]store.Attachment, error) {
	return f.attachments, nil
}

func (f *fakeStore) ListRepos(ctx context.Context, repoType store.RepoType) ([]store.Repo, error) {
	return f.repos, nil
}

type fakeArtifacts struct {
	content map[string][]byte
	readErr error
}

func (f *fakeArtifacts) Put(relPath string, data []byte) (artifact.PutResult, error) {
	return artifact.PutResult{}, nil
}
func (f *fakeArtifacts) Exists(uri string) (bool, error) { return true, nil }
func (f *fakeArtifacts) Read(uri string) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.content[uri], nil
}
func (f *fakeArtifacts) Stat(uri string) (string, int64, error) { return "", 0, nil }

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// CLEAN SCAN
// ============================================================================

func TestScan_CleanBlobAndAttachmentYieldNoIssues(t *testing.T) {
	content := []byte("diff content")
	uri := "file://scm/proj/1/git/abc1234/" + sha(content) + ".diff"
	chunking := 1
	evidenceURI := "memory://patch_blobs/git/git:1:abc1234/" + sha(content)
	sum := sha(content)

	s := &fakeStore{
		blobs: []store.PatchBlob{{BlobID: 1, SourceID: "git:1:abc1234", URI: &uri, SHA256: &sum, EvidenceURI: &evidenceURI, ChunkingVersion: &chunking}},
		attachments: []store.Attachment{{AttachmentID: "att-1", URI: "memory://attachments/att-1/" + sha(content), SHA256: sum}},
		repos:       []store.Repo{{RepoID: 1, CanonicalURL: "https://scm.example.com/proj.git"}},
	}
	arts := &fakeArtifacts{content: map[string][]byte{uri: content, "memory://attachments/att-1/" + sha(content): content}}

	c := New(s, arts)
	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.BlobsScanned)
	assert.Equal(t, 1, report.AttachmentsScanned)
	assert.Empty(t, report.Issues)
}

// ============================================================================
// MISSING INDEX / EVIDENCE URI
// ============================================================================

func TestScan_FlagsMissingChunkingVersion(t *testing.T) {
	s := &fakeStore{blobs: []store.PatchBlob{{BlobID: 2}}}
	c := New(s, &fakeArtifacts{})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assertHasIssue(t, report.Issues, IssueMissingIndex)
	assertHasIssue(t, report.Issues, IssueMissingEvidenceURI)
}

// ============================================================================
// SCHEME VIOLATION
// ============================================================================

func TestScan_FlagsSchemeViolationOnBlob(t *testing.T) {
	chunking := 1
	wrongScopeURI := "memory://attachments/att-1/" + sha([]byte("x")) // attachments URI on a patch_blob row
	s := &fakeStore{blobs: []store.PatchBlob{{BlobID: 3, EvidenceURI: &wrongScopeURI, ChunkingVersion: &chunking}}}
	c := New(s, &fakeArtifacts{})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assertHasIssue(t, report.Issues, IssueSchemeViolation)
}

func TestScan_FlagsSchemeViolationOnAttachment(t *testing.T) {
	wrongScopeURI := "memory://patch_blobs/git/git:1:abc1234/" + sha([]byte("x"))
	s := &fakeStore{attachments: []store.Attachment{{AttachmentID: "att-9", URI: wrongScopeURI, SHA256: sha([]byte("x"))}}}
	c := New(s, &fakeArtifacts{readErr: errors.New("unused")})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assertHasIssue(t, report.Issues, IssueSchemeViolation)
}

// ============================================================================
// UNREADABLE ARTIFACT
// ============================================================================

func TestScan_FlagsUnreadableBlobArtifact(t *testing.T) {
	chunking := 1
	uri := "file://scm/proj/1/git/abc1234/deadbeef.diff"
	evidenceURI := "memory://patch_blobs/git/git:1:abc1234/" + sha([]byte("anything"))
	s := &fakeStore{blobs: []store.PatchBlob{{BlobID: 4, URI: &uri, EvidenceURI: &evidenceURI, ChunkingVersion: &chunking}}}
	c := New(s, &fakeArtifacts{readErr: errors.New("not found")})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assertHasIssue(t, report.Issues, IssueUnreadableArtifact)
}

func TestScan_FlagsUnreadableAttachment(t *testing.T) {
	s := &fakeStore{attachments: []store.Attachment{{AttachmentID: "att-2", URI: "memory://attachments/att-2/" + sha([]byte("x")), SHA256: sha([]byte("x"))}}}
	c := New(s, &fakeArtifacts{readErr: errors.New("missing")})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assertHasIssue(t, report.Issues, IssueAttachmentUnreadable)
}

// ============================================================================
// SHA MISMATCH
// ============================================================================

func TestScan_FlagsBlobSHAMismatch(t *testing.T) {
	chunking := 1
	content := []byte("actual content")
	wrongSHA := sha([]byte("expected something else"))
	uri := "file://scm/proj/1/git/abc1234/" + wrongSHA + ".diff"
	evidenceURI := "memory://patch_blobs/git/git:1:abc1234/" + wrongSHA
	s := &fakeStore{blobs: []store.PatchBlob{{BlobID: 5, URI: &uri, SHA256: &wrongSHA, EvidenceURI: &evidenceURI, ChunkingVersion: &chunking}}}
	c := New(s, &fakeArtifacts{content: map[string][]byte{uri: content}})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assertHasIssue(t, report.Issues, IssueSHAMismatch)
}

func TestScan_FlagsAttachmentSHAMismatch(t *testing.T) {
	content := []byte("actual content")
	wrongSHA := sha([]byte("something else"))
	uri := "memory://attachments/att-3/" + wrongSHA
	s := &fakeStore{attachments: []store.Attachment{{AttachmentID: "att-3", URI: uri, SHA256: wrongSHA}}}
	c := New(s, &fakeArtifacts{content: map[string][]byte{uri: content}})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assertHasIssue(t, report.Issues, IssueAttachmentSHAMismatch)
}

// ============================================================================
// MISSING ATTACHMENT URI
// ============================================================================

func TestScan_FlagsAttachmentMissingURI(t *testing.T) {
	s := &fakeStore{attachments: []store.Attachment{{AttachmentID: "att-4"}}}
	c := New(s, &fakeArtifacts{})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assertHasIssue(t, report.Issues, IssueAttachmentMissingURI)
}

// ============================================================================
// INDEX METADATA MISMATCH / INVALID SOURCE ID
// ============================================================================

func TestScan_FlagsChunkingVersionMismatch(t *testing.T) {
	chunking := 2
	uri := "file://scm/proj/1/git/abc1234/" + sha([]byte("x")) + ".diff"
	evidenceURI := "memory://patch_blobs/git/git:1:abc1234/" + sha([]byte("x"))
	s := &fakeStore{blobs: []store.PatchBlob{{BlobID: 6, SourceID: "git:1:abc1234", URI: &uri, EvidenceURI: &evidenceURI, ChunkingVersion: &chunking}}}
	c := New(s, &fakeArtifacts{content: map[string][]byte{uri: []byte("x")}})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assertHasIssue(t, report.Issues, IssueIndexMetadataMismatch)
}

func TestScan_FlagsInvalidSourceID(t *testing.T) {
	chunking := 1
	s := &fakeStore{blobs: []store.PatchBlob{{BlobID: 7, SourceID: "not-a-valid-source-id", ChunkingVersion: &chunking}}}
	c := New(s, &fakeArtifacts{})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assertHasIssue(t, report.Issues, IssueInvalidSourceID)
}

// ============================================================================
// REPO URL COLLISION
// ============================================================================

func TestScan_FlagsRepoURLCollision(t *testing.T) {
	s := &fakeStore{repos: []store.Repo{
		{RepoID: 1, CanonicalURL: "https://scm.example.com/proj.git"},
		{RepoID: 2, CanonicalURL: "https://SCM.example.com/proj"},
	}}
	c := New(s, &fakeArtifacts{})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	assertHasIssue(t, report.Issues, IssueRepoURLCollision)
}

func TestScan_NoRepoURLCollisionForDistinctRepos(t *testing.T) {
	s := &fakeStore{repos: []store.Repo{
		{RepoID: 1, CanonicalURL: "https://scm.example.com/proj-a.git"},
		{RepoID: 2, CanonicalURL: "https://scm.example.com/proj-b.git"},
	}}
	c := New(s, &fakeArtifacts{})

	report, err := c.Scan(context.Background(), 10)
	require.NoError(t, err)
	for _, i := range report.Issues {
		assert.NotEqual(t, IssueRepoURLCollision, i.Class)
	}
}

func assertHasIssue(t *testing.T, issues []Issue, class IssueClass) {
	t.Helper()
	for _, i := range issues {
		if i.Class == class {
			return
		}
	}
	var classes []string
	for _, i := range issues {
		classes = append(classes, string(i.Class))
	}
	t.Fatalf("expected issue class %s, got %s", class, strings.Join(classes, ","))
}
