// Package integrity implements the offline batch integrity checker
// (C15): a read-only scan over sampled patch_blob and attachment rows
// that reports typed issues. It never modifies rows and has no repair
// mode.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/onlyfeng/engram-sub002/internal/artifact"
	"github.com/onlyfeng/engram-sub002/internal/identity"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

// IssueClass names are stable; contributors may not rename them.
type IssueClass string

const (
	IssueMissingIndex          IssueClass = "missing_index"
	IssueMissingEvidenceURI    IssueClass = "missing_evidence_uri"
	IssueUnreadableArtifact    IssueClass = "unreadable_artifact"
	IssueSHAMismatch           IssueClass = "sha_mismatch"
	IssueSchemeViolation       IssueClass = "scheme_violation"
	IssueAttachmentMissingURI  IssueClass = "attachment_missing_uri"
	IssueAttachmentUnreadable  IssueClass = "attachment_unreadable"
	IssueAttachmentSHAMismatch IssueClass = "attachment_sha_mismatch"
	// IssueIndexMetadataMismatch fires when a blob's chunking_version is
	// set but disagrees with the version this build of the checker knows
	// how to read.
	IssueIndexMetadataMismatch IssueClass = "index_metadata_mismatch"
	// IssueInvalidSourceID fires when a patch_blob's source_id doesn't
	// parse under the svn:<repo_id>:<rev> / git:<repo_id>:<sha> /
	// mr:<repo_id>:<iid> grammar.
	IssueInvalidSourceID IssueClass = "invalid_source_id"
	// IssueRepoURLCollision fires when two distinct repo rows normalize
	// to the same canonical_url (scheme/host case, trailing slash, .git
	// suffix) — a sign the same repo was registered twice.
	IssueRepoURLCollision IssueClass = "repo_url_collision"
)

// CurrentChunkingVersion is the chunking_version this build of the
// checker expects a freshly-materialized blob to carry.
const CurrentChunkingVersion = 1

type Issue struct {
	Class   IssueClass
	Subject string // blob_id or attachment_id, formatted for display
	Detail  string
}

type Store interface {
	DoneBlobsSample(ctx context.Context, limit int) ([]store.PatchBlob, error)
	AllAttachments(ctx context.Context, limit int) ([]store.Attachment, error)
	ListRepos(ctx context.Context, repoType store.RepoType) ([]store.Repo, error)
}

type Checker struct {
	store     Store
	artifacts artifact.Store
}

func New(s Store, artifacts artifact.Store) *Checker {
	return &Checker{store: s, artifacts: artifacts}
}

type Report struct {
	BlobsScanned       int
	AttachmentsScanned int
	Issues             []Issue
}

// Scan samples up to limit rows of each kind and checks the I6 scheme
// exclusivity invariant and artifact content consistency; it never
// modifies state.
func (c *Checker) Scan(ctx context.Context, limit int) (Report, error) {
	var report Report

	blobs, err := c.store.DoneBlobsSample(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("integrity: sample patch blobs: %w", err)
	}
	report.BlobsScanned = len(blobs)
	for _, b := range blobs {
		report.Issues = append(report.Issues, c.checkBlob(b)...)
	}

	attachments, err := c.store.AllAttachments(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("integrity: list attachments: %w", err)
	}
	report.AttachmentsScanned = len(attachments)
	for _, a := range attachments {
		report.Issues = append(report.Issues, c.checkAttachment(a)...)
	}

	repos, err := c.store.ListRepos(ctx, "")
	if err != nil {
		return report, fmt.Errorf("integrity: list repos: %w", err)
	}
	report.Issues = append(report.Issues, checkRepoURLCollisions(repos)...)

	return report, nil
}

// checkRepoURLCollisions groups repos by their normalized canonical_url
// and reports every group with more than one distinct repo_id — the
// same repository registered under two superficially different URLs.
func checkRepoURLCollisions(repos []store.Repo) []Issue {
	byNormalized := map[string][]store.Repo{}
	for _, r := range repos {
		key := normalizeRepoURL(r.CanonicalURL)
		byNormalized[key] = append(byNormalized[key], r)
	}

	var issues []Issue
	for normalized, group := range byNormalized {
		if len(group) < 2 {
			continue
		}
		var ids []string
		for _, r := range group {
			ids = append(ids, fmt.Sprintf("%d", r.RepoID))
		}
		issues = append(issues, Issue{
			Class:   IssueRepoURLCollision,
			Subject: fmt.Sprintf("normalized_url=%s", normalized),
			Detail:  fmt.Sprintf("repo_ids %s all normalize to %q", strings.Join(ids, ","), normalized),
		})
	}
	return issues
}

// normalizeRepoURL lowercases scheme/host, strips a trailing slash and a
// trailing .git suffix, so that superficially different canonical_url
// values for the same repository collapse to the same key.
func normalizeRepoURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	path := strings.TrimSuffix(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	u.Path = path
	return u.String()
}

func (c *Checker) checkBlob(b store.PatchBlob) []Issue {
	var issues []Issue
	subject := fmt.Sprintf("blob_id=%d", b.BlobID)

	if b.ChunkingVersion == nil {
		issues = append(issues, Issue{Class: IssueMissingIndex, Subject: subject, Detail: "chunking_version is unset"})
	} else if *b.ChunkingVersion != CurrentChunkingVersion {
		issues = append(issues, Issue{Class: IssueIndexMetadataMismatch, Subject: subject, Detail: fmt.Sprintf("chunking_version %d does not match current %d", *b.ChunkingVersion, CurrentChunkingVersion)})
	}

	if _, err := identity.ParseSourceID(b.SourceID); err != nil {
		issues = append(issues, Issue{Class: IssueInvalidSourceID, Subject: subject, Detail: err.Error()})
	}

	if b.EvidenceURI == nil || *b.EvidenceURI == "" {
		issues = append(issues, Issue{Class: IssueMissingEvidenceURI, Subject: subject, Detail: "evidence_uri is empty on a done blob"})
		return issues
	}

	if err := identity.CheckSchemeExclusivity(*b.EvidenceURI, "patch_blob"); err != nil {
		issues = append(issues, Issue{Class: IssueSchemeViolation, Subject: subject, Detail: err.Error()})
	}

	if b.URI == nil || *b.URI == "" {
		return issues
	}
	data, err := c.artifacts.Read(*b.URI)
	if err != nil {
		issues = append(issues, Issue{Class: IssueUnreadableArtifact, Subject: subject, Detail: err.Error()})
		return issues
	}
	if b.SHA256 != nil {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != *b.SHA256 {
			issues = append(issues, Issue{Class: IssueSHAMismatch, Subject: subject, Detail: "content sha256 no longer matches recorded sha256"})
		}
	}
	return issues
}

func (c *Checker) checkAttachment(a store.Attachment) []Issue {
	var issues []Issue
	subject := fmt.Sprintf("attachment_id=%s", a.AttachmentID)

	if a.URI == "" {
		issues = append(issues, Issue{Class: IssueAttachmentMissingURI, Subject: subject, Detail: "attachment has no uri"})
		return issues
	}
	if err := identity.CheckSchemeExclusivity(a.URI, "attachment"); err != nil {
		issues = append(issues, Issue{Class: IssueSchemeViolation, Subject: subject, Detail: err.Error()})
	}

	data, err := c.artifacts.Read(a.URI)
	if err != nil {
		issues = append(issues, Issue{Class: IssueAttachmentUnreadable, Subject: subject, Detail: err.Error()})
		return issues
	}
	if a.SHA256 != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != a.SHA256 {
			issues = append(issues, Issue{Class: IssueAttachmentSHAMismatch, Subject: subject, Detail: "content sha256 no longer matches recorded sha256"})
		}
	}
	return issues
}
