// Package identity is the canonical identity registry (C9): source-id
// parsing/formatting for SVN revisions, Git commits, and GitLab merge
// requests, and the evidence-URI scheme rules (I6) that bind patch_blob
// and attachment rows to their content.
package identity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type SourceType string

const (
	SourceSVN    SourceType = "svn"
	SourceGit    SourceType = "git"
	SourceMR     SourceType = "mr"
)

var (
	svnPattern = regexp.MustCompile(`^svn:\d+:\d+$`)
	gitPattern = regexp.MustCompile(`^git:\d+:[a-f0-9]{7,40}$`)
	mrPattern  = regexp.MustCompile(`^mr:\d+:\d+$`)
)

// SourceID is a parsed, canonical event identity: svn:<repo>:<rev>,
// git:<repo>:<sha>, or mr:<repo>:<iid>.
type SourceID struct {
	Type   SourceType
	RepoID int64
	Key    string // rev_num, commit_sha, or iid, as the literal string
}

func (s SourceID) String() string {
	return fmt.Sprintf("%s:%d:%s", s.Type, s.RepoID, s.Key)
}

// ParseSourceID validates and decomposes a canonical source_id string
// against the regexes in spec §6.
func ParseSourceID(s string) (SourceID, error) {
	switch {
	case svnPattern.MatchString(s):
		return splitSourceID(s, SourceSVN)
	case gitPattern.MatchString(s):
		return splitSourceID(s, SourceGit)
	case mrPattern.MatchString(s):
		return splitSourceID(s, SourceMR)
	default:
		return SourceID{}, fmt.Errorf("identity: %q does not match any canonical source_id pattern", s)
	}
}

func splitSourceID(s string, t SourceType) (SourceID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return SourceID{}, fmt.Errorf("identity: malformed source_id %q", s)
	}
	repoID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return SourceID{}, fmt.Errorf("identity: bad repo_id in %q: %w", s, err)
	}
	return SourceID{Type: t, RepoID: repoID, Key: parts[2]}, nil
}

// NewSVNSourceID / NewGitSourceID / NewMRSourceID build a SourceID from
// typed components, matching I1's "own (repo_id, key)" identity rule.
func NewSVNSourceID(repoID int64, rev int64) SourceID {
	return SourceID{Type: SourceSVN, RepoID: repoID, Key: strconv.FormatInt(rev, 10)}
}

func NewGitSourceID(repoID int64, sha string) SourceID {
	return SourceID{Type: SourceGit, RepoID: repoID, Key: strings.ToLower(sha)}
}

func NewMRSourceID(repoID int64, iid int64) SourceID {
	return SourceID{Type: SourceMR, RepoID: repoID, Key: strconv.FormatInt(iid, 10)}
}
