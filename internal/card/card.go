// Package card renders a memory card into the canonical Markdown form
// the gateway writes to external memory (C10). Rendering is pure and
// deterministic: the same Card value always produces byte-identical
// Markdown, so payload_sha can serve as a dedup key.
package card

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

type Kind string

const (
	KindFact        Kind = "FACT"
	KindProcedure   Kind = "PROCEDURE"
	KindPitfall     Kind = "PITFALL"
	KindDecision    Kind = "DECISION"
	KindReviewGuide Kind = "REVIEW_GUIDE"
	KindReflection  Kind = "REFLECTION"
)

type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceMid  Confidence = "mid"
	ConfidenceLow  Confidence = "low"
)

type Visibility string

const (
	VisibilityTeam    Visibility = "team"
	VisibilityPrivate Visibility = "private"
	VisibilityOrg     Visibility = "org"
)

type TTL string

const (
	TTLLong  TTL = "long"
	TTLMid   TTL = "mid"
	TTLShort TTL = "short"
)

// Evidence is one evidence block. URI scheme is limited to
// {memory, svn, git, https}; SHA256 must match ^[a-fA-F0-9]{64}$.
type Evidence struct {
	URI       string `json:"uri"`
	SHA256    string `json:"sha256"`
	EventID   string `json:"event_id,omitempty"`
	SVNRev    string `json:"svn_rev,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	MR        string `json:"mr,omitempty"`
}

type Card struct {
	Kind       Kind
	Owner      string
	Module     string
	Summary    string
	Details    []string
	Evidence   []Evidence
	Confidence Confidence
	Visibility Visibility
	TTL        TTL
}

// Limits bounds the renderer's trimming behavior. Zero-value Limits
// resolves to the defaults via WithDefaults.
type Limits struct {
	SummaryMax       int
	DetailMax        int
	MaxDetailsCount  int
	MaxEvidenceCount int
	MaxTotalLength   int
}

func DefaultLimits() Limits {
	return Limits{
		SummaryMax:       200,
		DetailMax:        500,
		MaxDetailsCount:  20,
		MaxEvidenceCount: 20,
		MaxTotalLength:   4000,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.SummaryMax == 0 {
		l.SummaryMax = d.SummaryMax
	}
	if l.DetailMax == 0 {
		l.DetailMax = d.DetailMax
	}
	if l.MaxDetailsCount == 0 {
		l.MaxDetailsCount = d.MaxDetailsCount
	}
	if l.MaxEvidenceCount == 0 {
		l.MaxEvidenceCount = d.MaxEvidenceCount
	}
	if l.MaxTotalLength == 0 {
		l.MaxTotalLength = d.MaxTotalLength
	}
	return l
}

// diffPattern and logPattern flag detail bodies that look like raw
// diffs or log dumps; the card stores a pointer instead of the body.
var diffPattern = regexp.MustCompile(`(?m)^([-+]{3}\s|@@\s|diff --git|Index:)`)
var logPattern = regexp.MustCompile(`(?m)^(\d{4}-\d{2}-\d{2}T|\[INFO]|\[WARN]|\[ERROR]|\[DEBUG])`)

// Render produces the canonical Markdown form of card, applying the
// fixed section order, per-field trimming, and diff/log redaction.
// Two calls with an equal Card and Limits always return equal strings.
func Render(c Card, limits Limits) string {
	limits = limits.withDefaults()

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] [%s] [%s] [%s] [%s] [%s]\n",
		c.Kind, c.Owner, c.Module, c.Visibility, c.TTL, c.Confidence)

	sb.WriteString("[Summary]\n")
	sb.WriteString(trim(c.Summary, limits.SummaryMax))
	sb.WriteString("\n\n")

	details := c.Details
	if len(details) > limits.MaxDetailsCount {
		slog.Warn("card: dropping detail over max_details_count", "kind", c.Kind, "max_details_count", limits.MaxDetailsCount, "dropped_count", len(details)-limits.MaxDetailsCount)
		details = details[:limits.MaxDetailsCount]
	}
	sb.WriteString("[Details]\n")
	for i, d := range details {
		body := redactIfDiffOrLog(d)
		body = trim(body, limits.DetailMax)
		fmt.Fprintf(&sb, "%d. %s\n", i+1, body)
	}
	sb.WriteString("\n")

	evidence := c.Evidence
	if len(evidence) > limits.MaxEvidenceCount {
		slog.Warn("card: dropping evidence over max_evidence_count", "kind", c.Kind, "max_evidence_count", limits.MaxEvidenceCount, "dropped_count", len(evidence)-limits.MaxEvidenceCount)
		evidence = evidence[:limits.MaxEvidenceCount]
	}
	sb.WriteString("[Evidence]\n")
	for _, e := range evidence {
		sb.WriteString(renderEvidence(e))
		sb.WriteString("\n")
	}

	out := sb.String()
	if len(out) > limits.MaxTotalLength {
		out = out[:limits.MaxTotalLength]
	}
	return out
}

func renderEvidence(e Evidence) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uri=%s sha256=%s", e.URI, e.SHA256)
	if e.EventID != "" {
		fmt.Fprintf(&sb, " event_id=%s", e.EventID)
	}
	if e.SVNRev != "" {
		fmt.Fprintf(&sb, " svn_rev=%s", e.SVNRev)
	}
	if e.GitCommit != "" {
		fmt.Fprintf(&sb, " git_commit=%s", e.GitCommit)
	}
	if e.MR != "" {
		fmt.Fprintf(&sb, " mr=%s", e.MR)
	}
	return sb.String()
}

// redactIfDiffOrLog replaces a detail body that looks like a raw diff
// or log dump with a pointer block; the original bytes are hashed into
// the pointer but never appear in the rendered card.
func redactIfDiffOrLog(body string) string {
	kind := ""
	switch {
	case diffPattern.MatchString(body):
		kind = "diff"
	case logPattern.MatchString(body):
		kind = "log"
	default:
		return body
	}
	sum := sha256.Sum256([]byte(body))
	return fmt.Sprintf("[%s 内容已移除，仅保留指针] uri=memory://redacted/%s sha256=%s",
		kind, hex.EncodeToString(sum[:8]), hex.EncodeToString(sum[:]))
}

func trim(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// PayloadSHA computes the gateway's dedup/correlation key:
// sha256(utf8(rendered_markdown)), hex-encoded.
func PayloadSHA(renderedMarkdown string) string {
	sum := sha256.Sum256([]byte(renderedMarkdown))
	return hex.EncodeToString(sum[:])
}
