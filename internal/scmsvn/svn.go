// Package scmsvn adapts the svn CLI (C4): svn log --xml for revision
// discovery, svn diff for patch bodies, and classification of a failed
// command's timeout or stderr text into the resilience package's unified
// ErrorKind enum.
package scmsvn

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/onlyfeng/engram-sub002/internal/resilience"
)

type Config struct {
	BinaryPath              string
	Username                string
	Password                string
	TrustServerCertFailures bool
	CommandTimeout          time.Duration
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "svn"
	}
	return &Client{cfg: cfg}
}

// Revision is one <logentry> from svn log --xml.
type Revision struct {
	RevNum    int64
	Author    string
	Date      time.Time
	Message   string
	PathCount int
	IsMerge   bool
}

type logXML struct {
	XMLName xml.Name    `xml:"log"`
	Entries []logEntry  `xml:"logentry"`
}

type logEntry struct {
	Revision int64    `xml:"revision,attr"`
	Author   string   `xml:"author"`
	Date     string   `xml:"date"`
	Msg      string   `xml:"msg"`
	Paths    []path   `xml:"paths>path"`
}

type path struct {
	Action string `xml:"action,attr"`
	Kind   string `xml:"kind,attr"`
	Text   string `xml:",chardata"`
}

// Log runs `svn log --xml -r fromRev:HEAD repoURL` and parses the result
// into Revision rows. fromRev of 0 fetches the full history.
func (c *Client) Log(ctx context.Context, repoURL string, fromRev int64) ([]Revision, resilience.Classified) {
	revRange := "1:HEAD"
	if fromRev > 0 {
		revRange = fmt.Sprintf("%d:HEAD", fromRev)
	}
	args := c.baseArgs("log", "--xml", "-v", "-r", revRange, repoURL)
	out, classified := c.run(ctx, args)
	if !classified.Success {
		return nil, classified
	}

	var parsed logXML
	if err := xml.Unmarshal(out, &parsed); err != nil {
		return nil, resilience.Classified{
			Success: false, Kind: resilience.KindParseError,
			Message: fmt.Sprintf("svn log: parse xml: %v", err),
		}
	}

	revisions := make([]Revision, 0, len(parsed.Entries))
	for _, e := range parsed.Entries {
		ts, _ := time.Parse(time.RFC3339Nano, e.Date)
		mergeCandidate := isMergeMessage(e.Msg)
		revisions = append(revisions, Revision{
			RevNum:    e.Revision,
			Author:    e.Author,
			Date:      ts,
			Message:   e.Msg,
			PathCount: len(e.Paths),
			IsMerge:   mergeCandidate,
		})
	}
	return revisions, resilience.Classified{Success: true}
}

// Diff runs `svn diff -c rev repoURL` and returns the raw unified diff
// text for a single revision.
func (c *Client) Diff(ctx context.Context, repoURL string, rev int64) ([]byte, resilience.Classified) {
	args := c.baseArgs("diff", "-c", strconv.FormatInt(rev, 10), repoURL)
	return c.run(ctx, args)
}

func (c *Client) baseArgs(sub string, rest ...string) []string {
	args := []string{sub}
	if c.cfg.Username != "" {
		args = append(args, "--username", c.cfg.Username)
	}
	if c.cfg.Password != "" {
		args = append(args, "--password", c.cfg.Password, "--no-auth-cache")
	}
	if c.cfg.TrustServerCertFailures {
		args = append(args, "--trust-server-cert-failures=unknown-ca,cn-mismatch,expired,not-yet-valid,other")
	}
	args = append(args, "--non-interactive")
	return append(args, rest...)
}

// run executes the svn binary and returns stdout on success, or a
// Classified failure derived from the command timeout or the stderr text.
// Credentials never appear in the returned error — redactArgs strips
// them before any log line or error message is built.
func (c *Client) run(ctx context.Context, args []string) ([]byte, resilience.Classified) {
	timeout := c.cfg.CommandTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.cfg.BinaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), resilience.Classified{Success: true}
	}

	if runCtx.Err() != nil {
		return nil, resilience.Classified{
			Success: false, Kind: resilience.KindTimeout,
			Message: fmt.Sprintf("svn %s: timed out after %s", redactArgs(args), timeout),
			Retryable: true,
		}
	}
	return nil, classifyStderr(stderr.String(), redactArgs(args))
}

func classifyStderr(stderr, argsForLog string) resilience.Classified {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "authorization failed") || strings.Contains(stderr, "E170001"):
		return resilience.Classified{Success: false, Kind: resilience.KindAuthError,
			Message: fmt.Sprintf("svn %s: authorization failed", argsForLog)}
	case strings.Contains(stderr, "E215004"):
		return resilience.Classified{Success: false, Kind: resilience.KindAuthError,
			Message: fmt.Sprintf("svn %s: no accepted credentials (E215004)", argsForLog)}
	case strings.Contains(stderr, "E175013") || strings.Contains(lower, "access to") && strings.Contains(lower, "forbidden"):
		return resilience.Classified{Success: false, Kind: resilience.KindAuthError,
			Message: fmt.Sprintf("svn %s: access forbidden (E175013)", argsForLog)}
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "could not connect"):
		return resilience.Classified{Success: false, Kind: resilience.KindNetworkError,
			Message: fmt.Sprintf("svn %s: connection failed", argsForLog), Retryable: true}
	default:
		return resilience.Classified{Success: false, Kind: resilience.KindCommandError,
			Message: fmt.Sprintf("svn %s: %s", argsForLog, strings.TrimSpace(stderr))}
	}
}

// redactArgs drops --password's value before the argument list is ever
// logged or embedded in an error message.
func redactArgs(args []string) string {
	out := make([]string, len(args))
	copy(out, args)
	for i, a := range out {
		if a == "--password" && i+1 < len(out) {
			out[i+1] = "***"
		}
	}
	return strings.Join(out, " ")
}

func isMergeMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.HasPrefix(lower, "merge ") || strings.Contains(lower, "merged revision") || strings.Contains(lower, "merge branch")
}
