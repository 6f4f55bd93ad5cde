// Command materialize is a standalone C6 batch runner: it claims
// pending (and, with --retry-failed, previously failed) patch_blob
// rows and materializes them one at a time, independent of the C7 sync
// loop that normally drives this inline. Useful for backfilling a
// single repo or re-running materialization after an artifact store
// outage without re-running sync itself.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/onlyfeng/engram-sub002/internal/artifact"
	"github.com/onlyfeng/engram-sub002/internal/config"
	"github.com/onlyfeng/engram-sub002/internal/identity"
	"github.com/onlyfeng/engram-sub002/internal/materializer"
	"github.com/onlyfeng/engram-sub002/internal/resilience"
	"github.com/onlyfeng/engram-sub002/internal/scmgitlab"
	"github.com/onlyfeng/engram-sub002/internal/scmsvn"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

func main() {
	repoFlag := flag.Int64("repo", 0, "only materialize blobs belonging to this repo_id (0 = all repos)")
	retryFailed := flag.Bool("retry-failed", false, "also include blobs already in failed status (default: pending only)")
	asJSON := flag.Bool("json", false, "print results as JSON instead of a one-line-per-blob summary")
	limit := flag.Int("limit", 500, "max blobs to claim in this run")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall run timeout")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("ENGRAM_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(10)
	}

	st, err := store.Open(cfg.Database.DSN, cfg.Database.Schema, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(10)
	}
	defer st.Close()

	artifacts := artifact.NewLocalStore(cfg.Artifact.RootPath)

	shaPolicy := materializer.ShaMismatchStrict
	if cfg.Artifact.ShaMismatchPolicy == "mirror" {
		shaPolicy = materializer.ShaMismatchMirror
	}

	svnClient := scmsvn.NewClient(scmsvn.Config{
		BinaryPath:              cfg.SVN.BinaryPath,
		Username:                cfg.SVN.Username,
		Password:                cfg.SVN.Password,
		TrustServerCertFailures: cfg.SVN.TrustServerCertFailures != "",
		CommandTimeout:          time.Duration(cfg.SVN.CommandTimeoutSec) * time.Second,
	})

	token, err := scmgitlab.NewTokenProvider(cfg.GitLab.TokenProvider, cfg.GitLab.TokenEnvVar, cfg.GitLab.TokenFilePath, cfg.GitLab.TokenExecCommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitlab token provider setup failed: %v\n", err)
		os.Exit(10)
	}
	limiter := resilience.NewRateLimiter(cfg.GitLab.RateLimit.BurstSize, cfg.GitLab.RateLimit.RefillPerSecond)
	breaker := resilience.NewBreaker(resilience.GitLabBreakerConfig(cfg.GitLab.BaseURL))
	gitlabClient := scmgitlab.NewClient(scmgitlab.Config{
		BaseURL:        cfg.GitLab.BaseURL,
		MaxAttempts:    cfg.GitLab.MaxAttempts,
		BackoffBase:    time.Duration(cfg.GitLab.BackoffBaseSeconds * float64(time.Second)),
		BackoffMax:     time.Duration(cfg.GitLab.BackoffMaxSeconds * float64(time.Second)),
		RequestTimeout: time.Duration(cfg.GitLab.RequestTimeoutSec) * time.Second,
	}, token, limiter, breaker)

	mat := materializer.New(st, artifacts, svnClient, gitlabClient, cfg.Artifact.ProjectKey, cfg.Artifact.MaxSizeBytes, shaPolicy, gitlabProjectIDFromURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pending, err := st.PendingPatchBlobs(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list pending blobs: %v\n", err)
		os.Exit(1)
	}

	results := make([]materializer.Result, 0, len(pending))
	for _, blob := range pending {
		if blob.MaterializeStatus == "failed" && !*retryFailed {
			continue
		}
		if *repoFlag != 0 {
			sid, err := identity.ParseSourceID(blob.SourceID)
			if err != nil || sid.RepoID != *repoFlag {
				continue
			}
		}
		results = append(results, mat.MaterializeOne(ctx, blob.BlobID))
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
		return
	}

	failed := 0
	for _, r := range results {
		fmt.Printf("blob_id=%d status=%s uri=%s error=%s\n", r.BlobID, r.Status, r.URI, r.Error)
		if r.Status == "failed" {
			failed++
		}
	}
	fmt.Printf("materialized %d, %d failed\n", len(results), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// gitlabProjectIDFromURL resolves a repo's canonical_url to the numeric
// GitLab project id the API expects, matching cmd/syncworker's helper
// of the same name.
func gitlabProjectIDFromURL(canonicalURL string) (int64, error) {
	for i := len(canonicalURL) - 1; i >= 0; i-- {
		if canonicalURL[i] == '/' {
			return strconv.ParseInt(canonicalURL[i+1:], 10, 64)
		}
	}
	return strconv.ParseInt(canonicalURL, 10, 64)
}
