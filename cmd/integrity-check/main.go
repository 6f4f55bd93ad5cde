// Command integrity-check runs the offline batch integrity checker
// (C15): a read-only scan over sampled patch_blob and attachment rows,
// reporting typed issues. Exit code 0 means clean, 1 means issues were
// found, matching the CLI exit-code convention spec.md §6 documents.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/onlyfeng/engram-sub002/internal/artifact"
	"github.com/onlyfeng/engram-sub002/internal/config"
	"github.com/onlyfeng/engram-sub002/internal/integrity"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

func main() {
	limit := flag.Int("limit", 500, "max rows to sample per entity kind")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall scan timeout")
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
	checker := integrity.New(st, artifacts)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := checker.Scan(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "integrity scan failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("scanned %d patch blobs, %d attachments\n", report.BlobsScanned, report.AttachmentsScanned)
	if len(report.Issues) == 0 {
		fmt.Println("no issues found")
		return
	}

	counts := map[integrity.IssueClass]int{}
	for _, issue := range report.Issues {
		counts[issue.Class]++
		fmt.Printf("[%s] %s: %s\n", issue.Class, issue.Subject, issue.Detail)
	}
	fmt.Printf("\n%d issues across %d classes\n", len(report.Issues), len(counts))
	os.Exit(1)
}
