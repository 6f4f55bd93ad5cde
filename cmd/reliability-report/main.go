// Command reliability-report is a CLI wrapper over the reconcile/
// reliability report (C14): the same aggregation the gateway's
// /reliability/report endpoint serves, printed to stdout as text or JSON for
// use from a cron job or an operator's terminal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/onlyfeng/engram-sub002/internal/config"
	"github.com/onlyfeng/engram-sub002/internal/reliability"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

func main() {
	asJSON := flag.Bool("json", false, "print the report as JSON instead of text")
	timeout := flag.Duration("timeout", 30*time.Second, "overall query timeout")
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

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := reliability.Build(ctx, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reliability report failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
		return
	}

	printText(report)
}

func printText(r reliability.Report) {
	fmt.Printf("outbox: total=%d avg_retry_count=%.2f oldest_pending_age_seconds=%.0f\n",
		r.Outbox.Total, r.Outbox.AvgRetryCount, r.Outbox.OldestPendingAgeSeconds)
	for status, n := range r.Outbox.ByStatus {
		fmt.Printf("  by_status[%s]=%d\n", status, n)
	}

	fmt.Printf("audit: total=%d recent_24h=%d\n", r.Audit.Total, r.Audit.Recent24h)
	for action, n := range r.Audit.ByAction {
		fmt.Printf("  by_action[%s]=%d\n", action, n)
	}
	for reason, n := range r.Audit.ByReason {
		fmt.Printf("  by_reason[%s]=%d\n", reason, n)
	}
}
