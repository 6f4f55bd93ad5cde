package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// --- SvnRevision / GitCommit (C7 persistence) ------------------------------

func (s *Store) UpsertSvnRevision(ctx context.Context, r SvnRevision) error {
	meta := r.Meta
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}
	q := fmt.Sprintf(`INSERT INTO %s (repo_id, rev_num, author_raw, ts, message, is_merge, is_bulk, bulk_reason, source_id, meta)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (repo_id, rev_num) DO UPDATE SET
			author_raw = EXCLUDED.author_raw, message = EXCLUDED.message, is_merge = EXCLUDED.is_merge,
			is_bulk = EXCLUDED.is_bulk, bulk_reason = EXCLUDED.bulk_reason, meta = EXCLUDED.meta`,
		s.table("svn_revisions"))
	_, err := s.db.ExecContext(ctx, q, r.RepoID, r.RevNum, r.AuthorRaw, r.TS, r.Message, r.IsMerge, r.IsBulk, r.BulkReason, r.SourceID, meta)
	if err != nil {
		return fmt.Errorf("store: upsert svn revision: %w", err)
	}
	return nil
}

func (s *Store) UpsertGitCommit(ctx context.Context, c GitCommit) error {
	meta := c.Meta
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}
	q := fmt.Sprintf(`INSERT INTO %s (repo_id, commit_sha, author_raw, ts, message, is_merge, is_bulk, bulk_reason, source_id, meta)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (repo_id, commit_sha) DO UPDATE SET
			author_raw = EXCLUDED.author_raw, message = EXCLUDED.message, is_merge = EXCLUDED.is_merge,
			is_bulk = EXCLUDED.is_bulk, bulk_reason = EXCLUDED.bulk_reason, meta = EXCLUDED.meta`,
		s.table("git_commits"))
	_, err := s.db.ExecContext(ctx, q, c.RepoID, c.CommitSHA, c.AuthorRaw, c.TS, c.Message, c.IsMerge, c.IsBulk, c.BulkReason, c.SourceID, meta)
	if err != nil {
		return fmt.Errorf("store: upsert git commit: %w", err)
	}
	return nil
}

// CreatePatchBlob inserts a new pending patch_blob row for a just-discovered
// commit/revision, as the sync pipeline does at persist time.
func (s *Store) CreatePatchBlob(ctx context.Context, sourceType, sourceID string, format BlobFormat) (int64, error) {
	q := fmt.Sprintf(`INSERT INTO %s (source_type, source_id, format, materialize_status, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,'pending',0,now(),now()) RETURNING blob_id`, s.table("patch_blobs"))
	var id int64
	err := s.db.QueryRowContext(ctx, q, sourceType, sourceID, format).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create patch blob: %w", err)
	}
	return id, nil
}

// UpdatePatchBlobFormat resets a blob to pending under a new format. The
// sync pipeline uses this to downgrade a best_effort-mode blob to
// ministat after its original format failed to materialize.
func (s *Store) UpdatePatchBlobFormat(ctx context.Context, blobID int64, format BlobFormat) error {
	q := fmt.Sprintf(`UPDATE %s SET format = $2, materialize_status = 'pending', updated_at = now() WHERE blob_id = $1`, s.table("patch_blobs"))
	_, err := s.db.ExecContext(ctx, q, blobID, format)
	return err
}

// --- Lease (C3) -------------------------------------------------------------
// Primary lease persistence is Redis-backed (internal/lease); this
// relational fallback exists for deployments without Redis and mirrors
// the same claim/renew/release semantics against a uniquely-keyed row.

func (s *Store) ClaimLeaseRow(ctx context.Context, repoID int64, jobType, workerID string, leaseSeconds int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var expiresAt time.Time
	q := fmt.Sprintf(`SELECT expires_at FROM %s WHERE repo_id = $1 AND job_type = $2 FOR UPDATE`, s.table("leases"))
	err = tx.QueryRowContext(ctx, q, repoID, jobType).Scan(&expiresAt)
	now := time.Now()
	newExpiry := now.Add(time.Duration(leaseSeconds) * time.Second)

	switch {
	case err == sql.ErrNoRows:
		ins := fmt.Sprintf(`INSERT INTO %s (repo_id, job_type, worker_id, acquired_at, expires_at) VALUES ($1,$2,$3,now(),$4)`, s.table("leases"))
		if _, err := tx.ExecContext(ctx, ins, repoID, jobType, workerID, newExpiry); err != nil {
			return false, fmt.Errorf("store: claim lease insert: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("store: claim lease select: %w", err)
	case !expiresAt.After(now):
		upd := fmt.Sprintf(`UPDATE %s SET worker_id = $3, acquired_at = now(), expires_at = $4 WHERE repo_id = $1 AND job_type = $2`, s.table("leases"))
		if _, err := tx.ExecContext(ctx, upd, repoID, jobType, workerID, newExpiry); err != nil {
			return false, fmt.Errorf("store: claim lease steal: %w", err)
		}
	default:
		return false, nil // held by someone else and not yet expired
	}
	return true, tx.Commit()
}

func (s *Store) RenewLeaseRow(ctx context.Context, repoID int64, jobType, workerID string, leaseSeconds int) (bool, error) {
	newExpiry := time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	q := fmt.Sprintf(`UPDATE %s SET expires_at = $4 WHERE repo_id = $1 AND job_type = $2 AND worker_id = $3 AND expires_at > now()`, s.table("leases"))
	res, err := s.db.ExecContext(ctx, q, repoID, jobType, workerID, newExpiry)
	if err != nil {
		return false, fmt.Errorf("store: renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) ReleaseLeaseRow(ctx context.Context, repoID int64, jobType, workerID string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE repo_id = $1 AND job_type = $2 AND worker_id = $3`, s.table("leases"))
	_, err := s.db.ExecContext(ctx, q, repoID, jobType, workerID)
	return err
}

// --- SyncRun ----------------------------------------------------------------

func (s *Store) OpenSyncRun(ctx context.Context, run SyncRun) error {
	q := fmt.Sprintf(`INSERT INTO %s (run_id, repo_id, job_type, mode, started_at, status)
		VALUES ($1,$2,$3,$4,now(),'completed')`, s.table("sync_runs"))
	_, err := s.db.ExecContext(ctx, q, run.RunID, run.RepoID, run.JobType, run.Mode)
	return err
}

func (s *Store) CloseSyncRun(ctx context.Context, runID string, status SyncRunStatus, counts, cursorBefore, cursorAfter, degradation json.RawMessage, errSummary *string) error {
	q := fmt.Sprintf(`UPDATE %s SET finished_at = now(), status = $2, counts = $3, cursor_before = $4,
		cursor_after = $5, degradation = $6, error_summary = $7 WHERE run_id = $1`, s.table("sync_runs"))
	_, err := s.db.ExecContext(ctx, q, runID, status, counts, cursorBefore, cursorAfter, degradation, errSummary)
	return err
}

// --- Reliability report (C14) -----------------------------------------------

type OutboxStats struct {
	Total                   int            `json:"total"`
	ByStatus                map[string]int `json:"by_status"`
	AvgRetryCount           float64        `json:"avg_retry_count"`
	OldestPendingAgeSeconds float64        `json:"oldest_pending_age_seconds"`
}

func (s *Store) OutboxStats(ctx context.Context) (OutboxStats, error) {
	stats := OutboxStats{ByStatus: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT status, count(*) FROM %s GROUP BY status`, s.table("outbox_memory")))
	if err != nil {
		return stats, fmt.Errorf("store: outbox stats by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT coalesce(avg(retry_count),0) FROM %s`, s.table("outbox_memory"))).Scan(&stats.AvgRetryCount)
	if err != nil {
		return stats, fmt.Errorf("store: outbox avg retry: %w", err)
	}

	var oldestSec sql.NullFloat64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT extract(epoch FROM now() - min(created_at)) FROM %s WHERE status = 'pending'`, s.table("outbox_memory"))).Scan(&oldestSec)
	if err != nil {
		return stats, fmt.Errorf("store: outbox oldest pending: %w", err)
	}
	stats.OldestPendingAgeSeconds = oldestSec.Float64
	return stats, nil
}

type AuditStats struct {
	Total     int            `json:"total"`
	ByAction  map[string]int `json:"by_action"`
	ByReason  map[string]int `json:"by_reason"`
	Recent24h int            `json:"recent_24h"`
}

func (s *Store) AuditStats(ctx context.Context) (AuditStats, error) {
	stats := AuditStats{ByAction: map[string]int{}, ByReason: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT action, count(*) FROM %s GROUP BY action`, s.table("write_audit")))
	if err != nil {
		return stats, fmt.Errorf("store: audit stats by action: %w", err)
	}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByAction[action] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`SELECT reason, count(*) FROM %s GROUP BY reason`, s.table("write_audit")))
	if err != nil {
		return stats, fmt.Errorf("store: audit stats by reason: %w", err)
	}
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByReason[reason] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE created_at > now() - interval '24 hours'`, s.table("write_audit"))).Scan(&stats.Recent24h)
	if err != nil {
		return stats, fmt.Errorf("store: audit recent 24h: %w", err)
	}
	return stats, nil
}

// --- Integrity (C15) ---------------------------------------------------------

// DoneBlobsSample returns up to limit rows with materialize_status='done'
// for the integrity checker's content-consistency scan.
func (s *Store) DoneBlobsSample(ctx context.Context, limit int) ([]PatchBlob, error) {
	q := fmt.Sprintf(`SELECT blob_id, source_type, source_id, format, uri, sha256, size_bytes,
		evidence_uri, materialize_status, attempts, last_error, last_endpoint, error_category,
		mirror_uri, chunking_version, created_at, updated_at FROM %s
		WHERE materialize_status = 'done' ORDER BY blob_id LIMIT $1`, s.table("patch_blobs"))
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: done blobs sample: %w", err)
	}
	defer rows.Close()
	var out []PatchBlob
	for rows.Next() {
		var b PatchBlob
		if err := rows.Scan(&b.BlobID, &b.SourceType, &b.SourceID, &b.Format, &b.URI, &b.SHA256, &b.SizeBytes,
			&b.EvidenceURI, &b.MaterializeStatus, &b.Attempts, &b.LastError, &b.LastEndpoint, &b.ErrorCategory,
			&b.MirrorURI, &b.ChunkingVersion, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) AllAttachments(ctx context.Context, limit int) ([]Attachment, error) {
	q := fmt.Sprintf(`SELECT attachment_id, item_id, kind, uri, sha256, size_bytes, meta, chunking_version
		FROM %s ORDER BY attachment_id LIMIT $1`, s.table("attachments"))
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: all attachments: %w", err)
	}
	defer rows.Close()
	var out []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.AttachmentID, &a.ItemID, &a.Kind, &a.URI, &a.SHA256, &a.SizeBytes, &a.Meta, &a.ChunkingVersion); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
