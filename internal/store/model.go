// Package store is the relational access layer. It treats the database
// as named tables with documented columns (no ORM), following the
// teacher's one-method-per-entity CRUD idiom against lib/pq instead of a
// REST facade.
package store

import (
	"encoding/json"
	"time"
)

type RepoType string

const (
	RepoTypeSVN RepoType = "svn"
	RepoTypeGit RepoType = "git"
)

type Repo struct {
	RepoID         int64
	RepoType       RepoType
	CanonicalURL   string
	ProjectKey     string
	DefaultBranch  *string
	CreatedAt      time.Time
}

type SvnRevision struct {
	RepoID     int64
	RevNum     int64
	AuthorRaw  string
	TS         time.Time
	Message    string
	IsMerge    bool
	IsBulk     bool
	BulkReason *string
	SourceID   string
	Meta       json.RawMessage
}

type GitCommit struct {
	RepoID     int64
	CommitSHA  string
	AuthorRaw  string
	TS         time.Time
	Message    string
	IsMerge    bool
	IsBulk     bool
	BulkReason *string
	SourceID   string
	Meta       json.RawMessage
}

type MaterializeStatus string

const (
	MaterializePending    MaterializeStatus = "pending"
	MaterializeInProgress MaterializeStatus = "in_progress"
	MaterializeDone       MaterializeStatus = "done"
	MaterializeFailed     MaterializeStatus = "failed"
)

type BlobFormat string

const (
	FormatDiff     BlobFormat = "diff"
	FormatDiffstat BlobFormat = "diffstat"
	FormatMinistat BlobFormat = "ministat"
)

type PatchBlob struct {
	BlobID            int64
	SourceType        string
	SourceID          string
	Format            BlobFormat
	URI               *string
	SHA256            *string
	SizeBytes         *int64
	EvidenceURI       *string
	MaterializeStatus MaterializeStatus
	Attempts          int
	LastError         *string
	LastEndpoint      *string
	ErrorCategory     *string
	MirrorURI         *string
	ChunkingVersion   *int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Cursor struct {
	RepoID       int64
	JobType      string
	LastRev      *int64
	LastSHA      *string
	LastTS       *time.Time
	LastSyncAt   time.Time
	LastSyncCount int
}

type Lease struct {
	RepoID    int64
	JobType   string
	WorkerID  string
	AcquiredAt time.Time
	ExpiresAt time.Time
}

type SyncRunStatus string

const (
	SyncRunCompleted SyncRunStatus = "completed"
	SyncRunFailed    SyncRunStatus = "failed"
	SyncRunNoData    SyncRunStatus = "no_data"
)

type SyncRun struct {
	RunID         string
	RepoID        int64
	JobType       string
	Mode          string
	StartedAt     time.Time
	FinishedAt    *time.Time
	Status        SyncRunStatus
	CursorBefore  json.RawMessage
	CursorAfter   json.RawMessage
	Counts        json.RawMessage
	ErrorSummary  *string
	Degradation   json.RawMessage
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxInProgress OutboxStatus = "in_progress"
	OutboxSent       OutboxStatus = "sent"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDead       OutboxStatus = "dead"
)

type OutboxEntry struct {
	OutboxID       int64
	TargetSpace    string
	PayloadMD      string
	PayloadSHA     string
	Status         OutboxStatus
	RetryCount     int
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	LastError      *string
	LeaseWorkerID  *string
	LeaseExpiresAt *time.Time
}

type AuditAction string

const (
	AuditAllow    AuditAction = "allow"
	AuditRedirect AuditAction = "redirect"
	AuditReject   AuditAction = "reject"
)

type EvidenceRefs struct {
	Source        string `json:"source,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	OutboxID      *int64 `json:"outbox_id,omitempty"`
	MemoryID      string `json:"memory_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

type AuditRow struct {
	AuditID      int64
	ActorUserID  string
	TargetSpace  string
	Action       AuditAction
	Reason       string
	PayloadSHA   string
	EvidenceRefs EvidenceRefs
	CreatedAt    time.Time
}

type Attachment struct {
	AttachmentID    string
	ItemID          string
	Kind            string
	URI             string
	SHA256          string
	SizeBytes       int64
	Meta            json.RawMessage
	ChunkingVersion *int
}

// PolicySettings is the per-project_key settings row consumed by the
// policy engine (C11).
type PolicySettings struct {
	ProjectKey       string     `json:"project_key"`
	TeamWriteEnabled bool       `json:"team_write_enabled"`
	PolicyJSON       PolicyJSON `json:"policy_json"`
}

type PolicyJSON struct {
	EvidenceMode         string `json:"evidence_mode"` // compat | strict
	PrivateSpacePrefix   string `json:"private_space_prefix"`
	UnknownActorPolicy   string `json:"unknown_actor_policy"` // allow | degrade | reject
	ValidateEvidenceRefs bool   `json:"validate_evidence_refs"`
}

func DefaultPolicySettings(projectKey string) PolicySettings {
	return PolicySettings{
		ProjectKey:       projectKey,
		TeamWriteEnabled: true,
		PolicyJSON: PolicyJSON{
			EvidenceMode:       "compat",
			PrivateSpacePrefix: "private:" + projectKey + ":",
			UnknownActorPolicy: "degrade",
		},
	}
}
