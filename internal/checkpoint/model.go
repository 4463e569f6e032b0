package checkpoint

import "time"

// Run terminal states recorded in the audit trail.
const (
	RunStateSucceeded = "succeeded"
	RunStateEmpty     = "empty"
	RunStateFailed    = "failed"
)

// Checkpoint is the single persisted synchronization watermark plus the
// cached session token. Exactly one row exists; it replaces the flat
// cache.json the previous generation of this tool kept next to the binary.
type Checkpoint struct {
	ID                int64  `gorm:"column:id;primaryKey"`
	LastProcessedAtMs int64  `gorm:"column:last_processed_at_ms;not null"`
	Token             string `gorm:"column:token;type:text;not null;default:''"`
	UpdatedAtMs       int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Checkpoint) TableName() string {
	return "sync_checkpoint"
}

// RunRecord captures an append-only audit trail of sync runs.
type RunRecord struct {
	RunID              string `gorm:"column:run_id;primaryKey;size:190;not null"`
	StartedAtMs        int64  `gorm:"column:started_at_ms;not null;index:idx_runs_started"`
	FinishedAtMs       int64  `gorm:"column:finished_at_ms;not null"`
	State              string `gorm:"column:state;size:32;not null"`
	SubmissionsFetched int    `gorm:"column:submissions_fetched;not null;default:0"`
	SubmissionsDropped int    `gorm:"column:submissions_dropped;not null;default:0"`
	RowsTouched        int    `gorm:"column:rows_touched;not null;default:0"`
	UnknownEntities    int    `gorm:"column:unknown_entities;not null;default:0"`
	Error              string `gorm:"column:error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (RunRecord) TableName() string {
	return "sync_runs"
}

// Snapshot is the in-memory view of the checkpoint handed to a run.
type Snapshot struct {
	Watermark time.Time
	Token     string
}
