package core

// store.go defines the persistence contract the orchestrator drives.
// The PostgreSQL implementation lives in internal/staging; tests use an
// in-memory fake.

import (
	"context"
	"time"
)

// RawRow is the staged form of one source row. Values align with the
// migration descriptor's fields. An empty ErrorMessage marks the row valid.
type RawRow struct {
	RowNumber    int
	Values       []string
	ErrorMessage string
	ErrorCode    string
}

// ApplyTarget describes one master table fed by the apply phase.
// Targets run in topological dependency order; independent targets may run
// in parallel up to the configured sheet limit.
type ApplyTarget struct {
	// Name identifies the target in dependency declarations and logs.
	Name string

	// Table is the master table name.
	Table string

	// DependsOn lists target names that must complete first
	// (reference tables before fact tables).
	DependsOn []string

	// Columns are the master table columns receiving values.
	Columns []string

	// Fields are the descriptor field names feeding Columns, same order.
	Fields []string

	// ConflictKey is the natural key; inserts use ON CONFLICT DO NOTHING on
	// it so re-running apply is idempotent per row.
	ConflictKey []string

	// Distinct collapses duplicate value tuples before insert, for
	// reference tables derived from repeating columns.
	Distinct bool

	// Primary marks the fact table whose row count reconciliation checks
	// against the valid-row count. Exactly one target should be primary.
	Primary bool
}

// ErrorStats summarizes a job's row-level failures for the stats endpoint.
type ErrorStats struct {
	HasErrors          bool `json:"hasErrors"`
	ErrorCount         int  `json:"errorCount"`
	ErrorFileAvailable bool `json:"errorFileAvailable"`
}

// ReconcileCounts are the figures the reconcile phase asserts over.
type ReconcileCounts struct {
	RawCount      int   `json:"rawCount"`
	ValidCount    int   `json:"validCount"`
	ErrorCount    int   `json:"errorCount"`
	InsertedCount int64 `json:"insertedCount"`
}

// Store is the durable staging and job-state layer.
// All row tables are keyed by (jobID, rowNumber); bulk insert is idempotent
// on that key so a repeated ingest is a no-op for already-present rows.
type Store interface {
	// NextJobID allocates the next JOB-YYYYMMDD-NNN id for the given day.
	NextJobID(ctx context.Context, day time.Time) (string, error)

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	ListJobs(ctx context.Context, limit int) ([]*Job, error)

	// BulkInsertRaw stages a batch with a multi-row statement, skipping rows
	// whose (jobID, rowNumber) already exists.
	BulkInsertRaw(ctx context.Context, jobID string, rows []RawRow) error

	RawCount(ctx context.Context, jobID string) (int, error)
	ValidCount(ctx context.Context, jobID string) (int, error)
	ErrorCount(ctx context.Context, jobID string) (int, error)

	// MarkDuplicates flags raw rows whose natural key repeats an earlier row
	// of the same job, attaching the given error code. Returns rows flagged.
	MarkDuplicates(ctx context.Context, jobID string, keyColumns []string, code string) (int, error)

	// Promote partitions staged raw rows into the valid and error tables.
	// It is idempotent: re-promotion rebuilds both partitions.
	Promote(ctx context.Context, jobID string) error

	// StreamValid feeds valid rows to fn in rowNumber order, batchSize at a
	// time, without materializing the whole set.
	StreamValid(ctx context.Context, jobID string, batchSize int, fn func(rows []RawRow) error) error

	// StreamErrors feeds error rows to fn one at a time in rowNumber order.
	StreamErrors(ctx context.Context, jobID string, fn func(row RawRow) error) error

	// ApplyTarget inserts the job's valid rows into one master table inside
	// its own transaction. Returns rows inserted by this call.
	ApplyTarget(ctx context.Context, jobID string, target ApplyTarget, desc *Descriptor) (int64, error)

	// AppliedCount counts the job's rows present in the primary master
	// table, regardless of which apply run inserted them.
	AppliedCount(ctx context.Context, jobID string, target ApplyTarget) (int64, error)

	// DeleteJobData removes the job's staging rows. With keepErrors the
	// error partition survives for error-file downloads.
	DeleteJobData(ctx context.Context, jobID string, keepErrors bool) error
}
