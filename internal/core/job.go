// Package core implements the migration pipeline: the phase state machine,
// the descriptor-driven row mapper and validator, the parallel batch
// executor, and the orchestrator that drives a job through
// Ingest -> Validate -> Apply -> Reconcile.
// This package has no HTTP dependencies and is wired by cmd/server.
package core

import (
	"fmt"
	"regexp"
	"time"
)

// Phase is the lifecycle state of a migration job.
type Phase string

const (
	PhasePending         Phase = "PENDING"
	PhaseIngesting       Phase = "INGESTING"
	PhaseIngestCompleted Phase = "INGEST_COMPLETED"
	PhaseValidating      Phase = "VALIDATING"
	PhaseValidated       Phase = "VALIDATED"
	PhaseApplying        Phase = "APPLYING"
	PhaseApplied         Phase = "APPLIED"
	PhaseReconciling     Phase = "RECONCILING"
	PhaseCompleted       Phase = "COMPLETED"
	PhaseFailed          Phase = "FAILED"
)

// phaseOrder gives each forward state its rank for transition checks.
var phaseOrder = map[Phase]int{
	PhasePending:         0,
	PhaseIngesting:       1,
	PhaseIngestCompleted: 2,
	PhaseValidating:      3,
	PhaseValidated:       4,
	PhaseApplying:        5,
	PhaseApplied:         6,
	PhaseReconciling:     7,
	PhaseCompleted:       8,
}

// Terminal reports whether the phase accepts no further work.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted
}

// Running reports whether the phase is an in-flight working state.
func (p Phase) Running() bool {
	switch p {
	case PhaseIngesting, PhaseValidating, PhaseApplying, PhaseReconciling:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one phase to another.
// Transitions are strictly forward; FAILED is reachable from anywhere and
// restartable (handled by ResumePhase, not by this check).
func CanTransition(from, to Phase) bool {
	if to == PhaseFailed {
		return true
	}
	fo, ok1 := phaseOrder[from]
	to2, ok2 := phaseOrder[to]
	if !ok1 || !ok2 {
		return false
	}
	return to2 == fo+1
}

// Job is one migration unit operating on one input file.
// The orchestrator is the only writer of a Job record.
type Job struct {
	ID           string
	MigrationKey string
	FilePath     string
	CreatedBy    string

	Phase Phase
	// Checkpoint is the last successfully completed milestone
	// (PENDING, INGEST_COMPLETED, VALIDATED, APPLIED or COMPLETED).
	// A FAILED job resumes from the phase after its checkpoint.
	Checkpoint Phase

	// MaxRows, when positive, overrides the configured row ceiling for this
	// job only. Persisted so a resumed job enforces the same ceiling.
	MaxRows int

	TotalRows     int
	ProcessedRows int
	ErrorRows     int
	ValidRows     int

	LastError string
	Cancelled bool

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// jobIDPattern is the canonical job id shape: JOB-YYYYMMDD-NNN.
var jobIDPattern = regexp.MustCompile(`^JOB-\d{8}-\d{3}$`)

// ValidJobID reports whether id matches the canonical job id shape.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// FormatJobID builds a job id from a day and a per-day sequence number.
func FormatJobID(day time.Time, seq int) string {
	return fmt.Sprintf("JOB-%s-%03d", day.Format("20060102"), seq)
}

// ResumePhase returns the phase a failed job should re-enter, derived from
// its checkpoint. A job that never completed ingest starts over at ingest.
func (j *Job) ResumePhase() Phase {
	switch j.Checkpoint {
	case PhaseIngestCompleted:
		return PhaseValidating
	case PhaseValidated:
		return PhaseApplying
	case PhaseApplied:
		return PhaseReconciling
	case PhaseCompleted:
		return PhaseCompleted
	default:
		return PhaseIngesting
	}
}

// Summary is the read model returned by status endpoints.
type Summary struct {
	JobID         string     `json:"jobId"`
	MigrationKey  string     `json:"migrationKey"`
	Phase         Phase      `json:"phase"`
	TotalRows     int        `json:"totalRows"`
	ProcessedRows int        `json:"processedRows"`
	ErrorRows     int        `json:"errorRows"`
	ValidRows     int        `json:"validRows"`
	LastError     string     `json:"lastError,omitempty"`
	Cancelled     bool       `json:"cancelled,omitempty"`
	CreatedBy     string     `json:"createdBy,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// Summarize converts a Job to its status read model.
func (j *Job) Summarize() Summary {
	return Summary{
		JobID:         j.ID,
		MigrationKey:  j.MigrationKey,
		Phase:         j.Phase,
		TotalRows:     j.TotalRows,
		ProcessedRows: j.ProcessedRows,
		ErrorRows:     j.ErrorRows,
		ValidRows:     j.ValidRows,
		LastError:     j.LastError,
		Cancelled:     j.Cancelled,
		CreatedBy:     j.CreatedBy,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
	}
}
