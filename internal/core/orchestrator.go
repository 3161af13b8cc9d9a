package core

// orchestrator.go drives a job through the phase state machine. Each phase
// runs under its own timeout, records its milestone checkpoint on success and
// moves the job to FAILED on error; a failed job resumes from the phase after
// its last checkpoint. The Service is the only writer of job records.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nvqhuy/xlsmigrate/internal/config"
	"github.com/nvqhuy/xlsmigrate/internal/logging"
)

// Service orchestrates migration jobs end to end.
type Service struct {
	store      Store
	openSource SourceFactory
	cfg        *config.Config
	strategy   Strategy
	limiter    *StartLimiter

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	draining bool

	now func() time.Time
}

// NewService wires the orchestrator. The source factory opens uploaded
// workbooks; tests substitute in-memory sources and stores.
func NewService(store Store, openSource SourceFactory, cfg *config.Config) (*Service, error) {
	strategy, err := ParseStrategy(cfg.Migration.Strategy)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:      store,
		openSource: openSource,
		cfg:        cfg,
		strategy:   strategy,
		limiter: NewStartLimiter(cfg.Rate.Enabled,
			cfg.Rate.StartsPerMinute, time.Minute),
		cancels: make(map[string]context.CancelFunc),
		now:     time.Now,
	}, nil
}

// StartRequest describes one migration start.
type StartRequest struct {
	// MigrationKey selects the registered migration definition.
	MigrationKey string

	// FilePath is the spooled workbook on local disk.
	FilePath string

	CreatedBy string

	// JobID, when set, makes the start idempotent on that id: a completed
	// job returns its existing result, a running job is rejected and a
	// failed job resumes from its checkpoint. Empty allocates a fresh id.
	JobID string

	// MaxRows, when positive, tightens the row ceiling for this job below
	// the configured default.
	MaxRows int

	// IngestOnly stops the run after the ingest phase.
	IngestOnly bool
}

// Start runs a migration synchronously and returns the finished job.
// The returned job may be in FAILED state; err then carries the cause.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Job, error) {
	job, def, release, err := s.admit(ctx, req)
	if release != nil {
		defer release()
	}
	if err != nil || job.Phase.Terminal() {
		return job, err
	}

	runErr := s.run(ctx, job, def, req.IngestOnly)
	return job, runErr
}

// StartAsync admits the job, then runs it in the background and returns
// immediately. Progress is observable via Status.
func (s *Service) StartAsync(ctx context.Context, req StartRequest) (*Job, error) {
	job, def, release, err := s.admit(ctx, req)
	if err != nil || job.Phase.Terminal() {
		if release != nil {
			release()
		}
		return job, err
	}

	logger := logging.ForJob(ctx, job.ID)
	go func() {
		defer release()
		// Detached from the request context; cancellation goes through
		// the per-job cancel registered by each phase.
		if err := s.run(context.Background(), job, def, req.IngestOnly); err != nil {
			logger.Error("background migration failed", "error", err)
		}
		// The workbook was spooled for this run only.
		if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
			logger.Warn("spool cleanup failed", "path", job.FilePath, "error", err)
		}
	}()

	return job, nil
}

// Resume re-runs a failed job from the phase after its last checkpoint.
func (s *Service) Resume(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, Errorf(CodeJobNotFound, "job %s not found", jobID)
	}
	if job.Phase.Running() {
		return job, Errorf(CodeInProgress, "job %s is already running", jobID)
	}
	if job.Phase.Terminal() {
		return job, nil
	}
	def, ok := Lookup(job.MigrationKey)
	if !ok {
		return job, Errorf(CodeInternal, "migration %q is not registered", job.MigrationKey)
	}

	if err := s.limiter.Acquire(); err != nil {
		return job, err
	}
	defer s.limiter.Release()

	return job, s.run(ctx, job, def, false)
}

// admit resolves idempotency, allocates the job record and takes a limiter
// slot. The returned release func must be called when the run finishes.
func (s *Service) admit(ctx context.Context, req StartRequest) (*Job, MigrationDefinition, func(), error) {
	def, ok := Lookup(req.MigrationKey)
	if !ok {
		return nil, def, nil, Errorf(CodeJobNotFound, "unknown migration %q", req.MigrationKey)
	}

	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		return nil, def, nil, Retryablef(CodeInProgress, "service is shutting down")
	}

	if req.JobID != "" {
		if !ValidJobID(req.JobID) {
			return nil, def, nil, Errorf(CodeDuplicateJobID, "malformed job id %q", req.JobID)
		}
		existing, err := s.store.GetJob(ctx, req.JobID)
		if err != nil {
			return nil, def, nil, err
		}
		if existing != nil {
			switch {
			case existing.Phase.Terminal():
				return existing, def, nil, nil
			case existing.Phase.Running():
				return existing, def, nil,
					Errorf(CodeInProgress, "job %s is already running", existing.ID)
			}
			// FAILED or parked between phases: resume in place.
			if err := s.limiter.Acquire(); err != nil {
				return existing, def, nil, err
			}
			return existing, def, s.limiter.Release, nil
		}
	}

	if err := s.limiter.Acquire(); err != nil {
		return nil, def, nil, err
	}

	id := req.JobID
	if id == "" {
		var err error
		id, err = s.store.NextJobID(ctx, s.now())
		if err != nil {
			s.limiter.Release()
			return nil, def, nil, err
		}
	}

	now := s.now()
	job := &Job{
		ID:           id,
		MigrationKey: req.MigrationKey,
		FilePath:     req.FilePath,
		CreatedBy:    req.CreatedBy,
		MaxRows:      req.MaxRows,
		Phase:        PhasePending,
		Checkpoint:   PhasePending,
		CreatedAt:    now,
		StartedAt:    &now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.limiter.Release()
		return nil, def, nil, err
	}
	return job, def, s.limiter.Release, nil
}

// run executes the remaining phases of a job, starting from its checkpoint.
func (s *Service) run(ctx context.Context, job *Job, def MigrationDefinition, ingestOnly bool) error {
	logger := logging.ForJob(ctx, job.ID)
	from := job.ResumePhase()
	if from == PhaseCompleted {
		return nil
	}
	logger.Info("migration run starting",
		"migration", job.MigrationKey, "from_phase", string(from))

	type step struct {
		phase     Phase
		milestone Phase
		fn        func(context.Context, *Job, MigrationDefinition) error
	}
	steps := []step{
		{PhaseIngesting, PhaseIngestCompleted, s.ingest},
		{PhaseValidating, PhaseValidated, s.validate},
		{PhaseApplying, PhaseApplied, s.apply},
		{PhaseReconciling, PhaseCompleted, s.reconcile},
	}

	started := false
	for _, st := range steps {
		if st.phase == from {
			started = true
		}
		if !started {
			continue
		}
		if err := s.runPhase(ctx, job, def, st.phase, st.milestone, st.fn); err != nil {
			return err
		}
		if ingestOnly && st.milestone == PhaseIngestCompleted {
			logger.Info("stopping after ingest as requested")
			return nil
		}
	}

	logger.Info("migration completed",
		"total_rows", job.TotalRows, "valid_rows", job.ValidRows,
		"error_rows", job.ErrorRows)
	return nil
}

// runPhase moves the job into phase, executes fn under the phase timeout and
// a registered cancel, and records the milestone or the failure.
func (s *Service) runPhase(ctx context.Context, job *Job, def MigrationDefinition,
	phase, milestone Phase, fn func(context.Context, *Job, MigrationDefinition) error) error {

	logger := logging.ForJob(ctx, job.ID)

	job.Phase = phase
	job.LastError = ""
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return s.fail(ctx, job, err)
	}

	var phaseCtx context.Context
	var cancel context.CancelFunc
	if t := s.cfg.Migration.PhaseTimeout; t > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, t)
	} else {
		phaseCtx, cancel = context.WithCancel(ctx)
	}
	s.registerCancel(job.ID, cancel)
	start := s.now()
	err := fn(phaseCtx, job, def)
	s.unregisterCancel(job.ID)
	cancel()

	if err != nil {
		if phaseCtx.Err() != nil && ctx.Err() == nil && errors.Is(err, context.Canceled) {
			// Phase context cancelled while the parent is alive: operator cancel.
			job.Cancelled = true
			err = Errorf(CodeCancelled, "job %s cancelled during %s", job.ID, phase)
		}
		logger.Error("phase failed", "phase", string(phase),
			"duration", s.now().Sub(start), "error", err)
		return s.fail(ctx, job, err)
	}

	job.Phase = milestone
	job.Checkpoint = milestone
	if milestone == PhaseCompleted {
		t := s.now()
		job.FinishedAt = &t
	}
	if uerr := s.store.UpdateJob(ctx, job); uerr != nil {
		return s.fail(ctx, job, uerr)
	}
	logger.Info("phase completed", "phase", string(phase),
		"duration", s.now().Sub(start))
	return nil
}

// fail records the error on the job and moves it to FAILED. The checkpoint is
// left at the last completed milestone so the job can resume.
func (s *Service) fail(ctx context.Context, job *Job, cause error) error {
	job.Phase = PhaseFailed
	job.LastError = cause.Error()
	t := s.now()
	job.FinishedAt = &t

	// Persist with a fresh context: the phase context may already be dead.
	updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.UpdateJob(updCtx, job); err != nil {
		logging.ForJob(ctx, job.ID).Error("failed to persist job failure", "error", err)
	}
	return cause
}

// ingest streams the workbook through the mapper and validator into staging.
func (s *Service) ingest(ctx context.Context, job *Job, def MigrationDefinition) error {
	src, err := s.openSource(job.FilePath)
	if err != nil {
		return err
	}
	defer src.Close()

	policy := SizePolicy{
		MaxRows:  s.cfg.Migration.MaxRows,
		MaxCells: s.cfg.Migration.MaxCells,
	}
	// A per-job ceiling only ever tightens the configured one.
	if job.MaxRows > 0 && (policy.MaxRows == 0 || job.MaxRows < policy.MaxRows) {
		policy.MaxRows = job.MaxRows
	}
	est, err := src.Estimate(policy)
	if err != nil {
		return err
	}
	if !est.Valid {
		return Errorf(CodeFileTooLarge, "%s", est.Reason)
	}
	logger := logging.ForJob(ctx, job.ID)
	logger.Info("ingest starting", "estimated_rows", est.EstimatedRows)

	validator := NewValidator(def.Descriptor, def.Rules...)
	var binder *Binder
	var errorRows int
	batchSize := s.cfg.Migration.BatchSize

	exec := NewExecutor(ExecutorConfig{
		Workers:     s.cfg.Migration.Workers(),
		Strategy:    s.strategy,
		Retry:       s.retrySpec(),
		SinkTimeout: s.cfg.Migration.SinkTimeout,
		Breaker:     s.newBreaker(),
	})

	produce := func(ctx context.Context, emit func(Batch) error) error {
		seq := 0
		total, err := src.Stream(ctx, batchSize,
			func(header []string) error {
				b, err := def.Descriptor.Bind(header)
				if err != nil {
					return err
				}
				binder = b
				return nil
			},
			func(rows []SourceRow) error {
				// The dimension check failed closed; enforce the ceiling
				// while counting.
				if policy.MaxRows > 0 && rows[len(rows)-1].Number > policy.MaxRows {
					return Errorf(CodeFileTooLarge,
						"sheet exceeds %d data rows", policy.MaxRows)
				}
				mapped := make([]MappedRow, len(rows))
				for i, r := range rows {
					m := binder.Map(r)
					validator.Validate(binder, &m)
					if !m.Valid() {
						errorRows++
					}
					mapped[i] = m
				}
				seq++
				return emit(Batch{Seq: seq, Rows: mapped})
			})
		job.TotalRows = total
		return err
	}

	sink := func(ctx context.Context, b Batch) error {
		rows := make([]RawRow, len(b.Rows))
		for i, m := range b.Rows {
			rows[i] = RawRow{
				RowNumber:    m.Number,
				Values:       m.Values,
				ErrorMessage: m.ErrorMessage(),
				ErrorCode:    m.ErrorCode(),
			}
		}
		return s.store.BulkInsertRaw(ctx, job.ID, rows)
	}

	res, err := exec.Run(ctx, produce, sink)
	job.ProcessedRows = res.Processed
	job.ErrorRows = errorRows
	job.ValidRows = res.Processed - errorRows
	if job.ValidRows < 0 {
		job.ValidRows = 0
	}
	logger.Info("ingest finished",
		"rows", res.Processed, "batches", res.Batches,
		"retries", res.Retries, "error_rows", errorRows,
		"duration", res.Duration)
	return err
}

// validate flags natural-key duplicates and partitions staged rows into the
// valid and error sets. Re-running it rebuilds both partitions.
func (s *Service) validate(ctx context.Context, job *Job, def MigrationDefinition) error {
	logger := logging.ForJob(ctx, job.ID)

	keyCols := def.Descriptor.KeyColumns()
	if len(keyCols) > 0 {
		code := DuplicateCode(def.Descriptor.KeyFieldNames()[0])
		flagged, err := s.store.MarkDuplicates(ctx, job.ID, keyCols, code)
		if err != nil {
			return err
		}
		if flagged > 0 {
			logger.Info("duplicate rows flagged", "count", flagged)
		}
	}

	if err := s.store.Promote(ctx, job.ID); err != nil {
		return err
	}

	valid, err := s.store.ValidCount(ctx, job.ID)
	if err != nil {
		return err
	}
	errs, err := s.store.ErrorCount(ctx, job.ID)
	if err != nil {
		return err
	}
	job.ValidRows = valid
	job.ErrorRows = errs
	logger.Info("validation finished", "valid_rows", valid, "error_rows", errs)
	return nil
}

// apply inserts the valid set into the master tables in dependency order.
// Targets within a layer run in parallel, each in its own transaction, so one
// target's failure never rolls back another's committed work.
func (s *Service) apply(ctx context.Context, job *Job, def MigrationDefinition) error {
	logger := logging.ForJob(ctx, job.ID)

	layers, err := orderTargets(def.Targets)
	if err != nil {
		return err
	}

	for _, layer := range layers {
		var g errgroup.Group
		g.SetLimit(s.cfg.Migration.MaxConcurrentSheets)
		for _, t := range layer {
			t := t
			g.Go(func() error {
				inserted, err := s.store.ApplyTarget(ctx, job.ID, t, def.Descriptor)
				if err != nil {
					return fmt.Errorf("target %s: %w", t.Name, err)
				}
				logger.Info("target applied", "target", t.Name,
					"table", t.Table, "inserted", inserted)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// reconcile asserts the accounting identity over the finished job:
// every staged row is either applied or accounted for as an error.
func (s *Service) reconcile(ctx context.Context, job *Job, def MigrationDefinition) error {
	counts, err := s.Counts(ctx, job.ID, def)
	if err != nil {
		return err
	}

	logging.ForJob(ctx, job.ID).Info("reconciliation",
		"raw", counts.RawCount, "valid", counts.ValidCount,
		"errors", counts.ErrorCount, "inserted", counts.InsertedCount)

	if counts.ValidCount+counts.ErrorCount != counts.RawCount {
		return Errorf(CodeReconciliationMismatch,
			"valid (%d) + errors (%d) != staged (%d)",
			counts.ValidCount, counts.ErrorCount, counts.RawCount)
	}
	if counts.InsertedCount != int64(counts.ValidCount) {
		return Errorf(CodeReconciliationMismatch,
			"master table covers %d of %d valid rows",
			counts.InsertedCount, counts.ValidCount)
	}

	job.ValidRows = counts.ValidCount
	job.ErrorRows = counts.ErrorCount
	return nil
}

// Counts gathers the reconciliation figures for a job.
func (s *Service) Counts(ctx context.Context, jobID string, def MigrationDefinition) (ReconcileCounts, error) {
	var c ReconcileCounts
	var err error

	if c.RawCount, err = s.store.RawCount(ctx, jobID); err != nil {
		return c, err
	}
	if c.ValidCount, err = s.store.ValidCount(ctx, jobID); err != nil {
		return c, err
	}
	if c.ErrorCount, err = s.store.ErrorCount(ctx, jobID); err != nil {
		return c, err
	}
	c.InsertedCount, err = s.store.AppliedCount(ctx, jobID, def.PrimaryTarget())
	return c, err
}

// RunPhase executes a single named phase of an existing job, for the
// step-by-step endpoints. The job must be parked at the right checkpoint.
func (s *Service) RunPhase(ctx context.Context, jobID string, phase Phase) (*Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, Errorf(CodeJobNotFound, "job %s not found", jobID)
	}
	if job.Phase.Running() {
		return job, Errorf(CodeInProgress, "job %s is already running", jobID)
	}
	def, ok := Lookup(job.MigrationKey)
	if !ok {
		return job, Errorf(CodeInternal, "migration %q is not registered", job.MigrationKey)
	}

	var milestone Phase
	var fn func(context.Context, *Job, MigrationDefinition) error
	var requires []Phase

	switch phase {
	case PhaseValidating:
		milestone, fn = PhaseValidated, s.validate
		requires = []Phase{PhaseIngestCompleted, PhaseValidated, PhaseApplied}
	case PhaseApplying:
		milestone, fn = PhaseApplied, s.apply
		requires = []Phase{PhaseValidated, PhaseApplied}
	case PhaseReconciling:
		milestone, fn = PhaseCompleted, s.reconcile
		requires = []Phase{PhaseApplied}
	default:
		return job, Errorf(CodeInternal, "phase %s cannot be run directly", phase)
	}

	allowed := false
	for _, r := range requires {
		if job.Checkpoint == r {
			allowed = true
			break
		}
	}
	if !allowed {
		return job, Errorf(CodePhaseFailed,
			"job %s is at %s, cannot run %s", jobID, job.Checkpoint, phase)
	}

	if err := s.limiter.Acquire(); err != nil {
		return job, err
	}
	defer s.limiter.Release()

	return job, s.runPhase(ctx, job, def, phase, milestone, fn)
}

// Status returns the job's read model.
func (s *Service) Status(ctx context.Context, jobID string) (Summary, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return Summary{}, err
	}
	if job == nil {
		return Summary{}, Errorf(CodeJobNotFound, "job %s not found", jobID)
	}
	return job.Summarize(), nil
}

// List returns recent jobs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Summary, error) {
	jobs, err := s.store.ListJobs(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, len(jobs))
	for i, j := range jobs {
		out[i] = j.Summarize()
	}
	return out, nil
}

// ErrorStats summarizes a job's row-level failures.
func (s *Service) ErrorStats(ctx context.Context, jobID string) (ErrorStats, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return ErrorStats{}, err
	}
	if job == nil {
		return ErrorStats{}, Errorf(CodeJobNotFound, "job %s not found", jobID)
	}
	n, err := s.store.ErrorCount(ctx, jobID)
	if err != nil {
		return ErrorStats{}, err
	}
	return ErrorStats{
		HasErrors:          n > 0,
		ErrorCount:         n,
		ErrorFileAvailable: n > 0,
	}, nil
}

// ErrorFileHeaders returns the migration's declared headers for rendering
// the job's error report.
func (s *Service) ErrorFileHeaders(ctx context.Context, jobID string) ([]string, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, Errorf(CodeJobNotFound, "job %s not found", jobID)
	}
	def, ok := Lookup(job.MigrationKey)
	if !ok {
		return nil, Errorf(CodeInternal, "migration %q is not registered", job.MigrationKey)
	}
	return def.Descriptor.Headers(), nil
}

// StreamErrors feeds the job's error rows to fn in row order.
func (s *Service) StreamErrors(ctx context.Context, jobID string, fn func(row RawRow) error) error {
	return s.store.StreamErrors(ctx, jobID, fn)
}

// Cleanup removes a job's staging rows. With keepErrors the error partition
// survives so the error file stays downloadable.
func (s *Service) Cleanup(ctx context.Context, jobID string, keepErrors bool) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return Errorf(CodeJobNotFound, "job %s not found", jobID)
	}
	if job.Phase.Running() {
		return Errorf(CodeInProgress, "job %s is still running", jobID)
	}
	return s.store.DeleteJobData(ctx, jobID, keepErrors)
}

// Cancel requests cooperative cancellation of a running job.
// Returns false when the job has no phase in flight.
func (s *Service) Cancel(jobID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// BeginShutdown stops admitting new jobs.
func (s *Service) BeginShutdown() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
}

// WaitForDrain blocks until in-flight runs finish or ctx expires.
func (s *Service) WaitForDrain(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// Active returns the number of in-flight migration runs.
func (s *Service) Active() int { return s.limiter.Active() }

func (s *Service) registerCancel(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()
}

func (s *Service) unregisterCancel(jobID string) {
	s.mu.Lock()
	delete(s.cancels, jobID)
	s.mu.Unlock()
}

func (s *Service) retrySpec() RetrySpec {
	return RetrySpec{
		MaxAttempts:  s.cfg.Retry.MaxAttempts,
		InitialDelay: s.cfg.Retry.InitialDelay,
		Multiplier:   s.cfg.Retry.Multiplier,
		MaxDelay:     s.cfg.Retry.MaxDelay,
	}
}

func (s *Service) newBreaker() *Breaker {
	return NewBreaker(s.cfg.Circuit.WindowSize,
		s.cfg.Circuit.FailureRateThreshold, s.cfg.Circuit.OpenDuration)
}
