package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nvqhuy/xlsmigrate/internal/config"
)

// ----------------------------------------------------------------------------
// In-Memory Fakes
// ----------------------------------------------------------------------------

// fakeStore is an in-memory core.Store mirroring the semantics of the
// PostgreSQL implementation: idempotent raw inserts keyed by row number,
// rebuildable valid/error partitions and conflict-skipping master inserts.
type fakeStore struct {
	mu    sync.Mutex
	desc  *Descriptor
	jobs  map[string]Job
	raw   map[string]map[int]RawRow
	valid map[string]map[int]RawRow
	errs  map[string]map[int]RawRow

	// master[table][naturalKey] = owning job id
	master map[string]map[string]string

	// bulkErr, when set, is consulted per BulkInsertRaw call to inject
	// sink faults.
	bulkErr   func(call int) error
	bulkCalls int
}

func newFakeStore(desc *Descriptor) *fakeStore {
	return &fakeStore{
		desc:   desc,
		jobs:   make(map[string]Job),
		raw:    make(map[string]map[int]RawRow),
		valid:  make(map[string]map[int]RawRow),
		errs:   make(map[string]map[int]RawRow),
		master: make(map[string]map[string]string),
	}
}

func (f *fakeStore) NextJobID(ctx context.Context, day time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FormatJobID(day, len(f.jobs)+1), nil
}

func (f *fakeStore) CreateJob(ctx context.Context, job *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.jobs[job.ID]; exists {
		return Errorf(CodeDuplicateJobID, "job %s already exists", job.ID)
	}
	f.jobs[job.ID] = *job
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, nil
	}
	copied := j
	return &copied, nil
}

func (f *fakeStore) UpdateJob(ctx context.Context, job *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = *job
	return nil
}

func (f *fakeStore) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Job
	for _, j := range f.jobs {
		copied := j
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) BulkInsertRaw(ctx context.Context, jobID string, rows []RawRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bulkCalls++
	if f.bulkErr != nil {
		if err := f.bulkErr(f.bulkCalls); err != nil {
			return err
		}
	}

	byNum := f.raw[jobID]
	if byNum == nil {
		byNum = make(map[int]RawRow)
		f.raw[jobID] = byNum
	}
	for _, r := range rows {
		if _, exists := byNum[r.RowNumber]; !exists {
			byNum[r.RowNumber] = r
		}
	}
	return nil
}

func (f *fakeStore) RawCount(ctx context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raw[jobID]), nil
}

func (f *fakeStore) ValidCount(ctx context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.valid[jobID]), nil
}

func (f *fakeStore) ErrorCount(ctx context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs[jobID]), nil
}

func (f *fakeStore) MarkDuplicates(ctx context.Context, jobID string, keyColumns []string, code string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cols := f.desc.Columns()
	idx := make([]int, 0, len(keyColumns))
	for _, kc := range keyColumns {
		for i, c := range cols {
			if c == kc {
				idx = append(idx, i)
			}
		}
	}

	nums := sortedRowNumbers(f.raw[jobID])
	seen := make(map[string]bool)
	flagged := 0
	for _, n := range nums {
		r := f.raw[jobID][n]
		parts := make([]string, len(idx))
		empty := true
		for i, k := range idx {
			if k < len(r.Values) {
				parts[i] = r.Values[k]
				if parts[i] != "" {
					empty = false
				}
			}
		}
		if empty {
			continue
		}
		key := strings.Join(parts, "\x1f")
		if !seen[key] {
			seen[key] = true
			continue
		}
		if strings.Contains(r.ErrorCode, code) {
			continue
		}
		if r.ErrorCode == "" {
			r.ErrorCode = code
			r.ErrorMessage = "duplicate natural key"
		} else {
			r.ErrorCode += "," + code
			r.ErrorMessage += "; duplicate natural key"
		}
		f.raw[jobID][n] = r
		flagged++
	}
	return flagged, nil
}

func (f *fakeStore) Promote(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	valid := make(map[int]RawRow)
	errs := make(map[int]RawRow)
	for n, r := range f.raw[jobID] {
		if r.ErrorMessage == "" {
			valid[n] = r
		} else {
			errs[n] = r
		}
	}
	f.valid[jobID] = valid
	f.errs[jobID] = errs
	return nil
}

func (f *fakeStore) StreamValid(ctx context.Context, jobID string, batchSize int, fn func(rows []RawRow) error) error {
	f.mu.Lock()
	nums := sortedRowNumbers(f.valid[jobID])
	rows := make([]RawRow, 0, len(nums))
	for _, n := range nums {
		rows = append(rows, f.valid[jobID][n])
	}
	f.mu.Unlock()

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := fn(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) StreamErrors(ctx context.Context, jobID string, fn func(row RawRow) error) error {
	f.mu.Lock()
	nums := sortedRowNumbers(f.errs[jobID])
	rows := make([]RawRow, 0, len(nums))
	for _, n := range nums {
		rows = append(rows, f.errs[jobID][n])
	}
	f.mu.Unlock()

	for _, r := range rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) ApplyTarget(ctx context.Context, jobID string, target ApplyTarget, desc *Descriptor) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := f.master[target.Table]
	if table == nil {
		table = make(map[string]string)
		f.master[target.Table] = table
	}

	conflictFields := make([]string, 0, len(target.ConflictKey))
	for _, kc := range target.ConflictKey {
		for i, c := range target.Columns {
			if c == kc {
				conflictFields = append(conflictFields, target.Fields[i])
			}
		}
	}

	seenTuples := make(map[string]bool)
	var inserted int64
	for _, n := range sortedRowNumbers(f.valid[jobID]) {
		r := f.valid[jobID][n]

		tuple := make([]string, len(target.Fields))
		for i, field := range target.Fields {
			if k := desc.FieldIndex(field); k >= 0 && k < len(r.Values) {
				tuple[i] = r.Values[k]
			}
		}
		if target.Distinct {
			t := strings.Join(tuple, "\x1f")
			if seenTuples[t] {
				continue
			}
			seenTuples[t] = true
		}

		key := fmt.Sprintf("row-%d", n)
		if len(conflictFields) > 0 {
			parts := make([]string, len(conflictFields))
			for i, field := range conflictFields {
				if k := desc.FieldIndex(field); k >= 0 && k < len(r.Values) {
					parts[i] = r.Values[k]
				}
			}
			key = strings.Join(parts, "\x1f")
		}

		if _, exists := table[key]; exists {
			continue
		}
		table[key] = jobID
		inserted++
	}
	return inserted, nil
}

func (f *fakeStore) AppliedCount(ctx context.Context, jobID string, target ApplyTarget) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Matched on the natural key, not on the owning job, so rows another
	// job inserted first still count for this one.
	if len(target.ConflictKey) == 0 {
		var n int64
		for _, owner := range f.master[target.Table] {
			if owner == jobID {
				n++
			}
		}
		return n, nil
	}

	conflictFields := make([]string, 0, len(target.ConflictKey))
	for _, kc := range target.ConflictKey {
		for i, c := range target.Columns {
			if c == kc {
				conflictFields = append(conflictFields, target.Fields[i])
			}
		}
	}

	table := f.master[target.Table]
	var n int64
	for _, rn := range sortedRowNumbers(f.valid[jobID]) {
		r := f.valid[jobID][rn]
		parts := make([]string, len(conflictFields))
		for i, field := range conflictFields {
			if k := f.desc.FieldIndex(field); k >= 0 && k < len(r.Values) {
				parts[i] = r.Values[k]
			}
		}
		if _, ok := table[strings.Join(parts, "\x1f")]; ok {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteJobData(ctx context.Context, jobID string, keepErrors bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.raw, jobID)
	delete(f.valid, jobID)
	if !keepErrors {
		delete(f.errs, jobID)
	}
	return nil
}

func sortedRowNumbers[T any](m map[int]T) []int {
	nums := make([]int, 0, len(m))
	for n := range m {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// fakeSource replays an in-memory sheet.
type fakeSource struct {
	header   []string
	rows     [][]string
	estimate SizeEstimate
	blockCtx bool // when set, Stream parks until the context dies
}

func (f *fakeSource) Estimate(policy SizePolicy) (SizeEstimate, error) {
	if f.estimate.Valid || f.estimate.Reason != "" {
		return f.estimate, nil
	}
	return SizeEstimate{Valid: true, EstimatedRows: int64(len(f.rows))}, nil
}

func (f *fakeSource) Stream(ctx context.Context, batchSize int,
	headerFn func(header []string) error,
	batchFn func(rows []SourceRow) error) (int, error) {

	if f.blockCtx {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	if err := headerFn(f.header); err != nil {
		return 0, err
	}

	total := 0
	buf := make([]SourceRow, 0, batchSize)
	for i, cells := range f.rows {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		total++
		padded := make([]string, len(f.header))
		copy(padded, cells)
		buf = append(buf, SourceRow{Number: i + 1, Cells: padded})
		if len(buf) == batchSize {
			if err := batchFn(buf); err != nil {
				return total, err
			}
			buf = make([]SourceRow, 0, batchSize)
		}
	}
	if len(buf) > 0 {
		if err := batchFn(buf); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *fakeSource) Close() error { return nil }

// ----------------------------------------------------------------------------
// Fixture
// ----------------------------------------------------------------------------

const orchKey = "orch-employee"

func orchDefinition() MigrationDefinition {
	desc := MustDescriptor([]FieldBinding{
		{Name: "maDonVi", Column: "Mã đơn vị", Required: true},
		{Name: "tenDonVi", Column: "Tên đơn vị"},
		{Name: "maNhanVien", Column: "Mã nhân viên", Required: true, Key: true},
		{Name: "hoTen", Column: "Họ tên", Required: true},
		{Name: "cmnd", Column: "Số CMND"},
	})
	return MigrationDefinition{
		Key:        orchKey,
		Label:      "Orchestrator fixture",
		Descriptor: desc,
		Targets: []ApplyTarget{
			{
				Name:        "don_vi",
				Table:       "don_vi",
				Columns:     []string{"ma_don_vi", "ten_don_vi"},
				Fields:      []string{"maDonVi", "tenDonVi"},
				ConflictKey: []string{"ma_don_vi"},
				Distinct:    true,
			},
			{
				Name:        "nhan_vien",
				Table:       "nhan_vien",
				DependsOn:   []string{"don_vi"},
				Columns:     []string{"ma_nhan_vien", "ho_ten", "ma_don_vi", "cmnd"},
				Fields:      []string{"maNhanVien", "hoTen", "maDonVi", "cmnd"},
				ConflictKey: []string{"ma_nhan_vien"},
				Primary:     true,
			},
		},
	}
}

func orchConfig() *config.Config {
	return &config.Config{
		Migration: config.MigrationConfig{
			BatchSize:            8,
			MaxConcurrentBatches: 2,
			MaxConcurrentSheets:  2,
			MaxRows:              1000,
			MaxCells:             100000,
			Strategy:             "parallel",
			PhaseTimeout:         10 * time.Second,
			SinkTimeout:          time.Second,
		},
		Retry: config.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Multiplier:   2,
			MaxDelay:     10 * time.Millisecond,
		},
		Circuit: config.CircuitConfig{
			WindowSize:           10,
			FailureRateThreshold: 0.5,
			OpenDuration:         100 * time.Millisecond,
		},
		Rate: config.RateLimitConfig{Enabled: false},
	}
}

// employeeRows builds n well-formed source rows.
func employeeRows(n int) [][]string {
	rows := make([][]string, n)
	for i := range rows {
		unit := fmt.Sprintf("DV%02d", i%3)
		rows[i] = []string{
			unit, "Phòng " + unit,
			fmt.Sprintf("NV%04d", i+1), fmt.Sprintf("Nhân viên %d", i+1),
			fmt.Sprintf("%012d", i+1),
		}
	}
	return rows
}

func orchHeader() []string {
	return []string{"Mã đơn vị", "Tên đơn vị", "Mã nhân viên", "Họ tên", "Số CMND"}
}

// newOrchService registers the fixture migration and wires a Service over the
// fakes. The source factory ignores the path and returns src.
func newOrchService(t *testing.T, src Source, cfg *config.Config) (*Service, *fakeStore) {
	t.Helper()
	ClearRegistry()
	t.Cleanup(ClearRegistry)

	def := orchDefinition()
	Register(def)

	store := newFakeStore(def.Descriptor)
	svc, err := NewService(store, func(string) (Source, error) { return src, nil }, cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

// ----------------------------------------------------------------------------
// Full Pipeline Tests
// ----------------------------------------------------------------------------

func TestStartRunsAllPhases(t *testing.T) {
	src := &fakeSource{header: orchHeader(), rows: employeeRows(50)}
	svc, store := newOrchService(t, src, orchConfig())

	job, err := svc.Start(context.Background(), StartRequest{
		MigrationKey: orchKey, FilePath: "ignored.xlsx", CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if job.Phase != PhaseCompleted {
		t.Fatalf("phase = %s (%s), want COMPLETED", job.Phase, job.LastError)
	}
	if job.TotalRows != 50 || job.ValidRows != 50 || job.ErrorRows != 0 {
		t.Errorf("counts: total=%d valid=%d errors=%d", job.TotalRows, job.ValidRows, job.ErrorRows)
	}

	// Every valid row landed exactly once in the fact table, and the
	// reference table deduplicated the three units.
	n, _ := store.AppliedCount(context.Background(), job.ID, orchDefinition().Targets[1])
	if n != 50 {
		t.Errorf("nhan_vien rows = %d, want 50", n)
	}
	if len(store.master["don_vi"]) != 3 {
		t.Errorf("don_vi rows = %d, want 3", len(store.master["don_vi"]))
	}
}

func TestRowErrorsDoNotFailTheJob(t *testing.T) {
	rows := employeeRows(20)
	rows[4][0] = ""  // missing required maDonVi
	rows[11][0] = "" // same
	rows[17][3] = "" // missing required hoTen
	src := &fakeSource{header: orchHeader(), rows: rows}
	svc, store := newOrchService(t, src, orchConfig())

	job, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Phase != PhaseCompleted {
		t.Fatalf("phase = %s (%s), want COMPLETED despite row errors", job.Phase, job.LastError)
	}
	if job.ErrorRows != 3 || job.ValidRows != 17 {
		t.Errorf("errors=%d valid=%d, want 3/17", job.ErrorRows, job.ValidRows)
	}

	// The error rows are downloadable with their codes.
	var codes []string
	_ = store.StreamErrors(context.Background(), job.ID, func(r RawRow) error {
		codes = append(codes, r.ErrorCode)
		return nil
	})
	if len(codes) != 3 {
		t.Fatalf("error rows = %d, want 3", len(codes))
	}
	if codes[0] != "REQUIRED_MA_DON_VI" {
		t.Errorf("first code = %q", codes[0])
	}
}

func TestDuplicateKeysAreFlagged(t *testing.T) {
	rows := employeeRows(10)
	rows[7][2] = "NV0003" // repeats row 3's maNhanVien
	src := &fakeSource{header: orchHeader(), rows: rows}
	svc, _ := newOrchService(t, src, orchConfig())

	job, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Phase != PhaseCompleted {
		t.Fatalf("phase = %s (%s)", job.Phase, job.LastError)
	}
	if job.ErrorRows != 1 || job.ValidRows != 9 {
		t.Errorf("errors=%d valid=%d, want 1/9", job.ErrorRows, job.ValidRows)
	}
}

// ----------------------------------------------------------------------------
// Size Ceiling Tests
// ----------------------------------------------------------------------------

func TestOversizedFileRejectedUpFront(t *testing.T) {
	src := &fakeSource{
		header:   orchHeader(),
		estimate: SizeEstimate{Valid: false, Reason: "sheet declares 2000000 data rows, limit is 1000000"},
	}
	svc, _ := newOrchService(t, src, orchConfig())

	job, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err == nil {
		t.Fatal("expected FILE_TOO_LARGE")
	}
	if CodeOf(err) != CodeFileTooLarge {
		t.Errorf("code = %s", CodeOf(err))
	}
	if job.Phase != PhaseFailed {
		t.Errorf("phase = %s, want FAILED", job.Phase)
	}
}

func TestRowCeilingEnforcedWhileStreaming(t *testing.T) {
	cfg := orchConfig()
	cfg.Migration.MaxRows = 10

	// The dimension is unresolved, so the check fails closed and the
	// streaming counter must catch the overflow.
	src := &fakeSource{
		header:   orchHeader(),
		rows:     employeeRows(25),
		estimate: SizeEstimate{Valid: true, EstimatedRows: -1},
	}
	svc, _ := newOrchService(t, src, cfg)

	_, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err == nil {
		t.Fatal("expected FILE_TOO_LARGE")
	}
	if CodeOf(err) != CodeFileTooLarge {
		t.Errorf("code = %s", CodeOf(err))
	}
}

func TestPerJobRowCeilingOverride(t *testing.T) {
	// The configured ceiling would allow the file; the per-job one does not.
	cfg := orchConfig()
	cfg.Migration.MaxRows = 1000

	src := &fakeSource{
		header:   orchHeader(),
		rows:     employeeRows(25),
		estimate: SizeEstimate{Valid: true, EstimatedRows: -1},
	}
	svc, _ := newOrchService(t, src, cfg)

	_, err := svc.Start(context.Background(), StartRequest{
		MigrationKey: orchKey,
		FilePath:     "f",
		MaxRows:      10,
	})
	if CodeOf(err) != CodeFileTooLarge {
		t.Errorf("code = %s, want FILE_TOO_LARGE", CodeOf(err))
	}
}

// ----------------------------------------------------------------------------
// Fault Recovery Tests
// ----------------------------------------------------------------------------

func TestTransientSinkFaultsAreRetried(t *testing.T) {
	src := &fakeSource{header: orchHeader(), rows: employeeRows(30)}
	svc, store := newOrchService(t, src, orchConfig())

	// The first two staging writes fail transiently, then the store heals.
	store.bulkErr = func(call int) error {
		if call <= 2 {
			return Transient(errors.New("connection refused"))
		}
		return nil
	}

	job, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Phase != PhaseCompleted {
		t.Fatalf("phase = %s (%s), want COMPLETED after retries", job.Phase, job.LastError)
	}
	if job.ValidRows != 30 {
		t.Errorf("valid = %d, want 30", job.ValidRows)
	}
}

func TestExhaustedTransientFaultFailsTheJob(t *testing.T) {
	src := &fakeSource{header: orchHeader(), rows: employeeRows(5)}
	svc, store := newOrchService(t, src, orchConfig())
	store.bulkErr = func(int) error { return Transient(errors.New("still down")) }

	job, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if CodeOf(err) != CodePhaseFailed {
		t.Errorf("code = %s, want PHASE_FAILED", CodeOf(err))
	}
	if job.Phase != PhaseFailed {
		t.Errorf("phase = %s", job.Phase)
	}
	// Ingest never completed, so the checkpoint still points at the start.
	if job.Checkpoint != PhasePending {
		t.Errorf("checkpoint = %s, want PENDING", job.Checkpoint)
	}
}

func TestResumeReingestsIdempotently(t *testing.T) {
	src := &fakeSource{header: orchHeader(), rows: employeeRows(20)}
	svc, store := newOrchService(t, src, orchConfig())

	// First attempt dies after some staging writes landed.
	store.bulkErr = func(call int) error {
		if call >= 2 {
			return errors.New("disk full")
		}
		return nil
	}
	job, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err == nil {
		t.Fatal("expected first run to fail")
	}

	// The store heals; the resume re-streams from the top. Rows staged by
	// the failed run must not double up.
	store.bulkErr = nil
	resumed, err := svc.Resume(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Phase != PhaseCompleted {
		t.Fatalf("phase = %s (%s)", resumed.Phase, resumed.LastError)
	}
	if n, _ := store.RawCount(context.Background(), job.ID); n != 20 {
		t.Errorf("raw rows = %d, want exactly 20 after re-ingest", n)
	}
	if resumed.ValidRows != 20 {
		t.Errorf("valid = %d, want 20", resumed.ValidRows)
	}
}

// ----------------------------------------------------------------------------
// Reconciliation Tests
// ----------------------------------------------------------------------------

func TestReconcileMismatchThenReapplyConverges(t *testing.T) {
	src := &fakeSource{header: orchHeader(), rows: employeeRows(15)}
	svc, store := newOrchService(t, src, orchConfig())

	job, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err != nil || job.Phase != PhaseCompleted {
		t.Fatalf("setup run failed: %v / %s", err, job.Phase)
	}

	// Lose three fact rows behind the pipeline's back, then force the job
	// back to the applied milestone and reconcile again.
	store.mu.Lock()
	removed := 0
	for key, owner := range store.master["nhan_vien"] {
		if owner == job.ID && removed < 3 {
			delete(store.master["nhan_vien"], key)
			removed++
		}
	}
	j := store.jobs[job.ID]
	j.Phase = PhaseApplied
	j.Checkpoint = PhaseApplied
	store.jobs[job.ID] = j
	store.mu.Unlock()

	_, err = svc.RunPhase(context.Background(), job.ID, PhaseReconciling)
	if err == nil {
		t.Fatal("expected RECONCILIATION_MISMATCH")
	}
	if CodeOf(err) != CodeReconciliationMismatch {
		t.Fatalf("code = %s", CodeOf(err))
	}

	// Re-applying inserts only the missing rows, then reconcile passes.
	if _, err := svc.RunPhase(context.Background(), job.ID, PhaseApplying); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	final, err := svc.RunPhase(context.Background(), job.ID, PhaseReconciling)
	if err != nil {
		t.Fatalf("reconcile after re-apply: %v", err)
	}
	if final.Phase != PhaseCompleted {
		t.Errorf("phase = %s", final.Phase)
	}
	if n, _ := store.AppliedCount(context.Background(), job.ID, orchDefinition().Targets[1]); n != 15 {
		t.Errorf("fact rows = %d, want 15 after convergence", n)
	}
}

func TestSecondJobWithSameKeysReconciles(t *testing.T) {
	src := &fakeSource{header: orchHeader(), rows: employeeRows(10)}
	svc, store := newOrchService(t, src, orchConfig())

	first, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err != nil || first.Phase != PhaseCompleted {
		t.Fatalf("first run: %v / %s", err, first.Phase)
	}

	// The same workbook uploaded again as a fresh job: every insert is
	// skipped by the conflict key, yet the job must still reconcile.
	second, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Phase != PhaseCompleted {
		t.Fatalf("phase = %s (%s), want COMPLETED", second.Phase, second.LastError)
	}

	// The master rows still belong to the first job.
	store.mu.Lock()
	owners := make(map[string]int)
	for _, owner := range store.master["nhan_vien"] {
		owners[owner]++
	}
	store.mu.Unlock()
	if owners[first.ID] != 10 || owners[second.ID] != 0 {
		t.Errorf("owners = %v, want all 10 rows on the first job", owners)
	}
}

// ----------------------------------------------------------------------------
// Idempotent Start Tests
// ----------------------------------------------------------------------------

func TestStartWithExistingJobID(t *testing.T) {
	src := &fakeSource{header: orchHeader(), rows: employeeRows(5)}
	svc, store := newOrchService(t, src, orchConfig())

	job, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err != nil || job.Phase != PhaseCompleted {
		t.Fatalf("setup: %v / %s", err, job.Phase)
	}
	before, _ := store.AppliedCount(context.Background(), job.ID, orchDefinition().Targets[1])

	// Starting again with the same id returns the finished job untouched.
	again, err := svc.Start(context.Background(), StartRequest{
		MigrationKey: orchKey, FilePath: "f", JobID: job.ID,
	})
	if err != nil {
		t.Fatalf("idempotent start: %v", err)
	}
	if again.Phase != PhaseCompleted {
		t.Errorf("phase = %s", again.Phase)
	}
	after, _ := store.AppliedCount(context.Background(), job.ID, orchDefinition().Targets[1])
	if after != before {
		t.Errorf("master rows changed: %d -> %d", before, after)
	}
}

func TestStartRejectsRunningJob(t *testing.T) {
	src := &fakeSource{header: orchHeader(), blockCtx: true}
	svc, _ := newOrchService(t, src, orchConfig())

	job, err := svc.StartAsync(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err != nil {
		t.Fatalf("StartAsync: %v", err)
	}

	// Wait until the background run reaches the ingest phase.
	waitForPhase(t, svc, job.ID, PhaseIngesting)

	_, err = svc.Start(context.Background(), StartRequest{
		MigrationKey: orchKey, FilePath: "f", JobID: job.ID,
	})
	if CodeOf(err) != CodeInProgress {
		t.Errorf("code = %v, want IN_PROGRESS", err)
	}

	// Unblock and let the run die so the test does not leak it.
	svc.Cancel(job.ID)
	waitForPhase(t, svc, job.ID, PhaseFailed)
}

func TestStartRejectsMalformedJobID(t *testing.T) {
	src := &fakeSource{header: orchHeader(), rows: employeeRows(1)}
	svc, _ := newOrchService(t, src, orchConfig())

	_, err := svc.Start(context.Background(), StartRequest{
		MigrationKey: orchKey, FilePath: "f", JobID: "not-a-job-id",
	})
	if err == nil || CodeOf(err) != CodeDuplicateJobID {
		t.Errorf("err = %v, want DUPLICATE_JOB_ID envelope", err)
	}
}

// ----------------------------------------------------------------------------
// Cancellation Tests
// ----------------------------------------------------------------------------

func TestCancelMarksJobCancelled(t *testing.T) {
	src := &fakeSource{header: orchHeader(), blockCtx: true}
	svc, _ := newOrchService(t, src, orchConfig())

	job, err := svc.StartAsync(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	waitForPhase(t, svc, job.ID, PhaseIngesting)

	if !svc.Cancel(job.ID) {
		t.Fatal("Cancel found no phase in flight")
	}
	waitForPhase(t, svc, job.ID, PhaseFailed)

	s, err := svc.Status(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !s.Cancelled {
		t.Error("job should be marked cancelled")
	}
	if !strings.Contains(s.LastError, "CANCELLED") {
		t.Errorf("last error = %q", s.LastError)
	}
}

func waitForPhase(t *testing.T, svc *Service, jobID string, phase Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := svc.Status(context.Background(), jobID)
		if err == nil && s.Phase == phase {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, phase)
}

// ----------------------------------------------------------------------------
// Ingest-Only and Phase Stepping Tests
// ----------------------------------------------------------------------------

func TestIngestOnlyThenSteppedPhases(t *testing.T) {
	src := &fakeSource{header: orchHeader(), rows: employeeRows(12)}
	svc, _ := newOrchService(t, src, orchConfig())

	job, err := svc.Start(context.Background(), StartRequest{
		MigrationKey: orchKey, FilePath: "f", IngestOnly: true,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Phase != PhaseIngestCompleted {
		t.Fatalf("phase = %s, want INGEST_COMPLETED", job.Phase)
	}

	// Apply before validate is out of order.
	if _, err := svc.RunPhase(context.Background(), job.ID, PhaseApplying); err == nil {
		t.Fatal("apply before validate should be rejected")
	}

	for _, phase := range []Phase{PhaseValidating, PhaseApplying, PhaseReconciling} {
		if _, err := svc.RunPhase(context.Background(), job.ID, phase); err != nil {
			t.Fatalf("phase %s: %v", phase, err)
		}
	}

	s, _ := svc.Status(context.Background(), job.ID)
	if s.Phase != PhaseCompleted {
		t.Errorf("phase = %s", s.Phase)
	}
}

// ----------------------------------------------------------------------------
// Service Surface Tests
// ----------------------------------------------------------------------------

func TestErrorStatsAndCleanup(t *testing.T) {
	rows := employeeRows(10)
	rows[2][0] = ""
	src := &fakeSource{header: orchHeader(), rows: rows}
	svc, store := newOrchService(t, src, orchConfig())

	job, err := svc.Start(context.Background(), StartRequest{MigrationKey: orchKey, FilePath: "f"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	stats, err := svc.ErrorStats(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ErrorStats: %v", err)
	}
	if !stats.HasErrors || stats.ErrorCount != 1 || !stats.ErrorFileAvailable {
		t.Errorf("stats = %+v", stats)
	}

	if err := svc.Cleanup(context.Background(), job.ID, true); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n, _ := store.RawCount(context.Background(), job.ID); n != 0 {
		t.Errorf("raw rows = %d after cleanup", n)
	}
	if n, _ := store.ErrorCount(context.Background(), job.ID); n != 1 {
		t.Errorf("error rows = %d, keepErrors must preserve them", n)
	}

	if _, err := svc.ErrorStats(context.Background(), "JOB-20260101-999"); CodeOf(err) != CodeJobNotFound {
		t.Errorf("missing job err = %v", err)
	}
}
