// Package staging implements the durable job-state and staging layer on
// PostgreSQL via pgx. Each registered migration gets its own raw, valid and
// error staging tables named from the migration key; master tables are
// created from the migration's apply targets with a unique index on the
// natural key so apply-phase inserts can rely on ON CONFLICT DO NOTHING.
package staging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nvqhuy/xlsmigrate/internal/core"
)

// Store is the PostgreSQL implementation of core.Store.
type Store struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	descs map[string]jobBinding
}

// jobBinding caches the migration key and descriptor resolved for a job id.
type jobBinding struct {
	key  string
	desc *core.Descriptor
}

// New wraps a pgx pool as a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:  pool,
		descs: make(map[string]jobBinding),
	}
}

const jobsDDL = `
CREATE TABLE IF NOT EXISTS migration_jobs (
	id             TEXT PRIMARY KEY,
	migration_key  TEXT NOT NULL,
	file_path      TEXT NOT NULL DEFAULT '',
	created_by     TEXT NOT NULL DEFAULT '',
	phase          TEXT NOT NULL,
	checkpoint     TEXT NOT NULL,
	max_rows       INT NOT NULL DEFAULT 0,
	total_rows     INT NOT NULL DEFAULT 0,
	processed_rows INT NOT NULL DEFAULT 0,
	error_rows     INT NOT NULL DEFAULT 0,
	valid_rows     INT NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	cancelled      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL,
	started_at     TIMESTAMPTZ,
	finished_at    TIMESTAMPTZ
)`

// EnsureSchema creates the job table plus the staging and master tables for
// every registered migration. Idempotent; run at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, jobsDDL); err != nil {
		return fmt.Errorf("create migration_jobs: %w", err)
	}

	for _, def := range core.Definitions() {
		for _, ddl := range stagingDDL(def.Key, def.Descriptor) {
			if _, err := s.pool.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("migration %s staging schema: %w", def.Key, err)
			}
		}
		for _, t := range def.Targets {
			for _, ddl := range targetDDL(t, def.Descriptor) {
				if _, err := s.pool.Exec(ctx, ddl); err != nil {
					return fmt.Errorf("migration %s target %s: %w", def.Key, t.Name, err)
				}
			}
		}
	}
	return nil
}

// stagingDDL builds the raw, valid and error table definitions for one
// migration. All staged values are text; typing happens on apply.
func stagingDDL(key string, desc *core.Descriptor) []string {
	var cols strings.Builder
	for _, c := range desc.Columns() {
		fmt.Fprintf(&cols, "\t%s TEXT NOT NULL DEFAULT '',\n", quoteIdent(c))
	}

	raw := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id     TEXT NOT NULL,
	row_number INT NOT NULL,
%s	error_message TEXT NOT NULL DEFAULT '',
	error_code    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, row_number)
)`, rawTable(key), cols.String())

	valid := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id     TEXT NOT NULL,
	row_number INT NOT NULL,
%s	PRIMARY KEY (job_id, row_number)
)`, validTable(key), cols.String())

	errs := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id     TEXT NOT NULL,
	row_number INT NOT NULL,
%s	error_message TEXT NOT NULL DEFAULT '',
	error_code    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, row_number)
)`, errorTable(key), cols.String())

	return []string{raw, valid, errs}
}

// targetDDL builds one master table plus the unique index backing
// ON CONFLICT on its natural key.
func targetDDL(t core.ApplyTarget, desc *core.Descriptor) []string {
	var cols strings.Builder
	for i, c := range t.Columns {
		fmt.Fprintf(&cols, "\t%s %s,\n", quoteIdent(c), columnType(desc, t.Fields[i]))
	}

	table := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id     BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	job_id TEXT NOT NULL,
%s	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, quoteIdent(t.Table), cols.String())

	ddl := []string{table}
	if len(t.ConflictKey) > 0 {
		keys := make([]string, len(t.ConflictKey))
		for i, k := range t.ConflictKey {
			keys[i] = quoteIdent(k)
		}
		ddl = append(ddl, fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent("ux_"+t.Table+"_key"), quoteIdent(t.Table),
			strings.Join(keys, ", ")))
	}
	return ddl
}

// columnType maps a descriptor field to its master-table column type.
func columnType(desc *core.Descriptor, field string) string {
	i := desc.FieldIndex(field)
	if i < 0 {
		return "TEXT"
	}
	switch desc.Fields()[i].Type {
	case core.FieldDate:
		return "DATE"
	case core.FieldNumeric:
		return "NUMERIC"
	case core.FieldBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// --- job records ---

// NextJobID allocates the next JOB-YYYYMMDD-NNN id for the given day.
func (s *Store) NextJobID(ctx context.Context, day time.Time) (string, error) {
	prefix := "JOB-" + day.Format("20060102") + "-%"
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM migration_jobs WHERE id LIKE $1`, prefix).Scan(&n)
	if err != nil {
		return "", classify(err)
	}
	return core.FormatJobID(day, n+1), nil
}

func (s *Store) CreateJob(ctx context.Context, job *core.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO migration_jobs
			(id, migration_key, file_path, created_by, phase, checkpoint,
			 max_rows, total_rows, processed_rows, error_rows, valid_rows,
			 last_error, cancelled, created_at, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		job.ID, job.MigrationKey, job.FilePath, job.CreatedBy,
		string(job.Phase), string(job.Checkpoint),
		job.MaxRows, job.TotalRows, job.ProcessedRows, job.ErrorRows, job.ValidRows,
		job.LastError, job.Cancelled, job.CreatedAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return core.Errorf(core.CodeDuplicateJobID, "job %s already exists", job.ID)
		}
		return classify(err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, migration_key, file_path, created_by, phase, checkpoint,
		       max_rows, total_rows, processed_rows, error_rows, valid_rows,
		       last_error, cancelled, created_at, started_at, finished_at
		FROM migration_jobs WHERE id = $1`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return job, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *core.Job) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE migration_jobs SET
			phase = $2, checkpoint = $3,
			total_rows = $4, processed_rows = $5, error_rows = $6, valid_rows = $7,
			last_error = $8, cancelled = $9, started_at = $10, finished_at = $11
		WHERE id = $1`,
		job.ID, string(job.Phase), string(job.Checkpoint),
		job.TotalRows, job.ProcessedRows, job.ErrorRows, job.ValidRows,
		job.LastError, job.Cancelled, job.StartedAt, job.FinishedAt)
	return classify(err)
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, migration_key, file_path, created_by, phase, checkpoint,
		       max_rows, total_rows, processed_rows, error_rows, valid_rows,
		       last_error, cancelled, created_at, started_at, finished_at
		FROM migration_jobs ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, classify(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, classify(rows.Err())
}

func scanJob(row pgx.Row) (*core.Job, error) {
	var j core.Job
	var phase, checkpoint string
	err := row.Scan(&j.ID, &j.MigrationKey, &j.FilePath, &j.CreatedBy,
		&phase, &checkpoint,
		&j.MaxRows, &j.TotalRows, &j.ProcessedRows, &j.ErrorRows, &j.ValidRows,
		&j.LastError, &j.Cancelled, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Phase = core.Phase(phase)
	j.Checkpoint = core.Phase(checkpoint)
	return &j, nil
}

// --- staging ---

// descriptorFor resolves the descriptor and migration key for a job,
// caching the lookup per job id.
func (s *Store) descriptorFor(ctx context.Context, jobID string) (string, *core.Descriptor, error) {
	s.mu.RLock()
	b, ok := s.descs[jobID]
	s.mu.RUnlock()
	if ok {
		return b.key, b.desc, nil
	}

	var key string
	err := s.pool.QueryRow(ctx,
		`SELECT migration_key FROM migration_jobs WHERE id = $1`, jobID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, core.Errorf(core.CodeJobNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return "", nil, classify(err)
	}
	def, ok := core.Lookup(key)
	if !ok {
		return "", nil, core.Errorf(core.CodeInternal, "migration %q is not registered", key)
	}

	s.mu.Lock()
	s.descs[jobID] = jobBinding{key: key, desc: def.Descriptor}
	s.mu.Unlock()
	return key, def.Descriptor, nil
}

// BulkInsertRaw stages one batch with a single multi-row INSERT.
// ON CONFLICT (job_id, row_number) DO NOTHING makes a repeated ingest of the
// same rows a no-op, so interrupted ingests can be re-run safely.
func (s *Store) BulkInsertRaw(ctx context.Context, jobID string, rows []core.RawRow) error {
	if len(rows) == 0 {
		return nil
	}
	key, desc, err := s.descriptorFor(ctx, jobID)
	if err != nil {
		return err
	}
	cols := desc.Columns()

	colNames := make([]string, 0, len(cols)+4)
	colNames = append(colNames, "job_id", "row_number")
	for _, c := range cols {
		colNames = append(colNames, quoteIdent(c))
	}
	colNames = append(colNames, "error_message", "error_code")

	width := len(colNames)
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ",
		rawTable(key), strings.Join(colNames, ", "))

	args := make([]any, 0, len(rows)*width)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 0; j < width; j++ {
			if j > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", i*width+j+1)
		}
		sb.WriteString(")")

		args = append(args, jobID, r.RowNumber)
		for k := range cols {
			v := ""
			if k < len(r.Values) {
				v = r.Values[k]
			}
			args = append(args, v)
		}
		args = append(args, r.ErrorMessage, r.ErrorCode)
	}
	sb.WriteString(" ON CONFLICT (job_id, row_number) DO NOTHING")

	_, err = s.pool.Exec(ctx, sb.String(), args...)
	return classify(err)
}

func (s *Store) RawCount(ctx context.Context, jobID string) (int, error) {
	return s.countIn(ctx, jobID, rawTable)
}

func (s *Store) ValidCount(ctx context.Context, jobID string) (int, error) {
	return s.countIn(ctx, jobID, validTable)
}

func (s *Store) ErrorCount(ctx context.Context, jobID string) (int, error) {
	return s.countIn(ctx, jobID, errorTable)
}

func (s *Store) countIn(ctx context.Context, jobID string, table func(string) string) (int, error) {
	key, _, err := s.descriptorFor(ctx, jobID)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE job_id = $1", table(key)), jobID).Scan(&n)
	return n, classify(err)
}

// MarkDuplicates flags every raw row whose natural key repeats an earlier row
// of the same job. The first occurrence stays valid; later ones get the code
// appended to any errors they already carry. Rows with an entirely empty key
// are skipped (the required-field rule already covers them).
func (s *Store) MarkDuplicates(ctx context.Context, jobID string, keyColumns []string, code string) (int, error) {
	key, _, err := s.descriptorFor(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if len(keyColumns) == 0 {
		return 0, nil
	}

	quoted := make([]string, len(keyColumns))
	for i, c := range keyColumns {
		quoted[i] = quoteIdent(c)
	}
	keyExpr := strings.Join(quoted, ", ")
	nonEmpty := make([]string, len(quoted))
	for i, c := range quoted {
		nonEmpty[i] = c + " <> ''"
	}

	q := fmt.Sprintf(`
		UPDATE %[1]s r SET
			error_message = CASE WHEN r.error_message = ''
				THEN 'duplicate natural key'
				ELSE r.error_message || '; duplicate natural key' END,
			error_code = CASE WHEN r.error_code = ''
				THEN $2
				ELSE r.error_code || ',' || $2 END
		FROM (
			SELECT row_number,
			       ROW_NUMBER() OVER (PARTITION BY %[2]s ORDER BY row_number) AS occurrence
			FROM %[1]s
			WHERE job_id = $1 AND (%[3]s)
		) d
		WHERE r.job_id = $1 AND r.row_number = d.row_number AND d.occurrence > 1
		  AND POSITION($2 IN r.error_code) = 0`,
		rawTable(key), keyExpr, strings.Join(nonEmpty, " OR "))

	tag, err := s.pool.Exec(ctx, q, jobID, code)
	if err != nil {
		return 0, classify(err)
	}
	return int(tag.RowsAffected()), nil
}

// Promote rebuilds the valid and error partitions from the raw table.
// Runs in one transaction so a re-run never leaves half-built partitions.
func (s *Store) Promote(ctx context.Context, jobID string) error {
	key, desc, err := s.descriptorFor(ctx, jobID)
	if err != nil {
		return err
	}
	cols := make([]string, len(desc.Columns()))
	for i, c := range desc.Columns() {
		cols[i] = quoteIdent(c)
	}
	colList := strings.Join(cols, ", ")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		fmt.Sprintf("DELETE FROM %s WHERE job_id = $1", validTable(key)),
		fmt.Sprintf("DELETE FROM %s WHERE job_id = $1", errorTable(key)),
		fmt.Sprintf(`INSERT INTO %s (job_id, row_number, %s)
			SELECT job_id, row_number, %s FROM %s
			WHERE job_id = $1 AND error_message = ''`,
			validTable(key), colList, colList, rawTable(key)),
		fmt.Sprintf(`INSERT INTO %s (job_id, row_number, %s, error_message, error_code)
			SELECT job_id, row_number, %s, error_message, error_code FROM %s
			WHERE job_id = $1 AND error_message <> ''`,
			errorTable(key), colList, colList, rawTable(key)),
	}
	for _, q := range stmts {
		if _, err := tx.Exec(ctx, q, jobID); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit(ctx))
}

// StreamValid feeds valid rows to fn in row order, batchSize at a time.
func (s *Store) StreamValid(ctx context.Context, jobID string, batchSize int,
	fn func(rows []core.RawRow) error) error {

	key, desc, err := s.descriptorFor(ctx, jobID)
	if err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	cols := make([]string, len(desc.Columns()))
	for i, c := range desc.Columns() {
		cols[i] = quoteIdent(c)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT row_number, %s FROM %s WHERE job_id = $1 ORDER BY row_number",
		strings.Join(cols, ", "), validTable(key)), jobID)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	buf := make([]core.RawRow, 0, batchSize)
	for rows.Next() {
		r, err := scanRawRow(rows, len(cols), false)
		if err != nil {
			return classify(err)
		}
		buf = append(buf, r)
		if len(buf) == batchSize {
			if err := fn(buf); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return classify(err)
	}
	if len(buf) > 0 {
		return fn(buf)
	}
	return nil
}

// StreamErrors feeds error rows to fn one at a time in row order.
func (s *Store) StreamErrors(ctx context.Context, jobID string, fn func(row core.RawRow) error) error {
	key, desc, err := s.descriptorFor(ctx, jobID)
	if err != nil {
		return err
	}
	cols := make([]string, len(desc.Columns()))
	for i, c := range desc.Columns() {
		cols[i] = quoteIdent(c)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT row_number, %s, error_message, error_code FROM %s
		 WHERE job_id = $1 ORDER BY row_number`,
		strings.Join(cols, ", "), errorTable(key)), jobID)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRawRow(rows, len(cols), true)
		if err != nil {
			return classify(err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return classify(rows.Err())
}

func scanRawRow(rows pgx.Rows, width int, withErrors bool) (core.RawRow, error) {
	values := make([]string, width)
	dest := make([]any, 0, width+3)
	var r core.RawRow
	dest = append(dest, &r.RowNumber)
	for i := range values {
		dest = append(dest, &values[i])
	}
	if withErrors {
		dest = append(dest, &r.ErrorMessage, &r.ErrorCode)
	}
	if err := rows.Scan(dest...); err != nil {
		return core.RawRow{}, err
	}
	r.Values = values
	return r, nil
}

// --- apply ---

// ApplyTarget inserts the job's valid rows into one master table in its own
// transaction. Values are cast from staged text to the target column types;
// ON CONFLICT DO NOTHING on the natural key makes re-runs converge instead of
// duplicating. Returns rows inserted by this call.
func (s *Store) ApplyTarget(ctx context.Context, jobID string, target core.ApplyTarget,
	desc *core.Descriptor) (int64, error) {

	key, _, err := s.descriptorFor(ctx, jobID)
	if err != nil {
		return 0, err
	}

	insertCols := make([]string, 0, len(target.Columns)+1)
	insertCols = append(insertCols, "job_id")
	selectExprs := make([]string, 0, len(target.Columns)+1)
	selectExprs = append(selectExprs, "$1")

	for i, col := range target.Columns {
		insertCols = append(insertCols, quoteIdent(col))
		selectExprs = append(selectExprs, castExpr(desc, target.Fields[i]))
	}

	distinct := ""
	if target.Distinct {
		distinct = "DISTINCT "
	}
	conflict := ""
	if len(target.ConflictKey) > 0 {
		keys := make([]string, len(target.ConflictKey))
		for i, k := range target.ConflictKey {
			keys[i] = quoteIdent(k)
		}
		conflict = fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
	}

	q := fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s%s FROM %s WHERE job_id = $1%s`,
		quoteIdent(target.Table), strings.Join(insertCols, ", "),
		distinct, strings.Join(selectExprs, ", "),
		validTable(key), conflict)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, classify(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, q, jobID)
	if err != nil {
		return 0, classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// castExpr builds the SELECT expression converting a staged text column to
// the master column's type. Empty strings become NULL before the cast.
func castExpr(desc *core.Descriptor, field string) string {
	return castExprFrom(desc, field, "")
}

// castExprFrom is castExpr with the staged column qualified by a table alias.
func castExprFrom(desc *core.Descriptor, field, alias string) string {
	if alias != "" {
		alias += "."
	}
	i := desc.FieldIndex(field)
	if i < 0 {
		return alias + quoteIdent(field)
	}
	f := desc.Fields()[i]
	col := alias + quoteIdent(f.DBColumn)
	switch f.Type {
	case core.FieldDate:
		return fmt.Sprintf("NULLIF(%s, '')::date", col)
	case core.FieldNumeric:
		return fmt.Sprintf("NULLIF(%s, '')::numeric", col)
	case core.FieldBool:
		return fmt.Sprintf("NULLIF(%s, '')::boolean", col)
	default:
		return col
	}
}

// AppliedCount counts the job's valid rows that are present in a master
// table, matched on the natural key. Matching on the key rather than on the
// owning job lets reconciliation pass when another job inserted the same key
// first and ON CONFLICT skipped this one's insert. Targets without a
// conflict key fall back to counting the job's own rows.
func (s *Store) AppliedCount(ctx context.Context, jobID string, target core.ApplyTarget) (int64, error) {
	if len(target.ConflictKey) == 0 {
		var n int64
		err := s.pool.QueryRow(ctx, fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE job_id = $1", quoteIdent(target.Table)),
			jobID).Scan(&n)
		return n, classify(err)
	}

	key, desc, err := s.descriptorFor(ctx, jobID)
	if err != nil {
		return 0, err
	}

	match := make([]string, len(target.ConflictKey))
	for i, col := range target.ConflictKey {
		field := col
		for j, c := range target.Columns {
			if c == col {
				field = target.Fields[j]
				break
			}
		}
		match[i] = fmt.Sprintf("m.%s IS NOT DISTINCT FROM %s",
			quoteIdent(col), castExprFrom(desc, field, "v"))
	}

	q := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s v WHERE v.job_id = $1 AND EXISTS (SELECT 1 FROM %s m WHERE %s)",
		validTable(key), quoteIdent(target.Table), strings.Join(match, " AND "))

	var n int64
	err = s.pool.QueryRow(ctx, q, jobID).Scan(&n)
	return n, classify(err)
}

// DeleteJobData removes the job's staging rows. With keepErrors the error
// partition survives for error-file downloads.
func (s *Store) DeleteJobData(ctx context.Context, jobID string, keepErrors bool) error {
	key, _, err := s.descriptorFor(ctx, jobID)
	if err != nil {
		return err
	}

	tables := []string{rawTable(key), validTable(key)}
	if !keepErrors {
		tables = append(tables, errorTable(key))
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	for _, t := range tables {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE job_id = $1", t), jobID); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit(ctx))
}

// --- naming and error classification ---

func rawTable(key string) string   { return quoteIdent("staging_" + key + "_raw") }
func validTable(key string) string { return quoteIdent("staging_" + key + "_valid") }
func errorTable(key string) string { return quoteIdent("staging_" + key + "_error") }

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// transientStates are SQLSTATEs worth retrying: serialization failures,
// deadlocks, lock timeouts, cancelled statements, connection problems and
// resource exhaustion.
var transientStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"53300": true, // too_many_connections
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
}

// classify wraps retryable database faults with the transient marker so the
// executor retries them; everything else passes through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && transientStates[pgErr.Code] {
		return core.Transient(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.Transient(err)
	}
	return err
}
