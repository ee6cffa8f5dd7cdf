package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/maraver/planline/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. document log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	var def any
	if run.Definition != nil {
		b, err := json.Marshal(run.Definition)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		def = string(b)
	}
	inputs, err := marshalMapOrDefault(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, plan_name, template_name, template_version, definition, status, inputs, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PlanName, nullStr(run.TemplateName), nullStr(run.TemplateVersion),
		def, string(run.Status), string(inputs), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_name, template_name, template_version, definition, status, inputs, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.PlanName != "" {
		where = append(where, "plan_name = ?")
		args = append(args, filter.PlanName)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, plan_name, template_name, template_version, definition, status, inputs, error, created_at, started_at, completed_at, updated_at FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		tmplName, tmplVer      sql.NullString
		defJSON, errorJSON     sql.NullString
		inputsJSON             string
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := row.Scan(&run.ID, &run.PlanName, &tmplName, &tmplVer, &defJSON, &status,
		&inputsJSON, &errorJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.TemplateName = tmplName.String
	run.TemplateVersion = tmplVer.String
	run.Status = schema.RunStatus(status)
	if defJSON.Valid && defJSON.String != "" {
		run.Definition = &schema.PlanDefinition{}
		if err := json.Unmarshal([]byte(defJSON.String), run.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
	}
	if inputsJSON != "" {
		_ = json.Unmarshal([]byte(inputsJSON), &run.Inputs)
	}
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Documents ---

func (s *LibSQLStore) AppendDocument(ctx context.Context, doc *Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM documents WHERE run_id = ?`, doc.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	doc.Sequence = seq

	payload := nullRaw(doc.Payload)
	ts := timeOrNow(doc.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (run_id, type, device, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.RunID, doc.Type, nullStr(doc.Device), payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetDocuments(ctx context.Context, runID string, since int64) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, type, device, payload, timestamp, sequence
		 FROM documents WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (s *LibSQLStore) GetDocumentsByType(ctx context.Context, docType string, filter DocumentFilter) ([]*Document, error) {
	var where []string
	var args []any

	where = append(where, "type = ?")
	args = append(args, docType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Device != "" {
		where = append(where, "device = ?")
		args = append(args, filter.Device)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, type, device, payload, timestamp, sequence FROM documents`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]*Document, error) {
	var docs []*Document
	for rows.Next() {
		d := &Document{}
		var device, payload sql.NullString
		if err := rows.Scan(&d.ID, &d.RunID, &d.Type, &device, &payload, &d.Timestamp, &d.Sequence); err != nil {
			return nil, err
		}
		d.Device = device.String
		d.Payload = rawOrNil(payload)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// --- Snapshots ---

func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *SnapshotRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, entries, captured_at, restored_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   entries=excluded.entries, captured_at=excluded.captured_at, restored_at=excluded.restored_at`,
		snap.RunID, string(snap.Entries), timeOrNow(snap.CapturedAt), nullTime(snap.RestoredAt),
	)
	return err
}

func (s *LibSQLStore) GetSnapshot(ctx context.Context, runID string) (*SnapshotRecord, error) {
	snap := &SnapshotRecord{}
	var entries string
	var restoredAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, entries, captured_at, restored_at FROM snapshots WHERE run_id = ?`, runID,
	).Scan(&snap.RunID, &entries, &snap.CapturedAt, &restoredAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("snapshot", runID)
	}
	if err != nil {
		return nil, err
	}
	snap.Entries = json.RawMessage(entries)
	if restoredAt.Valid {
		snap.RestoredAt = &restoredAt.Time
	}
	return snap, nil
}

func (s *LibSQLStore) MarkSnapshotRestored(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET restored_at = CURRENT_TIMESTAMP WHERE run_id = ?`, runID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "snapshot", runID)
}

// --- Templates ---

func (s *LibSQLStore) StoreTemplate(ctx context.Context, tpl *Template) error {
	def, err := json.Marshal(tpl.Definition)
	if err != nil {
		return fmt.Errorf("marshal template definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (name, version, description, definition, input_schema, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name, version) DO UPDATE SET
		   description=excluded.description, definition=excluded.definition,
		   input_schema=excluded.input_schema, updated_at=CURRENT_TIMESTAMP`,
		tpl.Name, tpl.Version, nullStr(tpl.Description), string(def),
		nullRaw(tpl.InputSchema), timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, name string, version string) (*Template, error) {
	t := &Template{}
	var desc sql.NullString
	var defJSON string
	var inputSchema sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, version, description, definition, input_schema, created_at, updated_at
		 FROM templates WHERE name = ? AND version = ?`, name, version,
	).Scan(&t.Name, &t.Version, &desc, &defJSON, &inputSchema, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", name+":"+version)
	}
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal template definition: %w", err)
	}
	t.InputSchema = rawOrNil(inputSchema)
	return t, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT name, version, description, definition, input_schema, created_at, updated_at FROM templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		t := &Template{}
		var desc sql.NullString
		var defJSON string
		var inputSchema sql.NullString
		if err := rows.Scan(&t.Name, &t.Version, &desc, &defJSON, &inputSchema, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal template definition: %w", err)
		}
		t.InputSchema = rawOrNil(inputSchema)
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, template_name, template_version, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TemplateName, nullStr(job.TemplateVersion), job.CronExpression,
		nullRaw(job.Inputs), job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var tmplVer, inputs, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, template_name, template_version, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.TemplateName, &tmplVer, &j.CronExpression, &inputs, &j.Enabled, &lastRun, &nextRun, &lastStatus, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_job", id)
	}
	if err != nil {
		return nil, err
	}
	j.TemplateVersion = tmplVer.String
	j.Inputs = rawOrNil(inputs)
	j.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	return j, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT id, template_name, template_version, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j := &ScheduledJob{}
		var tmplVer, inputs, lastStatus sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.TemplateName, &tmplVer, &j.CronExpression, &inputs, &j.Enabled, &lastRun, &nextRun, &lastStatus, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.TemplateVersion = tmplVer.String
		j.Inputs = rawOrNil(inputs)
		j.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			j.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PlanError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
