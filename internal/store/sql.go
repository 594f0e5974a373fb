package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite"

	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

// SQLStore implements Store on an embedded SQLite-family database. The
// same schema and statements serve libSQL and the pure-Go sqlite driver.
// Timestamps are stored as Unix nanoseconds so both drivers agree.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewLibSQLStore opens a libSQL database. dsn is a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dsn string) (*SQLStore, error) {
	return openSQL("libsql", dsn)
}

// NewSQLiteStore opens a database with the pure-Go modernc.org/sqlite driver.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return openSQL("sqlite", path)
}

func openSQL(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used throughout.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Driver returns the database/sql driver name in use.
func (s *SQLStore) Driver() string { return s.driver }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *SQLStore) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	now := time.Now().UTC()
	prevVersion, prevCreated, prevUpdated := def.Version, def.CreatedAt, def.UpdatedAt
	def.Version = 1
	def.CreatedAt, def.UpdatedAt = now, now
	doc, err := xjson.Marshal(def)
	if err != nil {
		def.Version, def.CreatedAt, def.UpdatedAt = prevVersion, prevCreated, prevUpdated
		return storeErr("marshal workflow", err)
	}

	// INSERT OR IGNORE keeps the existence check and the write in one statement.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO workflows (name, version, document, created_at, updated_at) VALUES (?, 1, ?, ?, ?)`,
		def.Name, string(doc), now.UnixNano(), now.UnixNano())
	if err != nil {
		return storeErr("insert workflow", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		def.Version, def.CreatedAt, def.UpdatedAt = prevVersion, prevCreated, prevUpdated
		return duplicateName(def.Name)
	}
	return nil
}

func (s *SQLStore) UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin update", err)
	}
	defer tx.Rollback()

	var (
		version int
		doc     string
	)
	err = tx.QueryRowContext(ctx, `SELECT version, document FROM workflows WHERE name = ?`, def.Name).Scan(&version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("workflow", def.Name)
	}
	if err != nil {
		return storeErr("read workflow", err)
	}
	var prev schema.WorkflowDefinition
	if err := xjson.Unmarshal([]byte(doc), &prev); err != nil {
		return storeErr("unmarshal workflow", err)
	}

	now := time.Now().UTC()
	def.Version = version + 1
	def.CreatedAt = prev.CreatedAt
	def.UpdatedAt = now
	next, err := xjson.Marshal(def)
	if err != nil {
		return storeErr("marshal workflow", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET version = ?, document = ?, updated_at = ? WHERE name = ?`,
		def.Version, string(next), now.UnixNano(), def.Name); err != nil {
		return storeErr("update workflow", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit update", err)
	}
	return nil
}

func (s *SQLStore) GetWorkflow(ctx context.Context, name string) (*schema.WorkflowDefinition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM workflows WHERE name = ?`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow", name)
	}
	if err != nil {
		return nil, storeErr("read workflow", err)
	}
	var def schema.WorkflowDefinition
	if err := xjson.Unmarshal([]byte(doc), &def); err != nil {
		return nil, storeErr("unmarshal workflow", err)
	}
	return &def, nil
}

func (s *SQLStore) ListWorkflowNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM workflows ORDER BY name ASC`)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, storeErr("scan workflow name", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLStore) DeleteWorkflow(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE name = ?`, name)
	if err != nil {
		return storeErr("delete workflow", err)
	}
	return checkRowsAffected(res, "workflow", name)
}

// --- Executions ---

func (s *SQLStore) SaveExecution(ctx context.Context, rec *schema.ExecutionRecord) error {
	doc, err := xjson.Marshal(rec)
	if err != nil {
		return storeErr("marshal execution", err)
	}
	var finished any
	if rec.FinishedAt != nil {
		finished = rec.FinishedAt.UnixNano()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, workflow_name, workflow_version, status, started_at, finished_at, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   status = excluded.status,
		   finished_at = excluded.finished_at,
		   record = excluded.record`,
		rec.ExecutionID, rec.WorkflowName, rec.WorkflowVersion, string(rec.Status),
		rec.StartedAt.UnixNano(), finished, string(doc))
	if err != nil {
		return storeErr("save execution", err)
	}
	return nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM executions WHERE execution_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("execution", id)
	}
	if err != nil {
		return nil, storeErr("read execution", err)
	}
	var rec schema.ExecutionRecord
	if err := xjson.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, storeErr("unmarshal execution", err)
	}
	return &rec, nil
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]schema.ExecutionSummary, error) {
	var (
		where []string
		args  []any
	)
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	q := `SELECT execution_id, workflow_name, status, started_at FROM executions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, execution_id DESC LIMIT ?"
	args = append(args, effectiveLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	out := []schema.ExecutionSummary{}
	for rows.Next() {
		var (
			sum     schema.ExecutionSummary
			status  string
			started int64
		)
		if err := rows.Scan(&sum.ExecutionID, &sum.WorkflowName, &status, &started); err != nil {
			return nil, storeErr("scan execution", err)
		}
		sum.Status = schema.ExecutionStatus(status)
		sum.ExecutedAt = time.Unix(0, started).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent computes the next sequence and inserts in one transaction.
// With a single connection the read and the write cannot interleave.
func (s *SQLStore) AppendEvent(ctx context.Context, ev *schema.ExecutionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin event", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`, ev.ExecutionID,
	).Scan(&seq); err != nil {
		return storeErr("next event sequence", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, sequence, node_id, event_type, attempt, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ExecutionID, seq, nullStr(string(ev.NodeID)), ev.Type, ev.Attempt, nullRaw(ev.Payload), ev.Timestamp.UnixNano(),
	); err != nil {
		return storeErr("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}
	ev.ID = seq
	return nil
}

func (s *SQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]*schema.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, node_id, event_type, attempt, payload, timestamp
		 FROM execution_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()

	var out []*schema.ExecutionEvent
	for rows.Next() {
		var (
			ev      = &schema.ExecutionEvent{ExecutionID: executionID}
			nodeID  sql.NullString
			payload sql.NullString
			ts      int64
		)
		if err := rows.Scan(&ev.ID, &nodeID, &ev.Type, &ev.Attempt, &payload, &ts); err != nil {
			return nil, storeErr("scan event", err)
		}
		ev.NodeID = schema.NodeID(nodeID.String)
		ev.Payload = rawOrNil(payload)
		ev.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return notFound(resource, id)
	}
	return nil
}

func nowNanos() int64 { return time.Now().UTC().UnixNano() }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r xjson.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) xjson.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return xjson.RawMessage(ns.String)
}
