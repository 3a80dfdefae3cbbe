package server

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petal-labs/petalscript/loader"
	"github.com/petal-labs/petalscript/schedule"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// Fixed-width UTC timestamps so next_run_at compares correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const scheduleColumns = `id, graph_id, cron_expr, enabled, variables_json, max_steps, next_run_at, last_run_at, last_run_id, last_status, last_error, created_at, updated_at`

// SQLiteStoreConfig configures the SQLite graph and schedule store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists graphs and their schedules in SQLite. Deleting a
// graph deletes its schedules.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("graph store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("graph sqlite store open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graph sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graph sqlite store enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graph sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]GraphRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, definition, created_at, updated_at
FROM graphs
ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("graph sqlite store list: %w", err)
	}
	defer rows.Close()

	var records []GraphRecord
	for rows.Next() {
		rec, err := scanGraphRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph sqlite store list rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (GraphRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, definition, created_at, updated_at
FROM graphs
WHERE id = ?`, id)

	rec, err := scanGraphRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GraphRecord{}, false, nil
		}
		return GraphRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec GraphRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	def, err := json.Marshal(rec.Graph)
	if err != nil {
		return fmt.Errorf("graph sqlite store marshal graph: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO graphs (id, name, definition, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, def, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err, "graphs.id") {
			return ErrGraphExists
		}
		return fmt.Errorf("graph sqlite store create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec GraphRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	def, err := json.Marshal(rec.Graph)
	if err != nil {
		return fmt.Errorf("graph sqlite store marshal graph: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE graphs
SET name = ?, definition = ?, updated_at = ?
WHERE id = ?`,
		rec.Name, def, formatTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("graph sqlite store update: %w", err)
	}
	return expectAffected(res, ErrGraphNotFound)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("graph sqlite store delete: %w", err)
	}
	return expectAffected(res, ErrGraphNotFound)
}

// Schedules returns the store's schedule.Store view.
func (s *SQLiteStore) Schedules() schedule.Store {
	return sqliteScheduleStore{db: s.db}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteScheduleStore struct {
	db *sql.DB
}

func (s sqliteScheduleStore) List(ctx context.Context, graphID string) ([]schedule.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM graph_schedules`
	var args []any
	if graphID != "" {
		query += ` WHERE graph_id = ?`
		args = append(args, graphID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return s.query(ctx, "list schedules", query, args...)
}

func (s sqliteScheduleStore) Get(ctx context.Context, id string) (schedule.Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM graph_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return schedule.Schedule{}, false, nil
		}
		return schedule.Schedule{}, false, err
	}
	return sched, true, nil
}

func (s sqliteScheduleStore) Create(ctx context.Context, sched schedule.Schedule) error {
	now := time.Now().UTC()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	if sched.UpdatedAt.IsZero() {
		sched.UpdatedAt = sched.CreatedAt
	}
	vars, err := marshalVariables(sched.Variables)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO graph_schedules (`+scheduleColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID,
		sched.GraphID,
		sched.Cron,
		boolInt(sched.Enabled),
		vars,
		sched.MaxSteps,
		formatTime(sched.NextRunAt),
		formatNullableTime(sched.LastRunAt),
		nullIfEmpty(sched.LastRunID),
		nullIfEmpty(sched.LastStatus),
		nullIfEmpty(sched.LastError),
		formatTime(sched.CreatedAt),
		formatTime(sched.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "graph_schedules.id") {
			return fmt.Errorf("%w: %s", schedule.ErrScheduleExists, sched.ID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("%w: %s", ErrGraphNotFound, sched.GraphID)
		}
		return fmt.Errorf("graph sqlite store create schedule: %w", err)
	}
	return nil
}

func (s sqliteScheduleStore) Update(ctx context.Context, sched schedule.Schedule) error {
	if sched.UpdatedAt.IsZero() {
		sched.UpdatedAt = time.Now().UTC()
	}
	vars, err := marshalVariables(sched.Variables)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE graph_schedules
SET
	cron_expr = ?,
	enabled = ?,
	variables_json = ?,
	max_steps = ?,
	next_run_at = ?,
	last_run_at = ?,
	last_run_id = ?,
	last_status = ?,
	last_error = ?,
	updated_at = ?
WHERE id = ?`,
		sched.Cron,
		boolInt(sched.Enabled),
		vars,
		sched.MaxSteps,
		formatTime(sched.NextRunAt),
		formatNullableTime(sched.LastRunAt),
		nullIfEmpty(sched.LastRunID),
		nullIfEmpty(sched.LastStatus),
		nullIfEmpty(sched.LastError),
		formatTime(sched.UpdatedAt),
		sched.ID,
	)
	if err != nil {
		return fmt.Errorf("graph sqlite store update schedule: %w", err)
	}
	return expectAffected(res, fmt.Errorf("%w: %s", schedule.ErrScheduleNotFound, sched.ID))
}

func (s sqliteScheduleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graph_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("graph sqlite store delete schedule: %w", err)
	}
	return expectAffected(res, fmt.Errorf("%w: %s", schedule.ErrScheduleNotFound, id))
}

func (s sqliteScheduleStore) DeleteByGraph(ctx context.Context, graphID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM graph_schedules WHERE graph_id = ?`, graphID); err != nil {
		return fmt.Errorf("graph sqlite store delete schedules by graph: %w", err)
	}
	return nil
}

func (s sqliteScheduleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]schedule.Schedule, error) {
	query := `SELECT ` + scheduleColumns + `
FROM graph_schedules
WHERE enabled = 1 AND next_run_at <= ?
ORDER BY next_run_at ASC, id ASC`
	args := []any{formatTime(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, "list due schedules", query, args...)
}

func (s sqliteScheduleStore) query(ctx context.Context, op, query string, args ...any) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph sqlite store %s: %w", op, err)
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph sqlite store %s rows: %w", op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGraphRecord(scanner rowScanner) (GraphRecord, error) {
	var (
		rec       GraphRecord
		name      sql.NullString
		def       []byte
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&rec.ID, &name, &def, &createdAt, &updatedAt); err != nil {
		return GraphRecord{}, err
	}
	rec.Name = name.String

	parsed, err := loader.Parse(def, "graph.json")
	if err != nil {
		return GraphRecord{}, fmt.Errorf("graph sqlite store decode graph %s: %w", rec.ID, err)
	}
	rec.Graph = parsed

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return GraphRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return GraphRecord{}, err
	}
	return rec, nil
}

func scanSchedule(scanner rowScanner) (schedule.Schedule, error) {
	var (
		sched      schedule.Schedule
		enabledRaw int
		varsRaw    []byte
		nextRunAt  string
		lastRunAt  sql.NullString
		lastRunID  sql.NullString
		lastStatus sql.NullString
		lastError  sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := scanner.Scan(
		&sched.ID,
		&sched.GraphID,
		&sched.Cron,
		&enabledRaw,
		&varsRaw,
		&sched.MaxSteps,
		&nextRunAt,
		&lastRunAt,
		&lastRunID,
		&lastStatus,
		&lastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return schedule.Schedule{}, err
	}

	sched.Enabled = enabledRaw != 0
	sched.LastRunID = lastRunID.String
	sched.LastStatus = lastStatus.String
	sched.LastError = lastError.String

	vars, err := unmarshalVariables(varsRaw)
	if err != nil {
		return schedule.Schedule{}, err
	}
	sched.Variables = vars

	if sched.NextRunAt, err = parseTime(nextRunAt); err != nil {
		return schedule.Schedule{}, err
	}
	if lastRunAt.Valid && lastRunAt.String != "" {
		t, err := parseTime(lastRunAt.String)
		if err != nil {
			return schedule.Schedule{}, err
		}
		sched.LastRunAt = &t
	}
	if sched.CreatedAt, err = parseTime(createdAt); err != nil {
		return schedule.Schedule{}, err
	}
	if sched.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return schedule.Schedule{}, err
	}
	return sched, nil
}

func marshalVariables(vars map[string]any) ([]byte, error) {
	if vars == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("graph sqlite store marshal schedule variables: %w", err)
	}
	return data, nil
}

func unmarshalVariables(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var vars map[string]any
	if err := dec.Decode(&vars); err != nil {
		return nil, fmt.Errorf("graph sqlite store decode schedule variables: %w", err)
	}
	if len(vars) == 0 {
		return nil, nil
	}
	loader.NormalizeValues(vars)
	return vars, nil
}

func expectAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("graph sqlite store affected rows: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+column)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return formatTime(*value)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("graph sqlite store parse time %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ GraphStore     = (*SQLiteStore)(nil)
	_ schedule.Store = sqliteScheduleStore{}
)
