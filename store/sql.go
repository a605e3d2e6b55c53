package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-orchestrator/model"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore persists rows through database/sql on SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Gateway = (*SQLStore)(nil)

// Open connects using the dialect registered for driver and migrates the
// schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate creates missing tables and indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) SaveDefinition(ctx context.Context, def *model.ProcessDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition %s: %w", def.ID, err)
	}
	now := time.Now().UTC()
	created := def.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = s.exec(ctx, `
INSERT INTO definition (id, definition_key, version, suspended, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  definition_key = excluded.definition_key,
  version = excluded.version,
  suspended = excluded.suspended,
  data = excluded.data,
  updated_at = excluded.updated_at`,
		def.ID, def.Key, def.Version, def.Suspended, string(data), toMillis(created), toMillis(now))
	if err != nil {
		return fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return nil
}

const definitionColumns = `id, suspended, data, created_at, updated_at`

func scanDefinition(row interface{ Scan(...any) error }) (*model.ProcessDefinition, error) {
	var (
		id                 string
		suspended          bool
		data               string
		created, updatedAt int64
	)
	if err := row.Scan(&id, &suspended, &data, &created, &updatedAt); err != nil {
		return nil, err
	}
	var def model.ProcessDefinition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", id, err)
	}
	def.ID = id
	def.Suspended = suspended
	def.CreatedAt = fromMillis(created)
	def.UpdatedAt = fromMillis(updatedAt)
	return &def, nil
}

func (s *SQLStore) FindDefinition(ctx context.Context, id string) (*model.ProcessDefinition, error) {
	def, err := scanDefinition(s.queryRow(ctx, `SELECT `+definitionColumns+` FROM definition WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("definition", id)
	}
	return def, err
}

func (s *SQLStore) FindLatestDefinition(ctx context.Context, key string) (*model.ProcessDefinition, error) {
	def, err := scanDefinition(s.queryRow(ctx,
		`SELECT `+definitionColumns+` FROM definition WHERE definition_key = ? ORDER BY version DESC LIMIT 1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("definition key", key)
	}
	return def, err
}

func (s *SQLStore) FindDefinitionsByKey(ctx context.Context, key string) ([]*model.ProcessDefinition, error) {
	rows, err := s.query(ctx, `SELECT `+definitionColumns+` FROM definition WHERE definition_key = ? ORDER BY version`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.ProcessDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetDefinitionSuspended(ctx context.Context, id string, suspended bool) error {
	res, err := s.exec(ctx, `UPDATE definition SET suspended = ?, updated_at = ? WHERE id = ?`,
		suspended, toMillis(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("definition", id)
	}
	return nil
}

func (s *SQLStore) SaveProcess(ctx context.Context, p *model.ProcessExecution) error {
	_, err := s.exec(ctx, `
INSERT INTO process (id, root_process_id, parent_id, definition_id, definition_key, business_key,
  state, suspended, created_at, updated_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  state = excluded.state,
  suspended = excluded.suspended,
  business_key = excluded.business_key,
  updated_at = excluded.updated_at,
  started_at = excluded.started_at,
  completed_at = excluded.completed_at`,
		p.ID, p.RootProcessID, nullString(p.ParentID), p.DefinitionID, p.DefinitionKey, nullString(p.BusinessKey),
		string(p.State), p.Suspended, toMillis(p.CreatedAt), toMillis(time.Now()),
		toNullMillis(p.StartedAt), toNullMillis(p.CompletedAt))
	if err != nil {
		return fmt.Errorf("save process %s: %w", p.ID, err)
	}
	return nil
}

const processColumns = `id, root_process_id, parent_id, definition_id, definition_key, business_key,
  state, suspended, created_at, updated_at, started_at, completed_at`

func scanProcess(row interface{ Scan(...any) error }) (*model.ProcessExecution, error) {
	var (
		p                  model.ProcessExecution
		parentID, bizKey   sql.NullString
		state              string
		created, updatedAt int64
		started, completed *int64
	)
	err := row.Scan(&p.ID, &p.RootProcessID, &parentID, &p.DefinitionID, &p.DefinitionKey, &bizKey,
		&state, &p.Suspended, &created, &updatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	p.ParentID = parentID.String
	p.BusinessKey = bizKey.String
	p.State = model.ProcessState(state)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updatedAt)
	p.StartedAt = fromNullMillis(started)
	p.CompletedAt = fromNullMillis(completed)
	return &p, nil
}

func (s *SQLStore) FindProcess(ctx context.Context, id string) (*model.ProcessExecution, error) {
	p, err := scanProcess(s.queryRow(ctx, `SELECT `+processColumns+` FROM process WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("process", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachDefinitions(ctx, []*model.ProcessExecution{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLStore) findProcesses(ctx context.Context, query string, args ...any) ([]*model.ProcessExecution, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []*model.ProcessExecution
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, s.attachDefinitions(ctx, out)
}

func (s *SQLStore) attachDefinitions(ctx context.Context, list []*model.ProcessExecution) error {
	cache := map[string]*model.ProcessDefinition{}
	for _, p := range list {
		def, ok := cache[p.DefinitionID]
		if !ok {
			var err error
			def, err = s.FindDefinition(ctx, p.DefinitionID)
			if err != nil && !IsNotFound(err) {
				return err
			}
			cache[p.DefinitionID] = def
		}
		p.Definition = def
	}
	return nil
}

func (s *SQLStore) FindChildProcesses(ctx context.Context, parentID string) ([]*model.ProcessExecution, error) {
	return s.findProcesses(ctx, `SELECT `+processColumns+` FROM process WHERE parent_id = ? ORDER BY created_at, id`, parentID)
}

func (s *SQLStore) FindProcessesForCorrelation(ctx context.Context, q CorrelationQuery) ([]*model.ProcessExecution, error) {
	var (
		where = []string{"state IN (?, ?)"}
		args  = []any{string(model.ProcessActive), string(model.ProcessIncident)}
	)
	if q.BusinessKey != "" {
		where = append(where, "business_key = ?")
		args = append(args, q.BusinessKey)
	}
	for key, raw := range q.Keys {
		value, _, err := model.EncodeValue(raw)
		if err != nil {
			return nil, err
		}
		where = append(where, `EXISTS (SELECT 1 FROM variable v
  WHERE v.execution_id = process.id AND v.var_key = ? AND v.var_value = ?)`)
		args = append(args, key, value)
	}
	query := `SELECT ` + processColumns + ` FROM process WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at, id`
	return s.findProcesses(ctx, query, args...)
}

func (s *SQLStore) SuspendByDefinition(ctx context.Context, definitionIDs []string, limit int) (int, error) {
	return s.cascade(ctx, definitionIDs, limit, true)
}

func (s *SQLStore) ResumeByDefinition(ctx context.Context, definitionIDs []string, limit int) (int, error) {
	return s.cascade(ctx, definitionIDs, limit, false)
}

// cascade flips the suspended flag on a batch of root processes and every
// non-terminal descendant in one recursive statement.
func (s *SQLStore) cascade(ctx context.Context, definitionIDs []string, limit int, suspend bool) (int, error) {
	if len(definitionIDs) == 0 {
		return 0, nil
	}
	skipSuspended := ""
	if !suspend {
		skipSuspended = `
    AND NOT EXISTS (SELECT 1 FROM definition d WHERE d.id = p.definition_id AND d.suspended = ?)`
	}
	query := `
WITH RECURSIVE tree(id) AS (
  SELECT roots.id FROM (
    SELECT id FROM process
    WHERE definition_id IN (` + placeholders(len(definitionIDs)) + `)
      AND state IN ('ACTIVE', 'INCIDENT')
      AND suspended = ?
    ORDER BY id
    LIMIT ?) roots
  UNION ALL
  SELECT p.id FROM process p
  JOIN tree t ON p.parent_id = t.id
  WHERE p.state IN ('ACTIVE', 'INCIDENT')` + skipSuspended + `
)
UPDATE process SET suspended = ?, updated_at = ?
WHERE id IN (SELECT id FROM tree)`

	args := make([]any, 0, len(definitionIDs)+5)
	for _, id := range definitionIDs {
		args = append(args, id)
	}
	args = append(args, !suspend, limit)
	if !suspend {
		args = append(args, true)
	}
	args = append(args, suspend, toMillis(time.Now()))

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cascade suspended=%t: %w", suspend, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) SaveActivity(ctx context.Context, a *model.ActivityExecution) error {
	var reason, trace any
	if a.Failure != nil {
		reason, trace = a.Failure.Reason, a.Failure.Trace
	}
	_, err := s.exec(ctx, `
INSERT INTO activity (id, process_id, definition_id, parent_definition_id, process_definition_key, type, topic,
  state, retries, timeout_at, async, failure_reason, failure_trace, created_at, updated_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  state = excluded.state,
  retries = excluded.retries,
  timeout_at = excluded.timeout_at,
  failure_reason = excluded.failure_reason,
  failure_trace = excluded.failure_trace,
  updated_at = excluded.updated_at,
  started_at = excluded.started_at,
  completed_at = excluded.completed_at`,
		a.ID, a.ProcessID, a.DefinitionID, nullString(a.ParentDefinitionID), a.ProcessDefinitionKey,
		string(a.Type), nullString(a.Topic), string(a.State), a.Retries, toNullMillis(a.Timeout), a.Async,
		reason, trace, toMillis(a.CreatedAt), toMillis(time.Now()), toNullMillis(a.StartedAt), toNullMillis(a.CompletedAt))
	if err != nil {
		return fmt.Errorf("save activity %s: %w", a.ID, err)
	}
	return nil
}

const activityColumns = `activity.id, activity.process_id, activity.definition_id, activity.parent_definition_id,
  activity.process_definition_key, activity.type, activity.topic, activity.state, activity.retries,
  activity.timeout_at, activity.async, activity.failure_reason, activity.failure_trace,
  activity.created_at, activity.updated_at, activity.started_at, activity.completed_at`

func scanActivity(row interface{ Scan(...any) error }) (*model.ActivityExecution, error) {
	var (
		a                          model.ActivityExecution
		parentDef, topic           sql.NullString
		typ, state                 string
		reason, trace              sql.NullString
		created, updatedAt         int64
		timeout, started, finished *int64
	)
	err := row.Scan(&a.ID, &a.ProcessID, &a.DefinitionID, &parentDef, &a.ProcessDefinitionKey, &typ, &topic,
		&state, &a.Retries, &timeout, &a.Async, &reason, &trace, &created, &updatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	a.ParentDefinitionID = parentDef.String
	a.Topic = topic.String
	a.Type = model.ActivityType(typ)
	a.State = model.ActivityState(state)
	a.Timeout = fromNullMillis(timeout)
	if reason.Valid {
		a.Failure = &model.Failure{Reason: reason.String, Trace: trace.String}
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updatedAt)
	a.StartedAt = fromNullMillis(started)
	a.CompletedAt = fromNullMillis(finished)
	return &a, nil
}

func (s *SQLStore) findActivities(ctx context.Context, query string, args ...any) ([]*model.ActivityExecution, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []*model.ActivityExecution
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, s.attachProcesses(ctx, out)
}

func (s *SQLStore) attachProcesses(ctx context.Context, list []*model.ActivityExecution) error {
	cache := map[string]*model.ProcessExecution{}
	for _, a := range list {
		p, ok := cache[a.ProcessID]
		if !ok {
			var err error
			p, err = s.FindProcess(ctx, a.ProcessID)
			if err != nil && !IsNotFound(err) {
				return err
			}
			cache[a.ProcessID] = p
		}
		a.Process = p
	}
	return nil
}

func (s *SQLStore) FindActivity(ctx context.Context, id string) (*model.ActivityExecution, error) {
	list, err := s.findActivities(ctx, `SELECT `+activityColumns+` FROM activity WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, notFound("activity", id)
	}
	return list[0], nil
}

func (s *SQLStore) FindActivityByDefinition(ctx context.Context, processID, definitionID string) (*model.ActivityExecution, error) {
	list, err := s.findActivities(ctx, `SELECT `+activityColumns+` FROM activity
WHERE process_id = ? AND definition_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, processID, definitionID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, notFound("activity definition", processID+"/"+definitionID)
	}
	return list[0], nil
}

func (s *SQLStore) FindActivities(ctx context.Context, f ActivityFilter) ([]*model.ActivityExecution, error) {
	var (
		where []string
		args  []any
	)
	if f.ProcessID != "" {
		where = append(where, "process_id = ?")
		args = append(args, f.ProcessID)
	}
	if len(f.DefinitionIDs) > 0 {
		where = append(where, "definition_id IN ("+placeholders(len(f.DefinitionIDs))+")")
		for _, id := range f.DefinitionIDs {
			args = append(args, id)
		}
	}
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	query := `SELECT ` + activityColumns + ` FROM activity`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	return s.findActivities(ctx, query+` ORDER BY created_at, id`, args...)
}

func (s *SQLStore) FindTimedOut(ctx context.Context, now time.Time, limit int) ([]*model.ActivityExecution, error) {
	return s.findActivities(ctx, `SELECT `+activityColumns+` FROM activity
WHERE timeout_at < ? AND state IN ('SCHEDULED', 'ACTIVE')
ORDER BY timeout_at LIMIT ?`, toMillis(now), limit)
}

func (s *SQLStore) NextTimeout(ctx context.Context, now time.Time) (time.Time, bool, error) {
	var next *int64
	err := s.queryRow(ctx, `SELECT MIN(timeout_at) FROM activity
WHERE timeout_at >= ? AND state IN ('SCHEDULED', 'ACTIVE')`, toMillis(now)).Scan(&next)
	if err != nil || next == nil {
		return time.Time{}, false, err
	}
	return fromMillis(*next), true, nil
}

func (s *SQLStore) IsAllCompleted(ctx context.Context, processID string, definitionIDs []string) (bool, error) {
	query := `SELECT COUNT(*) FROM activity WHERE process_id = ?
  AND state NOT IN ('COMPLETED', 'TERMINATED', 'CANCELLED', 'DELETED')`
	args := []any{processID}
	if len(definitionIDs) > 0 {
		query += ` AND definition_id IN (` + placeholders(len(definitionIDs)) + `)`
		for _, id := range definitionIDs {
			args = append(args, id)
		}
	} else {
		query += ` AND async = ?`
		args = append(args, false)
	}
	var open int
	if err := s.queryRow(ctx, query, args...).Scan(&open); err != nil {
		return false, err
	}
	return open == 0, nil
}

func (s *SQLStore) IsAnyFailed(ctx context.Context, processID string) (bool, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM activity WHERE process_id = ? AND state = 'FAILED'`, processID).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) Poll(ctx context.Context, topic, processDefinitionKey string, limit int) ([]*model.ActivityExecution, error) {
	query, args := s.dialect.claim(topic, processDefinitionKey, limit, toMillis(time.Now()))
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim activities: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	args = make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.findActivities(ctx, `SELECT `+activityColumns+` FROM activity
WHERE id IN (`+placeholders(len(ids))+`) ORDER BY created_at, id`, args...)
}

func (s *SQLStore) SaveVariables(ctx context.Context, vars []model.Variable) error {
	if len(vars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt := s.dialect.Rebind(`
INSERT INTO variable (id, process_id, execution_id, execution_definition_id, var_key, var_value, var_type, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (execution_id, var_key) DO UPDATE SET
  var_value = excluded.var_value,
  var_type = excluded.var_type,
  updated_at = excluded.updated_at`)
	now := toMillis(time.Now())
	for _, v := range vars {
		id := v.ID
		if id == "" {
			id = NewID()
		}
		created := toMillis(v.CreatedAt)
		if created == 0 {
			created = now
		}
		if _, err := tx.ExecContext(ctx, stmt, id, v.ProcessID, v.ExecutionID, v.ExecutionDefinitionID,
			v.Key, v.Value, v.Type, created, now); err != nil {
			return fmt.Errorf("save variable %s: %w", v.Key, err)
		}
	}
	return tx.Commit()
}

const variableColumns = `id, process_id, execution_id, execution_definition_id, var_key, var_value, var_type, created_at, updated_at`

func (s *SQLStore) findVariables(ctx context.Context, query string, args ...any) ([]model.Variable, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Variable
	for rows.Next() {
		var (
			v                  model.Variable
			value              sql.NullString
			created, updatedAt int64
		)
		if err := rows.Scan(&v.ID, &v.ProcessID, &v.ExecutionID, &v.ExecutionDefinitionID,
			&v.Key, &value, &v.Type, &created, &updatedAt); err != nil {
			return nil, err
		}
		v.Value = value.String
		v.CreatedAt = fromMillis(created)
		v.UpdatedAt = fromMillis(updatedAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLStore) FindVariables(ctx context.Context, processID string) ([]model.Variable, error) {
	return s.findVariables(ctx, `SELECT `+variableColumns+` FROM variable WHERE process_id = ? ORDER BY execution_id, var_key`, processID)
}

func (s *SQLStore) FindExecutionVariables(ctx context.Context, executionID string) ([]model.Variable, error) {
	return s.findVariables(ctx, `SELECT `+variableColumns+` FROM variable WHERE execution_id = ? ORDER BY var_key`, executionID)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
