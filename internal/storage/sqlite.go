package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"brainsched/internal/task"
	logx "brainsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; every schedule write is a single
	// statement or a short transaction on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

const taskColumns = `id, brain_id, status, kind, title, description, recurring_id, payload, model_override,
	dependencies, execute_at, attempts, retry_policy, error, output, send_notification, created_at, updated_at`

func (s *sqliteStore) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = task.NewID()
	}
	normalizeTask(t)
	row, err := encodeTask(t)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row...,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return ErrExists
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_status_history(task_id, from_status, to_status, at, error) VALUES(?,?,?,?,?)`,
		t.ID, nil, string(t.Status), t.CreatedAt.UnixMilli(), nil,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t *task.Task) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	normalizeTask(t)
	payload, deps, retry, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, t.ID).Scan(&prev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET brain_id=?, status=?, kind=?, title=?, description=?, recurring_id=?, payload=?,
		 model_override=?, dependencies=?, execute_at=?, attempts=?, retry_policy=?, error=?, output=?,
		 send_notification=?, updated_at=? WHERE id=?`,
		t.BrainID, string(t.Status), string(t.Kind), t.Title, t.Description, nullStr(t.RecurringID), payload,
		nullStr(t.ModelOverride), deps, nullMs(t.ExecuteAt), t.Attempts, retry, nullStr(t.Error), nullStr(t.Output),
		boolInt(t.SendNotification), t.UpdatedAt.UnixMilli(), t.ID,
	)
	if err != nil {
		return err
	}

	if prev != string(t.Status) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_status_history(task_id, from_status, to_status, at, error) VALUES(?,?,?,?,?)`,
			t.ID, prev, string(t.Status), t.UpdatedAt.UnixMilli(), nullStr(t.Error),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_status_history WHERE task_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListTasks(ctx context.Context, f Filter) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.BrainID != "" {
		where = append(where, "brain_id = ?")
		args = append(args, f.BrainID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.RecurringID != "" {
		where = append(where, "recurring_id = ?")
		args = append(args, f.RecurringID)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC, rowid ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryTasks(ctx, q, args...)
}

func (s *sqliteStore) ListReady(ctx context.Context, brainID string, now time.Time) ([]*task.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE brain_id = ? AND status = ? AND (execute_at IS NULL OR execute_at <= ?)
		 ORDER BY created_at ASC, rowid ASC`,
		brainID, string(task.StatusReady), now.UnixMilli(),
	)
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) History(ctx context.Context, taskID string) ([]task.StatusChange, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_status, to_status, at, error FROM task_status_history WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.StatusChange
	for rows.Next() {
		var (
			from, errStr sql.NullString
			to           string
			at           int64
		)
		if err := rows.Scan(&from, &to, &at, &errStr); err != nil {
			return nil, err
		}
		out = append(out, task.StatusChange{
			TaskID: taskID,
			From:   task.Status(from.String),
			To:     task.Status(to),
			At:     time.UnixMilli(at),
			Error:  errStr.String,
		})
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecoverExecuting(ctx context.Context, reason string, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM tasks WHERE status = ? ORDER BY created_at ASC, rowid ASC`, string(task.StatusExecuting))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
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

	ms := at.UnixMilli()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			string(task.StatusReady), nullStr(reason), ms, id,
		); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_status_history(task_id, from_status, to_status, at, error) VALUES(?,?,?,?,?)`,
			id, string(task.StatusExecuting), string(task.StatusReady), ms, nullStr(reason),
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ---- recurring ----

const recurringColumns = `id, brain_id, title, description, model_override, pattern, cron_expression, interval_minutes,
	active, last_executed_at, next_execution_at, send_notification, triggers_report, report_delay_minutes, created_at, updated_at`

func (s *sqliteStore) CreateRecurring(ctx context.Context, r *task.Recurring) error {
	if r.ID == "" {
		r.ID = task.NewID()
	}
	normalizeRecurring(r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recurring_tasks(`+recurringColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.BrainID, r.Title, r.Description, nullStr(r.ModelOverride), string(r.Pattern), nullStr(r.CronExpression),
		r.IntervalMinutes, boolInt(r.Active), nullMs(r.LastExecutedAt), nullMs(r.NextExecutionAt),
		boolInt(r.SendNotification), boolInt(r.TriggersReport), r.ReportDelayMinutes,
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrExists
	}
	return err
}

func (s *sqliteStore) GetRecurring(ctx context.Context, id string) (*task.Recurring, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recurringColumns+` FROM recurring_tasks WHERE id = ?`, id)
	r, err := scanRecurring(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) UpdateRecurring(ctx context.Context, r *task.Recurring) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_tasks SET brain_id=?, title=?, description=?, model_override=?, pattern=?, cron_expression=?,
		 interval_minutes=?, send_notification=?, triggers_report=?, report_delay_minutes=?, updated_at=? WHERE id=?`,
		r.BrainID, r.Title, r.Description, nullStr(r.ModelOverride), string(r.Pattern), nullStr(r.CronExpression),
		r.IntervalMinutes, boolInt(r.SendNotification), boolInt(r.TriggersReport), r.ReportDelayMinutes,
		r.UpdatedAt.UnixMilli(), r.ID,
	)
	return affected(res, err)
}

func (s *sqliteStore) DeleteRecurring(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recurring_tasks WHERE id = ?`, id)
	return affected(res, err)
}

func (s *sqliteStore) ListRecurring(ctx context.Context, brainID string) ([]*task.Recurring, error) {
	q := `SELECT ` + recurringColumns + ` FROM recurring_tasks`
	var args []any
	if brainID != "" {
		q += ` WHERE brain_id = ?`
		args = append(args, brainID)
	}
	q += ` ORDER BY created_at ASC, id ASC`
	return s.queryRecurring(ctx, q, args...)
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time) ([]*task.Recurring, error) {
	return s.queryRecurring(ctx,
		`SELECT `+recurringColumns+` FROM recurring_tasks
		 WHERE active = 1 AND next_execution_at IS NOT NULL AND next_execution_at <= ?
		 ORDER BY next_execution_at ASC, id ASC`,
		now.UnixMilli(),
	)
}

func (s *sqliteStore) queryRecurring(ctx context.Context, q string, args ...any) ([]*task.Recurring, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*task.Recurring, 0)
	for rows.Next() {
		r, err := scanRecurring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_tasks SET active = ?, updated_at = ? WHERE id = ?`, boolInt(active), at.UnixMilli(), id)
	return affected(res, err)
}

func (s *sqliteStore) SetLastExecuted(ctx context.Context, id string, at time.Time) error {
	ms := at.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_tasks SET last_executed_at = ?, updated_at = ? WHERE id = ?`, ms, ms, id)
	return affected(res, err)
}

func (s *sqliteStore) SetNextExecution(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_tasks SET next_execution_at = ? WHERE id = ?`, at.UnixMilli(), id)
	return affected(res, err)
}

// ---- audit + dedup ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, took_ms, meta) VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), nullStr(e.Actor), e.Action, nullStr(e.Target), boolInt(e.OK), nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	q := `SELECT at, actor, action, target, ok, err, took_ms, meta FROM audit ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			at, took                 int64
			ok                       int
			actor, target, errS, met sql.NullString
			e                        AuditEntry
		)
		if err := rows.Scan(&at, &actor, &e.Action, &target, &ok, &errS, &took, &met); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		e.Actor, e.Target, e.Error, e.MetaJSON = actor.String, target.String, errS.String, met.String
		e.OK = ok != 0
		e.TookMS = took
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// ---- row codecs ----

type scanner interface {
	Scan(dest ...any) error
}

func encodeTaskJSON(t *task.Task) (payload, deps, retry any, err error) {
	if len(t.Payload) > 0 {
		b, err := json.Marshal(t.Payload)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode payload: %w", err)
		}
		payload = string(b)
	}
	if len(t.Dependencies) > 0 {
		b, err := json.Marshal(t.Dependencies)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode dependencies: %w", err)
		}
		deps = string(b)
	}
	if t.RetryPolicy != nil {
		b, err := json.Marshal(t.RetryPolicy)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode retry policy: %w", err)
		}
		retry = string(b)
	}
	return payload, deps, retry, nil
}

func encodeTask(t *task.Task) ([]any, error) {
	payload, deps, retry, err := encodeTaskJSON(t)
	if err != nil {
		return nil, err
	}
	return []any{
		t.ID, t.BrainID, string(t.Status), string(t.Kind), t.Title, t.Description, nullStr(t.RecurringID), payload,
		nullStr(t.ModelOverride), deps, nullMs(t.ExecuteAt), t.Attempts, retry, nullStr(t.Error), nullStr(t.Output),
		boolInt(t.SendNotification), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	}, nil
}

func scanTask(sc scanner) (*task.Task, error) {
	var (
		t                                 task.Task
		status, kind                      string
		recurringID, payload, model, deps sql.NullString
		retry, errStr, output             sql.NullString
		executeAt                         sql.NullInt64
		sendNotification                  int
		createdAt, updatedAt              int64
	)
	if err := sc.Scan(&t.ID, &t.BrainID, &status, &kind, &t.Title, &t.Description, &recurringID, &payload, &model,
		&deps, &executeAt, &t.Attempts, &retry, &errStr, &output, &sendNotification, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.Kind = task.Kind(kind)
	t.RecurringID = recurringID.String
	t.ModelOverride = model.String
	t.Error = errStr.String
	t.Output = output.String
	t.SendNotification = sendNotification != 0
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	t.ExecuteAt = msFromNull(executeAt)

	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &t.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", t.ID, err)
		}
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies of %s: %w", t.ID, err)
		}
	}
	if retry.Valid && retry.String != "" {
		var rp task.RetryPolicy
		if err := json.Unmarshal([]byte(retry.String), &rp); err != nil {
			return nil, fmt.Errorf("decode retry policy of %s: %w", t.ID, err)
		}
		t.RetryPolicy = &rp
	}
	return &t, nil
}

func scanRecurring(sc scanner) (*task.Recurring, error) {
	var (
		r                                        task.Recurring
		model, cronExpr                          sql.NullString
		pattern                                  string
		active, sendNotification, triggersReport int
		lastExecuted, nextExecution              sql.NullInt64
		createdAt, updatedAt                     int64
	)
	if err := sc.Scan(&r.ID, &r.BrainID, &r.Title, &r.Description, &model, &pattern, &cronExpr, &r.IntervalMinutes,
		&active, &lastExecuted, &nextExecution, &sendNotification, &triggersReport, &r.ReportDelayMinutes,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.ModelOverride = model.String
	r.Pattern = task.Pattern(pattern)
	r.CronExpression = cronExpr.String
	r.Active = active != 0
	r.SendNotification = sendNotification != 0
	r.TriggersReport = triggersReport != 0
	r.LastExecutedAt = msFromNull(lastExecuted)
	r.NextExecutionAt = msFromNull(nextExecution)
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return &r, nil
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func msFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
