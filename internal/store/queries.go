package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultQueryLimit = 500

// -- Agent state ------------------------------------------------------------

func (s *sqliteStore) LoadState(ctx context.Context) (AgentState, error) {
	var (
		st          AgentState
		createdAt   int64
		lastWake    int64
		activeTasks string
	)
	err := s.stmtLoadState.QueryRowContext(ctx).Scan(
		&st.Version, &st.WakeCount, &createdAt, &lastWake, &st.CurrentFocus, &activeTasks,
		&st.AccomplishmentsToday, &st.TotalAccomplishments, &st.TasksCompleted, &st.NotificationsSent,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentState{}, fmt.Errorf("agent state: %w", ErrNotFound)
		}
		return AgentState{}, err
	}
	st.CreatedAt = msToTime(createdAt)
	st.LastWake = msToTime(lastWake)
	st.ActiveTasks = splitList(activeTasks)
	return st, nil
}

func (s *sqliteStore) InitState(ctx context.Context, st AgentState) (AgentState, error) {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	st.Version = 1
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO agent_state(id, version, wake_count, created_at, last_wake, current_focus, active_tasks,
                        accomplishments_today, total_accomplishments, tasks_completed, notifications_sent)
VALUES(1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		st.Version, st.WakeCount, timeToMS(st.CreatedAt), timeToMS(st.LastWake), st.CurrentFocus,
		joinList(st.ActiveTasks), st.AccomplishmentsToday, st.TotalAccomplishments, st.TasksCompleted, st.NotificationsSent)
	if err != nil {
		return AgentState{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Someone else initialized first; their copy wins.
		return s.LoadState(ctx)
	}
	return st, nil
}

func (s *sqliteStore) CompareAndSwapState(ctx context.Context, expectedVersion int64, st AgentState) (AgentState, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE agent_state
SET version = version + 1, wake_count = ?, last_wake = ?, current_focus = ?, active_tasks = ?,
    accomplishments_today = ?, total_accomplishments = ?, tasks_completed = ?, notifications_sent = ?
WHERE id = 1 AND version = ?`,
		st.WakeCount, timeToMS(st.LastWake), st.CurrentFocus, joinList(st.ActiveTasks),
		st.AccomplishmentsToday, st.TotalAccomplishments, st.TasksCompleted, st.NotificationsSent,
		expectedVersion)
	if err != nil {
		return AgentState{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AgentState{}, err
	}
	if n == 0 {
		if _, loadErr := s.LoadState(ctx); errors.Is(loadErr, ErrNotFound) {
			return AgentState{}, fmt.Errorf("agent state: %w", ErrNotFound)
		}
		return AgentState{}, fmt.Errorf("expected version %d: %w", expectedVersion, ErrConflict)
	}
	return s.LoadState(ctx)
}

// -- Backlog ----------------------------------------------------------------

const taskColumns = `id, title, description, priority, status, notes, created_at, updated_at, completed_at`

func scanTask(scan func(dest ...any) error) (Task, error) {
	var (
		t           Task
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	if err := scan(&t.ID, &t.Title, &t.Description, &t.Priority, &t.Status, &t.Notes, &createdAt, &updatedAt, &completedAt); err != nil {
		return Task{}, err
	}
	t.CreatedAt = msToTime(createdAt)
	t.UpdatedAt = msToTime(updatedAt)
	if completedAt.Valid {
		ct := msToTime(completedAt.Int64)
		t.CompletedAt = &ct
	}
	return t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, statusFilter string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if statusFilter != "" && statusFilter != "all" {
		q += ` WHERE status = ?`
		args = append(args, statusFilter)
	}
	q += ` ORDER BY CASE priority
  WHEN 'urgent' THEN 0
  WHEN 'high' THEN 1
  WHEN 'normal' THEN 2
  WHEN 'low' THEN 3
  ELSE 2 END ASC, created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (Task, error) {
	t, err := scanTask(s.stmtGetTask.QueryRowContext(ctx, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return Task{}, err
	}
	return t, nil
}

func (s *sqliteStore) NextPendingTask(ctx context.Context) (*Task, error) {
	t, err := scanTask(s.stmtNextPending.QueryRowContext(ctx).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (s *sqliteStore) UpsertTask(ctx context.Context, t Task, replace bool) (Task, error) {
	if strings.TrimSpace(t.Title) == "" {
		return Task{}, errors.New("task title required")
	}
	if t.ID == "" {
		t.ID = "task-" + uuid.NewString()[:8]
	}
	if t.Priority == "" {
		t.Priority = "normal"
	}
	if t.Status == "" {
		t.Status = "pending"
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	var completedAt any
	if t.CompletedAt != nil {
		completedAt = timeToMS(*t.CompletedAt)
	}

	if !replace {
		var exists int
		if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, t.ID).Scan(&exists); err != nil {
			return Task{}, err
		}
		if exists > 0 {
			return Task{}, fmt.Errorf("task %s: %w", t.ID, ErrDuplicateID)
		}
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO tasks(id, title, description, priority, status, notes, created_at, updated_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  title = excluded.title, description = excluded.description, priority = excluded.priority,
  status = excluded.status, notes = excluded.notes, updated_at = excluded.updated_at,
  completed_at = excluded.completed_at`,
		t.ID, t.Title, t.Description, t.Priority, t.Status, t.Notes,
		timeToMS(t.CreatedAt), timeToMS(t.UpdatedAt), completedAt)
	if err != nil {
		if !replace && strings.Contains(err.Error(), "UNIQUE") {
			return Task{}, fmt.Errorf("task %s: %w", t.ID, ErrDuplicateID)
		}
		return Task{}, err
	}
	return t, nil
}

// allowedTransition encodes the task status grammar:
// pending → {in_progress|blocked}* → {complete|failed}. Terminal statuses are
// never left, and a task never re-enters pending.
func allowedTransition(from, to string) bool {
	if from == to {
		return false
	}
	switch from {
	case "pending":
		return to == "in_progress" || to == "blocked" || to == "complete" || to == "failed"
	case "in_progress":
		return to == "blocked" || to == "complete" || to == "failed"
	case "blocked":
		return to == "in_progress" || to == "complete" || to == "failed"
	default:
		return false
	}
}

func (s *sqliteStore) TransitionTask(ctx context.Context, id, fromStatus, toStatus, notes string) (Task, error) {
	if !allowedTransition(fromStatus, toStatus) {
		return Task{}, fmt.Errorf("task %s: %s -> %s: %w", id, fromStatus, toStatus, ErrInvalidTransition)
	}
	now := time.Now().UTC()
	var completedAt any
	if toStatus == "complete" || toStatus == "failed" {
		completedAt = timeToMS(now)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE tasks
SET status = ?, updated_at = ?,
    notes = CASE WHEN ? != '' THEN ? ELSE notes END,
    completed_at = COALESCE(?, completed_at)
WHERE id = ? AND status = ?`,
		toStatus, timeToMS(now), notes, notes, completedAt, id, fromStatus)
	if err != nil {
		return Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, err
	}
	if n == 0 {
		// Distinguish a missing task from a status precondition failure.
		if _, getErr := s.GetTask(ctx, id); errors.Is(getErr, ErrNotFound) {
			return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return Task{}, fmt.Errorf("task %s: status is not %q: %w", id, fromStatus, ErrInvalidTransition)
	}
	return s.GetTask(ctx, id)
}

// -- Accomplishment ledger --------------------------------------------------

func (s *sqliteStore) AppendAccomplishment(ctx context.Context, rec Accomplishment) (int64, error) {
	if strings.TrimSpace(rec.Description) == "" {
		return 0, errors.New("accomplishment description required")
	}
	if rec.Impact == "" {
		rec.Impact = "low"
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO accomplishments(task_id, category, description, impact, artifacts, ts)
VALUES(?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Category, rec.Description, rec.Impact, joinList(rec.Artifacts), timeToMS(rec.Timestamp))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) QueryAccomplishments(ctx context.Context, since time.Time, limit int) ([]Accomplishment, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT record_id, task_id, category, description, impact, artifacts, ts
FROM accomplishments
WHERE ts >= ?
ORDER BY ts ASC, record_id ASC
LIMIT ?`, timeToMS(since), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Accomplishment
	for rows.Next() {
		var (
			rec       Accomplishment
			artifacts string
			ts        int64
		)
		if err := rows.Scan(&rec.RecordID, &rec.TaskID, &rec.Category, &rec.Description, &rec.Impact, &artifacts, &ts); err != nil {
			return nil, err
		}
		rec.Artifacts = splitList(artifacts)
		rec.Timestamp = msToTime(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountAccomplishmentsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM accomplishments WHERE ts >= ?`, timeToMS(since)).Scan(&n)
	return n, err
}

// -- Wake lease -------------------------------------------------------------

func (s *sqliteStore) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (Lease, error) {
	if holder == "" {
		return Lease{}, errors.New("lease holder required")
	}
	if ttl <= 0 {
		return Lease{}, errors.New("lease ttl must be positive")
	}
	now := time.Now().UTC()
	lease := Lease{Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	// A single upsert: take the slot if it is empty or the previous lease has
	// expired (crashed wake). RowsAffected 0 means a live holder exists.
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO wake_lease(id, holder, acquired_at, expires_at)
VALUES(1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  holder = excluded.holder, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
WHERE wake_lease.expires_at <= excluded.acquired_at`,
		holder, timeToMS(now), timeToMS(lease.ExpiresAt))
	if err != nil {
		return Lease{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Lease{}, err
	}
	if n == 0 {
		return Lease{}, fmt.Errorf("wake lease: %w", ErrBusy)
	}
	return lease, nil
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, holder string) error {
	// Releasing a lease we no longer hold (expired and reclaimed) is a no-op.
	_, err := s.DB.ExecContext(ctx, `DELETE FROM wake_lease WHERE id = 1 AND holder = ?`, holder)
	return err
}

func (s *sqliteStore) CurrentLease(ctx context.Context) (*Lease, error) {
	var (
		l          Lease
		acquiredAt int64
		expiresAt  int64
	)
	err := s.DB.QueryRowContext(ctx, `SELECT holder, acquired_at, expires_at FROM wake_lease WHERE id = 1`).
		Scan(&l.Holder, &acquiredAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	l.AcquiredAt = msToTime(acquiredAt)
	l.ExpiresAt = msToTime(expiresAt)
	return &l, nil
}

// -- Approvals --------------------------------------------------------------

// CreateApproval is idempotent per fingerprint: a pending approval for the
// same action is reused so repeated deferred wakes do not pile up requests.
func (s *sqliteStore) CreateApproval(ctx context.Context, fingerprint, taskID, summary string) (int64, error) {
	if fingerprint == "" {
		return 0, errors.New("approval fingerprint required")
	}
	var existing int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT approval_id FROM approvals WHERE fingerprint = ? AND outcome = 'pending' ORDER BY approval_id DESC LIMIT 1`,
		fingerprint).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO approvals(fingerprint, task_id, summary, outcome, created_at)
VALUES(?, ?, ?, 'pending', ?)`,
		fingerprint, taskID, summary, timeToMS(time.Now().UTC()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ListApprovals(ctx context.Context, pendingOnly bool) ([]Approval, error) {
	q := `SELECT approval_id, fingerprint, task_id, summary, outcome, created_at, resolved_at FROM approvals`
	if pendingOnly {
		q += ` WHERE outcome = 'pending'`
	}
	q += ` ORDER BY approval_id ASC`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(scan func(dest ...any) error) (Approval, error) {
	var (
		a          Approval
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	if err := scan(&a.ApprovalID, &a.Fingerprint, &a.TaskID, &a.Summary, &a.Outcome, &createdAt, &resolvedAt); err != nil {
		return Approval{}, err
	}
	a.CreatedAt = msToTime(createdAt)
	if resolvedAt.Valid {
		rt := msToTime(resolvedAt.Int64)
		a.ResolvedAt = &rt
	}
	return a, nil
}

func (s *sqliteStore) ResolveApproval(ctx context.Context, id int64, outcome string) error {
	if outcome != "granted" && outcome != "denied" {
		return fmt.Errorf("invalid approval outcome %q", outcome)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE approvals SET outcome = ?, resolved_at = ? WHERE approval_id = ? AND outcome = 'pending'`,
		outcome, timeToMS(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pending approval %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) GrantedApproval(ctx context.Context, fingerprint string) (*Approval, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT approval_id, fingerprint, task_id, summary, outcome, created_at, resolved_at
FROM approvals WHERE fingerprint = ? AND outcome = 'granted' ORDER BY approval_id DESC LIMIT 1`,
		fingerprint)
	a, err := scanApproval(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *sqliteStore) ConsumeApproval(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE approvals SET outcome = 'consumed' WHERE approval_id = ? AND outcome = 'granted'`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("granted approval %d: %w", id, ErrNotFound)
	}
	return nil
}
