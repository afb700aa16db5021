package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
)

const defaultQueryLimit = 500

// -- Agent state ------------------------------------------------------------

func (s *Store) LoadState(ctx context.Context) (store.AgentState, error) {
	var (
		st          store.AgentState
		createdAt   int64
		lastWake    int64
		activeTasks string
	)
	err := s.Pool.QueryRow(ctx, `
SELECT version, wake_count, created_at, last_wake, current_focus, active_tasks,
       accomplishments_today, total_accomplishments, tasks_completed, notifications_sent
FROM agent_state WHERE id = 1`).Scan(
		&st.Version, &st.WakeCount, &createdAt, &lastWake, &st.CurrentFocus, &activeTasks,
		&st.AccomplishmentsToday, &st.TotalAccomplishments, &st.TasksCompleted, &st.NotificationsSent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.AgentState{}, fmt.Errorf("agent state: %w", store.ErrNotFound)
		}
		return store.AgentState{}, err
	}
	st.CreatedAt = msToTime(createdAt)
	st.LastWake = msToTime(lastWake)
	st.ActiveTasks = splitList(activeTasks)
	return st, nil
}

func (s *Store) InitState(ctx context.Context, st store.AgentState) (store.AgentState, error) {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	st.Version = 1
	ct, err := s.Pool.Exec(ctx, `
INSERT INTO agent_state(id, version, wake_count, created_at, last_wake, current_focus, active_tasks,
                        accomplishments_today, total_accomplishments, tasks_completed, notifications_sent)
VALUES(1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`,
		st.Version, st.WakeCount, timeToMS(st.CreatedAt), timeToMS(st.LastWake), st.CurrentFocus,
		joinList(st.ActiveTasks), st.AccomplishmentsToday, st.TotalAccomplishments, st.TasksCompleted, st.NotificationsSent)
	if err != nil {
		return store.AgentState{}, err
	}
	if ct.RowsAffected() == 0 {
		return s.LoadState(ctx)
	}
	return st, nil
}

func (s *Store) CompareAndSwapState(ctx context.Context, expectedVersion int64, st store.AgentState) (store.AgentState, error) {
	ct, err := s.Pool.Exec(ctx, `
UPDATE agent_state
SET version = version + 1, wake_count = $1, last_wake = $2, current_focus = $3, active_tasks = $4,
    accomplishments_today = $5, total_accomplishments = $6, tasks_completed = $7, notifications_sent = $8
WHERE id = 1 AND version = $9`,
		st.WakeCount, timeToMS(st.LastWake), st.CurrentFocus, joinList(st.ActiveTasks),
		st.AccomplishmentsToday, st.TotalAccomplishments, st.TasksCompleted, st.NotificationsSent,
		expectedVersion)
	if err != nil {
		return store.AgentState{}, err
	}
	if ct.RowsAffected() == 0 {
		if _, loadErr := s.LoadState(ctx); errors.Is(loadErr, store.ErrNotFound) {
			return store.AgentState{}, fmt.Errorf("agent state: %w", store.ErrNotFound)
		}
		return store.AgentState{}, fmt.Errorf("expected version %d: %w", expectedVersion, store.ErrConflict)
	}
	return s.LoadState(ctx)
}

// -- Backlog ----------------------------------------------------------------

const taskColumns = `id, title, description, priority, status, notes, created_at, updated_at, completed_at`

func scanTask(scan func(dest ...any) error) (store.Task, error) {
	var (
		t           store.Task
		createdAt   int64
		updatedAt   int64
		completedAt *int64
	)
	if err := scan(&t.ID, &t.Title, &t.Description, &t.Priority, &t.Status, &t.Notes, &createdAt, &updatedAt, &completedAt); err != nil {
		return store.Task{}, err
	}
	t.CreatedAt = msToTime(createdAt)
	t.UpdatedAt = msToTime(updatedAt)
	if completedAt != nil {
		c := msToTime(*completedAt)
		t.CompletedAt = &c
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, statusFilter string, limit int) ([]store.Task, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	const orderBy = ` ORDER BY CASE priority
  WHEN 'urgent' THEN 0
  WHEN 'high' THEN 1
  WHEN 'normal' THEN 2
  WHEN 'low' THEN 3
  ELSE 2 END ASC, created_at ASC, id ASC`
	q := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if statusFilter != "" && statusFilter != "all" {
		q += ` WHERE status = $1` + orderBy + ` LIMIT $2`
		args = append(args, statusFilter, limit)
	} else {
		q += orderBy + ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTask(ctx context.Context, id string) (store.Task, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Task{}, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		return store.Task{}, err
	}
	return t, nil
}

func (s *Store) NextPendingTask(ctx context.Context) (*store.Task, error) {
	row := s.Pool.QueryRow(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE status = 'pending'
ORDER BY CASE priority
  WHEN 'urgent' THEN 0
  WHEN 'high' THEN 1
  WHEN 'normal' THEN 2
  WHEN 'low' THEN 3
  ELSE 2 END ASC, created_at ASC, id ASC
LIMIT 1`)
	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) UpsertTask(ctx context.Context, t store.Task, replace bool) (store.Task, error) {
	if strings.TrimSpace(t.Title) == "" {
		return store.Task{}, errors.New("task title required")
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

	var completedAt *int64
	if t.CompletedAt != nil {
		ms := timeToMS(*t.CompletedAt)
		completedAt = &ms
	}

	if replace {
		_, err := s.Pool.Exec(ctx, `
INSERT INTO tasks(id, title, description, priority, status, notes, created_at, updated_at, completed_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
  title = excluded.title, description = excluded.description, priority = excluded.priority,
  status = excluded.status, notes = excluded.notes, updated_at = excluded.updated_at,
  completed_at = excluded.completed_at`,
			t.ID, t.Title, t.Description, t.Priority, t.Status, t.Notes,
			timeToMS(t.CreatedAt), timeToMS(t.UpdatedAt), completedAt)
		if err != nil {
			return store.Task{}, err
		}
		return t, nil
	}

	ct, err := s.Pool.Exec(ctx, `
INSERT INTO tasks(id, title, description, priority, status, notes, created_at, updated_at, completed_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Title, t.Description, t.Priority, t.Status, t.Notes,
		timeToMS(t.CreatedAt), timeToMS(t.UpdatedAt), completedAt)
	if err != nil {
		return store.Task{}, err
	}
	if ct.RowsAffected() == 0 {
		return store.Task{}, fmt.Errorf("task %s: %w", t.ID, store.ErrDuplicateID)
	}
	return t, nil
}

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

func (s *Store) TransitionTask(ctx context.Context, id, fromStatus, toStatus, notes string) (store.Task, error) {
	if !allowedTransition(fromStatus, toStatus) {
		return store.Task{}, fmt.Errorf("task %s: %s -> %s: %w", id, fromStatus, toStatus, store.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	var completedAt *int64
	if toStatus == "complete" || toStatus == "failed" {
		ms := timeToMS(now)
		completedAt = &ms
	}
	ct, err := s.Pool.Exec(ctx, `
UPDATE tasks
SET status = $1, updated_at = $2,
    notes = CASE WHEN $3 != '' THEN $3 ELSE notes END,
    completed_at = COALESCE($4, completed_at)
WHERE id = $5 AND status = $6`,
		toStatus, timeToMS(now), notes, completedAt, id, fromStatus)
	if err != nil {
		return store.Task{}, err
	}
	if ct.RowsAffected() == 0 {
		if _, getErr := s.GetTask(ctx, id); errors.Is(getErr, store.ErrNotFound) {
			return store.Task{}, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		return store.Task{}, fmt.Errorf("task %s: status is not %q: %w", id, fromStatus, store.ErrInvalidTransition)
	}
	return s.GetTask(ctx, id)
}

// -- Accomplishment ledger --------------------------------------------------

func (s *Store) AppendAccomplishment(ctx context.Context, rec store.Accomplishment) (int64, error) {
	if strings.TrimSpace(rec.Description) == "" {
		return 0, errors.New("accomplishment description required")
	}
	if rec.Impact == "" {
		rec.Impact = "low"
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var id int64
	err := s.Pool.QueryRow(ctx, `
INSERT INTO accomplishments(task_id, category, description, impact, artifacts, ts)
VALUES($1, $2, $3, $4, $5, $6)
RETURNING record_id`,
		rec.TaskID, rec.Category, rec.Description, rec.Impact, joinList(rec.Artifacts), timeToMS(rec.Timestamp)).Scan(&id)
	return id, err
}

func (s *Store) QueryAccomplishments(ctx context.Context, since time.Time, limit int) ([]store.Accomplishment, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.Pool.Query(ctx, `
SELECT record_id, task_id, category, description, impact, artifacts, ts
FROM accomplishments
WHERE ts >= $1
ORDER BY ts ASC, record_id ASC
LIMIT $2`, timeToMS(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Accomplishment
	for rows.Next() {
		var (
			rec       store.Accomplishment
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

func (s *Store) CountAccomplishmentsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM accomplishments WHERE ts >= $1`, timeToMS(since)).Scan(&n)
	return n, err
}

// -- Wake lease -------------------------------------------------------------

func (s *Store) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (store.Lease, error) {
	if holder == "" {
		return store.Lease{}, errors.New("lease holder required")
	}
	if ttl <= 0 {
		return store.Lease{}, errors.New("lease ttl must be positive")
	}
	now := time.Now().UTC()
	lease := store.Lease{Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	ct, err := s.Pool.Exec(ctx, `
INSERT INTO wake_lease(id, holder, acquired_at, expires_at)
VALUES(1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE SET
  holder = excluded.holder, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
WHERE wake_lease.expires_at <= excluded.acquired_at`,
		holder, timeToMS(now), timeToMS(lease.ExpiresAt))
	if err != nil {
		return store.Lease{}, err
	}
	if ct.RowsAffected() == 0 {
		return store.Lease{}, fmt.Errorf("wake lease: %w", store.ErrBusy)
	}
	return lease, nil
}

func (s *Store) ReleaseLease(ctx context.Context, holder string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM wake_lease WHERE id = 1 AND holder = $1`, holder)
	return err
}

func (s *Store) CurrentLease(ctx context.Context) (*store.Lease, error) {
	var (
		l          store.Lease
		acquiredAt int64
		expiresAt  int64
	)
	err := s.Pool.QueryRow(ctx, `SELECT holder, acquired_at, expires_at FROM wake_lease WHERE id = 1`).
		Scan(&l.Holder, &acquiredAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	l.AcquiredAt = msToTime(acquiredAt)
	l.ExpiresAt = msToTime(expiresAt)
	return &l, nil
}

// -- Approvals --------------------------------------------------------------

func (s *Store) CreateApproval(ctx context.Context, fingerprint, taskID, summary string) (int64, error) {
	if fingerprint == "" {
		return 0, errors.New("approval fingerprint required")
	}
	var existing int64
	err := s.Pool.QueryRow(ctx,
		`SELECT approval_id FROM approvals WHERE fingerprint = $1 AND outcome = 'pending' ORDER BY approval_id DESC LIMIT 1`,
		fingerprint).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	var id int64
	err = s.Pool.QueryRow(ctx, `
INSERT INTO approvals(fingerprint, task_id, summary, outcome, created_at)
VALUES($1, $2, $3, 'pending', $4)
RETURNING approval_id`,
		fingerprint, taskID, summary, timeToMS(time.Now().UTC())).Scan(&id)
	return id, err
}

func (s *Store) ListApprovals(ctx context.Context, pendingOnly bool) ([]store.Approval, error) {
	q := `SELECT approval_id, fingerprint, task_id, summary, outcome, created_at, resolved_at FROM approvals`
	if pendingOnly {
		q += ` WHERE outcome = 'pending'`
	}
	q += ` ORDER BY approval_id ASC`
	rows, err := s.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(scan func(dest ...any) error) (store.Approval, error) {
	var (
		a          store.Approval
		createdAt  int64
		resolvedAt *int64
	)
	if err := scan(&a.ApprovalID, &a.Fingerprint, &a.TaskID, &a.Summary, &a.Outcome, &createdAt, &resolvedAt); err != nil {
		return store.Approval{}, err
	}
	a.CreatedAt = msToTime(createdAt)
	if resolvedAt != nil {
		rt := msToTime(*resolvedAt)
		a.ResolvedAt = &rt
	}
	return a, nil
}

func (s *Store) ResolveApproval(ctx context.Context, id int64, outcome string) error {
	if outcome != "granted" && outcome != "denied" {
		return fmt.Errorf("invalid approval outcome %q", outcome)
	}
	ct, err := s.Pool.Exec(ctx,
		`UPDATE approvals SET outcome = $1, resolved_at = $2 WHERE approval_id = $3 AND outcome = 'pending'`,
		outcome, timeToMS(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("pending approval %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GrantedApproval(ctx context.Context, fingerprint string) (*store.Approval, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT approval_id, fingerprint, task_id, summary, outcome, created_at, resolved_at
FROM approvals WHERE fingerprint = $1 AND outcome = 'granted' ORDER BY approval_id DESC LIMIT 1`,
		fingerprint)
	a, err := scanApproval(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) ConsumeApproval(ctx context.Context, id int64) error {
	ct, err := s.Pool.Exec(ctx,
		`UPDATE approvals SET outcome = 'consumed' WHERE approval_id = $1 AND outcome = 'granted'`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("granted approval %d: %w", id, store.ErrNotFound)
	}
	return nil
}
