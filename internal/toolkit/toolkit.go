// Package toolkit exposes the validated tool operations over the agent state,
// backlog, and ledger. The HTTP tool endpoints and the CLI both call through
// here so validation and conversion live in one place.
package toolkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/notify"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
	"github.com/optimus-fulcria/wake-cycle-kagent/pkg/models"
)

// Toolkit binds the tool operations to a store and a notification registry.
type Toolkit struct {
	Store    store.Store
	Notifier *notify.Registry // optional; SendNotification fails without it
}

// ErrValidation marks input rejections. Handlers map it to a 400.
var ErrValidation = errors.New("invalid input")

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// ReadState returns the current agent state, seeding the default record on
// first run.
func (tk *Toolkit) ReadState(ctx context.Context) (models.AgentState, error) {
	st, err := tk.Store.LoadState(ctx)
	if errors.Is(err, store.ErrNotFound) {
		st, err = tk.Store.InitState(ctx, store.AgentState{CurrentFocus: "initial setup"})
	}
	if err != nil {
		return models.AgentState{}, err
	}
	return stateToModel(st), nil
}

// WriteState applies a partial update to the state record under the caller's
// expected version. A stale version returns store.ErrConflict; the caller
// re-reads and retries.
func (tk *Toolkit) WriteState(ctx context.Context, expectedVersion int64, patch models.StatePatch) (models.AgentState, error) {
	cur, err := tk.Store.LoadState(ctx)
	if err != nil {
		return models.AgentState{}, err
	}
	if cur.Version != expectedVersion {
		return models.AgentState{}, store.ErrConflict
	}
	next := cur
	if patch.CurrentFocus != nil {
		next.CurrentFocus = strings.TrimSpace(*patch.CurrentFocus)
	}
	if patch.ActiveTasks != nil {
		next.ActiveTasks = patch.ActiveTasks
	}
	updated, err := tk.Store.CompareAndSwapState(ctx, expectedVersion, next)
	if err != nil {
		return models.AgentState{}, err
	}
	return stateToModel(updated), nil
}

// ReadBacklog lists tasks, optionally filtered by status, ordered by priority
// then age.
func (tk *Toolkit) ReadBacklog(ctx context.Context, statusFilter string, limit int) ([]models.Task, error) {
	if statusFilter != "" && !models.ValidStatus(statusFilter) {
		return nil, validationf("unknown status %q", statusFilter)
	}
	if limit <= 0 || limit > models.DefaultBacklogListLimit {
		limit = models.DefaultBacklogListLimit
	}
	tasks, err := tk.Store.ListTasks(ctx, statusFilter, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToModel(t))
	}
	return out, nil
}

// AddTask appends a new pending task to the backlog.
func (tk *Toolkit) AddTask(ctx context.Context, title, description, priority string) (models.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Task{}, validationf("title required")
	}
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !models.ValidPriority(priority) {
		return models.Task{}, validationf("unknown priority %q", priority)
	}
	t, err := tk.Store.UpsertTask(ctx, store.Task{
		Title:       title,
		Description: description,
		Priority:    priority,
	}, false)
	if err != nil {
		return models.Task{}, err
	}
	return taskToModel(t), nil
}

// UpdateTask transitions a task from its current status to toStatus, appending
// notes. Transitions outside the status grammar return
// store.ErrInvalidTransition; unknown ids return store.ErrNotFound.
func (tk *Toolkit) UpdateTask(ctx context.Context, id, toStatus, notes string) (models.Task, error) {
	if strings.TrimSpace(id) == "" {
		return models.Task{}, validationf("task id required")
	}
	if !models.ValidStatus(toStatus) {
		return models.Task{}, validationf("unknown status %q", toStatus)
	}
	cur, err := tk.Store.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	t, err := tk.Store.TransitionTask(ctx, id, cur.Status, toStatus, notes)
	if err != nil {
		return models.Task{}, err
	}
	return taskToModel(t), nil
}

// LogAccomplishment appends one ledger record and returns its id.
func (tk *Toolkit) LogAccomplishment(ctx context.Context, rec models.Accomplishment) (int64, error) {
	if strings.TrimSpace(rec.Description) == "" {
		return 0, validationf("description required")
	}
	if rec.Category == "" {
		rec.Category = "work"
	}
	if rec.Impact == "" {
		rec.Impact = models.ImpactMedium
	}
	switch rec.Impact {
	case models.ImpactLow, models.ImpactMedium, models.ImpactHigh:
	default:
		return 0, validationf("unknown impact %q", rec.Impact)
	}
	return tk.Store.AppendAccomplishment(ctx, store.Accomplishment{
		TaskID:      rec.TaskID,
		Category:    rec.Category,
		Description: rec.Description,
		Impact:      rec.Impact,
		Artifacts:   rec.Artifacts,
	})
}

// QueryAccomplishments returns ledger records since the given time in
// chronological order. A zero since means today (UTC midnight).
func (tk *Toolkit) QueryAccomplishments(ctx context.Context, since time.Time, limit int) ([]models.Accomplishment, error) {
	if since.IsZero() {
		now := time.Now().UTC()
		since = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	if limit <= 0 || limit > models.DefaultLedgerListLimit {
		limit = models.DefaultLedgerListLimit
	}
	recs, err := tk.Store.QueryAccomplishments(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Accomplishment, 0, len(recs))
	for _, r := range recs {
		out = append(out, accomplishmentToModel(r))
	}
	return out, nil
}

// SendNotification delivers a message to the principal over the named channel
// (default channel when empty).
func (tk *Toolkit) SendNotification(ctx context.Context, n models.Notification) error {
	if strings.TrimSpace(n.Message) == "" {
		return validationf("message required")
	}
	if n.Priority == "" {
		n.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(n.Priority) {
		return validationf("unknown priority %q", n.Priority)
	}
	if tk.Notifier == nil {
		return errors.New("no notifier configured")
	}
	return tk.Notifier.NotifyOn(ctx, n.Channel, notify.Message{Text: n.Message, Priority: n.Priority})
}

func stateToModel(st store.AgentState) models.AgentState {
	return models.AgentState{
		Version:              st.Version,
		WakeCount:            st.WakeCount,
		CreatedAt:            st.CreatedAt,
		LastWake:             st.LastWake,
		CurrentFocus:         st.CurrentFocus,
		ActiveTasks:          st.ActiveTasks,
		AccomplishmentsToday: st.AccomplishmentsToday,
		TotalAccomplishments: st.TotalAccomplishments,
		TasksCompleted:       st.TasksCompleted,
		NotificationsSent:    st.NotificationsSent,
	}
}

func taskToModel(t store.Task) models.Task {
	return models.Task{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Status:      t.Status,
		Notes:       t.Notes,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func accomplishmentToModel(r store.Accomplishment) models.Accomplishment {
	return models.Accomplishment{
		RecordID:    r.RecordID,
		TaskID:      r.TaskID,
		Category:    r.Category,
		Description: r.Description,
		Impact:      r.Impact,
		Artifacts:   r.Artifacts,
		Timestamp:   r.Timestamp,
	}
}
