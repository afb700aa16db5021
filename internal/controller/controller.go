// Package controller orchestrates one wake cycle: acquire the lease, load
// state and backlog, obtain a proposed action, classify it against the
// constitution, execute or defer it, record the outcome, persist state, and
// release the lease.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/constitution"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/journal"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/notify"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/otel"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/proposer"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
	"github.com/optimus-fulcria/wake-cycle-kagent/pkg/models"
)

// Defaults for lease and wake bounds. The lease TTL exceeds the wake budget
// so a live wake never loses its lease mid-cycle.
const (
	DefaultLeaseTTL        = 90 * time.Second
	DefaultMaxWakeDuration = 60 * time.Second
)

// ErrBusy is returned when a non-expired lease is held by another wake. The
// external trigger retries on its next tick; it is never retried internally.
var ErrBusy = store.ErrBusy

// Controller runs wake cycles. At most one wake is in flight at a time; the
// store-backed lease enforces this even across processes.
type Controller struct {
	Store    store.Store
	Proposer proposer.Proposer
	Notifier notify.Notifier
	Journal  *journal.Journal // optional
	// RulesPath is the constitution file, re-read at the start of every wake.
	RulesPath       string
	LeaseTTL        time.Duration
	MaxWakeDuration time.Duration
	// Publish, when set, receives wake/task events for the SSE hub.
	Publish func(v any)
}

// Result summarizes one wake cycle.
type Result struct {
	Outcome        string
	TaskID         string
	Action         string
	Classification string
	Reason         string
	WakeCount      int64
}

func (c *Controller) leaseTTL() time.Duration {
	if c.LeaseTTL > 0 {
		return c.LeaseTTL
	}
	return DefaultLeaseTTL
}

func (c *Controller) maxWakeDuration() time.Duration {
	if c.MaxWakeDuration > 0 {
		return c.MaxWakeDuration
	}
	return DefaultMaxWakeDuration
}

func (c *Controller) publish(v any) {
	if c.Publish != nil {
		c.Publish(v)
	}
}

// Wake runs one full cycle. It returns ErrBusy (wrapped) when another wake
// holds the lease. Every call that acquires the lease produces exactly one
// summary log entry, success or failure.
func (c *Controller) Wake(ctx context.Context) (Result, error) {
	holder := uuid.NewString()
	started := time.Now()

	if _, err := c.Store.AcquireLease(ctx, holder, c.leaseTTL()); err != nil {
		return Result{Outcome: models.OutcomeFailed, Reason: "lease"}, err
	}
	// The lease is released on every exit path, with a context that survives
	// the wake deadline.
	releaseCtx := context.WithoutCancel(ctx)
	defer func() {
		if rerr := c.Store.ReleaseLease(releaseCtx, holder); rerr != nil {
			slog.Error("lease release failed", "holder", holder, "err", rerr)
		}
	}()

	wakeCtx, cancel := context.WithTimeout(ctx, c.maxWakeDuration())
	defer cancel()

	c.publish(map[string]any{"type": "wake_started", "holder": holder,
		"timestamp": started.UTC().Format(time.RFC3339Nano)})

	res, err := c.runCycle(wakeCtx)

	d := time.Since(started)
	otel.RecordWake(releaseCtx, res.Outcome, d)
	c.publish(map[string]any{"type": "wake_finished", "holder": holder,
		"outcome": res.Outcome, "task_id": res.TaskID, "action": res.Action,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano)})

	if err != nil {
		slog.Error("wake failed", "outcome", res.Outcome, "reason", res.Reason,
			"task_id", res.TaskID, "duration", d, "err", err)
	} else {
		slog.Info("wake complete", "outcome", res.Outcome, "wake_count", res.WakeCount,
			"task_id", res.TaskID, "action", res.Action,
			"classification", res.Classification, "duration", d)
	}
	if c.Journal != nil {
		jerr := c.Journal.Append(releaseCtx, journal.Entry{
			WakeCount:      res.WakeCount,
			Outcome:        res.Outcome,
			Action:         res.Action,
			TaskID:         res.TaskID,
			Classification: res.Classification,
			Reason:         res.Reason,
			CreatedAt:      time.Now().UTC(),
		})
		if jerr != nil {
			slog.Warn("journal append failed", "err", jerr)
		}
	}
	return res, err
}

// runCycle does everything between lease acquisition and release: load state
// and backlog, propose, classify, execute or defer or reject, append the
// ledger record, persist state.
func (c *Controller) runCycle(ctx context.Context) (Result, error) {
	// Failure of either read is fatal for this wake; the lease is released
	// by the caller so the next trigger may retry.
	state, err := c.Store.LoadState(ctx)
	if errors.Is(err, store.ErrNotFound) {
		state, err = c.Store.InitState(ctx, store.AgentState{CurrentFocus: "initial setup"})
	}
	if err != nil {
		return Result{Outcome: models.OutcomeFailed, Reason: "state load"}, fmt.Errorf("load state: %w", err)
	}
	backlog, err := c.Store.ListTasks(ctx, "", 0)
	if err != nil {
		return Result{Outcome: models.OutcomeFailed, Reason: "backlog load"}, fmt.Errorf("list backlog: %w", err)
	}

	rules, err := constitution.LoadFile(c.RulesPath)
	if err != nil {
		return Result{Outcome: models.OutcomeFailed, Reason: "constitution load"}, err
	}

	task, err := c.Store.NextPendingTask(ctx)
	if err != nil {
		return Result{Outcome: models.OutcomeFailed, Reason: "task selection"}, fmt.Errorf("select task: %w", err)
	}
	action, err := c.Proposer.ProposeAction(ctx, proposer.Request{State: state, Task: task, Backlog: backlog}, func(ev proposer.Event) {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		c.publish(ev)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: models.OutcomeFailed, Reason: "timeout"}, fmt.Errorf("propose action: %w", ctx.Err())
		}
		return Result{Outcome: models.OutcomeFailed, Reason: "proposal"}, fmt.Errorf("propose action: %w", err)
	}

	res := Result{TaskID: action.TaskID, Action: action.Name}

	if action.IsNoop() {
		// Nothing actionable: record an empty wake and persist.
		res.Outcome = models.OutcomeNoop
		res.Reason = action.Summary
		if _, err := c.Store.AppendAccomplishment(ctx, store.Accomplishment{
			Category:    "wake",
			Description: "no actionable work",
			Impact:      models.ImpactLow,
		}); err != nil {
			return Result{Outcome: models.OutcomeFailed, Reason: "ledger append"}, fmt.Errorf("append accomplishment: %w", err)
		}
		return c.persistState(ctx, state, res, stateDelta{})
	}

	decision := rules.Classify(action.Name)
	res.Classification = string(decision.Classification)
	otel.RecordClassification(ctx, res.Classification)

	switch decision.Classification {
	case constitution.Autonomous:
		return c.executeAndLog(ctx, state, action, res)
	case constitution.ApprovalRequired:
		return c.deferOrExecute(ctx, state, action, res)
	case constitution.Forbidden:
		return c.reject(ctx, state, action, decision, res)
	default:
		return Result{Outcome: models.OutcomeFailed, Reason: "classification"},
			fmt.Errorf("unknown classification %q", decision.Classification)
	}
}

// stateDelta carries the per-wake increments folded into the new AgentState.
type stateDelta struct {
	accomplishments   int64
	tasksCompleted    int64
	notificationsSent int64
	newFocus          string
}

// deferOrExecute handles approval_required actions: execute when the
// principal has already granted this exact action, otherwise defer with no
// execution, notify the principal, and leave the task pending for a future
// wake.
func (c *Controller) deferOrExecute(ctx context.Context, state store.AgentState, action proposer.Action, res Result) (Result, error) {
	fp := action.Fingerprint()
	grant, err := c.Store.GrantedApproval(ctx, fp)
	if err != nil {
		return Result{Outcome: models.OutcomeFailed, Reason: "approval lookup"}, fmt.Errorf("approval lookup: %w", err)
	}
	if grant != nil {
		if err := c.Store.ConsumeApproval(ctx, grant.ApprovalID); err != nil {
			return Result{Outcome: models.OutcomeFailed, Reason: "approval consume"}, fmt.Errorf("consume approval: %w", err)
		}
		return c.executeAndLog(ctx, state, action, res)
	}

	if _, err := c.Store.CreateApproval(ctx, fp, action.TaskID, action.Summary); err != nil {
		return Result{Outcome: models.OutcomeFailed, Reason: "approval create"}, fmt.Errorf("create approval: %w", err)
	}
	delta := stateDelta{}
	msg := fmt.Sprintf("approval required for %s (%s): %s. Grant with: waked approval grant %s", action.Name, action.TaskID, action.Summary, fp)
	if nerr := c.notify(ctx, notify.Message{Text: msg, Priority: models.PriorityHigh}); nerr != nil {
		// Delivery failure is non-fatal: logged and continued.
		slog.Warn("deferral notification failed", "err", nerr)
	} else {
		delta.notificationsSent = 1
	}

	res.Outcome = models.OutcomeDeferred
	res.Reason = "approval required"
	if _, err := c.Store.AppendAccomplishment(ctx, store.Accomplishment{
		TaskID:      action.TaskID,
		Category:    "approval-request",
		Description: fmt.Sprintf("deferred %s pending approval", action.Name),
		Impact:      models.ImpactLow,
	}); err != nil {
		return Result{Outcome: models.OutcomeFailed, Reason: "ledger append"}, fmt.Errorf("append accomplishment: %w", err)
	}
	return c.persistState(ctx, state, res, delta)
}

// reject handles forbidden actions: no execution, no notification, only the
// audit record. There is no override path for a forbidden action.
func (c *Controller) reject(ctx context.Context, state store.AgentState, action proposer.Action, decision constitution.Decision, res Result) (Result, error) {
	res.Outcome = models.OutcomeRejected
	res.Reason = decision.Reason
	if res.Reason == "" {
		res.Reason = "forbidden by rule " + decision.MatchedRule
	}
	if _, err := c.Store.AppendAccomplishment(ctx, store.Accomplishment{
		TaskID:      action.TaskID,
		Category:    "policy-violation",
		Description: fmt.Sprintf("rejected %s (rule %q)", action.Name, decision.MatchedRule),
		Impact:      models.ImpactLow,
	}); err != nil {
		return Result{Outcome: models.OutcomeFailed, Reason: "ledger append"}, fmt.Errorf("append accomplishment: %w", err)
	}
	return c.persistState(ctx, state, res, stateDelta{})
}

// executeAndLog carries out the action's effect, appends the outcome record,
// and persists state.
func (c *Controller) executeAndLog(ctx context.Context, state store.AgentState, action proposer.Action, res Result) (Result, error) {
	delta, err := c.execute(ctx, action)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: models.OutcomeFailed, TaskID: action.TaskID, Action: action.Name, Reason: "timeout"},
				fmt.Errorf("execute %s: %w", action.Name, ctx.Err())
		}
		return Result{Outcome: models.OutcomeFailed, TaskID: action.TaskID, Action: action.Name,
			Classification: res.Classification, Reason: "execution"}, fmt.Errorf("execute %s: %w", action.Name, err)
	}

	res.Outcome = models.OutcomeExecuted
	category := "work"
	if action.TaskID != "" {
		category = "task"
	}
	desc := action.Summary
	if desc == "" {
		desc = "executed " + action.Name
	}
	if _, err := c.Store.AppendAccomplishment(ctx, store.Accomplishment{
		TaskID:      action.TaskID,
		Category:    category,
		Description: desc,
		Impact:      models.ImpactMedium,
	}); err != nil {
		return Result{Outcome: models.OutcomeFailed, Reason: "ledger append"}, fmt.Errorf("append accomplishment: %w", err)
	}
	delta.accomplishments = 1
	return c.persistState(ctx, state, res, delta)
}

// execute carries out one autonomous (or approved) action against the stores
// and collaborators.
func (c *Controller) execute(ctx context.Context, action proposer.Action) (stateDelta, error) {
	var delta stateDelta
	switch action.Name {
	case "task.complete":
		// Claim first so a racing wake acting on the same task fails its
		// precondition instead of double-completing.
		if _, err := c.Store.TransitionTask(ctx, action.TaskID, models.StatusPending, models.StatusInProgress, ""); err != nil {
			return delta, err
		}
		otel.RecordTaskOp(ctx, "claim", models.StatusInProgress)
		t, err := c.Store.TransitionTask(ctx, action.TaskID, models.StatusInProgress, models.StatusComplete, action.Summary)
		if err != nil {
			return delta, err
		}
		otel.RecordTaskOp(ctx, "complete", t.Status)
		c.publish(map[string]any{"type": "task_update", "task_id": t.ID, "status": t.Status})
		delta.tasksCompleted = 1
	case "task.block":
		t, err := c.Store.TransitionTask(ctx, action.TaskID, models.StatusPending, models.StatusBlocked, action.Summary)
		if err != nil {
			return delta, err
		}
		otel.RecordTaskOp(ctx, "block", t.Status)
		c.publish(map[string]any{"type": "task_update", "task_id": t.ID, "status": t.Status})
	case "task.fail":
		if _, err := c.Store.TransitionTask(ctx, action.TaskID, models.StatusPending, models.StatusInProgress, ""); err != nil {
			return delta, err
		}
		t, err := c.Store.TransitionTask(ctx, action.TaskID, models.StatusInProgress, models.StatusFailed, action.Summary)
		if err != nil {
			return delta, err
		}
		otel.RecordTaskOp(ctx, "fail", t.Status)
		c.publish(map[string]any{"type": "task_update", "task_id": t.ID, "status": t.Status})
	case "task.create":
		title := action.Params["title"]
		if title == "" {
			title = action.Summary
		}
		t, err := c.Store.UpsertTask(ctx, store.Task{Title: title, Priority: models.PriorityNormal}, false)
		if err != nil {
			return delta, err
		}
		otel.RecordTaskOp(ctx, "add", t.Status)
		c.publish(map[string]any{"type": "task_update", "task_id": t.ID, "status": t.Status})
	case "focus.set":
		focus := action.Params["focus"]
		if focus == "" {
			focus = action.Summary
		}
		delta.newFocus = focus
	case "notify.send":
		msg := action.Params["message"]
		if msg == "" {
			msg = action.Summary
		}
		if err := c.notify(ctx, notify.Message{Text: msg, Priority: models.PriorityNormal}); err != nil {
			// A Failed ack from the notifier is non-fatal.
			slog.Warn("notification failed", "err", err)
		} else {
			delta.notificationsSent = 1
		}
	default:
		return delta, fmt.Errorf("unknown action %q", action.Name)
	}
	return delta, nil
}

func (c *Controller) notify(ctx context.Context, msg notify.Message) error {
	if c.Notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	err := c.Notifier.Notify(ctx, msg)
	otel.RecordNotification(ctx, err == nil)
	return err
}

// persistState computes the next AgentState from the wake's outcome and
// compare-and-swaps it. A conflict means another writer raced this wake
// despite the lease; that is fatal and surfaced, never silently retried.
func (c *Controller) persistState(ctx context.Context, state store.AgentState, res Result, delta stateDelta) (Result, error) {
	now := time.Now().UTC()
	next := state
	next.WakeCount++
	next.LastWake = now
	if delta.newFocus != "" {
		next.CurrentFocus = delta.newFocus
	}
	// accomplishmentsToday resets when the UTC day rolls over.
	if !sameDay(state.LastWake, now) {
		next.AccomplishmentsToday = 0
	}
	next.AccomplishmentsToday += delta.accomplishments
	next.TotalAccomplishments += delta.accomplishments
	next.TasksCompleted += delta.tasksCompleted
	next.NotificationsSent += delta.notificationsSent

	active, err := c.Store.ListTasks(ctx, models.StatusInProgress, 0)
	if err == nil {
		ids := make([]string, 0, len(active))
		for _, t := range active {
			ids = append(ids, t.ID)
		}
		next.ActiveTasks = ids
	}

	persisted, err := c.Store.CompareAndSwapState(ctx, state.Version, next)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Result{Outcome: models.OutcomeFailed, TaskID: res.TaskID, Action: res.Action, Reason: "state conflict"},
				fmt.Errorf("persist state: %w", err)
		}
		return Result{Outcome: models.OutcomeFailed, TaskID: res.TaskID, Action: res.Action, Reason: "state persist"},
			fmt.Errorf("persist state: %w", err)
	}
	res.WakeCount = persisted.WakeCount
	return res, nil
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return true
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
