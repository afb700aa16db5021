package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/constitution"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/notify"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/proposer"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
	"github.com/optimus-fulcria/wake-cycle-kagent/pkg/models"
)

// scriptedProposer returns a fixed action for every wake.
type scriptedProposer struct {
	action proposer.Action
	err    error
}

func (scriptedProposer) Name() string { return "scripted" }

func (p scriptedProposer) ProposeAction(ctx context.Context, req proposer.Request, emit func(proposer.Event)) (proposer.Action, error) {
	return p.action, p.err
}

// recordingNotifier captures delivered messages; fail makes delivery error.
type recordingNotifier struct {
	msgs []notify.Message
	fail bool
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(ctx context.Context, msg notify.Message) error {
	if n.fail {
		return errors.New("delivery refused")
	}
	n.msgs = append(n.msgs, msg)
	return nil
}

func newTestController(t *testing.T, p proposer.Proposer) (*Controller, store.Store, *recordingNotifier) {
	t.Helper()
	home := t.TempDir()
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	n := &recordingNotifier{}
	return &Controller{
		Store:     st,
		Proposer:  p,
		Notifier:  n,
		RulesPath: filepath.Join(home, "constitution.yaml"),
	}, st, n
}

func ledgerCategories(t *testing.T, st store.Store) []string {
	t.Helper()
	recs, err := st.QueryAccomplishments(context.Background(), time.Time{}, 0)
	if err != nil {
		t.Fatalf("QueryAccomplishments: %v", err)
	}
	cats := make([]string, len(recs))
	for i, r := range recs {
		cats[i] = r.Category
	}
	return cats
}

func TestWake_noopOnEmptyBacklog(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestController(t, proposer.StubProposer{})
	ctx := context.Background()

	res, err := c.Wake(ctx)
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if res.Outcome != models.OutcomeNoop || res.WakeCount != 1 {
		t.Fatalf("result: %+v", res)
	}

	state, err := st.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.WakeCount != 1 || state.LastWake.IsZero() {
		t.Fatalf("state after noop wake: %+v", state)
	}
	if state.AccomplishmentsToday != 0 {
		t.Fatalf("noop must not count as accomplishment: %+v", state)
	}
	if got := ledgerCategories(t, st); len(got) != 1 || got[0] != "wake" {
		t.Fatalf("ledger: %v", got)
	}
}

func TestWake_autonomousCompletesTask(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestController(t, proposer.StubProposer{})
	ctx := context.Background()

	task, err := st.UpsertTask(ctx, store.Task{Title: "write report"}, false)
	if err != nil {
		t.Fatal(err)
	}

	res, err := c.Wake(ctx)
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if res.Outcome != models.OutcomeExecuted || res.Action != "task.complete" || res.TaskID != task.ID {
		t.Fatalf("result: %+v", res)
	}
	if res.Classification != string(constitution.Autonomous) {
		t.Fatalf("classification: %+v", res)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusComplete {
		t.Fatalf("task status: %+v", got)
	}

	state, _ := st.LoadState(ctx)
	if state.WakeCount != 1 || state.TasksCompleted != 1 || state.AccomplishmentsToday != 1 || state.TotalAccomplishments != 1 {
		t.Fatalf("state: %+v", state)
	}
	if got := ledgerCategories(t, st); len(got) != 1 || got[0] != "task" {
		t.Fatalf("ledger: %v", got)
	}
}

func TestWake_approvalRequiredDefers(t *testing.T) {
	t.Parallel()
	action := proposer.Action{
		Name:    "notify.send",
		Summary: "status update",
		Params:  map[string]string{"message": "weekly report done"},
	}
	c, st, n := newTestController(t, scriptedProposer{action: action})
	ctx := context.Background()

	res, err := c.Wake(ctx)
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if res.Outcome != models.OutcomeDeferred || res.Reason != "approval required" {
		t.Fatalf("result: %+v", res)
	}

	// The principal was told, at high priority.
	if len(n.msgs) != 1 || n.msgs[0].Priority != models.PriorityHigh {
		t.Fatalf("notifications: %+v", n.msgs)
	}

	pending, err := st.ListApprovals(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Fingerprint != action.Fingerprint() {
		t.Fatalf("pending approvals: %+v", pending)
	}
	if got := ledgerCategories(t, st); len(got) != 1 || got[0] != "approval-request" {
		t.Fatalf("ledger: %v", got)
	}

	// Re-proposing while still pending defers again without duplicating the
	// approval request.
	if _, err := c.Wake(ctx); err != nil {
		t.Fatal(err)
	}
	pending, _ = st.ListApprovals(ctx, true)
	if len(pending) != 1 {
		t.Fatalf("approval duplicated: %+v", pending)
	}
}

func TestWake_grantedApprovalExecutes(t *testing.T) {
	t.Parallel()
	action := proposer.Action{
		Name:    "notify.send",
		Summary: "status update",
		Params:  map[string]string{"message": "weekly report done"},
	}
	c, st, n := newTestController(t, scriptedProposer{action: action})
	ctx := context.Background()

	// First wake defers and files the approval.
	if res, err := c.Wake(ctx); err != nil || res.Outcome != models.OutcomeDeferred {
		t.Fatalf("first wake: %+v, %v", res, err)
	}
	pending, _ := st.ListApprovals(ctx, true)
	if err := st.ResolveApproval(ctx, pending[0].ApprovalID, "granted"); err != nil {
		t.Fatal(err)
	}

	res, err := c.Wake(ctx)
	if err != nil {
		t.Fatalf("second wake: %v", err)
	}
	if res.Outcome != models.OutcomeExecuted {
		t.Fatalf("granted action must execute: %+v", res)
	}
	// The deferral message plus the actual notification.
	if len(n.msgs) != 2 || n.msgs[1].Text != "weekly report done" {
		t.Fatalf("notifications: %+v", n.msgs)
	}

	// The grant is single-use: a third wake defers again.
	res, err = c.Wake(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != models.OutcomeDeferred {
		t.Fatalf("consumed grant must not re-apply: %+v", res)
	}
}

func TestWake_forbiddenRejected(t *testing.T) {
	t.Parallel()
	c, st, n := newTestController(t, scriptedProposer{action: proposer.Action{
		Name:    "shell.exec",
		Summary: "run a script",
	}})
	ctx := context.Background()

	task, _ := st.UpsertTask(ctx, store.Task{Title: "t"}, false)

	res, err := c.Wake(ctx)
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if res.Outcome != models.OutcomeRejected || res.Classification != string(constitution.Forbidden) {
		t.Fatalf("result: %+v", res)
	}
	if res.Reason == "" {
		t.Fatalf("rejection must carry a reason: %+v", res)
	}

	// No side effects beyond the audit record.
	if len(n.msgs) != 0 {
		t.Fatalf("forbidden action must not notify: %+v", n.msgs)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("task touched by rejected wake: %+v", got)
	}
	if cats := ledgerCategories(t, st); len(cats) != 1 || cats[0] != "policy-violation" {
		t.Fatalf("ledger: %v", cats)
	}
	state, _ := st.LoadState(ctx)
	if state.WakeCount != 1 || state.AccomplishmentsToday != 0 {
		t.Fatalf("state: %+v", state)
	}
}

func TestWake_busyWhenLeaseHeld(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestController(t, proposer.StubProposer{})
	ctx := context.Background()

	if _, err := st.AcquireLease(ctx, "other-wake", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Wake(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}

	// The failed attempt must not have evicted the holder.
	cur, _ := st.CurrentLease(ctx)
	if cur == nil || cur.Holder != "other-wake" {
		t.Fatalf("lease: %+v", cur)
	}
}

func TestWake_releasesLease(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestController(t, proposer.StubProposer{})
	ctx := context.Background()

	if _, err := c.Wake(ctx); err != nil {
		t.Fatal(err)
	}
	cur, err := st.CurrentLease(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur != nil {
		t.Fatalf("lease not released: %+v", cur)
	}
	// And a second wake goes straight through.
	if _, err := c.Wake(ctx); err != nil {
		t.Fatalf("second wake: %v", err)
	}
}

func TestWake_proposerErrorReleasesLease(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestController(t, scriptedProposer{err: errors.New("model unavailable")})
	ctx := context.Background()

	res, err := c.Wake(ctx)
	if err == nil {
		t.Fatal("proposer failure must surface")
	}
	if res.Outcome != models.OutcomeFailed || res.Reason != "proposal" {
		t.Fatalf("result: %+v", res)
	}
	if cur, _ := st.CurrentLease(ctx); cur != nil {
		t.Fatalf("lease leaked on failure: %+v", cur)
	}
	// State was seeded before the proposal but the wake was not counted.
	state, err := st.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.WakeCount != 0 {
		t.Fatalf("state bumped by failed wake: %+v", state)
	}
	if got := ledgerCategories(t, st); len(got) != 0 {
		t.Fatalf("ledger written by failed wake: %v", got)
	}
}

func TestWake_notificationFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	c, st, n := newTestController(t, scriptedProposer{action: proposer.Action{
		Name:    "notify.send",
		Summary: "status update",
		Params:  map[string]string{"message": "hello"},
	}})
	n.fail = true
	ctx := context.Background()

	res, err := c.Wake(ctx)
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if res.Outcome != models.OutcomeDeferred {
		t.Fatalf("result: %+v", res)
	}
	state, _ := st.LoadState(ctx)
	if state.NotificationsSent != 0 {
		t.Fatalf("failed delivery counted: %+v", state)
	}
}

func TestWake_focusSet(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestController(t, scriptedProposer{action: proposer.Action{
		Name:   "focus.set",
		Params: map[string]string{"focus": "quarterly planning"},
	}})
	ctx := context.Background()

	res, err := c.Wake(ctx)
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if res.Outcome != models.OutcomeExecuted {
		t.Fatalf("result: %+v", res)
	}
	state, _ := st.LoadState(ctx)
	if state.CurrentFocus != "quarterly planning" {
		t.Fatalf("focus: %+v", state)
	}
}

func TestWake_taskCreate(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestController(t, scriptedProposer{action: proposer.Action{
		Name:   "task.create",
		Params: map[string]string{"title": "follow up with vendor"},
	}})
	ctx := context.Background()

	if _, err := c.Wake(ctx); err != nil {
		t.Fatal(err)
	}
	tasks, err := st.ListTasks(ctx, models.StatusPending, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Title != "follow up with vendor" {
		t.Fatalf("tasks: %+v", tasks)
	}
}

func TestWake_userRulesOverrideDefaults(t *testing.T) {
	t.Parallel()
	c, st, n := newTestController(t, scriptedProposer{action: proposer.Action{
		Name:    "notify.send",
		Params:  map[string]string{"message": "hi"},
		Summary: "say hi",
	}})
	rules := "rules:\n  - pattern: \"notify.send\"\n    classification: autonomous\n"
	if err := os.WriteFile(c.RulesPath, []byte(rules), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res, err := c.Wake(ctx)
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if res.Outcome != models.OutcomeExecuted {
		t.Fatalf("user rule must reclassify: %+v", res)
	}
	if len(n.msgs) != 1 || n.msgs[0].Text != "hi" {
		t.Fatalf("notifications: %+v", n.msgs)
	}
	state, _ := st.LoadState(ctx)
	if state.NotificationsSent != 1 {
		t.Fatalf("state: %+v", state)
	}
}

func TestWake_publishesEvents(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t, proposer.StubProposer{})
	var types []string
	c.Publish = func(v any) {
		switch ev := v.(type) {
		case map[string]any:
			if s, ok := ev["type"].(string); ok {
				types = append(types, s)
			}
		case proposer.Event:
			types = append(types, ev.Type)
		}
	}

	if _, err := c.Wake(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"wake_started", "proposal", "wake_finished"}
	if len(types) != len(want) {
		t.Fatalf("events: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s (all: %v)", i, types[i], want[i], types)
		}
	}
}
