package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestInitAndLoadState(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.LoadState(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadState on empty store: got %v, want ErrNotFound", err)
	}

	seeded, err := st.InitState(ctx, AgentState{CurrentFocus: "initial setup"})
	if err != nil {
		t.Fatalf("InitState: %v", err)
	}
	if seeded.Version != 1 || seeded.WakeCount != 0 || seeded.CurrentFocus != "initial setup" {
		t.Fatalf("InitState: got %+v", seeded)
	}

	// A second init does not clobber the existing record.
	again, err := st.InitState(ctx, AgentState{CurrentFocus: "other"})
	if err != nil {
		t.Fatalf("InitState again: %v", err)
	}
	if again.CurrentFocus != "initial setup" {
		t.Fatalf("second InitState should return the existing record, got %+v", again)
	}
}

func TestCompareAndSwapState(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	cur, err := st.InitState(ctx, AgentState{WakeCount: 41, CurrentFocus: "reports"})
	if err != nil {
		t.Fatalf("InitState: %v", err)
	}

	next := cur
	next.WakeCount = 42
	next.LastWake = time.Now().UTC()
	next.ActiveTasks = []string{"task-r2", "task-r1"}
	updated, err := st.CompareAndSwapState(ctx, cur.Version, next)
	if err != nil {
		t.Fatalf("CompareAndSwapState: %v", err)
	}
	if updated.Version != cur.Version+1 || updated.WakeCount != 42 {
		t.Fatalf("CAS result: %+v", updated)
	}
	if len(updated.ActiveTasks) != 2 || updated.ActiveTasks[0] != "task-r2" {
		t.Fatalf("active tasks round-trip: %+v", updated.ActiveTasks)
	}

	// Stale version fails with ErrConflict and writes nothing.
	if _, err := st.CompareAndSwapState(ctx, cur.Version, next); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale CAS: got %v, want ErrConflict", err)
	}
	loaded, err := st.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded.Version != updated.Version || loaded.WakeCount != 42 {
		t.Fatalf("state changed after failed CAS: %+v", loaded)
	}
}

func TestUpsertTask_duplicateAndReplace(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.UpsertTask(ctx, Task{Title: "write report"}, false)
	if err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if created.ID == "" || created.Status != "pending" || created.Priority != "normal" {
		t.Fatalf("defaults not applied: %+v", created)
	}

	if _, err := st.UpsertTask(ctx, Task{ID: created.ID, Title: "dup"}, false); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate id: got %v, want ErrDuplicateID", err)
	}

	replaced, err := st.UpsertTask(ctx, Task{ID: created.ID, Title: "write report v2", Priority: "high"}, true)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := st.GetTask(ctx, replaced.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != "write report v2" || got.Priority != "high" {
		t.Fatalf("replace not applied: %+v", got)
	}
}

func TestNextPendingTask_priorityThenAge(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	if _, err := st.UpsertTask(ctx, Task{ID: "task-r1", Title: "high old", Priority: "high", CreatedAt: old}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpsertTask(ctx, Task{ID: "task-r2", Title: "urgent new", Priority: "urgent"}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpsertTask(ctx, Task{ID: "task-r3", Title: "normal", Priority: "normal", CreatedAt: old}, false); err != nil {
		t.Fatal(err)
	}

	// Urgent beats high even though high is older.
	next, err := st.NextPendingTask(ctx)
	if err != nil {
		t.Fatalf("NextPendingTask: %v", err)
	}
	if next == nil || next.ID != "task-r2" {
		t.Fatalf("want task-r2 selected, got %+v", next)
	}

	// Terminal and claimed tasks are skipped.
	if _, err := st.TransitionTask(ctx, "task-r2", "pending", "in_progress", ""); err != nil {
		t.Fatal(err)
	}
	next, _ = st.NextPendingTask(ctx)
	if next == nil || next.ID != "task-r1" {
		t.Fatalf("after claiming r2, want task-r1, got %+v", next)
	}
}

func TestNextPendingTask_empty(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	next, err := st.NextPendingTask(context.Background())
	if err != nil {
		t.Fatalf("NextPendingTask: %v", err)
	}
	if next != nil {
		t.Fatalf("empty backlog: got %+v, want nil", next)
	}
}

func TestTransitionTask_grammar(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task, err := st.UpsertTask(ctx, Task{Title: "t"}, false)
	if err != nil {
		t.Fatal(err)
	}

	// pending -> in_progress -> blocked -> in_progress -> complete
	for _, step := range [][2]string{
		{"pending", "in_progress"},
		{"in_progress", "blocked"},
		{"blocked", "in_progress"},
		{"in_progress", "complete"},
	} {
		if _, err := st.TransitionTask(ctx, task.ID, step[0], step[1], ""); err != nil {
			t.Fatalf("%s -> %s: %v", step[0], step[1], err)
		}
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "complete" || got.CompletedAt == nil {
		t.Fatalf("terminal task: %+v", got)
	}

	// Terminal status is never left.
	if _, err := st.TransitionTask(ctx, task.ID, "complete", "in_progress", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("leaving terminal: got %v, want ErrInvalidTransition", err)
	}
	// Re-entering pending is not allowed from anywhere.
	if _, err := st.TransitionTask(ctx, task.ID, "complete", "pending", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("re-entering pending: got %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionTask_preconditions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.TransitionTask(ctx, "task-missing", "pending", "in_progress", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task: got %v, want ErrNotFound", err)
	}

	task, err := st.UpsertTask(ctx, Task{Title: "t"}, false)
	if err != nil {
		t.Fatal(err)
	}
	// Status precondition: task is pending, not in_progress.
	if _, err := st.TransitionTask(ctx, task.ID, "in_progress", "complete", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("wrong from status: got %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionTask_notesAppended(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	task, err := st.UpsertTask(ctx, Task{Title: "t", Notes: "queued"}, false)
	if err != nil {
		t.Fatal(err)
	}
	got, err := st.TransitionTask(ctx, task.ID, "pending", "blocked", "waiting on credentials")
	if err != nil {
		t.Fatal(err)
	}
	if got.Notes != "waiting on credentials" {
		t.Fatalf("notes: %q", got.Notes)
	}
	// Empty notes leave the existing value.
	got, err = st.TransitionTask(ctx, task.ID, "blocked", "in_progress", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Notes != "waiting on credentials" {
		t.Fatalf("notes after empty update: %q", got.Notes)
	}
}

func TestLedger_appendOnlyMonotone(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute)
	var last int64
	for i := 0; i < 5; i++ {
		id, err := st.AppendAccomplishment(ctx, Accomplishment{
			Category:    "task",
			Description: "finished something",
			Impact:      "medium",
			Artifacts:   []string{"report.md"},
		})
		if err != nil {
			t.Fatalf("AppendAccomplishment: %v", err)
		}
		if id <= last {
			t.Fatalf("record ids must increase: %d after %d", id, last)
		}
		last = id
	}

	recs, err := st.QueryAccomplishments(ctx, start, 0)
	if err != nil {
		t.Fatalf("QueryAccomplishments: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("records: got %d, want 5", len(recs))
	}
	if len(recs[0].Artifacts) != 1 || recs[0].Artifacts[0] != "report.md" {
		t.Fatalf("artifacts round-trip: %+v", recs[0].Artifacts)
	}

	n, err := st.CountAccomplishmentsSince(ctx, start)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("count: got %d, want 5", n)
	}
	// A future cutoff excludes everything.
	n, _ = st.CountAccomplishmentsSince(ctx, time.Now().UTC().Add(time.Hour))
	if n != 0 {
		t.Fatalf("future cutoff count: got %d", n)
	}
}

func TestLease_mutualExclusion(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	lease, err := st.AcquireLease(ctx, "wake-a", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if lease.Holder != "wake-a" {
		t.Fatalf("lease: %+v", lease)
	}

	if _, err := st.AcquireLease(ctx, "wake-b", time.Minute); !errors.Is(err, ErrBusy) {
		t.Fatalf("second acquire: got %v, want ErrBusy", err)
	}

	cur, err := st.CurrentLease(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur == nil || cur.Holder != "wake-a" {
		t.Fatalf("CurrentLease: %+v", cur)
	}

	if err := st.ReleaseLease(ctx, "wake-a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if _, err := st.AcquireLease(ctx, "wake-b", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestLease_expiredReclaim(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	// Simulate a crashed wake: short TTL, never released.
	if _, err := st.AcquireLease(ctx, "crashed", 10*time.Millisecond); err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	lease, err := st.AcquireLease(ctx, "recovered", time.Minute)
	if err != nil {
		t.Fatalf("reclaim expired lease: %v", err)
	}
	if lease.Holder != "recovered" {
		t.Fatalf("lease: %+v", lease)
	}

	// Releasing under the old holder is a no-op, not an error.
	if err := st.ReleaseLease(ctx, "crashed"); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	cur, _ := st.CurrentLease(ctx)
	if cur == nil || cur.Holder != "recovered" {
		t.Fatalf("stale release must not evict live lease: %+v", cur)
	}
}

func TestApprovals_lifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateApproval(ctx, "fp-1", "task-1", "send status email")
	if err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}
	// Re-creating for the same fingerprint reuses the pending row.
	id2, err := st.CreateApproval(ctx, "fp-1", "task-1", "send status email")
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id {
		t.Fatalf("pending approval duplicated: %d vs %d", id, id2)
	}

	if got, _ := st.GrantedApproval(ctx, "fp-1"); got != nil {
		t.Fatalf("not yet granted: %+v", got)
	}

	if err := st.ResolveApproval(ctx, id, "granted"); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	got, err := st.GrantedApproval(ctx, "fp-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ApprovalID != id || got.ResolvedAt == nil {
		t.Fatalf("granted approval: %+v", got)
	}

	if err := st.ConsumeApproval(ctx, id); err != nil {
		t.Fatalf("ConsumeApproval: %v", err)
	}
	if got, _ := st.GrantedApproval(ctx, "fp-1"); got != nil {
		t.Fatalf("consumed approval still granted: %+v", got)
	}
	// A consumed approval cannot be consumed twice.
	if err := st.ConsumeApproval(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double consume: got %v, want ErrNotFound", err)
	}

	// Resolving a resolved approval fails.
	if err := st.ResolveApproval(ctx, id, "denied"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("re-resolve: got %v, want ErrNotFound", err)
	}
}

func TestListTasks_filterAndOrder(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	_, _ = st.UpsertTask(ctx, Task{ID: "task-a", Title: "a", Priority: "low", CreatedAt: old}, false)
	_, _ = st.UpsertTask(ctx, Task{ID: "task-b", Title: "b", Priority: "urgent"}, false)
	_, _ = st.UpsertTask(ctx, Task{ID: "task-c", Title: "c", Priority: "normal", CreatedAt: old}, false)
	if _, err := st.TransitionTask(ctx, "task-c", "pending", "complete", ""); err != nil {
		t.Fatal(err)
	}

	all, err := st.ListTasks(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all tasks: got %d", len(all))
	}
	if all[0].ID != "task-b" {
		t.Fatalf("urgent first: got %s", all[0].ID)
	}

	pending, err := st.ListTasks(ctx, "pending", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending tasks: got %d", len(pending))
	}
}
