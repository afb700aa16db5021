// Package store defines the persistence interface and shared models for agent
// state, the task backlog, the accomplishment ledger, the wake lease, and
// approvals.
package store

import "time"

// AgentState is the singleton agent status record. It is never deleted, only
// replaced atomically through CompareAndSwapState; Version increments on
// every successful write.
type AgentState struct {
	Version              int64
	WakeCount            int64
	CreatedAt            time.Time
	LastWake             time.Time
	CurrentFocus         string
	ActiveTasks          []string
	AccomplishmentsToday int64
	TotalAccomplishments int64
	TasksCompleted       int64
	NotificationsSent    int64
}

// Task is one backlog item. Status moves pending → {in_progress|blocked}* →
// {complete|failed}; terminal statuses are never left.
type Task struct {
	ID          string
	Title       string
	Description string
	Priority    string
	Status      string
	Notes       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Accomplishment is one ledger record. TaskID is a weak reference: the task
// may later be pruned, the record remains.
type Accomplishment struct {
	RecordID    int64
	TaskID      string
	Category    string
	Description string
	Impact      string
	Artifacts   []string
	Timestamp   time.Time
}

// Lease is the wake-cycle mutual-exclusion token. A lease past ExpiresAt is
// abandoned (a prior wake crashed) and may be reclaimed.
type Lease struct {
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Approval is a request to run an approval-required action, created when a
// wake defers, resolved by the principal.
type Approval struct {
	ApprovalID  int64
	Fingerprint string
	TaskID      string
	Summary     string
	Outcome     string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}
