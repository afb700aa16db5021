package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Callers check them with
// errors.Is; the controller maps them onto wake outcomes.
var (
	// ErrNotFound is returned when a record does not exist. For LoadState it
	// only occurs on first-ever run; the caller seeds a default.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by CompareAndSwapState when the stored version
	// does not match the expected version.
	ErrConflict = errors.New("state version conflict")
	// ErrBusy is returned by AcquireLease when a non-expired lease exists.
	ErrBusy = errors.New("wake lease held")
	// ErrInvalidTransition is returned by TransitionTask when the stored
	// status does not match fromStatus or the transition is not allowed.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrDuplicateID is returned by UpsertTask when the id exists and the
	// caller did not request replacement.
	ErrDuplicateID = errors.New("duplicate task id")
)

// Store is the persistence interface for agent state, the task backlog, the
// accomplishment ledger, the wake lease, and pending approvals.
// Implementations: the SQLite store in this package and *postgres.Store.
//
// Every mutation is individually atomic and durable on return, so a crash
// mid-wake leaves each record valid (if stale), never corrupted.
type Store interface {
	// Agent state (singleton, version-stamped)
	LoadState(ctx context.Context) (AgentState, error)
	InitState(ctx context.Context, st AgentState) (AgentState, error)
	CompareAndSwapState(ctx context.Context, expectedVersion int64, st AgentState) (AgentState, error)

	// Backlog
	ListTasks(ctx context.Context, statusFilter string, limit int) ([]Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	NextPendingTask(ctx context.Context) (*Task, error)
	UpsertTask(ctx context.Context, t Task, replace bool) (Task, error)
	TransitionTask(ctx context.Context, id, fromStatus, toStatus string, notes string) (Task, error)

	// Accomplishment ledger (append-only)
	AppendAccomplishment(ctx context.Context, rec Accomplishment) (int64, error)
	QueryAccomplishments(ctx context.Context, since time.Time, limit int) ([]Accomplishment, error)
	CountAccomplishmentsSince(ctx context.Context, since time.Time) (int64, error)

	// Wake lease
	AcquireLease(ctx context.Context, holder string, ttl time.Duration) (Lease, error)
	ReleaseLease(ctx context.Context, holder string) error
	CurrentLease(ctx context.Context) (*Lease, error)

	// Approvals
	CreateApproval(ctx context.Context, fingerprint, taskID, summary string) (int64, error)
	ListApprovals(ctx context.Context, pendingOnly bool) ([]Approval, error)
	ResolveApproval(ctx context.Context, id int64, outcome string) error
	GrantedApproval(ctx context.Context, fingerprint string) (*Approval, error)
	ConsumeApproval(ctx context.Context, id int64) error

	Close() error
}
