package models

// Task statuses used throughout the codebase. A task reaches exactly one
// terminal status (complete or failed) and never leaves it.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// Task and notification priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Accomplishment impact levels.
const (
	ImpactLow    = "low"
	ImpactMedium = "medium"
	ImpactHigh   = "high"
)

// Wake outcomes.
const (
	OutcomeExecuted = "executed"
	OutcomeDeferred = "deferred"
	OutcomeRejected = "rejected"
	OutcomeNoop     = "noop"
	OutcomeFailed   = "failed"
)

// Approval outcomes.
const (
	ApprovalPending  = "pending"
	ApprovalGranted  = "granted"
	ApprovalDenied   = "denied"
	ApprovalConsumed = "consumed"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultBacklogListLimit    = 1000
	DefaultLedgerListLimit     = 500
	DefaultSSEChannelBuffer    = 256
)

// TerminalStatus reports whether a task status is terminal.
func TerminalStatus(status string) bool {
	return status == StatusComplete || status == StatusFailed
}

// PriorityRank orders priorities for selection: lower rank is selected first.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusComplete, StatusFailed:
		return true
	}
	return false
}
