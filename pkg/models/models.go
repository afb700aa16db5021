// Package models provides shared types for the waked HTTP tool API and external
// consumers. These types mirror the API JSON and are stable for use by pkg/client
// and the reasoning collaborator.
package models

import "time"

// AgentState is the singleton agent status record. Version is the
// optimistic-concurrency token; every successful write increments it.
type AgentState struct {
	Version              int64     `json:"version"`
	WakeCount            int64     `json:"wake_count"`
	CreatedAt            time.Time `json:"created_at,omitempty"`
	LastWake             time.Time `json:"last_wake,omitempty"`
	CurrentFocus         string    `json:"current_focus,omitempty"`
	ActiveTasks          []string  `json:"active_tasks,omitempty"`
	AccomplishmentsToday int64     `json:"accomplishments_today"`
	TotalAccomplishments int64     `json:"total_accomplishments,omitempty"`
	TasksCompleted       int64     `json:"tasks_completed,omitempty"`
	NotificationsSent    int64     `json:"notifications_sent,omitempty"`
}

// StatePatch is a partial state update applied through write_state. Nil fields
// are left unchanged; the write is rejected with a conflict if another writer
// raced it.
type StatePatch struct {
	CurrentFocus *string  `json:"current_focus,omitempty"`
	ActiveTasks  []string `json:"active_tasks,omitempty"`
}

// Task is one backlog item.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	Notes       string     `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Accomplishment is one append-only ledger record.
type Accomplishment struct {
	RecordID    int64     `json:"record_id"`
	TaskID      string    `json:"task_id,omitempty"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Impact      string    `json:"impact"`
	Artifacts   []string  `json:"artifacts,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Lease is the wake-cycle mutual-exclusion token.
type Lease struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Approval is a pending or resolved request to run an approval-required action.
type Approval struct {
	ApprovalID  int64      `json:"approval_id"`
	Fingerprint string     `json:"fingerprint"`
	TaskID      string     `json:"task_id,omitempty"`
	Summary     string     `json:"summary"`
	Outcome     string     `json:"outcome"` // pending, granted, denied, consumed
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Notification is the payload accepted by send_notification.
type Notification struct {
	Message  string `json:"message"`
	Priority string `json:"priority,omitempty"` // low, normal, high, urgent
	Channel  string `json:"channel,omitempty"`
}

// WakeResult summarizes one wake cycle as returned by /wake.
type WakeResult struct {
	Outcome        string `json:"outcome"` // executed, deferred, rejected, noop, failed
	TaskID         string `json:"task_id,omitempty"`
	Action         string `json:"action,omitempty"`
	Classification string `json:"classification,omitempty"`
	Reason         string `json:"reason,omitempty"`
	WakeCount      int64  `json:"wake_count,omitempty"`
}

// Schedule is the /tools/check_schedule response.
type Schedule struct {
	NextWake time.Time `json:"next_wake"`
	Interval string    `json:"interval,omitempty"`
}

// ServerInfo is the / response listing available tools.
type ServerInfo struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Tools   []string `json:"tools"`
}
