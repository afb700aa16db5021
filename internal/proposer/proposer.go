// Package proposer defines the "propose next action" collaborators consulted
// once per wake. The controller hands a proposer the loaded state, the
// backlog, and the selected task; the proposer returns one candidate action
// descriptor, which must still pass the constitution before anything runs.
package proposer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
)

// Action is a candidate action descriptor. Name is the classified identifier
// (e.g. "task.complete", "notify.send", "noop"); Params carry action-specific
// arguments such as the notification message.
type Action struct {
	Name    string
	TaskID  string
	Summary string
	Params  map[string]string
}

// Noop is the "nothing actionable" result; it short-circuits the wake to an
// empty accomplishment.
func Noop(reason string) Action {
	return Action{Name: "noop", Summary: reason}
}

// IsNoop reports whether the action is the no-op result.
func (a Action) IsNoop() bool {
	return a.Name == "" || a.Name == "noop"
}

// Fingerprint identifies the action for approval matching: the same action
// proposed across wakes (same name, task, and params) maps to the same
// fingerprint, so a grant issued for a deferred wake applies when the action
// is re-proposed.
func (a Action) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(a.Name)))
	h.Write([]byte{0})
	h.Write([]byte(a.TaskID))
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{1})
		h.Write([]byte(a.Params[k]))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Request is the context handed to a proposer for one wake.
type Request struct {
	State   store.AgentState
	Task    *store.Task // task selected by the backlog store; nil when none pending
	Backlog []store.Task
}

// Event is emitted by proposers for observability (published on the SSE hub).
type Event struct {
	Type      string         `json:"type"`
	Proposer  string         `json:"proposer,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Proposer produces one candidate action per wake.
type Proposer interface {
	Name() string
	ProposeAction(ctx context.Context, req Request, emit func(Event)) (Action, error)
}
