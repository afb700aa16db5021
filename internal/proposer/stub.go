package proposer

import (
	"context"
	"fmt"
	"time"
)

// StubProposer is a deterministic local proposer that works the selected task
// without calling any external LLM. Used by tests and default dev runs.
type StubProposer struct{}

func (StubProposer) Name() string { return "stub" }

func (StubProposer) ProposeAction(ctx context.Context, req Request, emit func(Event)) (Action, error) {
	now := time.Now().UTC()
	if req.Task == nil {
		emit(Event{Type: "proposal", Proposer: "stub", Timestamp: now,
			Data: map[string]any{"action": "noop"}})
		return Noop("backlog empty"), nil
	}
	emit(Event{Type: "proposal", Proposer: "stub", TaskID: req.Task.ID, Timestamp: now,
		Data: map[string]any{"action": "task.complete"}})
	return Action{
		Name:    "task.complete",
		TaskID:  req.Task.ID,
		Summary: fmt.Sprintf("completed %q", req.Task.Title),
	}, nil
}
