package proposer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LLMOpts configures the LLM-backed proposer (OpenAI-compatible API).
type LLMOpts struct {
	BaseURL string // e.g. https://api.openai.com
	APIKey  string
	Model   string // e.g. gpt-4o-mini
}

// LLMProposer asks an OpenAI-compatible chat API to pick the next action via
// a single function tool. A response without a tool call is treated as noop.
type LLMProposer struct {
	Opts   LLMOpts
	Client *http.Client
}

func NewLLMProposer(opts LLMOpts) *LLMProposer {
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	return &LLMProposer{Opts: opts, Client: &http.Client{Timeout: 60 * time.Second}}
}

func (p *LLMProposer) Name() string { return "llm" }

var proposeTool = []map[string]any{
	{
		"type": "function",
		"function": map[string]any{
			"name":        "propose_action",
			"description": "Propose exactly one action for this wake cycle",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":  map[string]any{"type": "string", "description": "One of: task.complete, task.block, task.create, focus.set, notify.send, noop"},
					"task_id": map[string]any{"type": "string", "description": "Target task id, if any"},
					"summary": map[string]any{"type": "string", "description": "One-line summary of what the action accomplishes"},
					"message": map[string]any{"type": "string", "description": "For notify.send: the message to the principal"},
					"title":   map[string]any{"type": "string", "description": "For task.create: new task title"},
					"focus":   map[string]any{"type": "string", "description": "For focus.set: the new current focus"},
				},
				"required": []string{"action"},
			},
		},
	},
}

func (p *LLMProposer) ProposeAction(ctx context.Context, req Request, emit func(Event)) (Action, error) {
	if p.Opts.APIKey == "" || p.Opts.BaseURL == "" {
		return Action{}, fmt.Errorf("llm proposer not configured")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Wake #%d. Current focus: %s.\n", req.State.WakeCount+1, req.State.CurrentFocus)
	if req.Task != nil {
		fmt.Fprintf(&sb, "Selected task: id=%s priority=%s title=%q", req.Task.ID, req.Task.Priority, req.Task.Title)
		if req.Task.Description != "" {
			fmt.Fprintf(&sb, " description=%q", req.Task.Description)
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("No pending task.\n")
	}
	fmt.Fprintf(&sb, "Backlog size: %d.", len(req.Backlog))

	messages := []map[string]any{
		{"role": "system", "content": "You are an autonomous agent deciding one unit of work per wake cycle. Call propose_action exactly once. Prefer working the selected task; propose noop when nothing is actionable."},
		{"role": "user", "content": sb.String()},
	}
	reqBody := map[string]any{
		"model":       p.Opts.Model,
		"messages":    messages,
		"tools":       proposeTool,
		"tool_choice": "auto",
		"temperature": 0,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Action{}, err
	}
	url := strings.TrimSuffix(p.Opts.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Action{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.Opts.APIKey)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Action{}, fmt.Errorf("llm request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Action{}, fmt.Errorf("llm API returned %d", resp.StatusCode)
	}

	var apiResp struct {
		Choices []struct {
			Message struct {
				ToolCalls []struct {
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return Action{}, fmt.Errorf("decode llm response: %w", err)
	}
	if len(apiResp.Choices) == 0 || len(apiResp.Choices[0].Message.ToolCalls) == 0 {
		return Noop("llm proposed nothing"), nil
	}

	tc := apiResp.Choices[0].Message.ToolCalls[0]
	if tc.Function.Name != "propose_action" {
		slog.Warn("llm called unexpected tool", "tool", tc.Function.Name)
		return Noop("llm proposed nothing"), nil
	}
	var args struct {
		Action  string `json:"action"`
		TaskID  string `json:"task_id"`
		Summary string `json:"summary"`
		Message string `json:"message"`
		Title   string `json:"title"`
		Focus   string `json:"focus"`
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		return Action{}, fmt.Errorf("decode tool arguments: %w", err)
	}

	action := Action{Name: strings.TrimSpace(args.Action), TaskID: args.TaskID, Summary: args.Summary}
	params := map[string]string{}
	if args.Message != "" {
		params["message"] = args.Message
	}
	if args.Title != "" {
		params["title"] = args.Title
	}
	if args.Focus != "" {
		params["focus"] = args.Focus
	}
	if len(params) > 0 {
		action.Params = params
	}
	if action.TaskID == "" && req.Task != nil && strings.HasPrefix(action.Name, "task.") && action.Name != "task.create" {
		action.TaskID = req.Task.ID
	}
	emit(Event{Type: "proposal", Proposer: "llm", TaskID: action.TaskID, Timestamp: time.Now().UTC(),
		Data: map[string]any{"action": action.Name, "summary": action.Summary}})
	return action, nil
}
