// Package executor runs one task to completion: it assembles the agent
// prompt, drives the model/tool loop, and captures the structured output.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"taskforge/internal/domain/agent"
	"taskforge/internal/domain/goal"
	"taskforge/internal/domain/insight"
	"taskforge/internal/domain/task"
	taskerrors "taskforge/internal/errors"
	"taskforge/internal/llm"
	"taskforge/internal/logging"
	"taskforge/internal/tools"
)

// Config bounds a single execution.
type Config struct {
	TaskTimeout      time.Duration
	MaxToolRounds    int
	MaxOutputBytes   int
	PromptTokenLimit int
	Model            string
}

// Environment carries the workspace context a task executes in.
type Environment struct {
	Agent    *agent.Agent
	Goal     *goal.Goal
	Insights []*insight.Insight

	// RecentOutputs are short summaries of recently completed sibling tasks,
	// included so agents build on prior work instead of repeating it.
	RecentOutputs []string
}

// Provider is the completion capability the executor calls. The rate-limited
// provider satisfies it.
type Provider interface {
	CompleteForWorkspace(ctx context.Context, workspaceID string, req *llm.Request) (*llm.Response, error)
}

// Executor drives task executions.
type Executor struct {
	provider   Provider
	dispatcher *tools.Dispatcher
	registry   *tools.Registry
	counter    *llm.TokenCounter
	cfg        Config
	logger     logging.Logger
}

// New builds an executor.
func New(provider Provider, registry *tools.Registry, dispatcher *tools.Dispatcher, cfg Config, logger logging.Logger) *Executor {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 180 * time.Second
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 8
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64 * 1024
	}
	return &Executor{
		provider:   provider,
		dispatcher: dispatcher,
		registry:   registry,
		counter:    llm.NewTokenCounter(""),
		cfg:        cfg,
		logger:     logging.OrNop(logger),
	}
}

// Execute runs the task under its deadline. On failure the returned error is
// always an *errors.ExecutionError so the recovery engine can classify it
// without re-inspection.
func (e *Executor) Execute(ctx context.Context, t *task.Task, env Environment) (*task.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	req := &llm.Request{
		Model:    e.cfg.Model,
		Messages: e.buildPrompt(t, env),
		Tools:    e.toolSpecs(),
	}
	if err := e.counter.CheckBudget(req, e.cfg.PromptTokenLimit); err != nil {
		return nil, err
	}

	var trace []task.ToolInvocation
	for round := 0; round < e.cfg.MaxToolRounds; round++ {
		resp, err := e.provider.CompleteForWorkspace(ctx, t.WorkspaceID, req)
		if err != nil {
			return nil, withPartialTrace(taskerrors.ClassifyExecution(err), trace)
		}

		if len(resp.ToolCalls) == 0 {
			if refused(resp.Content) && !strings.HasPrefix(strings.TrimSpace(resp.Content), "{") {
				return nil, taskerrors.NewExecutionError(taskerrors.FailureLLMRefusal, nil,
					firstLine(resp.Content))
			}
			out, err := e.parseOutput(resp.Content)
			if err != nil {
				return nil, err
			}
			out.ToolTrace = trace
			out.ExecutionTimeMS = time.Since(start).Milliseconds()
			if out.Contribution == 0 {
				out.Contribution = t.Contribution
			}
			return out, nil
		}

		req.Messages = append(req.Messages, llm.Message{
			Role:    llm.RoleAssistant,
			Content: resp.Content,
		})
		for _, call := range resp.ToolCalls {
			res := e.dispatcher.Dispatch(ctx, call.Name, json.RawMessage(call.Arguments))
			inv := task.ToolInvocation{
				Tool:       call.Name,
				Input:      call.Arguments,
				DurationMS: res.Duration.Milliseconds(),
				StartedAt:  time.Now().UTC().Add(-res.Duration),
			}
			content := res.Output
			if res.Err != nil {
				inv.Err = res.Err.Error()
				content = "tool error: " + res.Err.Error()
			} else {
				inv.Output = truncate(res.Output, 4096)
			}
			trace = append(trace, inv)
			req.Messages = append(req.Messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    truncate(content, 8192),
				ToolCallID: call.ID,
			})
		}
	}

	return nil, withPartialTrace(
		taskerrors.NewExecutionError(taskerrors.FailureToolFailure, nil,
			fmt.Sprintf("task did not converge within %d tool rounds", e.cfg.MaxToolRounds)),
		trace)
}

// withPartialTrace preserves the tool calls made before the failure so the
// supervisor can persist them against the failed task.
func withPartialTrace(execErr *taskerrors.ExecutionError, trace []task.ToolInvocation) *taskerrors.ExecutionError {
	if len(trace) == 0 {
		return execErr
	}
	if raw, err := json.Marshal(trace); err == nil {
		execErr.PartialOutput = string(raw)
	}
	return execErr
}

const systemTemplate = `You are %s, a %s %s on an autonomous work team.
Complete the assigned task and respond with a single JSON object:
{"kind": "structured"|"document"|"mixed", "summary": "...", "records": [...], "document": "...", "contribution": <number>}
Use the available tools when the task needs external data.`

func (e *Executor) buildPrompt(t *task.Task, env Environment) []llm.Message {
	var system strings.Builder
	name, seniority, role := "an agent", "senior", "specialist"
	if env.Agent != nil {
		name, seniority, role = env.Agent.Name, string(env.Agent.Seniority), env.Agent.Role
	}
	fmt.Fprintf(&system, systemTemplate, name, seniority, role)

	if env.Goal != nil {
		fmt.Fprintf(&system, "\n\nCurrent goal: %s (progress %.0f%%, target %.0f).",
			env.Goal.Description, env.Goal.CalculatedProgress(), env.Goal.TargetValue)
	}
	if len(env.Insights) > 0 {
		system.WriteString("\n\nWhat the team has learned so far:")
		for _, in := range env.Insights {
			fmt.Fprintf(&system, "\n- [%s] %s", in.Kind, truncate(in.Content, 300))
		}
	}
	if len(env.RecentOutputs) > 0 {
		system.WriteString("\n\nRecently completed work:")
		for _, summary := range env.RecentOutputs {
			fmt.Fprintf(&system, "\n- %s", truncate(summary, 200))
		}
	}

	user := fmt.Sprintf("Task: %s\n\n%s", t.Name, t.Description)
	if t.RecoveryCount > 0 && t.LastFailureType != "" {
		user += fmt.Sprintf("\n\nAn earlier attempt failed (%s). Take a different approach than before and avoid the failing step.",
			t.LastFailureType)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: system.String()},
		{Role: llm.RoleUser, Content: user},
	}
}

func (e *Executor) toolSpecs() []llm.ToolSpec {
	if e.registry == nil {
		return nil
	}
	var specs []llm.ToolSpec
	for _, t := range e.registry.List() {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return specs
}

// parseOutput decodes the model's final JSON. Malformed JSON gets one repair
// pass before the failure classifies as parse_error.
func (e *Executor) parseOutput(content string) (*task.Output, error) {
	content = strings.TrimSpace(stripFences(content))
	if content == "" {
		return nil, taskerrors.NewExecutionError(taskerrors.FailureParseError, nil,
			"model returned empty output")
	}
	if len(content) > e.cfg.MaxOutputBytes {
		return nil, taskerrors.NewExecutionError(taskerrors.FailureUnknown, nil,
			fmt.Sprintf("output of %d bytes exceeds the %d byte ceiling", len(content), e.cfg.MaxOutputBytes))
	}

	var out task.Output
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(content)
		if repairErr != nil || json.Unmarshal([]byte(repaired), &out) != nil {
			// Treat non-JSON prose as a document rather than failing outright,
			// unless it looks like an attempted-but-broken JSON payload.
			if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
				return nil, taskerrors.NewExecutionError(taskerrors.FailureParseError, err,
					"model output is not valid JSON")
			}
			out = task.Output{
				Kind:     task.OutputDocument,
				Summary:  firstLine(content),
				Document: content,
			}
		}
	}
	if out.Kind == "" {
		switch {
		case len(out.Records) > 0 && out.Document != "":
			out.Kind = task.OutputMixed
		case len(out.Records) > 0:
			out.Kind = task.OutputStructured
		default:
			out.Kind = task.OutputDocument
		}
	}
	if out.Summary == "" {
		out.Summary = firstLine(out.Document)
	}
	return &out, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return s
}

var refusalMarkers = []string{
	"i can't help", "i cannot help", "i can't assist", "i cannot assist",
	"i'm unable to", "i am unable to", "i won't be able to",
}

func refused(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range refusalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return truncate(s, 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
