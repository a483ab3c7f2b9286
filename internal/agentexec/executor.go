// Package agentexec runs a single instruction against a named agent: it
// resolves the agent, builds its prompt and calls the language model.
package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/events"
	"github.com/ashita-ai/kanri/internal/llm"
	"github.com/ashita-ai/kanri/internal/model"
)

// Defaults applied when an agent's config leaves a field unset.
const (
	DefaultTemperature = 0.5
	DefaultMaxTokens   = 2048

	// thoughtLen is the number of instruction runes echoed in agentThought events.
	thoughtLen = 80
)

// Store resolves agents. storage.Store satisfies it.
type Store interface {
	FindActiveAgent(ctx context.Context, ref string) (model.Agent, error)
}

// Task is one unit of work for an agent.
type Task struct {
	Instruction string
	Context     map[string]any
}

// Result is the outcome of a task. Exactly one of Output or Error is meaningful.
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Config tunes an Executor.
type Config struct {
	DefaultModel string
	// CallTimeout bounds each model call. Zero means no timeout beyond ctx.
	CallTimeout time.Duration
}

// Executor runs tasks. It holds no per-call state and is safe for concurrent use.
type Executor struct {
	store   Store
	caller  llm.Caller
	emitter *events.Emitter
	cfg     Config
	logger  *slog.Logger
}

// New creates an Executor.
func New(store Store, caller llm.Caller, emitter *events.Emitter, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{store: store, caller: caller, emitter: emitter, cfg: cfg, logger: logger}
}

// Execute runs task as the agent identified by agentRef (a UUID or a
// case-insensitive name). It never returns an error: every failure, including
// a panic in the model caller, is reported through Result.
func (e *Executor) Execute(ctx context.Context, agentRef string, task Task, missionID *uuid.UUID) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("agentexec: panic during execution", "agent", agentRef, "panic", fmt.Sprint(r))
			res = Result{Error: fmt.Sprintf("agent execution panicked: %v", r)}
		}
	}()

	agent, err := e.store.FindActiveAgent(ctx, agentRef)
	if err != nil {
		e.logger.Debug("agentexec: resolve agent", "agent", agentRef, "error", err)
		return Result{Error: "agent not found or not active: " + agentRef}
	}

	e.emitter.AgentThought(ctx, agent, missionID, events.Truncate(task.Instruction, thoughtLen))

	req := llm.Request{
		SystemPrompt: BuildSystemPrompt(agent, task.Context),
		Model:        e.cfg.DefaultModel,
		Temperature:  DefaultTemperature,
		MaxTokens:    DefaultMaxTokens,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: task.Instruction}},
	}
	if agent.Config.Model != "" {
		req.Model = agent.Config.Model
	}
	if agent.Config.Temperature != nil {
		req.Temperature = *agent.Config.Temperature
	}
	if agent.Config.MaxTokens != nil {
		req.MaxTokens = *agent.Config.MaxTokens
	}

	callCtx := ctx
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := e.caller.Complete(callCtx, req)
	if err != nil {
		e.logger.Warn("agentexec: model call failed",
			"agent", agent.Name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return Result{Error: err.Error()}
	}
	e.logger.Debug("agentexec: model call completed",
		"agent", agent.Name, "duration_ms", time.Since(start).Milliseconds())
	return Result{Success: true, Output: out}
}

// BuildSystemPrompt returns the agent's configured prompt (or the default
// persona) followed by a Context block with one sorted "key: value" line per
// entry.
func BuildSystemPrompt(agent model.Agent, taskContext map[string]any) string {
	prompt := agent.Config.SystemPrompt
	if prompt == "" {
		prompt = fmt.Sprintf("You are %s, an AI agent working for the clinic.", agent.Name)
	}
	if len(taskContext) == 0 {
		return prompt
	}

	keys := make([]string, 0, len(taskContext))
	for k := range taskContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nContext:\n")
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(formatValue(taskContext[k]))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
