// Package mission executes a single mission: it walks the mission's steps in
// order, dispatches each to its agent with one retry, keeps the progress
// column current, and finalizes the mission as completed or failed.
package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kanri/internal/agentexec"
	"github.com/ashita-ai/kanri/internal/events"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/telemetry"
)

const (
	// MaxStepRetries is the number of retries after a failed first attempt.
	MaxStepRetries = 1

	// DefaultRetryDelay separates attempts of the same step.
	DefaultRetryDelay = 2 * time.Second

	errNoAgent = "no agent assigned to step or mission"
)

// ErrAborted is returned by Execute when the mission was aborted between steps.
var ErrAborted = errors.New("mission: aborted")

// Store is the subset of storage.Store an executor needs.
type Store interface {
	GetMission(ctx context.Context, id uuid.UUID) (model.Mission, error)
	UpdateMissionState(ctx context.Context, id uuid.UUID, status model.MissionStatus, progress *int) error
	ListMissionSteps(ctx context.Context, missionID uuid.UUID) ([]model.MissionStep, error)
	UpdateStep(ctx context.Context, id uuid.UUID, u storage.StepUpdate) error
	CountMissionSteps(ctx context.Context, missionID uuid.UUID) (total, completed int, err error)
}

// AgentRunner runs one instruction as an agent. *agentexec.Executor satisfies it.
type AgentRunner interface {
	Execute(ctx context.Context, agentRef string, task agentexec.Task, missionID *uuid.UUID) agentexec.Result
}

// Config tunes an Executor.
type Config struct {
	RetryDelay time.Duration
}

// StepResult is the outcome of one step after all attempts.
type StepResult struct {
	Success  bool
	Output   string
	Error    string
	Attempts int
}

// Executor runs one mission once. Create a new Executor per run.
type Executor struct {
	missionID uuid.UUID
	store     Store
	agents    AgentRunner
	emitter   *events.Emitter
	cfg       Config
	logger    *slog.Logger

	aborted   atomic.Bool
	abortOnce sync.Once
	abortCh   chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc // cancels in-flight agent calls
}

// New creates an executor for missionID.
func New(missionID uuid.UUID, store Store, agents AgentRunner, emitter *events.Emitter, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		missionID: missionID,
		store:     store,
		agents:    agents,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger.With("mission_id", missionID),
		abortCh:   make(chan struct{}),
	}
}

// MissionID returns the id of the mission this executor runs.
func (e *Executor) MissionID() uuid.UUID {
	return e.missionID
}

// Abort asks the executor to stop. The current agent call is cancelled, no
// further attempts or steps start, and the mission is finalized as failed.
// Safe to call from any goroutine, any number of times.
func (e *Executor) Abort() {
	e.abortOnce.Do(func() {
		e.aborted.Store(true)
		close(e.abortCh)
		e.mu.Lock()
		if e.cancel != nil {
			e.cancel()
		}
		e.mu.Unlock()
	})
}

// Aborted reports whether Abort has been called.
func (e *Executor) Aborted() bool {
	return e.aborted.Load()
}

// Execute runs the mission to a terminal state. It returns nil only when the
// mission completed; a failed or aborted mission returns the reason.
func (e *Executor) Execute(ctx context.Context) error {
	ins := getInstruments()
	ctx, span := telemetry.Tracer(telemetry.ScopeMission).Start(ctx, "mission.execute",
		trace.WithAttributes(attribute.String("mission.id", e.missionID.String())))
	defer span.End()

	// State writes must land even after an abort cancels the agent calls.
	writeCtx := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	if e.aborted.Load() {
		cancel()
	}

	m, err := e.store.GetMission(ctx, e.missionID)
	if err != nil {
		span.SetStatus(codes.Error, "load mission")
		return fmt.Errorf("mission: load %s: %w", e.missionID, err)
	}
	start := time.Now()

	if err := e.store.UpdateMissionState(writeCtx, m.ID, model.MissionRunning, nil); err != nil {
		span.SetStatus(codes.Error, "mark running")
		return fmt.Errorf("mission: mark running: %w", err)
	}

	steps, err := e.store.ListMissionSteps(ctx, m.ID)
	if err != nil {
		e.finishFailed(writeCtx, m, "load steps: "+err.Error(), start)
		ins.failed.Add(ctx, 1)
		span.SetStatus(codes.Error, "load steps")
		return fmt.Errorf("mission: load steps: %w", err)
	}
	total := len(steps)
	span.SetAttributes(attribute.Int("mission.total_steps", total))
	e.emitter.MissionStarted(ctx, m, total)
	e.logger.Info("mission: started", "title", m.Title, "total_steps", total)

	var failure error
	for i, step := range steps {
		if e.aborted.Load() {
			failure = ErrAborted
			break
		}
		res := e.executeStep(runCtx, writeCtx, m, step, i+1, total)
		if !res.Success {
			if e.aborted.Load() {
				failure = ErrAborted
			} else {
				failure = fmt.Errorf("mission: step %d (%s) failed: %s", i+1, step.Title, res.Error)
			}
			break
		}
	}
	if failure == nil && e.aborted.Load() {
		// Abort landed during the last step's wrap-up.
		failure = ErrAborted
	}

	if failure != nil {
		e.finishFailed(writeCtx, m, failure.Error(), start)
		ins.failed.Add(ctx, 1)
		span.SetStatus(codes.Error, failure.Error())
		return failure
	}

	done := 100
	if err := e.store.UpdateMissionState(writeCtx, m.ID, model.MissionCompleted, &done); err != nil {
		e.logger.Error("mission: mark completed", "error", err)
		span.SetStatus(codes.Error, "mark completed")
		return fmt.Errorf("mission: mark completed: %w", err)
	}
	d := time.Since(start)
	e.emitter.MissionCompleted(writeCtx, m, total, d)
	ins.completed.Add(ctx, 1)
	e.logger.Info("mission: completed", "title", m.Title, "duration_ms", d.Milliseconds())
	return nil
}

func (e *Executor) finishFailed(ctx context.Context, m model.Mission, cause string, start time.Time) {
	if err := e.store.UpdateMissionState(ctx, m.ID, model.MissionFailed, nil); err != nil {
		e.logger.Error("mission: mark failed", "error", err)
	}
	d := time.Since(start)
	e.emitter.MissionFailed(ctx, m, cause, d)
	e.logger.Warn("mission: failed", "title", m.Title, "error", cause, "duration_ms", d.Milliseconds())
}

// executeStep runs one step with up to MaxStepRetries retries. runCtx carries
// the abort signal to agent calls; writeCtx is used for every store write.
func (e *Executor) executeStep(runCtx, writeCtx context.Context, m model.Mission, step model.MissionStep, number, total int) StepResult {
	ins := getInstruments()
	runCtx, span := telemetry.Tracer(telemetry.ScopeMission).Start(runCtx, "mission.step",
		trace.WithAttributes(
			attribute.String("step.id", step.ID.String()),
			attribute.Int("step.number", number),
		))
	defer span.End()

	start := time.Now()
	info := events.StepInfo{
		MissionID:    m.ID,
		StepID:       step.ID,
		AgentID:      step.EffectiveAgentID(m),
		StepTitle:    step.Title,
		StepNumber:   number,
		TotalSteps:   total,
		MissionTitle: m.Title,
	}
	if step.AgentName != nil {
		info.AgentName = *step.AgentName
	}

	if err := e.store.UpdateStep(writeCtx, step.ID, storage.StepUpdate{Status: model.StepRunning}); err != nil {
		e.logger.Warn("mission: mark step running", "step_id", step.ID, "error", err)
	}
	e.emitter.StepStarted(writeCtx, info)

	agentID := info.AgentID
	if agentID == nil {
		// A missing assignment cannot be fixed by retrying.
		ins.attempts.Add(runCtx, 1)
		return e.failStep(writeCtx, span, step, info, errNoAgent, start, 1)
	}

	task := agentexec.Task{
		Instruction: step.Instruction(),
		Context: map[string]any{
			"missionTitle": m.Title,
			"stepTitle":    step.Title,
			"stepInput":    step.Input,
			"priority":     m.Priority,
		},
	}

	var lastErr string
	attempts := 0
	for attempt := 0; attempt <= MaxStepRetries; attempt++ {
		if attempt > 0 {
			if !e.waitRetry() {
				break
			}
			ins.retries.Add(runCtx, 1)
		}
		attempts++
		ins.attempts.Add(runCtx, 1)

		res := e.agents.Execute(runCtx, agentID.String(), task, &m.ID)
		if res.Success {
			if errMsg := e.completeStep(writeCtx, m, step.ID, res.Output); errMsg != "" {
				lastErr = errMsg
			} else {
				d := time.Since(start)
				ins.duration.Record(runCtx, float64(d.Milliseconds()))
				e.emitter.StepCompleted(writeCtx, info, d, attempts)
				return StepResult{Success: true, Output: res.Output, Attempts: attempts}
			}
		} else {
			lastErr = res.Error
		}

		e.logger.Warn("mission: step attempt failed",
			"step", number, "attempt", attempts, "error", lastErr)
		if e.aborted.Load() {
			break
		}
	}
	if e.aborted.Load() {
		if lastErr == "" {
			lastErr = ErrAborted.Error()
		} else {
			lastErr = ErrAborted.Error() + ": " + lastErr
		}
	}
	return e.failStep(writeCtx, span, step, info, lastErr, start, attempts)
}

// waitRetry sleeps for the retry delay. It returns false when the executor is
// aborted before or during the wait.
func (e *Executor) waitRetry() bool {
	if e.aborted.Load() {
		return false
	}
	delay := e.cfg.RetryDelay
	if delay <= 0 {
		return !e.aborted.Load()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return !e.aborted.Load()
	case <-e.abortCh:
		return false
	}
}

// completeStep persists a successful step and refreshes mission progress.
// It returns a non-empty error message when the step row could not be written.
func (e *Executor) completeStep(ctx context.Context, m model.Mission, stepID uuid.UUID, output string) string {
	now := time.Now().UTC()
	if err := e.store.UpdateStep(ctx, stepID, storage.StepUpdate{
		Status:      model.StepCompleted,
		Output:      &output,
		CompletedAt: &now,
	}); err != nil {
		return "persist step output: " + err.Error()
	}

	total, completed, err := e.store.CountMissionSteps(ctx, m.ID)
	if err != nil {
		e.logger.Warn("mission: count steps", "error", err)
		return ""
	}
	progress := Progress(completed, total)
	if err := e.store.UpdateMissionState(ctx, m.ID, model.MissionRunning, &progress); err != nil {
		e.logger.Warn("mission: update progress", "error", err)
	}
	return ""
}

func (e *Executor) failStep(ctx context.Context, span trace.Span, step model.MissionStep, info events.StepInfo, cause string, start time.Time, attempts int) StepResult {
	if err := e.store.UpdateStep(ctx, step.ID, storage.StepUpdate{
		Status: model.StepFailed,
		Output: &cause,
	}); err != nil {
		e.logger.Error("mission: mark step failed", "step_id", step.ID, "error", err)
	}
	d := time.Since(start)
	getInstruments().duration.Record(ctx, float64(d.Milliseconds()))
	e.emitter.StepFailed(ctx, info, cause, d, attempts)
	span.SetStatus(codes.Error, cause)
	return StepResult{Error: cause, Attempts: attempts}
}

// Progress returns round(100 * completed / total), or 0 when total is 0.
func Progress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}

type instruments struct {
	completed metric.Int64Counter
	failed    metric.Int64Counter
	attempts  metric.Int64Counter
	retries   metric.Int64Counter
	duration  metric.Float64Histogram
}

var getInstruments = sync.OnceValue(func() instruments {
	meter := telemetry.Meter(telemetry.ScopeMission)
	var ins instruments
	ins.completed, _ = meter.Int64Counter("kanri.mission.completed",
		metric.WithDescription("Missions that finished every step"))
	ins.failed, _ = meter.Int64Counter("kanri.mission.failed",
		metric.WithDescription("Missions that stopped on a failed step or abort"))
	ins.attempts, _ = meter.Int64Counter("kanri.step.attempts",
		metric.WithDescription("Agent calls made for mission steps"))
	ins.retries, _ = meter.Int64Counter("kanri.step.retries",
		metric.WithDescription("Step attempts after the first"))
	ins.duration, _ = meter.Float64Histogram("kanri.step.duration",
		metric.WithDescription("Wall-clock step duration including retries"),
		metric.WithUnit("ms"))
	return ins
})
