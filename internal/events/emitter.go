// Package events records runtime telemetry events. Emission is best effort:
// a failed write is logged and dropped, never surfaced to the caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/telemetry"
)

// writeTimeout bounds a single event insert so a stalled store cannot hold up
// mission execution.
const writeTimeout = 5 * time.Second

// Sink persists events. storage.Store satisfies it.
type Sink interface {
	InsertEvent(ctx context.Context, e model.Event) error
}

// Publisher receives every event after it has been stored.
type Publisher interface {
	Publish(e model.Event)
}

// Input describes one event to emit. Type may be left empty when Payload is
// set; the payload's own type is used.
type Input struct {
	Type      model.EventType
	AgentID   *uuid.UUID
	MissionID *uuid.UUID
	StepID    *uuid.UUID
	Payload   model.EventPayload
}

// Emitter writes events to a Sink and forwards them to an optional Publisher.
type Emitter struct {
	sink      Sink
	publisher Publisher
	logger    *slog.Logger

	emitted metric.Int64Counter
	dropped metric.Int64Counter
}

// New creates an Emitter. publisher may be nil.
func New(sink Sink, publisher Publisher, logger *slog.Logger) *Emitter {
	e := &Emitter{sink: sink, publisher: publisher, logger: logger}
	meter := telemetry.Meter(telemetry.ScopeEvents)
	e.emitted, _ = meter.Int64Counter("kanri.events.emitted",
		metric.WithDescription("Events written to the event log"))
	e.dropped, _ = meter.Int64Counter("kanri.events.dropped",
		metric.WithDescription("Events lost to store or encoding errors"))
	return e
}

// Emit records an event. It never returns an error and never panics.
func (e *Emitter) Emit(ctx context.Context, in Input) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("events: emit panicked", "type", in.Type, "panic", fmt.Sprint(r))
		}
	}()

	typ := in.Type
	if typ == "" && in.Payload != nil {
		typ = in.Payload.EventType()
	}

	payload := json.RawMessage(`{}`)
	if in.Payload != nil {
		data, err := json.Marshal(in.Payload)
		if err != nil {
			e.drop(ctx, typ, "encode payload", err)
			return
		}
		payload = data
	}

	ev := model.Event{
		ID:        uuid.New(),
		Type:      typ,
		AgentID:   in.AgentID,
		MissionID: in.MissionID,
		StepID:    in.StepID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	// Events describe work that already happened; a cancelled caller must not
	// lose them.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := e.sink.InsertEvent(writeCtx, ev); err != nil {
		e.drop(ctx, typ, "insert", err)
		return
	}
	e.emitted.Add(ctx, 1)

	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
}

func (e *Emitter) drop(ctx context.Context, typ model.EventType, stage string, err error) {
	e.dropped.Add(ctx, 1)
	e.logger.Warn("events: emit failed", "type", typ, "stage", stage, "error", err)
}

// StepInfo locates a step within its mission for step events.
type StepInfo struct {
	MissionID    uuid.UUID
	StepID       uuid.UUID
	AgentID      *uuid.UUID
	StepTitle    string
	StepNumber   int
	TotalSteps   int
	AgentName    string
	MissionTitle string
}

func (s StepInfo) context() model.StepContext {
	return model.StepContext{
		StepTitle:    s.StepTitle,
		StepNumber:   s.StepNumber,
		TotalSteps:   s.TotalSteps,
		AgentName:    s.AgentName,
		MissionTitle: s.MissionTitle,
	}
}

func (s StepInfo) input(p model.EventPayload) Input {
	mid, sid := s.MissionID, s.StepID
	return Input{AgentID: s.AgentID, MissionID: &mid, StepID: &sid, Payload: p}
}

// Heartbeat records a liveness ping for an agent.
func (e *Emitter) Heartbeat(ctx context.Context, agent model.Agent, at time.Time) {
	id := agent.ID
	e.Emit(ctx, Input{AgentID: &id, Payload: model.HeartbeatPayload{AgentName: agent.Name, Timestamp: at.UTC()}})
}

// MissionStarted records the start of a mission run.
func (e *Emitter) MissionStarted(ctx context.Context, m model.Mission, totalSteps int) {
	id := m.ID
	e.Emit(ctx, Input{AgentID: m.AgentID, MissionID: &id, Payload: model.MissionStartedPayload{
		MissionTitle: m.Title,
		TotalSteps:   totalSteps,
	}})
}

// MissionCompleted records a mission that finished every step.
func (e *Emitter) MissionCompleted(ctx context.Context, m model.Mission, totalSteps int, d time.Duration) {
	id := m.ID
	e.Emit(ctx, Input{AgentID: m.AgentID, MissionID: &id, Payload: model.MissionCompletedPayload{
		MissionTitle: m.Title,
		TotalSteps:   totalSteps,
		DurationMs:   d.Milliseconds(),
	}})
}

// MissionFailed records a mission that stopped early.
func (e *Emitter) MissionFailed(ctx context.Context, m model.Mission, cause string, d time.Duration) {
	id := m.ID
	e.Emit(ctx, Input{AgentID: m.AgentID, MissionID: &id, Payload: model.MissionFailedPayload{
		MissionTitle: m.Title,
		Error:        cause,
		DurationMs:   d.Milliseconds(),
	}})
}

// StepStarted records the first attempt of a step.
func (e *Emitter) StepStarted(ctx context.Context, s StepInfo) {
	e.Emit(ctx, s.input(model.StepStartedPayload{StepContext: s.context()}))
}

// StepCompleted records a step that succeeded after the given number of attempts.
func (e *Emitter) StepCompleted(ctx context.Context, s StepInfo, d time.Duration, attempts int) {
	e.Emit(ctx, s.input(model.StepCompletedPayload{
		StepContext: s.context(),
		DurationMs:  d.Milliseconds(),
		Attempts:    attempts,
	}))
}

// StepFailed records a step that exhausted its attempts.
func (e *Emitter) StepFailed(ctx context.Context, s StepInfo, cause string, d time.Duration, attempts int) {
	e.Emit(ctx, s.input(model.StepFailedPayload{
		StepContext: s.context(),
		Error:       cause,
		DurationMs:  d.Milliseconds(),
		Attempts:    attempts,
	}))
}

// AgentThought records what an agent is about to work on.
func (e *Emitter) AgentThought(ctx context.Context, agent model.Agent, missionID *uuid.UUID, thought string) {
	id := agent.ID
	e.Emit(ctx, Input{AgentID: &id, MissionID: missionID, Payload: model.AgentThoughtPayload{
		AgentName: agent.Name,
		Thought:   thought,
	}})
}

// previewLen is the number of runes of message content carried in events.
const previewLen = 100

// AgentMessage records a message sent between agents.
func (e *Emitter) AgentMessage(ctx context.Context, msg model.AgentMessage) {
	from := msg.FromAgentID
	e.Emit(ctx, Input{AgentID: &from, MissionID: msg.MissionID, Payload: model.AgentMessagePayload{
		MessageID:   msg.ID,
		FromAgentID: msg.FromAgentID,
		ToAgentID:   msg.ToAgentID,
		MessageType: msg.MessageType,
		Preview:     Truncate(msg.Content, previewLen),
	}})
}

// RuntimeStarted records the supervisor coming up.
func (e *Emitter) RuntimeStarted(ctx context.Context, p model.RuntimeStartedPayload) {
	e.Emit(ctx, Input{Payload: p})
}

// RuntimeStopped records the supervisor shutting down.
func (e *Emitter) RuntimeStopped(ctx context.Context, uptime time.Duration, aborted int) {
	e.Emit(ctx, Input{Payload: model.RuntimeStoppedPayload{
		UptimeMs:        uptime.Milliseconds(),
		AbortedMissions: aborted,
	}})
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
