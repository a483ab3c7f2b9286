package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a runtime event.
type EventType string

const (
	EventHeartbeat        EventType = "heartbeat"
	EventMissionStarted   EventType = "mission_started"
	EventMissionCompleted EventType = "mission_completed"
	EventMissionFailed    EventType = "mission_failed"
	EventStepStarted      EventType = "step_started"
	EventStepCompleted    EventType = "step_completed"
	EventStepFailed       EventType = "step_failed"
	EventAgentThought     EventType = "agent_thought"
	EventAgentMessage     EventType = "agent_message"

	// Supervisor lifecycle.
	EventRuntimeStarted EventType = "agent_started"
	EventRuntimeStopped EventType = "agent_stopped"
)

// Event is an append-only telemetry record. The runtime writes events but
// never reads them back; they feed the live feed and dashboards only.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	AgentID   *uuid.UUID      `json:"agent_id,omitempty"`
	MissionID *uuid.UUID      `json:"mission_id,omitempty"`
	StepID    *uuid.UUID      `json:"step_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventPayload is implemented by every typed event payload. The set is closed:
// each event type has exactly one payload shape.
type EventPayload interface {
	EventType() EventType
}

// HeartbeatPayload is the payload of EventHeartbeat.
type HeartbeatPayload struct {
	AgentName string    `json:"agentName"`
	Timestamp time.Time `json:"timestamp"`
}

func (HeartbeatPayload) EventType() EventType { return EventHeartbeat }

// MissionStartedPayload is the payload of EventMissionStarted.
type MissionStartedPayload struct {
	MissionTitle string `json:"missionTitle"`
	TotalSteps   int    `json:"totalSteps"`
}

func (MissionStartedPayload) EventType() EventType { return EventMissionStarted }

// MissionCompletedPayload is the payload of EventMissionCompleted.
type MissionCompletedPayload struct {
	MissionTitle string `json:"missionTitle"`
	TotalSteps   int    `json:"totalSteps"`
	DurationMs   int64  `json:"durationMs"`
}

func (MissionCompletedPayload) EventType() EventType { return EventMissionCompleted }

// MissionFailedPayload is the payload of EventMissionFailed.
type MissionFailedPayload struct {
	MissionTitle string `json:"missionTitle"`
	Error        string `json:"error"`
	DurationMs   int64  `json:"durationMs"`
}

func (MissionFailedPayload) EventType() EventType { return EventMissionFailed }

// StepContext is the positional context shared by all step events.
type StepContext struct {
	StepTitle    string `json:"stepTitle"`
	StepNumber   int    `json:"stepNumber"`
	TotalSteps   int    `json:"totalSteps"`
	AgentName    string `json:"agentName,omitempty"`
	MissionTitle string `json:"missionTitle"`
}

// StepStartedPayload is the payload of EventStepStarted.
type StepStartedPayload struct {
	StepContext
}

func (StepStartedPayload) EventType() EventType { return EventStepStarted }

// StepCompletedPayload is the payload of EventStepCompleted.
type StepCompletedPayload struct {
	StepContext
	DurationMs int64 `json:"durationMs"`
	Attempts   int   `json:"attempts"`
}

func (StepCompletedPayload) EventType() EventType { return EventStepCompleted }

// StepFailedPayload is the payload of EventStepFailed.
type StepFailedPayload struct {
	StepContext
	Error      string `json:"error"`
	DurationMs int64  `json:"durationMs"`
	Attempts   int    `json:"attempts"`
}

func (StepFailedPayload) EventType() EventType { return EventStepFailed }

// AgentThoughtPayload is the payload of EventAgentThought.
type AgentThoughtPayload struct {
	AgentName string `json:"agentName"`
	Thought   string `json:"thought"`
}

func (AgentThoughtPayload) EventType() EventType { return EventAgentThought }

// AgentMessagePayload is the payload of EventAgentMessage.
type AgentMessagePayload struct {
	MessageID   uuid.UUID `json:"messageId"`
	FromAgentID uuid.UUID `json:"fromAgentId"`
	ToAgentID   uuid.UUID `json:"toAgentId"`
	MessageType string    `json:"messageType"`
	Preview     string    `json:"preview"`
}

func (AgentMessagePayload) EventType() EventType { return EventAgentMessage }

// RuntimeStartedPayload is the payload of EventRuntimeStarted.
type RuntimeStartedPayload struct {
	StartedAt             time.Time `json:"startedAt"`
	HeartbeatIntervalMs   int64     `json:"heartbeatIntervalMs"`
	MissionPollIntervalMs int64     `json:"missionPollIntervalMs"`
	MaxConcurrentMissions int       `json:"maxConcurrentMissions"`
}

func (RuntimeStartedPayload) EventType() EventType { return EventRuntimeStarted }

// RuntimeStoppedPayload is the payload of EventRuntimeStopped.
type RuntimeStoppedPayload struct {
	UptimeMs        int64 `json:"uptimeMs"`
	AbortedMissions int   `json:"abortedMissions"`
}

func (RuntimeStoppedPayload) EventType() EventType { return EventRuntimeStopped }
