package model

import (
	"time"

	"github.com/google/uuid"
)

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	MissionPending   MissionStatus = "pending"
	MissionRunning   MissionStatus = "running"
	MissionCompleted MissionStatus = "completed"
	MissionFailed    MissionStatus = "failed"

	// Display-only states set by operators. The runtime never writes them.
	MissionProposed MissionStatus = "proposed"
	MissionPaused   MissionStatus = "paused"
	MissionDone     MissionStatus = "done"
)

// StepStatus is the lifecycle state of a mission step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Mission is a unit of work made of ordered steps.
type Mission struct {
	ID          uuid.UUID     `json:"id"`
	Title       string        `json:"title"`
	Description *string       `json:"description,omitempty"`
	Status      MissionStatus `json:"status"`
	Priority    int           `json:"priority"`
	AgentID     *uuid.UUID    `json:"agent_id,omitempty"`
	Progress    int           `json:"progress"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// MissionStep is one instruction within a mission. Steps of one mission are
// totally ordered by Order.
type MissionStep struct {
	ID          uuid.UUID      `json:"id"`
	MissionID   uuid.UUID      `json:"mission_id"`
	Order       int            `json:"order"`
	AgentID     *uuid.UUID     `json:"agent_id,omitempty"`
	AgentName   *string        `json:"agent_name,omitempty"`
	Title       string         `json:"title"`
	Description *string        `json:"description,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Status      StepStatus     `json:"status"`
	Output      *string        `json:"output,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Instruction returns the text sent to the agent: the description when set,
// otherwise the title.
func (s MissionStep) Instruction() string {
	if s.Description != nil && *s.Description != "" {
		return *s.Description
	}
	return s.Title
}

// EffectiveAgentID returns the step's own agent, falling back to the mission default.
func (s MissionStep) EffectiveAgentID(m Mission) *uuid.UUID {
	if s.AgentID != nil {
		return s.AgentID
	}
	return m.AgentID
}
