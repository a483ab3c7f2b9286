package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
)

// StepUpdate describes a write to a mission step. Nil pointers leave the
// column unchanged.
type StepUpdate struct {
	Status      model.StepStatus
	Output      *string
	CompletedAt *time.Time
}

// Store is the persistence contract of the mission runtime. Both the
// Postgres DB and the SQLite store implement it.
type Store interface {
	// Agents.
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	FindActiveAgent(ctx context.Context, ref string) (model.Agent, error)
	ListAgentsByStatus(ctx context.Context, status model.AgentStatus) ([]model.Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
	UpsertAgent(ctx context.Context, agent model.Agent) (model.Agent, error)

	// Missions and steps.
	CreateMission(ctx context.Context, mission model.Mission, steps []model.MissionStep) (model.Mission, []model.MissionStep, error)
	GetMission(ctx context.Context, id uuid.UUID) (model.Mission, error)
	UpdateMissionState(ctx context.Context, id uuid.UUID, status model.MissionStatus, progress *int) error
	ListPendingMissions(ctx context.Context, limit int) ([]model.Mission, error)
	ListMissionSteps(ctx context.Context, missionID uuid.UUID) ([]model.MissionStep, error)
	UpdateStep(ctx context.Context, id uuid.UUID, u StepUpdate) error
	CountMissionSteps(ctx context.Context, missionID uuid.UUID) (total, completed int, err error)

	// Events.
	InsertEvent(ctx context.Context, e model.Event) error

	// Messages.
	InsertMessage(ctx context.Context, msg model.AgentMessage) (model.AgentMessage, error)
	GetMessage(ctx context.Context, id uuid.UUID) (model.AgentMessage, error)
	ListInbox(ctx context.Context, agentID uuid.UUID) ([]model.AgentMessage, error)
	ListAgentMessages(ctx context.Context, agentID uuid.UUID, status *model.MessageStatus, limit int) ([]model.AgentMessage, error)
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus) error
	ReplyToMessage(ctx context.Context, originalID uuid.UUID, reply model.AgentMessage) (model.AgentMessage, error)

	// Schema and lifecycle.
	DetectStepOrdering(ctx context.Context) (StepOrdering, error)
	UseStepOrdering(o StepOrdering)
	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// DefaultMessageLimit is the page size of ListAgentMessages.
const DefaultMessageLimit = 50
