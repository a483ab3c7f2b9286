package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for request validation.
const (
	MaxTitleLen        = 500
	MaxDescriptionLen  = 32 * 1024 // 32 KB
	MaxContentLen      = 64 * 1024 // 64 KB
	MaxStepsPerMission = 100
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// CreateMissionRequest is the request body for POST /v1/missions.
type CreateMissionRequest struct {
	Title       string              `json:"title"`
	Description *string             `json:"description,omitempty"`
	Priority    int                 `json:"priority"`
	AgentID     *uuid.UUID          `json:"agent_id,omitempty"`
	Steps       []CreateStepRequest `json:"steps"`
	ExecuteNow  bool                `json:"execute_now"`
}

// CreateStepRequest is a single step in a CreateMissionRequest.
type CreateStepRequest struct {
	Title       string         `json:"title"`
	Description *string        `json:"description,omitempty"`
	AgentID     *uuid.UUID     `json:"agent_id,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// Validate checks required fields and length limits.
func (r CreateMissionRequest) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(r.Title) > MaxTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	if r.Description != nil && len(*r.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if len(r.Steps) > MaxStepsPerMission {
		return fmt.Errorf("a mission may have at most %d steps", MaxStepsPerMission)
	}
	for i, s := range r.Steps {
		if s.Title == "" {
			return fmt.Errorf("steps[%d].title is required", i)
		}
		if len(s.Title) > MaxTitleLen {
			return fmt.Errorf("steps[%d].title exceeds maximum length of %d characters", i, MaxTitleLen)
		}
		if s.Description != nil && len(*s.Description) > MaxDescriptionLen {
			return fmt.Errorf("steps[%d].description exceeds maximum length of %d bytes", i, MaxDescriptionLen)
		}
	}
	return nil
}

// CreateMissionResponse is the response for POST /v1/missions.
type CreateMissionResponse struct {
	Mission Mission       `json:"mission"`
	Steps   []MissionStep `json:"steps"`
	Queued  bool          `json:"queued"`
}

// MissionDetail is the response for GET /v1/missions/{mission_id}.
type MissionDetail struct {
	Mission Mission       `json:"mission"`
	Steps   []MissionStep `json:"steps"`
}

// SendMessageRequest is the request body for POST /v1/messages.
type SendMessageRequest struct {
	FromAgentID uuid.UUID  `json:"from_agent_id"`
	ToAgentID   uuid.UUID  `json:"to_agent_id"`
	Content     string     `json:"content"`
	MissionID   *uuid.UUID `json:"mission_id,omitempty"`
	MessageType string     `json:"message_type,omitempty"`
}

// ReplyRequest is the request body for POST /v1/messages/{message_id}/reply.
type ReplyRequest struct {
	Content string `json:"content"`
}

// RuntimeConfigRequest is the request body for PATCH /v1/runtime/config.
// Durations are Go duration strings ("30s", "5m").
type RuntimeConfigRequest struct {
	HeartbeatInterval     *string `json:"heartbeat_interval,omitempty"`
	MissionPollInterval   *string `json:"mission_poll_interval,omitempty"`
	MaxConcurrentMissions *int    `json:"max_concurrent_missions,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Runtime string `json:"runtime"`
	Feed    string `json:"feed,omitempty"`
	Uptime  int64  `json:"uptime_seconds"`
}
