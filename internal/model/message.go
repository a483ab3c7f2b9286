package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the mailbox state of an agent message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageRead      MessageStatus = "read"
	MessageProcessed MessageStatus = "processed"
)

// Valid reports whether s is a known message status.
func (s MessageStatus) Valid() bool {
	switch s {
	case MessagePending, MessageRead, MessageProcessed:
		return true
	}
	return false
}

// Message types.
const (
	MessageTypeTask     = "task"
	MessageTypeResponse = "response"
)

// AgentMessage is a directed message between two agents.
type AgentMessage struct {
	ID          uuid.UUID     `json:"id"`
	FromAgentID uuid.UUID     `json:"from_agent_id"`
	ToAgentID   uuid.UUID     `json:"to_agent_id"`
	MissionID   *uuid.UUID    `json:"mission_id,omitempty"`
	Content     string        `json:"content"`
	MessageType string        `json:"message_type"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}
