// Package messaging implements the agent-to-agent mailbox on top of the store.
package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/events"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

// Store is the subset of storage.Store the bus needs.
type Store interface {
	InsertMessage(ctx context.Context, msg model.AgentMessage) (model.AgentMessage, error)
	GetMessage(ctx context.Context, id uuid.UUID) (model.AgentMessage, error)
	ListInbox(ctx context.Context, agentID uuid.UUID) ([]model.AgentMessage, error)
	ListAgentMessages(ctx context.Context, agentID uuid.UUID, status *model.MessageStatus, limit int) ([]model.AgentMessage, error)
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus) error
	ReplyToMessage(ctx context.Context, originalID uuid.UUID, reply model.AgentMessage) (model.AgentMessage, error)
}

// Bus sends, lists and answers agent messages. Every send emits an
// agent_message event.
type Bus struct {
	store   Store
	emitter *events.Emitter
	logger  *slog.Logger
}

// New creates a Bus.
func New(store Store, emitter *events.Emitter, logger *slog.Logger) *Bus {
	return &Bus{store: store, emitter: emitter, logger: logger}
}

// SendInput describes a new message. MessageType defaults to "task".
type SendInput struct {
	FromAgentID uuid.UUID
	ToAgentID   uuid.UUID
	Content     string
	MissionID   *uuid.UUID
	MessageType string
}

// SendMessage stores a pending message and emits an agent_message event.
func (b *Bus) SendMessage(ctx context.Context, in SendInput) (model.AgentMessage, error) {
	msg, err := b.store.InsertMessage(ctx, model.AgentMessage{
		FromAgentID: in.FromAgentID,
		ToAgentID:   in.ToAgentID,
		MissionID:   in.MissionID,
		Content:     in.Content,
		MessageType: in.MessageType,
		Status:      model.MessagePending,
	})
	if err != nil {
		return model.AgentMessage{}, fmt.Errorf("messaging: send message: %w", err)
	}
	b.emitter.AgentMessage(ctx, msg)
	b.logger.Debug("messaging: message sent", "message_id", msg.ID, "from", msg.FromAgentID, "to", msg.ToAgentID)
	return msg, nil
}

// CheckInbox returns pending messages addressed to agentID, oldest first.
func (b *Bus) CheckInbox(ctx context.Context, agentID uuid.UUID) ([]model.AgentMessage, error) {
	msgs, err := b.store.ListInbox(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("messaging: check inbox: %w", err)
	}
	return msgs, nil
}

// GetMessages returns the latest messages agentID sent or received, newest
// first, optionally filtered by status.
func (b *Bus) GetMessages(ctx context.Context, agentID uuid.UUID, status *model.MessageStatus) ([]model.AgentMessage, error) {
	msgs, err := b.store.ListAgentMessages(ctx, agentID, status, storage.DefaultMessageLimit)
	if err != nil {
		return nil, fmt.Errorf("messaging: get messages: %w", err)
	}
	return msgs, nil
}

// MarkAsProcessed flips a message to processed.
func (b *Bus) MarkAsProcessed(ctx context.Context, messageID uuid.UUID) error {
	if err := b.store.UpdateMessageStatus(ctx, messageID, model.MessageProcessed); err != nil {
		return fmt.Errorf("messaging: mark processed: %w", err)
	}
	return nil
}

// Reply answers original: the original is marked processed and a response
// travelling the opposite direction is stored in one transaction.
func (b *Bus) Reply(ctx context.Context, original model.AgentMessage, content string) (model.AgentMessage, error) {
	reply, err := b.store.ReplyToMessage(ctx, original.ID, model.AgentMessage{
		FromAgentID: original.ToAgentID,
		ToAgentID:   original.FromAgentID,
		MissionID:   original.MissionID,
		Content:     content,
		MessageType: model.MessageTypeResponse,
		Status:      model.MessagePending,
	})
	if err != nil {
		return model.AgentMessage{}, fmt.Errorf("messaging: reply: %w", err)
	}
	b.emitter.AgentMessage(ctx, reply)
	return reply, nil
}

// ReplyByID loads the original message and replies to it.
func (b *Bus) ReplyByID(ctx context.Context, originalID uuid.UUID, content string) (model.AgentMessage, error) {
	original, err := b.store.GetMessage(ctx, originalID)
	if err != nil {
		return model.AgentMessage{}, fmt.Errorf("messaging: load original: %w", err)
	}
	return b.Reply(ctx, original, content)
}
