package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kanri/internal/model"
)

const messageColumns = `id, from_agent_id, to_agent_id, mission_id, content, message_type, status, created_at`

func scanMessage(row pgx.Row) (model.AgentMessage, error) {
	var m model.AgentMessage
	var status string
	if err := row.Scan(&m.ID, &m.FromAgentID, &m.ToAgentID, &m.MissionID, &m.Content,
		&m.MessageType, &status, &m.CreatedAt); err != nil {
		return model.AgentMessage{}, err
	}
	m.Status = model.MessageStatus(status)
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]model.AgentMessage, error) {
	defer rows.Close()
	var msgs []model.AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func prepareMessage(msg model.AgentMessage) model.AgentMessage {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.MessageType == "" {
		msg.MessageType = model.MessageTypeTask
	}
	if msg.Status == "" {
		msg.Status = model.MessagePending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg
}

const insertMessageSQL = `INSERT INTO agent_messages (id, from_agent_id, to_agent_id, mission_id, content, message_type, status, created_at, updated_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

// InsertMessage stores a new message. Type defaults to "task" and status to "pending".
func (db *DB) InsertMessage(ctx context.Context, msg model.AgentMessage) (model.AgentMessage, error) {
	msg = prepareMessage(msg)
	if _, err := db.pool.Exec(ctx, insertMessageSQL,
		msg.ID, msg.FromAgentID, msg.ToAgentID, msg.MissionID, msg.Content,
		msg.MessageType, string(msg.Status), msg.CreatedAt,
	); err != nil {
		return model.AgentMessage{}, fmt.Errorf("storage: insert message: %w", err)
	}
	return msg, nil
}

// GetMessage returns a message by id.
func (db *DB) GetMessage(ctx context.Context, id uuid.UUID) (model.AgentMessage, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM agent_messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentMessage{}, NotFound("storage", EntityMessage, id)
		}
		return model.AgentMessage{}, fmt.Errorf("storage: get message: %w", err)
	}
	return m, nil
}

// ListInbox returns pending messages addressed to an agent, oldest first.
func (db *DB) ListInbox(ctx context.Context, agentID uuid.UUID) ([]model.AgentMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM agent_messages
		 WHERE to_agent_id = $1 AND status = 'pending'
		 ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list inbox: %w", err)
	}
	return collectMessages(rows)
}

// ListAgentMessages returns the newest messages an agent sent or received,
// optionally filtered by status.
func (db *DB) ListAgentMessages(ctx context.Context, agentID uuid.UUID, status *model.MessageStatus, limit int) ([]model.AgentMessage, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	var statusArg *string
	if status != nil {
		s := string(*status)
		statusArg = &s
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM agent_messages
		 WHERE (from_agent_id = $1 OR to_agent_id = $1)
		   AND ($2::text IS NULL OR status = $2)
		 ORDER BY created_at DESC
		 LIMIT $3`, agentID, statusArg, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent messages: %w", err)
	}
	return collectMessages(rows)
}

// UpdateMessageStatus flips a message's mailbox status.
func (db *DB) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_messages SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storage: update message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("storage", EntityMessage, id)
	}
	return nil
}

// ReplyToMessage marks the original message processed and inserts the reply
// atomically. Transient conflicts are retried under ReplyRetry.
func (db *DB) ReplyToMessage(ctx context.Context, originalID uuid.UUID, reply model.AgentMessage) (model.AgentMessage, error) {
	reply = prepareMessage(reply)
	err := ReplyRetry.Do(ctx, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin reply tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`UPDATE agent_messages SET status = 'processed', updated_at = $1 WHERE id = $2`,
			reply.CreatedAt, originalID)
		if err != nil {
			return fmt.Errorf("storage: mark original processed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return NotFound("storage", EntityMessage, originalID)
		}

		if _, err := tx.Exec(ctx, insertMessageSQL,
			reply.ID, reply.FromAgentID, reply.ToAgentID, reply.MissionID, reply.Content,
			reply.MessageType, string(reply.Status), reply.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert reply: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.AgentMessage{}, err
	}
	return reply, nil
}
