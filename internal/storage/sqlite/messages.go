package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

const messageColumns = `id, from_agent_id, to_agent_id, mission_id, content, message_type, status, created_at`

func scanMessage(row rowScanner) (model.AgentMessage, error) {
	var (
		m                 model.AgentMessage
		missionID         sql.NullString
		status, createdAt string
	)
	if err := row.Scan(&m.ID, &m.FromAgentID, &m.ToAgentID, &missionID, &m.Content,
		&m.MessageType, &status, &createdAt); err != nil {
		return model.AgentMessage{}, err
	}
	m.Status = model.MessageStatus(status)
	var err error
	if m.MissionID, err = parseNullUUID(missionID); err != nil {
		return model.AgentMessage{}, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.AgentMessage{}, err
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]model.AgentMessage, error) {
	defer func() { _ = rows.Close() }()
	var msgs []model.AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
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

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, db execer, msg model.AgentMessage) error {
	ts := formatTime(msg.CreatedAt)
	_, err := db.ExecContext(ctx,
		`INSERT INTO agent_messages (id, from_agent_id, to_agent_id, mission_id, content, message_type, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.FromAgentID.String(), msg.ToAgentID.String(), nullUUIDArg(msg.MissionID),
		msg.Content, msg.MessageType, string(msg.Status), ts, ts,
	)
	return err
}

// InsertMessage stores a new message. Type defaults to "task" and status to "pending".
func (s *Store) InsertMessage(ctx context.Context, msg model.AgentMessage) (model.AgentMessage, error) {
	msg = prepareMessage(msg)
	if err := insertMessage(ctx, s.db, msg); err != nil {
		return model.AgentMessage{}, fmt.Errorf("sqlite: insert message: %w", err)
	}
	return msg, nil
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (model.AgentMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM agent_messages WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentMessage{}, storage.NotFound("sqlite", storage.EntityMessage, id)
		}
		return model.AgentMessage{}, fmt.Errorf("sqlite: get message: %w", err)
	}
	return m, nil
}

// ListInbox returns pending messages addressed to an agent, oldest first.
func (s *Store) ListInbox(ctx context.Context, agentID uuid.UUID) ([]model.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM agent_messages
		 WHERE to_agent_id = ? AND status = 'pending'
		 ORDER BY created_at ASC`, agentID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list inbox: %w", err)
	}
	return collectMessages(rows)
}

// ListAgentMessages returns the newest messages an agent sent or received.
func (s *Store) ListAgentMessages(ctx context.Context, agentID uuid.UUID, status *model.MessageStatus, limit int) ([]model.AgentMessage, error) {
	if limit <= 0 {
		limit = storage.DefaultMessageLimit
	}
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	id := agentID.String()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM agent_messages
		 WHERE (from_agent_id = ? OR to_agent_id = ?)
		   AND (? IS NULL OR status = ?)
		 ORDER BY created_at DESC
		 LIMIT ?`, id, id, statusArg, statusArg, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agent messages: %w", err)
	}
	return collectMessages(rows)
}

// UpdateMessageStatus flips a message's mailbox status.
func (s *Store) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_messages SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("sqlite: update message status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.NotFound("sqlite", storage.EntityMessage, id)
	}
	return nil
}

// ReplyToMessage marks the original processed and inserts the reply in one
// transaction. SQLITE_BUSY is retried under storage.ReplyRetry.
func (s *Store) ReplyToMessage(ctx context.Context, originalID uuid.UUID, reply model.AgentMessage) (model.AgentMessage, error) {
	reply = prepareMessage(reply)
	err := storage.ReplyRetry.WithClassifier(isBusyError).Do(ctx, func() error {
		return s.replyTx(ctx, originalID, reply)
	})
	if err != nil {
		return model.AgentMessage{}, err
	}
	return reply, nil
}

func (s *Store) replyTx(ctx context.Context, originalID uuid.UUID, reply model.AgentMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin reply tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE agent_messages SET status = 'processed', updated_at = ? WHERE id = ?`,
		formatTime(reply.CreatedAt), originalID.String())
	if err != nil {
		return fmt.Errorf("sqlite: mark original processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.NotFound("sqlite", storage.EntityMessage, originalID)
	}
	if err := insertMessage(ctx, tx, reply); err != nil {
		return fmt.Errorf("sqlite: insert reply: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit reply tx: %w", err)
	}
	return nil
}
