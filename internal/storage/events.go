package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
)

// maxNotifyPayload keeps NOTIFY payloads under Postgres' 8000-byte limit.
const maxNotifyPayload = 7900

// InsertEvent appends an event to the log and, in the same transaction,
// publishes it on ChannelEvents so LISTEN subscribers see it after commit.
func (db *DB) InsertEvent(ctx context.Context, e model.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert event tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO events (id, type, agent_id, mission_id, step_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, string(e.Type), e.AgentID, e.MissionID, e.StepID, []byte(payload), e.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelEvents, notifyPayload(e)); err != nil {
		return fmt.Errorf("storage: notify event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert event tx: %w", err)
	}
	return nil
}

// notifyPayload encodes an event for NOTIFY, dropping the payload body when
// the encoding would exceed the channel limit. Subscribers still see the
// type and correlation ids.
func notifyPayload(e model.Event) string {
	data, err := json.Marshal(e)
	if err == nil && len(data) <= maxNotifyPayload {
		return string(data)
	}
	e.Payload = json.RawMessage(`{"truncated":true}`)
	data, _ = json.Marshal(e)
	return string(data)
}
