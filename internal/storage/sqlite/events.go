package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
)

// InsertEvent appends an event to the log. SQLite has no NOTIFY; live feeds
// in this mode are fed by the emitter's publisher.
func (s *Store) InsertEvent(ctx context.Context, e model.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, agent_id, mission_id, step_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), string(e.Type), nullUUIDArg(e.AgentID), nullUUIDArg(e.MissionID),
		nullUUIDArg(e.StepID), payload, formatTime(e.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: insert event: %w", err)
	}
	return nil
}

// CountEvents returns the number of logged events of the given type. An empty
// type counts every event.
func (s *Store) CountEvents(ctx context.Context, typ model.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM events WHERE ? = '' OR type = ?`, string(typ), string(typ)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count events: %w", err)
	}
	return n, nil
}
