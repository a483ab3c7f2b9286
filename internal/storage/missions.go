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

const missionColumns = `id, title, description, status, priority, agent_id, progress, created_at, updated_at`

func scanMission(row pgx.Row) (model.Mission, error) {
	var m model.Mission
	var status string
	if err := row.Scan(&m.ID, &m.Title, &m.Description, &status, &m.Priority,
		&m.AgentID, &m.Progress, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return model.Mission{}, err
	}
	m.Status = model.MissionStatus(status)
	return m, nil
}

// CreateMission inserts a mission and its steps in one transaction. Steps are
// numbered 1..n in slice order; their Order field is overwritten.
func (db *DB) CreateMission(ctx context.Context, mission model.Mission, steps []model.MissionStep) (model.Mission, []model.MissionStep, error) {
	now := time.Now().UTC()
	if mission.ID == uuid.Nil {
		mission.ID = uuid.New()
	}
	if mission.Status == "" {
		mission.Status = model.MissionPending
	}
	mission.CreatedAt = now
	mission.UpdatedAt = now

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Mission{}, nil, fmt.Errorf("storage: begin create mission tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO missions (id, title, description, status, priority, agent_id, progress, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		mission.ID, mission.Title, mission.Description, string(mission.Status), mission.Priority,
		mission.AgentID, mission.Progress, mission.CreatedAt, mission.UpdatedAt,
	); err != nil {
		return model.Mission{}, nil, fmt.Errorf("storage: create mission: %w", err)
	}

	col := QuoteColumn(db.ordering)
	out := make([]model.MissionStep, len(steps))
	for i, s := range steps {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		s.MissionID = mission.ID
		s.Order = i + 1
		if s.Status == "" {
			s.Status = model.StepPending
		}
		if s.Input == nil {
			s.Input = map[string]any{}
		}
		s.CreatedAt = now
		s.UpdatedAt = now

		if _, err := tx.Exec(ctx,
			`INSERT INTO mission_steps (id, mission_id, `+col+`, agent_id, title, description, input, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			s.ID, s.MissionID, s.Order, s.AgentID, s.Title, s.Description, s.Input,
			string(s.Status), s.CreatedAt, s.UpdatedAt,
		); err != nil {
			return model.Mission{}, nil, fmt.Errorf("storage: create mission step %d: %w", s.Order, err)
		}
		out[i] = s
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Mission{}, nil, fmt.Errorf("storage: commit create mission tx: %w", err)
	}
	return mission, out, nil
}

// GetMission returns a mission by id.
func (db *DB) GetMission(ctx context.Context, id uuid.UUID) (model.Mission, error) {
	m, err := scanMission(db.pool.QueryRow(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Mission{}, NotFound("storage", EntityMission, id)
		}
		return model.Mission{}, fmt.Errorf("storage: get mission: %w", err)
	}
	return m, nil
}

// UpdateMissionState sets a mission's status and, when progress is non-nil,
// its progress. updated_at is always stamped.
func (db *DB) UpdateMissionState(ctx context.Context, id uuid.UUID, status model.MissionStatus, progress *int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE missions
		 SET status = $1, progress = COALESCE($2, progress), updated_at = $3
		 WHERE id = $4`,
		string(status), progress, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storage: update mission state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("storage", EntityMission, id)
	}
	return nil
}

// ListPendingMissions returns up to limit pending missions, most urgent first.
// Ties on priority go to the oldest mission.
func (db *DB) ListPendingMissions(ctx context.Context, limit int) ([]model.Mission, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+missionColumns+` FROM missions
		 WHERE status = 'pending'
		 ORDER BY priority DESC, created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending missions: %w", err)
	}
	defer rows.Close()

	var missions []model.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan mission: %w", err)
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}
