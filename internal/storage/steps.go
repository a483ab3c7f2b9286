package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
)

// ListMissionSteps returns a mission's steps in execution order. AgentName is
// the name of the effective agent (step override, else mission default).
func (db *DB) ListMissionSteps(ctx context.Context, missionID uuid.UUID) ([]model.MissionStep, error) {
	col := QuoteColumn(db.ordering)
	rows, err := db.pool.Query(ctx,
		`SELECT s.id, s.mission_id, s.`+col+`, s.agent_id, a.name, s.title, s.description,
		        s.input, s.status, s.output, s.completed_at, s.created_at, s.updated_at
		 FROM mission_steps s
		 JOIN missions m ON m.id = s.mission_id
		 LEFT JOIN agents a ON a.id = COALESCE(s.agent_id, m.agent_id)
		 WHERE s.mission_id = $1
		 ORDER BY s.`+col+` ASC`, missionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list mission steps: %w", err)
	}
	defer rows.Close()

	var steps []model.MissionStep
	for rows.Next() {
		var s model.MissionStep
		var status string
		if err := rows.Scan(&s.ID, &s.MissionID, &s.Order, &s.AgentID, &s.AgentName, &s.Title,
			&s.Description, &s.Input, &status, &s.Output, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan mission step: %w", err)
		}
		s.Status = model.StepStatus(status)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// UpdateStep writes a step's status and, when set, its output and completion time.
func (db *DB) UpdateStep(ctx context.Context, id uuid.UUID, u StepUpdate) error {
	var completedAt *time.Time
	if u.CompletedAt != nil {
		t := u.CompletedAt.UTC()
		completedAt = &t
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE mission_steps
		 SET status = $1, output = COALESCE($2, output), completed_at = COALESCE($3, completed_at), updated_at = $4
		 WHERE id = $5`,
		string(u.Status), u.Output, completedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storage: update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("storage", EntityStep, id)
	}
	return nil
}

// CountMissionSteps returns the number of steps and of completed steps.
func (db *DB) CountMissionSteps(ctx context.Context, missionID uuid.UUID) (total, completed int, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE status = 'completed')
		 FROM mission_steps WHERE mission_id = $1`, missionID).Scan(&total, &completed)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: count mission steps: %w", err)
	}
	return total, completed, nil
}
