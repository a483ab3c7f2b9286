package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

const missionColumns = `id, title, description, status, priority, agent_id, progress, created_at, updated_at`

func scanMission(row rowScanner) (model.Mission, error) {
	var (
		m                    model.Mission
		description, agentID sql.NullString
		status               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&m.ID, &m.Title, &description, &status, &m.Priority,
		&agentID, &m.Progress, &createdAt, &updatedAt); err != nil {
		return model.Mission{}, err
	}
	m.Description = nullStringPtr(description)
	m.Status = model.MissionStatus(status)
	var err error
	if m.AgentID, err = parseNullUUID(agentID); err != nil {
		return model.Mission{}, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Mission{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Mission{}, err
	}
	return m, nil
}

// CreateMission inserts a mission and its steps in one transaction. Steps are
// numbered 1..n in slice order.
func (s *Store) CreateMission(ctx context.Context, mission model.Mission, steps []model.MissionStep) (model.Mission, []model.MissionStep, error) {
	now := time.Now().UTC()
	if mission.ID == uuid.Nil {
		mission.ID = uuid.New()
	}
	if mission.Status == "" {
		mission.Status = model.MissionPending
	}
	mission.CreatedAt = now
	mission.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Mission{}, nil, fmt.Errorf("sqlite: begin create mission tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO missions (id, title, description, status, priority, agent_id, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mission.ID.String(), mission.Title, nullStringArg(mission.Description), string(mission.Status),
		mission.Priority, nullUUIDArg(mission.AgentID), mission.Progress,
		formatTime(now), formatTime(now),
	); err != nil {
		return model.Mission{}, nil, fmt.Errorf("sqlite: create mission: %w", err)
	}

	col := storage.QuoteColumn(s.ordering)
	out := make([]model.MissionStep, len(steps))
	for i, st := range steps {
		if st.ID == uuid.Nil {
			st.ID = uuid.New()
		}
		st.MissionID = mission.ID
		st.Order = i + 1
		if st.Status == "" {
			st.Status = model.StepPending
		}
		if st.Input == nil {
			st.Input = map[string]any{}
		}
		st.CreatedAt = now
		st.UpdatedAt = now

		input, err := encodeJSON(st.Input)
		if err != nil {
			return model.Mission{}, nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mission_steps (id, mission_id, `+col+`, agent_id, title, description, input, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID.String(), st.MissionID.String(), st.Order, nullUUIDArg(st.AgentID), st.Title,
			nullStringArg(st.Description), input, string(st.Status), formatTime(now), formatTime(now),
		); err != nil {
			return model.Mission{}, nil, fmt.Errorf("sqlite: create mission step %d: %w", st.Order, err)
		}
		out[i] = st
	}

	if err := tx.Commit(); err != nil {
		return model.Mission{}, nil, fmt.Errorf("sqlite: commit create mission tx: %w", err)
	}
	return mission, out, nil
}

// GetMission returns a mission by id.
func (s *Store) GetMission(ctx context.Context, id uuid.UUID) (model.Mission, error) {
	m, err := scanMission(s.db.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Mission{}, storage.NotFound("sqlite", storage.EntityMission, id)
		}
		return model.Mission{}, fmt.Errorf("sqlite: get mission: %w", err)
	}
	return m, nil
}

// UpdateMissionState sets status and, when progress is non-nil, progress.
func (s *Store) UpdateMissionState(ctx context.Context, id uuid.UUID, status model.MissionStatus, progress *int) error {
	var progressArg any
	if progress != nil {
		progressArg = *progress
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE missions
		 SET status = ?, progress = COALESCE(?, progress), updated_at = ?
		 WHERE id = ?`,
		string(status), progressArg, formatTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("sqlite: update mission state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.NotFound("sqlite", storage.EntityMission, id)
	}
	return nil
}

// ListPendingMissions returns up to limit pending missions by priority, then age.
func (s *Store) ListPendingMissions(ctx context.Context, limit int) ([]model.Mission, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+missionColumns+` FROM missions
		 WHERE status = 'pending'
		 ORDER BY priority DESC, created_at ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending missions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var missions []model.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan mission: %w", err)
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

// ListMissionSteps returns a mission's steps in execution order, with the
// effective agent's name joined in.
func (s *Store) ListMissionSteps(ctx context.Context, missionID uuid.UUID) ([]model.MissionStep, error) {
	col := storage.QuoteColumn(s.ordering)
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.mission_id, s.`+col+`, s.agent_id, a.name, s.title, s.description,
		        s.input, s.status, s.output, s.completed_at, s.created_at, s.updated_at
		 FROM mission_steps s
		 JOIN missions m ON m.id = s.mission_id
		 LEFT JOIN agents a ON a.id = COALESCE(s.agent_id, m.agent_id)
		 WHERE s.mission_id = ?
		 ORDER BY s.`+col+` ASC`, missionID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list mission steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []model.MissionStep
	for rows.Next() {
		var (
			st                                  model.MissionStep
			agentID, agentName, description     sql.NullString
			output, completedAt                 sql.NullString
			input, status, createdAt, updatedAt string
		)
		if err := rows.Scan(&st.ID, &st.MissionID, &st.Order, &agentID, &agentName, &st.Title,
			&description, &input, &status, &output, &completedAt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan mission step: %w", err)
		}
		if st.AgentID, err = parseNullUUID(agentID); err != nil {
			return nil, fmt.Errorf("sqlite: scan mission step: %w", err)
		}
		st.AgentName = nullStringPtr(agentName)
		st.Description = nullStringPtr(description)
		st.Output = nullStringPtr(output)
		st.Status = model.StepStatus(status)
		if input != "" {
			if err := json.Unmarshal([]byte(input), &st.Input); err != nil {
				return nil, fmt.Errorf("sqlite: decode step input: %w", err)
			}
		}
		if st.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan mission step: %w", err)
		}
		if st.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan mission step: %w", err)
		}
		if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan mission step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// UpdateStep writes a step's status and, when set, output and completion time.
func (s *Store) UpdateStep(ctx context.Context, id uuid.UUID, u storage.StepUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mission_steps
		 SET status = ?, output = COALESCE(?, output), completed_at = COALESCE(?, completed_at), updated_at = ?
		 WHERE id = ?`,
		string(u.Status), nullStringArg(u.Output), nullTimeArg(u.CompletedAt), formatTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("sqlite: update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.NotFound("sqlite", storage.EntityStep, id)
	}
	return nil
}

// CountMissionSteps returns the number of steps and of completed steps.
func (s *Store) CountMissionSteps(ctx context.Context, missionID uuid.UUID) (total, completed int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0)
		 FROM mission_steps WHERE mission_id = ?`, missionID.String()).Scan(&total, &completed)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite: count mission steps: %w", err)
	}
	return total, completed, nil
}
