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

const agentColumns = `id, name, status, config, last_heartbeat, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (model.Agent, error) {
	var (
		a                    model.Agent
		status, config       string
		heartbeat            sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.Name, &status, &config, &heartbeat, &createdAt, &updatedAt); err != nil {
		return model.Agent{}, err
	}
	a.Status = model.AgentStatus(status)
	if config != "" {
		if err := json.Unmarshal([]byte(config), &a.Config); err != nil {
			return model.Agent{}, fmt.Errorf("decode agent config: %w", err)
		}
	}
	var err error
	if a.LastHeartbeat, err = parseNullTime(heartbeat); err != nil {
		return model.Agent{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Agent{}, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Agent{}, err
	}
	return a, nil
}

// GetAgent returns an agent by id regardless of status.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, storage.NotFound("sqlite", storage.EntityAgent, id)
		}
		return model.Agent{}, fmt.Errorf("sqlite: get agent: %w", err)
	}
	return a, nil
}

// FindActiveAgent resolves an active agent by id, or by case-insensitive name.
func (s *Store) FindActiveAgent(ctx context.Context, ref string) (model.Agent, error) {
	var row *sql.Row
	if id, err := uuid.Parse(ref); err == nil {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE id = ? AND status = 'active'`, id.String())
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE lower(name) = lower(?) AND status = 'active'`, ref)
	}
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, storage.NotFound("sqlite", storage.EntityActiveAgent, ref)
		}
		return model.Agent{}, fmt.Errorf("sqlite: find active agent: %w", err)
	}
	return a, nil
}

// ListAgentsByStatus returns all agents in the given status, ordered by name.
func (s *Store) ListAgentsByStatus(ctx context.Context, status model.AgentStatus) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = ? ORDER BY name`, string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentHeartbeat records a liveness ping for an agent.
func (s *Store) UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ? WHERE id = ?`, formatTime(at), id.String())
	if err != nil {
		return fmt.Errorf("sqlite: update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.NotFound("sqlite", storage.EntityAgent, id)
	}
	return nil
}

// UpsertAgent inserts an agent or updates the agent with the same
// case-insensitive name.
func (s *Store) UpsertAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	if agent.Status == "" {
		agent.Status = model.AgentActive
	}
	config, err := encodeJSON(agent.Config)
	if err != nil {
		return model.Agent{}, err
	}
	now := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: begin upsert agent tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAgent(tx.QueryRowContext(ctx,
		`UPDATE agents SET status = ?, config = ?, updated_at = ?
		 WHERE lower(name) = lower(?)
		 RETURNING `+agentColumns,
		string(agent.Status), config, now, agent.Name,
	))
	if errors.Is(err, sql.ErrNoRows) {
		a, err = scanAgent(tx.QueryRowContext(ctx,
			`INSERT INTO agents (id, name, status, config, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 RETURNING `+agentColumns,
			agent.ID.String(), agent.Name, string(agent.Status), config, now, now,
		))
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: upsert agent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: commit upsert agent tx: %w", err)
	}
	return a, nil
}
