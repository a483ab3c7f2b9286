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

const agentColumns = `id, name, status, config, last_heartbeat, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	var status string
	if err := row.Scan(&a.ID, &a.Name, &status, &a.Config, &a.LastHeartbeat, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.Agent{}, err
	}
	a.Status = model.AgentStatus(status)
	return a, nil
}

// GetAgent returns an agent by id regardless of status.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, NotFound("storage", EntityAgent, id)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// FindActiveAgent resolves an active agent by id, or by case-insensitive
// name when ref is not a UUID.
func (db *DB) FindActiveAgent(ctx context.Context, ref string) (model.Agent, error) {
	var row pgx.Row
	if id, err := uuid.Parse(ref); err == nil {
		row = db.pool.QueryRow(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND status = 'active'`, id)
	} else {
		row = db.pool.QueryRow(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE lower(name) = lower($1) AND status = 'active'`, ref)
	}
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, NotFound("storage", EntityActiveAgent, ref)
		}
		return model.Agent{}, fmt.Errorf("storage: find active agent: %w", err)
	}
	return a, nil
}

// ListAgentsByStatus returns all agents in the given status, ordered by name.
func (db *DB) ListAgentsByStatus(ctx context.Context, status model.AgentStatus) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = $1 ORDER BY name`, string(status))
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentHeartbeat records a liveness ping for an agent.
func (db *DB) UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET last_heartbeat = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("storage: update heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return NotFound("storage", EntityAgent, id)
	}
	return nil
}

// UpsertAgent inserts an agent or updates status and config of the agent
// with the same (case-insensitive) name. The stored row is returned.
func (db *DB) UpsertAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	if agent.Status == "" {
		agent.Status = model.AgentActive
	}
	now := time.Now().UTC()

	a, err := scanAgent(db.pool.QueryRow(ctx,
		`INSERT INTO agents (id, name, status, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT ((lower(name))) DO UPDATE
		   SET status = EXCLUDED.status, config = EXCLUDED.config, updated_at = EXCLUDED.updated_at
		 RETURNING `+agentColumns,
		agent.ID, agent.Name, string(agent.Status), agent.Config, now,
	))
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: upsert agent: %w", err)
	}
	return a, nil
}
