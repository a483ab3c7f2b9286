package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the operational state of an agent.
type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentInactive    AgentStatus = "inactive"
	AgentMaintenance AgentStatus = "maintenance"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentInactive, AgentMaintenance:
		return true
	}
	return false
}

// ParseAgentStatus converts a string to an AgentStatus, rejecting unknown values.
func ParseAgentStatus(s string) (AgentStatus, error) {
	st := AgentStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid agent status: %q", s)
	}
	return st, nil
}

// AgentConfig holds the model parameters of an agent. Unset fields fall back
// to runtime defaults when the agent is executed.
type AgentConfig struct {
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Model        string   `json:"model,omitempty" yaml:"model"`
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens    *int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// Agent is a named, configured entity that answers instructions through a
// language model. Operators own the row; the runtime only writes LastHeartbeat.
type Agent struct {
	ID            uuid.UUID   `json:"id"`
	Name          string      `json:"name"`
	Status        AgentStatus `json:"status"`
	Config        AgentConfig `json:"config"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
