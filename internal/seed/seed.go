// Package seed loads an agent roster from YAML and upserts it by name, so a
// fresh deployment starts with a working fleet.
//
//	agents:
//	  - name: Scribe
//	    system_prompt: You write concise summaries.
//	    model: gpt-4o-mini
//	    temperature: 0.3
//	    max_tokens: 1024
//	  - name: Archivist
//	    status: maintenance
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kanri/internal/model"
)

// File is the on-disk roster.
type File struct {
	Agents []AgentSpec `yaml:"agents"`
}

// AgentSpec is one roster entry.
type AgentSpec struct {
	Name              string `yaml:"name"`
	Status            string `yaml:"status"`
	model.AgentConfig `yaml:",inline"`
}

// Upserter stores agents by case-insensitive name. storage.Store satisfies it.
type Upserter interface {
	UpsertAgent(ctx context.Context, agent model.Agent) (model.Agent, error)
}

// Parse decodes and validates a roster. Unknown keys are rejected.
func Parse(data []byte) ([]AgentSpec, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("seed: decode agents file: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(f.Agents))
	for i := range f.Agents {
		a := &f.Agents[i]
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
			continue
		}
		key := strings.ToLower(a.Name)
		if seen[key] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate name %q", i, a.Name))
		}
		seen[key] = true
		if a.Status == "" {
			a.Status = string(model.AgentActive)
		}
		if _, err := model.ParseAgentStatus(a.Status); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d] (%s): %w", i, a.Name, err))
		}
		if t := a.Temperature; t != nil && (*t < 0 || *t > 2) {
			errs = append(errs, fmt.Errorf("agents[%d] (%s): temperature must be within [0, 2], got %v", i, a.Name, *t))
		}
		if n := a.MaxTokens; n != nil && *n <= 0 {
			errs = append(errs, fmt.Errorf("agents[%d] (%s): max_tokens must be positive, got %d", i, a.Name, *n))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("seed: invalid agents file: %w", errors.Join(errs...))
	}
	return f.Agents, nil
}

// LoadFile reads and parses the roster at path.
func LoadFile(path string) ([]AgentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return Parse(data)
}

// Apply upserts every spec and returns the stored agents in roster order.
func Apply(ctx context.Context, store Upserter, specs []AgentSpec, logger *slog.Logger) ([]model.Agent, error) {
	out := make([]model.Agent, 0, len(specs))
	for _, s := range specs {
		a, err := store.UpsertAgent(ctx, model.Agent{
			Name:   s.Name,
			Status: model.AgentStatus(s.Status),
			Config: s.AgentConfig,
		})
		if err != nil {
			return out, fmt.Errorf("seed: upsert agent %q: %w", s.Name, err)
		}
		logger.Info("seed: agent upserted", "agent", a.Name, "id", a.ID, "status", a.Status)
		out = append(out, a)
	}
	return out, nil
}
