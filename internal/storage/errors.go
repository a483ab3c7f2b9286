package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested agent, mission, step or message
// does not exist. Test for it with errors.Is; the concrete error is a
// *NotFoundError naming what was missing.
var ErrNotFound = errors.New("storage: not found")

// Entity kinds reported by NotFoundError.
const (
	EntityAgent       = "agent"
	EntityActiveAgent = "active agent"
	EntityMission     = "mission"
	EntityStep        = "step"
	EntityMessage     = "message"
)

// NotFoundError identifies the missing row. Backend is the error prefix of
// the store that produced it ("storage" or "sqlite").
type NotFoundError struct {
	Backend string
	Entity  string
	Key     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s not found", e.Backend, e.Entity, e.Key)
}

// Unwrap makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a *NotFoundError. key is formatted with %v; string keys
// (agent names) are quoted.
func NotFound(backend, entity string, key any) error {
	k := fmt.Sprint(key)
	if s, ok := key.(string); ok {
		k = fmt.Sprintf("%q", s)
	}
	return &NotFoundError{Backend: backend, Entity: entity, Key: k}
}
