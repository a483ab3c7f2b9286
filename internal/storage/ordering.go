package storage

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// StepOrdering names the column that orders a mission's steps. Deployments
// migrated from the legacy schema carry "order" instead of "step_order"; the
// strategy is chosen once at startup and never probed per query.
type StepOrdering interface {
	// Column is the unquoted column name.
	Column() string
}

// CanonicalOrdering orders steps by step_order.
type CanonicalOrdering struct{}

func (CanonicalOrdering) Column() string { return "step_order" }

// LegacyOrdering orders steps by the reserved-word column "order".
type LegacyOrdering struct{}

func (LegacyOrdering) Column() string { return "order" }

// Ordering strategy names accepted by ParseStepOrdering.
const (
	OrderingAuto      = "auto"
	OrderingCanonical = "step_order"
	OrderingLegacy    = "order"
)

// ParseStepOrdering maps a configured name to a strategy. "auto" returns
// (nil, nil): the caller must detect the column from the schema.
func ParseStepOrdering(name string) (StepOrdering, error) {
	switch name {
	case OrderingCanonical:
		return CanonicalOrdering{}, nil
	case OrderingLegacy:
		return LegacyOrdering{}, nil
	case OrderingAuto, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("storage: unknown step ordering %q", name)
	}
}

// OrderingFromColumns picks a strategy given the columns present on
// mission_steps, preferring the canonical column.
func OrderingFromColumns(cols map[string]bool) (StepOrdering, error) {
	switch {
	case cols[OrderingCanonical]:
		return CanonicalOrdering{}, nil
	case cols[OrderingLegacy]:
		return LegacyOrdering{}, nil
	default:
		return nil, fmt.Errorf("storage: mission_steps has neither step_order nor \"order\" column")
	}
}

// QuoteColumn returns the ordering column as a quoted SQL identifier.
// Postgres and SQLite share double-quote identifier syntax.
func QuoteColumn(o StepOrdering) string {
	return pgx.Identifier{o.Column()}.Sanitize()
}
