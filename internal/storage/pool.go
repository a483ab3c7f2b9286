// Package storage provides the PostgreSQL storage layer for kanri.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY (direct to Postgres) that feeds the live event stream, and
// query methods for agents, missions, steps, events and agent messages.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/telemetry"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	ordering   StepOrdering
	logger     *slog.Logger
}

var _ Store = (*DB)(nil)

// New creates a new DB with a connection pool.
// notifyDSN should point directly to Postgres (not a transaction-pooling
// proxy) for LISTEN/NOTIFY support. An empty notifyDSN disables the feed.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		ordering:   CanonicalOrdering{},
		logger:     logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// UseStepOrdering sets the step ordering strategy. Call once at startup,
// before the runtime starts.
func (db *DB) UseStepOrdering(o StepOrdering) {
	if o != nil {
		db.ordering = o
	}
}

// RegisterPoolMetrics exposes pool statistics as OTEL observable gauges.
// Call after telemetry.Init so the instruments bind to the real provider.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter(telemetry.ScopeStorage)
	acquired, err1 := meter.Int64ObservableGauge("kanri.db.pool.acquired_conns")
	idle, err2 := meter.Int64ObservableGauge("kanri.db.pool.idle_conns")
	total, err3 := meter.Int64ObservableGauge("kanri.db.pool.total_conns")
	if err1 != nil || err2 != nil || err3 != nil {
		db.logger.Warn("storage: pool metrics unavailable")
		return
	}
	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := db.pool.Stat()
		o.ObserveInt64(acquired, int64(st.AcquiredConns()))
		o.ObserveInt64(idle, int64(st.IdleConns()))
		o.ObserveInt64(total, int64(st.TotalConns()))
		return nil
	}, acquired, idle, total)
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
	}
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}

// DetectStepOrdering inspects mission_steps once and returns the ordering
// strategy matching the deployed schema.
func (db *DB) DetectStepOrdering(ctx context.Context) (StepOrdering, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = 'mission_steps'
		   AND column_name IN ('step_order', 'order')`)
	if err != nil {
		return nil, fmt.Errorf("storage: detect step ordering: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool, 2)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("storage: scan column name: %w", err)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: detect step ordering: %w", err)
	}
	return OrderingFromColumns(cols)
}
