package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tracking_snapshots (
		id UUID PRIMARY KEY,
		staff_id TEXT NOT NULL,
		patient_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		distance_state TEXT NOT NULL,
		distance_away_miles DOUBLE PRECISION,
		distance_from_start_miles DOUBLE PRECISION,
		estimated_minutes INT,
		estimated_arrival TIMESTAMPTZ,
		speed_tier TEXT,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tracking_snapshots_staff ON tracking_snapshots(staff_id, recorded_at DESC)`,
	`CREATE TABLE IF NOT EXISTS patient_locations (
		patient_name TEXT PRIMARY KEY,
		lat DOUBLE PRECISION NOT NULL,
		lng DOUBLE PRECISION NOT NULL,
		accuracy DOUBLE PRECISION,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS websocket_sessions (
		session_id TEXT PRIMARY KEY,
		operator_id TEXT,
		topic TEXT NOT NULL DEFAULT '',
		connected_at TIMESTAMPTZ NOT NULL,
		last_heartbeat TIMESTAMPTZ NOT NULL
	)`,
}

func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
