package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type ProcessedEvents struct {
	db DB
}

func NewProcessedEvents(db DB) *ProcessedEvents {
	return &ProcessedEvents{db: db}
}

// MarkProcessed records eventID and reports whether it was seen for the
// first time.
func (p *ProcessedEvents) MarkProcessed(ctx context.Context, eventID string, occurredAt time.Time) (bool, error) {
	var id string
	if err := p.db.QueryRow(ctx, `
		INSERT INTO processed_events(event_id, occurred_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING event_id
	`, eventID, occurredAt).Scan(&id); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	return id != "", nil
}
