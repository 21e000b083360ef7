package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"homehealth/services/staff-tracker/internal/metrics"
	"homehealth/services/staff-tracker/internal/outbox"
	"homehealth/services/staff-tracker/internal/tracking"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const EventStatusChanged = "tracking.status_changed"

// Snapshots records derived tracking states and, on a status transition,
// enqueues a status_changed event in the same transaction.
type Snapshots struct {
	db    DB
	topic string
}

func NewSnapshots(db DB, updatesTopic string) *Snapshots {
	return &Snapshots{db: db, topic: updatesTopic}
}

func (s *Snapshots) Record(ctx context.Context, prev *tracking.State, next tracking.State) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := uuid.NewString()
	if _, err := tx.Exec(ctx, `
		INSERT INTO tracking_snapshots(id, staff_id, patient_name, status, distance_state, distance_away_miles, distance_from_start_miles, estimated_minutes, estimated_arrival, speed_tier, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, id, next.StaffID, next.PatientName, string(next.Status), string(next.DistanceState),
		next.DistanceAway, next.DistanceFromStart, next.EstimatedMinutes, next.EstimatedArrival,
		string(next.SpeedTier), next.UpdatedAt); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if prev == nil || prev.Status != next.Status {
		if err := s.enqueueStatusChange(ctx, tx, id, prev, next); err != nil {
			return fmt.Errorf("enqueue status change: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.SnapshotsRecordedTotal.Inc()
	return nil
}

func (s *Snapshots) enqueueStatusChange(ctx context.Context, tx pgx.Tx, snapshotID string, prev *tracking.State, next tracking.State) error {
	now := time.Now().UTC()
	from := ""
	if prev != nil {
		from = string(prev.Status)
	}
	envelope := map[string]any{
		"event_id":       uuid.NewString(),
		"event_type":     EventStatusChanged,
		"occurred_at":    now,
		"correlation_id": snapshotID,
		"data": map[string]any{
			"staff_id":            next.StaffID,
			"patient_name":        next.PatientName,
			"from_status":         from,
			"to_status":           string(next.Status),
			"distance_away_miles": next.DistanceAway,
			"estimated_minutes":   next.EstimatedMinutes,
			"estimated_arrival":   next.EstimatedArrival,
		},
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return outbox.EnqueueTx(ctx, tx, outbox.Event{
		ID:            uuid.NewString(),
		EventType:     EventStatusChanged,
		CorrelationID: snapshotID,
		Topic:         s.topic,
		PartitionKey:  next.StaffID,
		Payload:       payload,
		OccurredAt:    now,
	})
}
