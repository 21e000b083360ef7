package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"homehealth/services/staff-tracker/internal/metrics"
)

const (
	TripStarted  = "trip.started"
	TripEnded    = "trip.ended"
	VisitStarted = "visit.started"
	VisitEnded   = "visit.ended"
)

type Nudger interface {
	Nudge(staffID string) int
}

type Deduper interface {
	MarkProcessed(ctx context.Context, eventID string, occurredAt time.Time) (bool, error)
}

// TripEvents refreshes the tracking sessions of a staff member as soon as
// their trip or visit state changes, instead of waiting for the next poll.
type TripEvents struct {
	nudger Nudger
	dedupe Deduper
}

func NewTripEvents(nudger Nudger, dedupe Deduper) *TripEvents {
	return &TripEvents{nudger: nudger, dedupe: dedupe}
}

func (h *TripEvents) HandleEvent(ctx context.Context, topic string, key, value []byte) error {
	var envelope struct {
		EventID    string    `json:"event_id"`
		EventType  string    `json:"event_type"`
		OccurredAt time.Time `json:"occurred_at"`
		Data       struct {
			StaffID string `json:"staff_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(value, &envelope); err != nil {
		return fmt.Errorf("decode trip event: %w", err)
	}
	switch envelope.EventType {
	case TripStarted, TripEnded, VisitStarted, VisitEnded:
	default:
		metrics.TripEventsTotal.WithLabelValues("ignored").Inc()
		return nil
	}
	staffID := envelope.Data.StaffID
	if staffID == "" {
		staffID = string(key)
	}
	if staffID == "" {
		slog.Warn("trip event without staff id", "topic", topic, "event_type", envelope.EventType)
		return nil
	}
	if h.dedupe != nil && envelope.EventID != "" {
		occurred := envelope.OccurredAt
		if occurred.IsZero() {
			occurred = time.Now().UTC()
		}
		first, err := h.dedupe.MarkProcessed(ctx, envelope.EventID, occurred)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
	}
	metrics.TripEventsTotal.WithLabelValues(envelope.EventType).Inc()
	n := h.nudger.Nudge(staffID)
	slog.Debug("trip event applied", "event_type", envelope.EventType, "staff_id", staffID, "sessions", n)
	return nil
}
