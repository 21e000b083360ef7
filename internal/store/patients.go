package store

import (
	"context"
	"errors"
	"time"

	"homehealth/services/staff-tracker/internal/tracking"

	"github.com/jackc/pgx/v5"
)

// PatientLocations caches resolved patient coordinates. Entries older than
// maxAge are treated as missing; a zero maxAge never expires them.
type PatientLocations struct {
	db     DB
	maxAge time.Duration
}

func NewPatientLocations(db DB, maxAge time.Duration) *PatientLocations {
	return &PatientLocations{db: db, maxAge: maxAge}
}

func (p *PatientLocations) GetPatientLocation(ctx context.Context, patientName string) (*tracking.PatientLocation, bool, error) {
	var loc tracking.PatientLocation
	var updatedAt time.Time
	err := p.db.QueryRow(ctx, `
		SELECT lat, lng, accuracy, updated_at FROM patient_locations WHERE patient_name=$1
	`, patientName).Scan(&loc.Lat, &loc.Lng, &loc.Accuracy, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if p.maxAge > 0 && time.Since(updatedAt) > p.maxAge {
		return nil, false, nil
	}
	if !loc.Point().Valid() {
		return nil, false, nil
	}
	return &loc, true, nil
}

func (p *PatientLocations) PutPatientLocation(ctx context.Context, patientName string, loc tracking.PatientLocation) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO patient_locations(patient_name, lat, lng, accuracy, updated_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (patient_name) DO UPDATE SET lat=EXCLUDED.lat, lng=EXCLUDED.lng, accuracy=EXCLUDED.accuracy, updated_at=EXCLUDED.updated_at
	`, patientName, loc.Lat, loc.Lng, loc.Accuracy)
	return err
}
