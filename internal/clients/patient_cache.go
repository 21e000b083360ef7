package clients

import (
	"context"
	"log/slog"
	"strings"

	"homehealth/services/staff-tracker/internal/tracking"
)

type PatientLocator interface {
	PatientLocation(ctx context.Context, patientName string) (*tracking.PatientLocation, error)
}

type PatientCache interface {
	GetPatientLocation(ctx context.Context, patientName string) (*tracking.PatientLocation, bool, error)
	PutPatientLocation(ctx context.Context, patientName string, loc tracking.PatientLocation) error
}

// CachedPatientLocator reads through cache before asking upstream. Cache
// failures are logged and never fail the lookup.
type CachedPatientLocator struct {
	cache    PatientCache
	upstream PatientLocator
}

func NewCachedPatientLocator(cache PatientCache, upstream PatientLocator) *CachedPatientLocator {
	return &CachedPatientLocator{cache: cache, upstream: upstream}
}

func (c *CachedPatientLocator) PatientLocation(ctx context.Context, patientName string) (*tracking.PatientLocation, error) {
	key := strings.TrimSpace(patientName)
	if c.cache != nil {
		loc, ok, err := c.cache.GetPatientLocation(ctx, key)
		if err != nil {
			slog.Warn("patient location cache read failed", "error", err, "patient", key)
		} else if ok {
			return loc, nil
		}
	}
	loc, err := c.upstream.PatientLocation(ctx, key)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if err := c.cache.PutPatientLocation(ctx, key, *loc); err != nil {
			slog.Warn("patient location cache write failed", "error", err, "patient", key)
		}
	}
	return loc, nil
}
