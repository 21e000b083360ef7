package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"homehealth/services/staff-tracker/internal/tracking"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrNoLocation = errors.New("no location available")

var tracer = otel.Tracer("staff-tracker/clients")

// LocationAPI talks to the web application's GPS and patient endpoints.
type LocationAPI struct {
	client *ServiceClient
}

func NewLocationAPI(client *ServiceClient) *LocationAPI {
	return &LocationAPI{client: client}
}

type staffLocationResponse struct {
	Success         bool                    `json:"success"`
	CurrentLocation *tracking.StaffLocation `json:"currentLocation"`
	Status          string                  `json:"status"`
	HasActiveTrip   bool                    `json:"hasActiveTrip"`
	ActiveTrip      *tracking.ActiveTrip    `json:"activeTrip"`
	Staff           *tracking.StaffInfo     `json:"staff"`
	Error           string                  `json:"error"`
}

type patientLocationResponse struct {
	Success  bool                      `json:"success"`
	Location *tracking.PatientLocation `json:"location"`
	Error    string                    `json:"error"`
}

func (a *LocationAPI) StaffLocation(ctx context.Context, staffID string) (_ tracking.Observation, err error) {
	ctx, span := tracer.Start(ctx, "upstream.staff_location")
	span.SetAttributes(attribute.String("staff.id", staffID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := a.client.Get(ctx, "/api/gps/staff-location", url.Values{"staff_id": {staffID}})
	if err != nil {
		return tracking.Observation{}, fmt.Errorf("fetch staff location: %w", err)
	}
	var resp staffLocationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return tracking.Observation{}, fmt.Errorf("decode staff location: %w", err)
	}
	if !resp.Success {
		return tracking.Observation{}, fmt.Errorf("staff location %s: %w: %s", staffID, ErrUnsuccessful, resp.Error)
	}
	return tracking.Observation{
		StaffID:       staffID,
		Current:       resp.CurrentLocation,
		TripStatus:    resp.Status,
		HasActiveTrip: resp.HasActiveTrip,
		Trip:          resp.ActiveTrip,
		Staff:         resp.Staff,
	}, nil
}

func (a *LocationAPI) PatientLocation(ctx context.Context, patientName string) (_ *tracking.PatientLocation, err error) {
	ctx, span := tracer.Start(ctx, "upstream.patient_location")
	defer func() {
		if err != nil && !errors.Is(err, ErrNoLocation) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := a.client.Get(ctx, "/api/patients/location", url.Values{"patient_name": {patientName}})
	if err != nil {
		return nil, fmt.Errorf("fetch patient location: %w", err)
	}
	var resp patientLocationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode patient location: %w", err)
	}
	if !resp.Success || resp.Location == nil || !resp.Location.Point().Valid() {
		return nil, fmt.Errorf("patient %q: %w", patientName, ErrNoLocation)
	}
	return resp.Location, nil
}
