package tracking

import (
	"math"
	"time"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p is a usable coordinate. (0,0) is what the
// upstream API sends for "no fix", so it is rejected too.
func (p LatLng) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return false
	}
	return !(p.Lat == 0 && p.Lng == 0)
}

// StaffLocation is one GPS reading of a staff member's device. Speed is in mph.
type StaffLocation struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
}

func (l StaffLocation) Point() LatLng { return LatLng{Lat: l.Latitude, Lng: l.Longitude} }

type PatientLocation struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

func (l PatientLocation) Point() LatLng { return LatLng{Lat: l.Lat, Lng: l.Lng} }

type RoutePoint struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

func (p RoutePoint) Point() LatLng { return LatLng{Lat: p.Lat, Lng: p.Lng} }

type ActiveTrip struct {
	StartLocation *RoutePoint  `json:"startLocation,omitempty"`
	RoutePoints   []RoutePoint `json:"routePoints"`
}

type StaffInfo struct {
	Name       string `json:"name"`
	Department string `json:"department"`
}

// Observation is a single staff-location payload as returned by the upstream API.
type Observation struct {
	StaffID       string
	Current       *StaffLocation
	TripStatus    string
	HasActiveTrip bool
	Trip          *ActiveTrip
	Staff         *StaffInfo
}

// Status classifies the observation.
func (o Observation) Status() Status {
	return ClassifyStatus(o.TripStatus, o.speed(), o.HasActiveTrip)
}

func (o Observation) speed() *float64 {
	if o.Current == nil {
		return nil
	}
	return o.Current.Speed
}

func (o Observation) routePoints() []RoutePoint {
	if o.Trip == nil {
		return nil
	}
	return o.Trip.RoutePoints
}

// Trip statuses reported by the upstream API.
const (
	TripOnVisit = "on_visit"
	TripDriving = "driving"
	TripActive  = "active"
)

type Status string

const (
	StatusDriving Status = "Driving"
	StatusEnRoute Status = "En Route"
	StatusIdle    Status = "Idle"
	StatusOnVisit Status = "On Visit"
	StatusActive  Status = "Active"
	StatusOffline Status = "Offline"
)

// Moving reports whether the status belongs to a staff member on the road.
func (s Status) Moving() bool { return s == StatusDriving || s == StatusEnRoute }

type DistanceState string

const (
	DistanceKnown DistanceState = "known"
	// DistanceUnknown is used when the patient or staff fix is missing.
	DistanceUnknown DistanceState = "unknown"
	// DistanceWaiting means no trip has started yet.
	DistanceWaiting DistanceState = "waiting"
)

type SpeedTier string

const (
	TierNone    SpeedTier = ""
	TierGPS     SpeedTier = "gps"
	TierRoute   SpeedTier = "route"
	TierDefault SpeedTier = "default"
)

// State is the derived tracking state of one poll. It is rebuilt on every
// applied observation and never mutated afterwards.
type State struct {
	StaffID           string           `json:"staff_id"`
	PatientName       string           `json:"patient_name,omitempty"`
	Status            Status           `json:"status"`
	HasActiveTrip     bool             `json:"has_active_trip"`
	DistanceState     DistanceState    `json:"distance_state"`
	DistanceAway      *float64         `json:"distance_away_miles,omitempty"`
	DistanceFromStart *float64         `json:"distance_from_start_miles,omitempty"`
	EstimatedMinutes  *int             `json:"estimated_minutes,omitempty"`
	EstimatedArrival  *time.Time       `json:"estimated_arrival,omitempty"`
	SpeedTier         SpeedTier        `json:"speed_tier,omitempty"`
	AssumedSpeed      float64          `json:"assumed_speed_mph,omitempty"`
	Staff             *StaffLocation   `json:"staff_location,omitempty"`
	StaffInfo         *StaffInfo       `json:"staff,omitempty"`
	Patient           *PatientLocation `json:"patient_location,omitempty"`
	Stale             bool             `json:"stale"`
	LastError         string           `json:"last_error,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// MarkStale returns a copy of s flagged as stale after a failed refresh.
func (s State) MarkStale(err error) State {
	s.Stale = true
	if err != nil {
		s.LastError = err.Error()
	}
	return s
}
