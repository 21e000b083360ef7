package tracking

import (
	"math"
	"time"
)

const (
	earthRadiusMiles = 3959.0

	minAssumedMPH = 10.0
	maxAssumedMPH = 70.0

	gpsSpeedThreshold = 5.0
	gpsBuffer         = 1.10
	routeBuffer       = 1.15
	defaultBuffer     = 1.20

	defaultMovingMPH = 25.0
	defaultIdleMPH   = 20.0

	routeWindow     = 10
	minLegMiles     = 0.01
	nearbyMiles     = 0.1
	nearbyFloorMins = 2
)

// HaversineMiles returns the great-circle distance between a and b in miles.
func HaversineMiles(a, b LatLng) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dphi := (b.Lat - a.Lat) * math.Pi / 180
	dl := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dphi/2)*math.Sin(dphi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dl/2)*math.Sin(dl/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMiles * c
}

// ClassifyStatus maps the upstream trip status to a display status.
// First match wins.
func ClassifyStatus(tripStatus string, speed *float64, hasActiveTrip bool) Status {
	switch tripStatus {
	case TripOnVisit:
		return StatusOnVisit
	case TripDriving:
		if speed != nil && *speed > 10 {
			return StatusDriving
		}
		return StatusEnRoute
	case TripActive:
		if hasActiveTrip {
			return StatusIdle
		}
		return StatusActive
	default:
		return StatusOffline
	}
}

type ETAInput struct {
	Speed  *float64
	Route  []RoutePoint
	Status Status
}

// EstimateMinutes returns the minutes needed to cover remaining miles, the
// speed tier that produced it and the assumed speed. ok is false when
// remaining is not positive.
func EstimateMinutes(remaining float64, in ETAInput) (minutes int, tier SpeedTier, mph float64, ok bool) {
	if !(remaining > 0) {
		return 0, TierNone, 0, false
	}
	var buffer float64
	switch {
	case in.Speed != nil && *in.Speed > gpsSpeedThreshold:
		tier, mph, buffer = TierGPS, clampSpeed(*in.Speed), gpsBuffer
	default:
		if avg, found := routeAverageSpeed(in.Route); found {
			tier, mph, buffer = TierRoute, clampSpeed(avg), routeBuffer
		} else {
			tier, mph, buffer = TierDefault, defaultSpeed(in.Status), defaultBuffer
		}
	}
	minutes = int(math.Round(remaining / mph * 60 * buffer))
	if remaining < nearbyMiles && minutes < nearbyFloorMins {
		minutes = nearbyFloorMins
	}
	return minutes, tier, mph, true
}

func defaultSpeed(s Status) float64 {
	if s == StatusIdle {
		return defaultIdleMPH
	}
	return defaultMovingMPH
}

func clampSpeed(mph float64) float64 {
	return math.Max(minAssumedMPH, math.Min(maxAssumedMPH, mph))
}

// routeAverageSpeed averages leg speeds over the last routeWindow points.
// Legs with non-positive elapsed time or less than minLegMiles of movement
// are skipped.
func routeAverageSpeed(points []RoutePoint) (float64, bool) {
	if len(points) < 2 {
		return 0, false
	}
	if len(points) > routeWindow {
		points = points[len(points)-routeWindow:]
	}
	var sum float64
	var legs int
	for i := 1; i < len(points); i++ {
		hours := points[i].Timestamp.Sub(points[i-1].Timestamp).Hours()
		if hours <= 0 {
			continue
		}
		d := HaversineMiles(points[i-1].Point(), points[i].Point())
		if d < minLegMiles {
			continue
		}
		sum += d / hours
		legs++
	}
	if legs == 0 {
		return 0, false
	}
	return sum / float64(legs), true
}

// DistanceFromStart is the distance between the trip start and the patient.
func DistanceFromStart(trip *ActiveTrip, patient *PatientLocation) (float64, bool) {
	if trip == nil || trip.StartLocation == nil || patient == nil {
		return 0, false
	}
	start, dest := trip.StartLocation.Point(), patient.Point()
	if !start.Valid() || !dest.Valid() {
		return 0, false
	}
	return HaversineMiles(start, dest), true
}

// Estimate derives the tracking state for obs. fromStart is the cached
// start-to-patient distance of the current trip, if any.
func Estimate(obs Observation, patientName string, patient *PatientLocation, fromStart *float64, now time.Time) State {
	st := State{
		StaffID:       obs.StaffID,
		PatientName:   patientName,
		Status:        obs.Status(),
		HasActiveTrip: obs.HasActiveTrip,
		Staff:         obs.Current,
		StaffInfo:     obs.Staff,
		Patient:       patient,
		UpdatedAt:     now,
	}
	if !obs.HasActiveTrip {
		st.DistanceState = DistanceWaiting
		return st
	}
	st.DistanceFromStart = fromStart
	if obs.Current == nil || patient == nil || !obs.Current.Point().Valid() || !patient.Point().Valid() {
		st.DistanceState = DistanceUnknown
		return st
	}
	d := HaversineMiles(obs.Current.Point(), patient.Point())
	st.DistanceState = DistanceKnown
	st.DistanceAway = &d
	minutes, tier, mph, ok := EstimateMinutes(d, ETAInput{Speed: obs.speed(), Route: obs.routePoints(), Status: st.Status})
	if !ok {
		return st
	}
	arrival := now.Add(time.Duration(minutes) * time.Minute)
	st.EstimatedMinutes = &minutes
	st.EstimatedArrival = &arrival
	st.SpeedTier = tier
	st.AssumedSpeed = mph
	return st
}

// Changed reports whether next is worth recording after prev: a new status,
// distance state or ETA, or a move of at least a tenth of a mile.
func Changed(prev *State, next State) bool {
	if next.Stale {
		return false
	}
	if prev == nil {
		return true
	}
	if prev.Status != next.Status || prev.DistanceState != next.DistanceState {
		return true
	}
	if !equalInt(prev.EstimatedMinutes, next.EstimatedMinutes) {
		return true
	}
	return distanceBucket(prev.DistanceAway) != distanceBucket(next.DistanceAway)
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func distanceBucket(d *float64) int64 {
	if d == nil {
		return -1
	}
	return int64(math.Floor(*d * 10))
}
