package mapview

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"homehealth/services/staff-tracker/internal/metrics"
	"homehealth/services/staff-tracker/internal/tracking"
)

var ErrNotAttached = errors.New("map layer not attached")

const (
	moveEpsilon       = 0.00001
	cameraThreshold   = 0.0005
	initialZoom       = 15
	fitPadding        = 0.2
	panDuration       = 500 * time.Millisecond
	maxAttachAttempts = 3
)

// Handle owns the markers and polylines of one tracking view and mutates
// them in place across updates. It is not safe for concurrent use.
type Handle struct {
	backend Backend

	staff     Marker
	patient   Marker
	traveled  Polyline
	remaining Polyline

	staffPos   *tracking.LatLng
	patientPos *tracking.LatLng
	status     tracking.Status

	placed bool
	anchor tracking.LatLng
	closed bool
}

func NewHandle(backend Backend) *Handle {
	return &Handle{backend: backend, status: tracking.StatusOffline}
}

// UpsertStaffMarker places or moves the staff marker. A missing or invalid
// location leaves an existing marker where it is.
func (h *Handle) UpsertStaffMarker(loc *tracking.StaffLocation, status tracking.Status, distance *float64) error {
	if h.closed {
		return nil
	}
	h.status = status
	if loc == nil || !loc.Point().Valid() {
		if h.staff != nil {
			h.staff.SetIcon(StaffIcon(status))
		}
		return nil
	}
	p := loc.Point()
	h.staffPos = &p
	return h.upsertMarker(&h.staff, p, StaffIcon(status), staffPopup(status, distance, loc.Speed))
}

func (h *Handle) UpsertPatientMarker(loc *tracking.PatientLocation, name string) error {
	if h.closed || loc == nil || !loc.Point().Valid() {
		return nil
	}
	p := loc.Point()
	h.patientPos = &p
	return h.upsertMarker(&h.patient, p, PatientIcon(), patientPopup(name))
}

func (h *Handle) upsertMarker(slot *Marker, p tracking.LatLng, icon Icon, popup string) error {
	if *slot == nil {
		m := h.backend.NewMarker(p, icon)
		m.SetPopup(popup)
		*slot = m
		metrics.MapMutationsTotal.WithLabelValues("create").Inc()
		return h.ensureAttached(m)
	}
	m := *slot
	if moved(m.LatLng(), p, moveEpsilon) {
		m.SetLatLng(p)
		metrics.MapMutationsTotal.WithLabelValues("move").Inc()
	}
	m.SetIcon(icon)
	m.SetPopup(popup)
	return h.ensureAttached(m)
}

// SetRoute draws the traveled path through points up to the staff position
// and a dashed line from the staff position to the patient. Without points
// only the dashed line is drawn.
func (h *Handle) SetRoute(points []tracking.RoutePoint) error {
	if h.closed || h.staffPos == nil {
		return nil
	}
	staff := *h.staffPos
	color := routeColor(h.status)
	var errs []error

	path := make([]tracking.LatLng, 0, len(points)+1)
	for _, rp := range points {
		if p := rp.Point(); p.Valid() {
			path = append(path, p)
		}
	}
	if len(path) > 0 {
		path = append(path, staff)
		errs = append(errs, h.upsertLine(&h.traveled, path, LineStyle{Color: color, Weight: 4}))
	} else {
		h.removeLine(&h.traveled)
	}

	if h.patientPos != nil {
		line := []tracking.LatLng{staff, *h.patientPos}
		errs = append(errs, h.upsertLine(&h.remaining, line, LineStyle{Color: color, Dashed: true, Weight: 3}))
	} else {
		h.removeLine(&h.remaining)
	}
	return errors.Join(errs...)
}

func (h *Handle) upsertLine(slot *Polyline, points []tracking.LatLng, style LineStyle) error {
	if *slot == nil {
		*slot = h.backend.NewPolyline(points, style)
		metrics.MapMutationsTotal.WithLabelValues("create").Inc()
	} else {
		(*slot).SetLatLngs(points)
		(*slot).SetStyle(style)
	}
	return h.ensureAttached(*slot)
}

func (h *Handle) removeLine(slot *Polyline) {
	if *slot == nil {
		return
	}
	h.backend.RemoveLayer(*slot)
	*slot = nil
}

// FitOrPan positions the camera. The first call frames the staff member
// (and the patient when known); later calls only move the camera once the
// staff position drifts past cameraThreshold.
func (h *Handle) FitOrPan() {
	if h.closed || h.staffPos == nil {
		return
	}
	staff := *h.staffPos
	if !h.placed {
		if h.patientPos != nil {
			h.backend.FitBounds(boundsOf(staff, *h.patientPos), fitPadding)
		} else {
			h.backend.SetView(staff, initialZoom)
		}
		h.placed = true
		h.anchor = staff
		metrics.MapMutationsTotal.WithLabelValues("camera").Inc()
		return
	}
	if h.patientPos != nil {
		if !moved(h.anchor, staff, cameraThreshold) {
			return
		}
		h.backend.FitBounds(boundsOf(staff, *h.patientPos), fitPadding)
	} else {
		ref := h.anchor
		if c, ok := h.backend.Center(); ok {
			ref = c
		}
		if !moved(ref, staff, cameraThreshold) {
			return
		}
		h.backend.PanTo(staff, panDuration)
	}
	h.anchor = staff
	metrics.MapMutationsTotal.WithLabelValues("camera").Inc()
}

// Close detaches every layer. The handle ignores further updates.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	for _, l := range []Layer{h.staff, h.patient, h.traveled, h.remaining} {
		if l != nil {
			h.backend.RemoveLayer(l)
		}
	}
	h.staff, h.patient, h.traveled, h.remaining = nil, nil, nil, nil
	h.closed = true
}

// ensureAttached re-adds l until the backend reports it on the map, up to
// maxAttachAttempts times.
func (h *Handle) ensureAttached(l Layer) error {
	for attempt := 1; attempt <= maxAttachAttempts; attempt++ {
		if h.backend.HasLayer(l) {
			return nil
		}
		if attempt > 1 {
			metrics.MapMutationsTotal.WithLabelValues("attach_retry").Inc()
		}
		if err := h.backend.AddLayer(l); err != nil {
			slog.Warn("map layer add failed", "error", err, "layer", l.LayerID(), "attempt", attempt)
		}
	}
	if h.backend.HasLayer(l) {
		return nil
	}
	slog.Error("map layer still detached", "layer", l.LayerID(), "attempts", maxAttachAttempts)
	return fmt.Errorf("%w: %s", ErrNotAttached, l.LayerID())
}

func moved(a, b tracking.LatLng, eps float64) bool {
	return math.Abs(a.Lat-b.Lat) > eps || math.Abs(a.Lng-b.Lng) > eps
}

func boundsOf(a, b tracking.LatLng) Bounds {
	return Bounds{
		SouthWest: tracking.LatLng{Lat: math.Min(a.Lat, b.Lat), Lng: math.Min(a.Lng, b.Lng)},
		NorthEast: tracking.LatLng{Lat: math.Max(a.Lat, b.Lat), Lng: math.Max(a.Lng, b.Lng)},
	}
}

func staffPopup(status tracking.Status, distance, speed *float64) string {
	var b strings.Builder
	b.WriteString(string(status))
	if distance != nil {
		fmt.Fprintf(&b, " · %.1f mi away", *distance)
	}
	if speed != nil && *speed > 0 {
		fmt.Fprintf(&b, " · %.0f mph", *speed)
	}
	return b.String()
}

func patientPopup(name string) string {
	if name == "" {
		return "Patient"
	}
	return "Patient: " + name
}
