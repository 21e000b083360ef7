package mapview

import (
	"time"

	"homehealth/services/staff-tracker/internal/tracking"
)

const (
	ColorGreen  = "#16a34a"
	ColorBlue   = "#2563eb"
	ColorOrange = "#ea580c"
	ColorPurple = "#9333ea"
	ColorGray   = "#6b7280"
)

const (
	RoleStaff   = "staff"
	RolePatient = "patient"
)

type Icon struct {
	Role  string `json:"role"`
	Color string `json:"color"`
	Pulse bool   `json:"pulse"`
}

type LineStyle struct {
	Color  string `json:"color"`
	Dashed bool   `json:"dashed"`
	Weight int    `json:"weight"`
}

type Bounds struct {
	SouthWest tracking.LatLng
	NorthEast tracking.LatLng
}

type Layer interface {
	LayerID() string
}

type Marker interface {
	Layer
	LatLng() tracking.LatLng
	SetLatLng(p tracking.LatLng)
	SetIcon(icon Icon)
	SetPopup(content string)
}

type Polyline interface {
	Layer
	SetLatLngs(points []tracking.LatLng)
	SetStyle(style LineStyle)
}

// Backend is the mapping library seen through the operations the renderer
// needs. Layers created by a backend are detached until AddLayer.
type Backend interface {
	NewMarker(p tracking.LatLng, icon Icon) Marker
	NewPolyline(points []tracking.LatLng, style LineStyle) Polyline
	AddLayer(l Layer) error
	HasLayer(l Layer) bool
	RemoveLayer(l Layer)

	Center() (tracking.LatLng, bool)
	SetView(center tracking.LatLng, zoom int)
	FitBounds(b Bounds, padding float64)
	PanTo(p tracking.LatLng, duration time.Duration)
}

// StaffIcon returns the marker icon for a staff status.
func StaffIcon(s tracking.Status) Icon {
	switch s {
	case tracking.StatusDriving:
		return Icon{Role: RoleStaff, Color: ColorGreen, Pulse: true}
	case tracking.StatusEnRoute:
		return Icon{Role: RoleStaff, Color: ColorBlue, Pulse: true}
	case tracking.StatusIdle:
		return Icon{Role: RoleStaff, Color: ColorOrange}
	case tracking.StatusOnVisit:
		return Icon{Role: RoleStaff, Color: ColorPurple}
	default:
		return Icon{Role: RoleStaff, Color: ColorGray}
	}
}

func PatientIcon() Icon {
	return Icon{Role: RolePatient, Color: ColorGreen}
}

func routeColor(s tracking.Status) string {
	if s == tracking.StatusDriving {
		return ColorGreen
	}
	return ColorBlue
}
