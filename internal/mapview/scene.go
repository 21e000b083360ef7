package mapview

import (
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/twpayne/go-polyline"

	"homehealth/services/staff-tracker/internal/tracking"
)

// Scene is an in-memory Backend that keeps the current map as GeoJSON
// features plus a camera, so it can be streamed to a browser map client.
// It is safe for concurrent use.
type Scene struct {
	mu       sync.RWMutex
	nextID   int
	attached map[string]sceneLayer
	order    []string
	camera   Camera
	version  uint64
}

type sceneLayer interface {
	Layer
	feature() *geojson.Feature
}

// Camera describes how the client should position its viewport.
type Camera struct {
	Mode      string         `json:"mode"`
	Center    *[2]float64    `json:"center,omitempty"`
	Zoom      int            `json:"zoom,omitempty"`
	Bounds    *[2][2]float64 `json:"bounds,omitempty"`
	Padding   float64        `json:"padding,omitempty"`
	PanMillis int64          `json:"pan_ms,omitempty"`
}

// Frame is a point-in-time copy of the scene.
type Frame struct {
	Version  uint64                     `json:"version"`
	Features *geojson.FeatureCollection `json:"features"`
	Camera   Camera                     `json:"camera"`
}

func NewScene() *Scene {
	return &Scene{attached: make(map[string]sceneLayer)}
}

func (s *Scene) id(kind string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return fmt.Sprintf("%s-%d", kind, s.nextID)
}

func (s *Scene) NewMarker(p tracking.LatLng, icon Icon) Marker {
	return &sceneMarker{scene: s, id: s.id("marker"), pos: p, icon: icon}
}

func (s *Scene) NewPolyline(points []tracking.LatLng, style LineStyle) Polyline {
	return &sceneLine{scene: s, id: s.id("line"), points: clonePoints(points), style: style}
}

func (s *Scene) AddLayer(l Layer) error {
	sl, ok := l.(sceneLayer)
	if !ok {
		return fmt.Errorf("layer %s was not created by this scene", l.LayerID())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attached[sl.LayerID()]; !exists {
		s.attached[sl.LayerID()] = sl
		s.order = append(s.order, sl.LayerID())
		s.version++
	}
	return nil
}

func (s *Scene) HasLayer(l Layer) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.attached[l.LayerID()]
	return ok
}

func (s *Scene) RemoveLayer(l Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := l.LayerID()
	if _, ok := s.attached[id]; !ok {
		return
	}
	delete(s.attached, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.version++
}

func (s *Scene) Center() (tracking.LatLng, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.camera.Center == nil {
		return tracking.LatLng{}, false
	}
	return tracking.LatLng{Lat: s.camera.Center[1], Lng: s.camera.Center[0]}, true
}

func (s *Scene) SetView(center tracking.LatLng, zoom int) {
	s.setCamera(Camera{Mode: "view", Center: lngLat(center), Zoom: zoom})
}

func (s *Scene) FitBounds(b Bounds, padding float64) {
	bound := orb.MultiPoint{toPoint(b.SouthWest), toPoint(b.NorthEast)}.Bound()
	c := bound.Center()
	s.setCamera(Camera{
		Mode:    "fit",
		Center:  &[2]float64{c[0], c[1]},
		Bounds:  &[2][2]float64{{bound.Min[0], bound.Min[1]}, {bound.Max[0], bound.Max[1]}},
		Padding: padding,
	})
}

func (s *Scene) PanTo(p tracking.LatLng, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera = Camera{Mode: "pan", Center: lngLat(p), Zoom: s.camera.Zoom, PanMillis: d.Milliseconds()}
	s.version++
}

func (s *Scene) setCamera(c Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera = c
	s.version++
}

// Snapshot renders the attached layers in insertion order.
func (s *Scene) Snapshot() Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fc := geojson.NewFeatureCollection()
	for _, id := range s.order {
		fc.Append(s.attached[id].feature())
	}
	return Frame{Version: s.version, Features: fc, Camera: s.camera}
}

func (s *Scene) touch(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	s.version++
}

type sceneMarker struct {
	scene *Scene
	id    string
	pos   tracking.LatLng
	icon  Icon
	popup string
}

func (m *sceneMarker) LayerID() string { return m.id }

func (m *sceneMarker) LatLng() tracking.LatLng {
	m.scene.mu.RLock()
	defer m.scene.mu.RUnlock()
	return m.pos
}

func (m *sceneMarker) SetLatLng(p tracking.LatLng) { m.scene.touch(func() { m.pos = p }) }
func (m *sceneMarker) SetIcon(icon Icon)           { m.scene.touch(func() { m.icon = icon }) }
func (m *sceneMarker) SetPopup(content string)     { m.scene.touch(func() { m.popup = content }) }

func (m *sceneMarker) feature() *geojson.Feature {
	f := geojson.NewFeature(toPoint(m.pos))
	f.ID = m.id
	f.Properties["layer"] = "marker"
	f.Properties["role"] = m.icon.Role
	f.Properties["color"] = m.icon.Color
	f.Properties["pulse"] = m.icon.Pulse
	f.Properties["popup"] = m.popup
	return f
}

type sceneLine struct {
	scene  *Scene
	id     string
	points []tracking.LatLng
	style  LineStyle
}

func (l *sceneLine) LayerID() string { return l.id }

func (l *sceneLine) SetLatLngs(points []tracking.LatLng) {
	cp := clonePoints(points)
	l.scene.touch(func() { l.points = cp })
}

func (l *sceneLine) SetStyle(style LineStyle) { l.scene.touch(func() { l.style = style }) }

func (l *sceneLine) feature() *geojson.Feature {
	ls := make(orb.LineString, 0, len(l.points))
	coords := make([][]float64, 0, len(l.points))
	for _, p := range l.points {
		ls = append(ls, toPoint(p))
		coords = append(coords, []float64{p.Lat, p.Lng})
	}
	f := geojson.NewFeature(ls)
	f.ID = l.id
	f.Properties["layer"] = "polyline"
	f.Properties["color"] = l.style.Color
	f.Properties["dashed"] = l.style.Dashed
	f.Properties["weight"] = l.style.Weight
	f.Properties["encoded"] = string(polyline.EncodeCoords(coords))
	return f
}

func toPoint(p tracking.LatLng) orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

func lngLat(p tracking.LatLng) *[2]float64 {
	return &[2]float64{p.Lng, p.Lat}
}

func clonePoints(points []tracking.LatLng) []tracking.LatLng {
	out := make([]tracking.LatLng, len(points))
	copy(out, points)
	return out
}
