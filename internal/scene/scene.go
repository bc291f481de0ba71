package scene

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"fleetview/internal/domain"
	"fleetview/internal/hub"
	"fleetview/internal/mapview"
)

var (
	errNotInitialized = errors.New("scene not initialized")
	errAlreadyInit    = errors.New("scene already initialized")
	errDisposed       = errors.New("scene disposed")
)

// Publisher receives scene deltas for delivery to map clients.
type Publisher interface {
	Broadcast(deltas []hub.Delta)
}

// Camera is the current viewport request. Exactly one of Center or Bounds
// is meaningful, depending on how the camera was last moved.
type Camera struct {
	Center     domain.Point        `json:"center"`
	Zoom       float64             `json:"zoom"`
	Bounds     *domain.BoundingBox `json:"bounds,omitempty"`
	Padding    int                 `json:"padding,omitempty"`
	DurationMS int64               `json:"durationMs,omitempty"`
}

type placedMarker struct {
	marker mapview.Marker
	tileID string
	data   []byte
}

type placedPolyline struct {
	line mapview.Polyline
	data []byte
}

// Scene is an in-memory map. It keeps the primitives the adapter draws and
// publishes every change as a delta keyed by the marker's tile.
type Scene struct {
	mu          sync.RWMutex
	initialized bool
	disposed    bool
	camera      Camera
	theme       mapview.Theme
	markers     map[int64]*placedMarker
	polylines   map[int64]*placedPolyline
	tileZoom    int

	pub    Publisher
	logger *slog.Logger
}

func New(pub Publisher, tileZoom int, logger *slog.Logger) *Scene {
	return &Scene{
		markers:   make(map[int64]*placedMarker),
		polylines: make(map[int64]*placedPolyline),
		tileZoom:  tileZoom,
		pub:       pub,
		logger:    logger.With("component", "scene"),
	}
}

func key(id int64) string {
	return strconv.FormatInt(id, 10)
}

func validPoint(p domain.Point) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func (s *Scene) usableLocked() error {
	switch {
	case s.disposed:
		return errDisposed
	case !s.initialized:
		return errNotInitialized
	}
	return nil
}

func (s *Scene) Init(center domain.Point, zoom float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return errDisposed
	}
	if s.initialized {
		return errAlreadyInit
	}
	if !validPoint(center) {
		return fmt.Errorf("invalid center %v,%v", center.Lat, center.Lng)
	}
	s.initialized = true
	s.camera = Camera{Center: center, Zoom: zoom}
	s.publishLocked(s.cameraDeltaLocked())
	return nil
}

func (s *Scene) SetBaseLayer(theme mapview.Theme) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	s.theme = theme
	s.publishLocked(s.themeDeltaLocked())
	return nil
}

func (s *Scene) UpsertMarker(m mapview.Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if !validPoint(m.Position) {
		return fmt.Errorf("marker %d: invalid position %v,%v", m.VehicleID, m.Position.Lat, m.Position.Lng)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding marker: %w", err)
	}
	tileID := hub.TileID(m.Position, s.tileZoom)

	prev, ok := s.markers[m.VehicleID]
	if ok && prev.tileID == tileID && bytes.Equal(prev.data, data) {
		return nil
	}

	var deltas []hub.Delta
	if ok && prev.tileID != tileID {
		deltas = append(deltas, hub.Delta{Kind: hub.DeltaMarkerRemove, Key: key(m.VehicleID), TileID: prev.tileID})
	}
	deltas = append(deltas, hub.Delta{Kind: hub.DeltaMarker, Key: key(m.VehicleID), TileID: tileID, Data: data})

	s.markers[m.VehicleID] = &placedMarker{marker: m, tileID: tileID, data: data}
	s.publishLocked(deltas...)
	return nil
}

func (s *Scene) RemoveMarker(vehicleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	prev, ok := s.markers[vehicleID]
	if !ok {
		return nil
	}
	delete(s.markers, vehicleID)
	s.publishLocked(hub.Delta{Kind: hub.DeltaMarkerRemove, Key: key(vehicleID), TileID: prev.tileID})
	return nil
}

func (s *Scene) UpsertPolyline(p mapview.Polyline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding polyline: %w", err)
	}
	if prev, ok := s.polylines[p.VehicleID]; ok && bytes.Equal(prev.data, data) {
		return nil
	}

	s.polylines[p.VehicleID] = &placedPolyline{line: p, data: data}
	s.publishLocked(hub.Delta{Kind: hub.DeltaPolyline, Key: key(p.VehicleID), Data: data})
	return nil
}

func (s *Scene) RemovePolyline(vehicleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if _, ok := s.polylines[vehicleID]; !ok {
		return nil
	}
	delete(s.polylines, vehicleID)
	s.publishLocked(hub.Delta{Kind: hub.DeltaPolylineRemove, Key: key(vehicleID)})
	return nil
}

func (s *Scene) FlyTo(center domain.Point, zoom float64, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if !validPoint(center) {
		return fmt.Errorf("invalid center %v,%v", center.Lat, center.Lng)
	}
	s.camera = Camera{Center: center, Zoom: zoom, DurationMS: duration.Milliseconds()}
	s.publishLocked(s.cameraDeltaLocked())
	return nil
}

func (s *Scene) FitBounds(bounds domain.BoundingBox, padding int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if bounds.MinLat > bounds.MaxLat || bounds.MinLng > bounds.MaxLng ||
		!validPoint(domain.Point{Lat: bounds.MinLat, Lng: bounds.MinLng}) ||
		!validPoint(domain.Point{Lat: bounds.MaxLat, Lng: bounds.MaxLng}) {
		return fmt.Errorf("invalid bounds %+v", bounds)
	}
	bb := bounds
	s.camera = Camera{Center: bounds.Center(), Zoom: s.camera.Zoom, Bounds: &bb, Padding: padding}
	s.publishLocked(s.cameraDeltaLocked())
	return nil
}

func (s *Scene) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return errDisposed
	}
	s.disposed = true
	s.markers = make(map[int64]*placedMarker)
	s.polylines = make(map[int64]*placedPolyline)
	s.publishLocked(hub.Delta{Kind: hub.DeltaReset})
	return nil
}

func (s *Scene) cameraDeltaLocked() hub.Delta {
	data, _ := json.Marshal(s.camera)
	return hub.Delta{Kind: hub.DeltaCamera, Data: data}
}

func (s *Scene) themeDeltaLocked() hub.Delta {
	data, _ := json.Marshal(map[string]mapview.Theme{"theme": s.theme})
	return hub.Delta{Kind: hub.DeltaTheme, Data: data}
}

func (s *Scene) publishLocked(deltas ...hub.Delta) {
	if s.pub == nil || len(deltas) == 0 {
		return
	}
	s.pub.Broadcast(deltas)
}

// SnapshotForTiles returns the deltas a client needs to draw the given
// tiles from scratch: camera, theme, every trajectory and the markers
// inside those tiles.
func (s *Scene) SnapshotForTiles(tileIDs []string) []hub.Delta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized || s.disposed {
		return nil
	}

	wanted := make(map[string]struct{}, len(tileIDs))
	for _, id := range tileIDs {
		wanted[id] = struct{}{}
	}

	deltas := []hub.Delta{s.cameraDeltaLocked(), s.themeDeltaLocked()}
	for _, id := range sortedKeys(s.polylines) {
		deltas = append(deltas, hub.Delta{Kind: hub.DeltaPolyline, Key: key(id), Data: s.polylines[id].data})
	}
	for _, id := range sortedKeys(s.markers) {
		m := s.markers[id]
		if _, ok := wanted[m.tileID]; !ok {
			continue
		}
		deltas = append(deltas, hub.Delta{Kind: hub.DeltaMarker, Key: key(id), TileID: m.tileID, Data: m.data})
	}
	return deltas
}

// View is the full scene, for clients that poll instead of subscribing.
type View struct {
	Camera    Camera             `json:"camera"`
	Theme     mapview.Theme      `json:"theme"`
	Markers   []mapview.Marker   `json:"markers"`
	Polylines []mapview.Polyline `json:"polylines"`
}

func (s *Scene) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		Camera:    s.camera,
		Theme:     s.theme,
		Markers:   make([]mapview.Marker, 0, len(s.markers)),
		Polylines: make([]mapview.Polyline, 0, len(s.polylines)),
	}
	for _, id := range sortedKeys(s.markers) {
		v.Markers = append(v.Markers, s.markers[id].marker)
	}
	for _, id := range sortedKeys(s.polylines) {
		v.Polylines = append(v.Polylines, s.polylines[id].line)
	}
	return v
}

func sortedKeys[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
