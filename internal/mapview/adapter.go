package mapview

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetview/internal/domain"
	"fleetview/internal/store"
	"fleetview/internal/trajectory"
)

var (
	ErrNotReady = errors.New("map not ready")
	ErrDisposed = errors.New("map disposed")
)

type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "disposed"
	}
}

// VehicleSource is the view of the vehicle store the adapter needs.
type VehicleSource interface {
	Vehicles() []*domain.Vehicle
	Get(id int64) (*domain.Vehicle, bool)
	SelectedID() (int64, bool)
	Select(id int64) bool
	Subscribe(l store.Listener) func()
}

// TrajectorySource is the view of the trajectory accumulator the adapter needs.
type TrajectorySource interface {
	Points(id int64) []domain.Point
	Reset()
}

type Options struct {
	Center        domain.Point
	Zoom          float64
	FocusZoom     float64
	FocusDuration time.Duration
	// SettleDelay suppresses new focus requests after one starts.
	SettleDelay time.Duration
	FitPadding  int
	Theme       Theme
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Zoom == 0 {
		o.Zoom = 12
	}
	if o.FocusZoom == 0 {
		o.FocusZoom = 16
	}
	if o.FocusDuration == 0 {
		o.FocusDuration = 1500 * time.Millisecond
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = time.Second
	}
	if o.FitPadding == 0 {
		o.FitPadding = 50
	}
	if o.Theme == "" {
		o.Theme = ThemeDark
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Adapter keeps a Widget in step with the vehicle store and trajectories.
type Adapter struct {
	mu     sync.Mutex
	state  State
	widget Widget
	opts   Options
	theme  Theme

	vehicles VehicleSource
	paths    TrajectorySource

	markers    map[int64]struct{}
	polylines  map[int64]struct{}
	focusUntil time.Time
	stop       func()

	logger *slog.Logger
}

func New(widget Widget, vehicles VehicleSource, paths TrajectorySource, opts Options, logger *slog.Logger) *Adapter {
	opts = opts.withDefaults()
	return &Adapter{
		widget:    widget,
		opts:      opts,
		theme:     opts.Theme,
		vehicles:  vehicles,
		paths:     paths,
		markers:   make(map[int64]struct{}),
		polylines: make(map[int64]struct{}),
		logger:    logger.With("component", "map_adapter"),
	}
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Init creates the map and starts following the store. Calling it again on a
// ready map does nothing.
func (a *Adapter) Init() error {
	a.mu.Lock()
	switch a.state {
	case StateReady, StateInitializing:
		a.mu.Unlock()
		return nil
	case StateDisposed:
		a.mu.Unlock()
		return ErrDisposed
	}
	a.state = StateInitializing

	if err := a.widget.Init(a.opts.Center, a.opts.Zoom); err != nil {
		a.state = StateUninitialized
		a.mu.Unlock()
		return fmt.Errorf("initializing map: %w", err)
	}
	if err := a.widget.SetBaseLayer(a.theme); err != nil {
		a.logger.Warn("failed to set base layer", "theme", a.theme, "error", err)
	}
	a.state = StateReady
	a.mu.Unlock()

	// Subscribing outside the lock: the store may already be notifying.
	stop := a.vehicles.Subscribe(a.onChange)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateDisposed {
		stop()
		return ErrDisposed
	}
	a.stop = stop
	a.syncLocked()
	a.logger.Info("map initialized", "lat", a.opts.Center.Lat, "lng", a.opts.Center.Lng, "zoom", a.opts.Zoom, "theme", a.theme)
	return nil
}

func (a *Adapter) onChange(c store.Change) {
	switch c.Kind {
	case store.ChangeSnapshot, store.ChangeLocation, store.ChangeStatus, store.ChangeSelection:
		a.Sync()
	}
}

// Sync reconciles every marker and trajectory polyline with the current
// store state.
func (a *Adapter) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return err
	}
	a.syncLocked()
	return nil
}

func (a *Adapter) syncLocked() {
	vehicles := a.vehicles.Vehicles()
	selectedID, hasSelection := a.vehicles.SelectedID()

	seenMarkers := make(map[int64]struct{}, len(vehicles))
	seenLines := make(map[int64]struct{}, len(vehicles))

	for _, v := range vehicles {
		selected := hasSelection && v.ID == selectedID

		if v.Location != nil {
			if err := a.widget.UpsertMarker(markerFor(v, selected)); err != nil {
				a.logger.Warn("failed to draw marker", "vehicle_id", v.ID, "error", err)
			} else {
				seenMarkers[v.ID] = struct{}{}
			}
		}

		points := a.paths.Points(v.ID)
		if len(points) < 2 {
			continue
		}
		line := Polyline{
			VehicleID: v.ID,
			Points:    points,
			Style:     trajectory.StyleFor(v.Status, selected, v.Category()),
		}
		if err := a.widget.UpsertPolyline(line); err != nil {
			a.logger.Warn("failed to draw trajectory", "vehicle_id", v.ID, "error", err)
		} else {
			seenLines[v.ID] = struct{}{}
		}
	}

	for id := range a.markers {
		if _, ok := seenMarkers[id]; ok {
			continue
		}
		if err := a.widget.RemoveMarker(id); err != nil {
			a.logger.Warn("failed to remove marker", "vehicle_id", id, "error", err)
		}
	}
	for id := range a.polylines {
		if _, ok := seenLines[id]; ok {
			continue
		}
		if err := a.widget.RemovePolyline(id); err != nil {
			a.logger.Warn("failed to remove trajectory", "vehicle_id", id, "error", err)
		}
	}

	a.markers = seenMarkers
	a.polylines = seenLines
}

// HandleMarkerClick selects the vehicle and focuses the camera on it.
func (a *Adapter) HandleMarkerClick(id int64) (bool, error) {
	if err := a.ready(); err != nil {
		return false, err
	}
	if !a.vehicles.Select(id) {
		a.logger.Debug("click on unknown vehicle", "vehicle_id", id)
		return false, nil
	}
	return a.FocusOn(id)
}

// FocusOn flies the camera to the vehicle. It reports false when the request
// was suppressed by a focus still settling, when the vehicle has no position,
// or when the widget failed.
func (a *Adapter) FocusOn(id int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return false, err
	}

	now := a.opts.Now()
	if now.Before(a.focusUntil) {
		a.logger.Debug("focus suppressed while settling", "vehicle_id", id)
		return false, nil
	}

	v, ok := a.vehicles.Get(id)
	if !ok || v.Location == nil {
		return false, nil
	}

	if err := a.widget.FlyTo(v.Location.Point(), a.opts.FocusZoom, a.opts.FocusDuration); err != nil {
		a.logger.Warn("focus failed", "vehicle_id", id, "error", err)
		return false, nil
	}
	a.focusUntil = now.Add(a.opts.SettleDelay)
	return true, nil
}

// FocusAll fits the camera to every positioned vehicle in one call. A single
// vehicle is focused directly instead.
func (a *Adapter) FocusAll() (bool, error) {
	a.mu.Lock()
	if err := a.readyLocked(); err != nil {
		a.mu.Unlock()
		return false, err
	}

	var points []domain.Point
	var lastID int64
	for _, v := range a.vehicles.Vehicles() {
		if v.Location == nil {
			continue
		}
		points = append(points, v.Location.Point())
		lastID = v.ID
	}

	if len(points) == 1 {
		a.mu.Unlock()
		return a.FocusOn(lastID)
	}
	defer a.mu.Unlock()

	bounds, ok := domain.BoundsOf(points)
	if !ok {
		return false, nil
	}

	if bounds.IsPoint() {
		err := a.widget.FlyTo(bounds.Center(), a.opts.FocusZoom, a.opts.FocusDuration)
		if err != nil {
			a.logger.Warn("focus failed", "error", err)
			return false, nil
		}
	} else if err := a.widget.FitBounds(bounds, a.opts.FitPadding); err != nil {
		a.logger.Warn("fit bounds failed", "vehicles", len(points), "error", err)
		return false, nil
	}
	a.focusUntil = a.opts.Now().Add(a.opts.SettleDelay)
	return true, nil
}

// ToggleTheme swaps the base layer between light and dark.
func (a *Adapter) ToggleTheme() (Theme, error) {
	a.mu.Lock()
	next := a.theme.Toggle()
	a.mu.Unlock()
	return next, a.SetTheme(next)
}

func (a *Adapter) SetTheme(t Theme) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return err
	}
	if t == a.theme {
		return nil
	}
	if err := a.widget.SetBaseLayer(t); err != nil {
		a.logger.Warn("failed to switch base layer", "theme", t, "error", err)
		return fmt.Errorf("switching base layer: %w", err)
	}
	a.theme = t
	return nil
}

func (a *Adapter) Theme() Theme {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.theme
}

// Dispose removes every primitive, drops the trajectories and releases the
// widget. Only the first call has any effect.
func (a *Adapter) Dispose() error {
	a.mu.Lock()
	prev := a.state
	if prev == StateDisposed {
		a.mu.Unlock()
		return nil
	}
	a.state = StateDisposed
	stop := a.stop
	a.stop = nil
	a.mu.Unlock()

	if stop != nil {
		stop()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev != StateReady {
		return nil
	}

	for id := range a.markers {
		if err := a.widget.RemoveMarker(id); err != nil {
			a.logger.Warn("failed to remove marker", "vehicle_id", id, "error", err)
		}
	}
	for id := range a.polylines {
		if err := a.widget.RemovePolyline(id); err != nil {
			a.logger.Warn("failed to remove trajectory", "vehicle_id", id, "error", err)
		}
	}
	a.markers = make(map[int64]struct{})
	a.polylines = make(map[int64]struct{})
	a.paths.Reset()

	if err := a.widget.Dispose(); err != nil {
		return fmt.Errorf("disposing map: %w", err)
	}
	a.logger.Info("map disposed")
	return nil
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readyLocked()
}

func (a *Adapter) readyLocked() error {
	switch a.state {
	case StateReady:
		return nil
	case StateDisposed:
		return ErrDisposed
	default:
		return ErrNotReady
	}
}
