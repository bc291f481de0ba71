package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetview/internal/domain"
)

// DefaultAlertCap is the number of alerts kept, most recent first.
const DefaultAlertCap = 50

// ErrNoSource is returned by LoadSnapshot when the store was built without a
// snapshot source (demo mode).
var ErrNoSource = errors.New("no snapshot source configured")

// Source tells observers where the current vehicle set came from.
type Source string

const (
	SourceNone  Source = ""
	SourceLive  Source = "live"
	SourceDemo  Source = "demo"
	SourceCache Source = "cache"
)

// SnapshotSource fetches the authoritative vehicle list.
type SnapshotSource interface {
	ListVehicles(ctx context.Context) ([]*domain.Vehicle, error)
}

// SnapshotCache persists the last good snapshot across restarts.
type SnapshotCache interface {
	SaveSnapshot(ctx context.Context, vehicles []*domain.Vehicle) error
	LoadSnapshot(ctx context.Context) ([]*domain.Vehicle, bool, error)
}

type ChangeKind int

const (
	ChangeSnapshot ChangeKind = iota
	ChangeLocation
	ChangeStatus
	ChangeSelection
	ChangeAlert
	ChangeLoading
	ChangeError
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSnapshot:
		return "snapshot"
	case ChangeLocation:
		return "location"
	case ChangeStatus:
		return "status"
	case ChangeSelection:
		return "selection"
	case ChangeAlert:
		return "alert"
	case ChangeLoading:
		return "loading"
	default:
		return "error"
	}
}

// Change describes one applied mutation.
type Change struct {
	Kind      ChangeKind
	VehicleID int64
	Category  domain.Category
	Point     domain.Point
	// Removed lists vehicles dropped by a snapshot replace.
	Removed []int64
}

// Listener observes store changes. Listeners run synchronously after each
// mutation, in registration order, and must not mutate the store.
type Listener func(Change)

// Status is the store's load state as seen by observers.
type Status struct {
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
	Source  Source `json:"source"`
	Count   int    `json:"count"`
}

type Options struct {
	FetchTimeout time.Duration
	AlertCap     int
	Cache        SnapshotCache
	Now          func() time.Time
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Store is the single owner of vehicle, selection and alert state.
type Store struct {
	// writeMu serializes mutations together with their notifications so
	// listeners observe changes in the order they were applied.
	writeMu sync.Mutex

	mu        sync.RWMutex
	vehicles  map[int64]*domain.Vehicle
	order     []int64
	selected  int64
	hasSelect bool
	alerts    []domain.Alert
	loading   bool
	errMsg    string
	source    Source
	loadSeq   uint64

	// mergeSeq counts push merges; mergedAt holds the value of mergeSeq
	// at each vehicle's latest merge.
	mergeSeq uint64
	mergedAt map[int64]uint64

	listenersMu sync.RWMutex
	listeners   []listenerEntry
	nextID      uint64

	fetcher      SnapshotSource
	cache        SnapshotCache
	fetchTimeout time.Duration
	alertCap     int
	now          func() time.Time
	logger       *slog.Logger
}

// New creates a store. fetcher may be nil, in which case only demo data can
// be loaded.
func New(fetcher SnapshotSource, opts Options, logger *slog.Logger) *Store {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.AlertCap <= 0 {
		opts.AlertCap = DefaultAlertCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		vehicles:     make(map[int64]*domain.Vehicle),
		mergedAt:     make(map[int64]uint64),
		fetcher:      fetcher,
		cache:        opts.Cache,
		fetchTimeout: opts.FetchTimeout,
		alertCap:     opts.AlertCap,
		now:          opts.Now,
		logger:       logger.With("component", "vehicle_store"),
	}
}

// Subscribe registers l and returns a func that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		for i, e := range s.listeners {
			if e.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// mutate applies fn under the state lock and then notifies listeners with
// the changes fn returned, all while holding writeMu.
func (s *Store) mutate(fn func() []Change) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	changes := fn()
	s.mu.Unlock()

	if len(changes) == 0 {
		return
	}

	s.listenersMu.RLock()
	listeners := append([]listenerEntry(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, c := range changes {
		for _, l := range listeners {
			s.notify(l.fn, c)
		}
	}
}

func (s *Store) notify(l Listener, c Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store listener panicked", "change", c.Kind.String(), "panic", r)
		}
	}()
	l(c)
}

// LoadSnapshot fetches the vehicle list and replaces the collection
// wholesale. On failure the previous vehicles are kept and the error is
// exposed through Status.
func (s *Store) LoadSnapshot(ctx context.Context) error {
	if s.fetcher == nil {
		return ErrNoSource
	}

	var seq, since uint64
	s.mutate(func() []Change {
		s.loadSeq++
		seq = s.loadSeq
		since = s.mergeSeq
		s.loading = true
		s.errMsg = ""
		return []Change{{Kind: ChangeLoading}}
	})

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	vehicles, err := s.fetcher.ListVehicles(fetchCtx)
	cancel()

	if err != nil {
		s.logger.Error("failed to load vehicles", "error", err)
		s.restoreFromCache(ctx, seq)
		s.mutate(func() []Change {
			if seq != s.loadSeq {
				return nil
			}
			s.loading = false
			s.errMsg = err.Error()
			return []Change{{Kind: ChangeError}}
		})
		return fmt.Errorf("loading vehicles: %w", err)
	}

	applied := false
	s.mutate(func() []Change {
		if seq != s.loadSeq {
			s.logger.Debug("discarding superseded snapshot", "seq", seq)
			return nil
		}
		applied = true
		s.loading = false
		return s.replaceLocked(vehicles, SourceLive, since)
	})

	if applied {
		s.logger.Info("vehicles loaded", "count", len(vehicles))
		if s.cache != nil {
			if err := s.cache.SaveSnapshot(ctx, vehicles); err != nil {
				s.logger.Warn("failed to cache snapshot", "error", err)
			}
		}
	}
	return nil
}

// restoreFromCache fills an empty store from the snapshot cache.
func (s *Store) restoreFromCache(ctx context.Context, seq uint64) bool {
	if s.cache == nil || s.Count() > 0 {
		return false
	}

	vehicles, ok, err := s.cache.LoadSnapshot(ctx)
	if err != nil {
		s.logger.Warn("failed to read cached snapshot", "error", err)
		return false
	}
	if !ok || len(vehicles) == 0 {
		return false
	}

	restored := false
	s.mutate(func() []Change {
		if seq != s.loadSeq || len(s.vehicles) > 0 {
			return nil
		}
		restored = true
		return s.replaceLocked(vehicles, SourceCache, s.mergeSeq)
	})
	if restored {
		s.logger.Warn("serving cached snapshot", "count", len(vehicles))
	}
	return restored
}

// UseDemo replaces the collection with the built-in demo fleet.
func (s *Store) UseDemo() {
	fleet := DemoFleet()
	s.mutate(func() []Change {
		s.loading = false
		s.errMsg = ""
		return s.replaceLocked(fleet, SourceDemo, s.mergeSeq)
	})
	s.logger.Warn("no access token, using demo fleet", "count", len(fleet))
}

// replaceLocked swaps in a new collection. Vehicles merged from the push
// channel after since keep their live position and status, since the
// snapshot was fetched before those merges.
func (s *Store) replaceLocked(vehicles []*domain.Vehicle, source Source, since uint64) []Change {
	next := make(map[int64]*domain.Vehicle, len(vehicles))
	order := make([]int64, 0, len(vehicles))
	for _, v := range vehicles {
		if v == nil {
			continue
		}
		if _, dup := next[v.ID]; !dup {
			order = append(order, v.ID)
		}
		fresh := v.Clone()
		if cur, ok := s.vehicles[v.ID]; ok && s.mergedAt[v.ID] > since {
			live := cur.Clone()
			fresh.Location = live.Location
			fresh.Status = live.Status
			fresh.Battery = live.Battery
			fresh.LastUpdate = live.LastUpdate
			s.logger.Debug("kept live state newer than snapshot", "vehicle_id", v.ID)
		}
		next[v.ID] = fresh
	}

	for id := range s.mergedAt {
		if _, ok := next[id]; !ok {
			delete(s.mergedAt, id)
		}
	}

	var removed []int64
	for _, id := range s.order {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}

	s.vehicles = next
	s.order = order
	s.source = source

	changes := []Change{{Kind: ChangeSnapshot, Removed: removed}}
	if s.hasSelect {
		if _, ok := next[s.selected]; !ok {
			s.hasSelect = false
			s.selected = 0
			changes = append(changes, Change{Kind: ChangeSelection})
		}
	}
	return changes
}

// MergeLocation applies a location event to a known vehicle. Unknown ids are
// dropped.
func (s *Store) MergeLocation(u domain.LocationUpdate) bool {
	applied := false
	s.mutate(func() []Change {
		v, ok := s.vehicles[u.VehicleID]
		if !ok {
			return nil
		}
		applied = true

		next := domain.Location{Lat: u.Latitude, Lng: u.Longitude}
		switch {
		case u.Speed != nil:
			next.Speed = *u.Speed
		case v.Location != nil:
			next.Speed = v.Location.Speed
		}
		switch {
		case u.Direction != nil:
			d := *u.Direction
			next.Direction = &d
		case v.Location != nil && v.Location.Direction != nil:
			d := *v.Location.Direction
			next.Direction = &d
		}

		updated := v.Clone()
		updated.Location = &next
		if u.Status != "" {
			updated.Status = u.Status
		}
		if !u.RecordedAt.IsZero() {
			updated.LastUpdate = u.RecordedAt
		} else {
			updated.LastUpdate = s.now()
		}
		s.vehicles[u.VehicleID] = updated
		s.markMergedLocked(u.VehicleID)

		return []Change{{
			Kind:      ChangeLocation,
			VehicleID: u.VehicleID,
			Category:  updated.Category(),
			Point:     next.Point(),
		}}
	})

	if !applied {
		s.logger.Debug("location update for unknown vehicle", "vehicle_id", u.VehicleID)
	}
	return applied
}

// MergeStatus applies a status/battery event to a known vehicle.
func (s *Store) MergeStatus(u domain.StatusUpdate) bool {
	applied := false
	s.mutate(func() []Change {
		v, ok := s.vehicles[u.VehicleID]
		if !ok {
			return nil
		}
		applied = true

		updated := v.Clone()
		if u.Status != "" {
			updated.Status = u.Status
		}
		if u.Battery != nil {
			b := *u.Battery
			updated.Battery = &b
		}
		s.vehicles[u.VehicleID] = updated
		s.markMergedLocked(u.VehicleID)

		return []Change{{Kind: ChangeStatus, VehicleID: u.VehicleID, Category: updated.Category()}}
	})

	if !applied {
		s.logger.Debug("status update for unknown vehicle", "vehicle_id", u.VehicleID)
	}
	return applied
}

func (s *Store) markMergedLocked(id int64) {
	s.mergeSeq++
	s.mergedAt[id] = s.mergeSeq
}

// UpsertNewEntity reloads the snapshot when a vehicle it does not know yet is
// announced. The push payload is partial, so it is never inserted directly.
func (s *Store) UpsertNewEntity(ctx context.Context, nv domain.NewVehicle) error {
	if _, ok := s.Get(nv.VehicleID); ok {
		s.logger.Debug("new vehicle already known", "vehicle_id", nv.VehicleID)
		return nil
	}
	s.logger.Info("new vehicle registered, reloading snapshot", "vehicle_id", nv.VehicleID, "name", nv.Name)
	return s.LoadSnapshot(ctx)
}

// Select makes id the single selected vehicle. Selecting an unknown id keeps
// the current selection.
func (s *Store) Select(id int64) bool {
	applied := false
	s.mutate(func() []Change {
		if _, ok := s.vehicles[id]; !ok {
			return nil
		}
		applied = true
		if s.hasSelect && s.selected == id {
			return nil
		}
		s.selected = id
		s.hasSelect = true
		return []Change{{Kind: ChangeSelection, VehicleID: id}}
	})
	return applied
}

// Deselect clears the selection.
func (s *Store) Deselect() {
	s.mutate(func() []Change {
		if !s.hasSelect {
			return nil
		}
		s.hasSelect = false
		s.selected = 0
		return []Change{{Kind: ChangeSelection}}
	})
}

// AppendAlert prepends a to the alert feed, dropping the oldest beyond the cap.
func (s *Store) AppendAlert(a domain.Alert) {
	s.mutate(func() []Change {
		next := make([]domain.Alert, 0, s.alertCap)
		next = append(next, a)
		next = append(next, s.alerts...)
		if len(next) > s.alertCap {
			next = next[:s.alertCap]
		}
		s.alerts = next
		return []Change{{Kind: ChangeAlert, VehicleID: a.VehicleID}}
	})
}

func (s *Store) Get(id int64) (*domain.Vehicle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// Vehicles returns copies of all vehicles in snapshot order.
func (s *Store) Vehicles() []*domain.Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Vehicle, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.vehicles[id].Clone())
	}
	return result
}

// Selected returns the current state of the selected vehicle.
func (s *Store) Selected() (*domain.Vehicle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasSelect {
		return nil, false
	}
	v, ok := s.vehicles[s.selected]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

func (s *Store) SelectedID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected, s.hasSelect
}

// Alerts returns the alert feed, most recent first.
func (s *Store) Alerts() []domain.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Alert(nil), s.alerts...)
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vehicles)
}

func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Loading: s.loading,
		Error:   s.errMsg,
		Source:  s.source,
		Count:   len(s.vehicles),
	}
}
