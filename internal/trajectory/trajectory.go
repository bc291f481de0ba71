package trajectory

import (
	"log/slog"
	"sort"
	"sync"

	"fleetview/internal/domain"
	"fleetview/internal/store"
)

const (
	MaxPedestrianPoints = 200
	MaxDefaultPoints    = 150
)

// MaxPoints is the retention bound for a category.
func MaxPoints(c domain.Category) int {
	if c == domain.CategoryPedestrian {
		return MaxPedestrianPoints
	}
	return MaxDefaultPoints
}

type path struct {
	category domain.Category
	points   []domain.Point
}

// Accumulator keeps a bounded, arrival-ordered path per vehicle for the
// current session.
type Accumulator struct {
	mu     sync.RWMutex
	paths  map[int64]*path
	logger *slog.Logger
}

func New(logger *slog.Logger) *Accumulator {
	return &Accumulator{
		paths:  make(map[int64]*path),
		logger: logger.With("component", "trajectory"),
	}
}

// OnLocation appends p to the vehicle's path, creating it on first use and
// dropping the oldest points beyond the category bound.
func (a *Accumulator) OnLocation(id int64, p domain.Point, category domain.Category) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tr, ok := a.paths[id]
	if !ok {
		tr = &path{points: make([]domain.Point, 0, 16)}
		a.paths[id] = tr
	}
	tr.category = category
	tr.points = append(tr.points, p)

	if limit := MaxPoints(category); len(tr.points) > limit {
		n := copy(tr.points, tr.points[len(tr.points)-limit:])
		tr.points = tr.points[:n]
	}
}

// Points returns a copy of the vehicle's path, oldest first.
func (a *Accumulator) Points(id int64) []domain.Point {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tr, ok := a.paths[id]
	if !ok {
		return nil
	}
	return append([]domain.Point(nil), tr.points...)
}

func (a *Accumulator) Len(id int64) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if tr, ok := a.paths[id]; ok {
		return len(tr.points)
	}
	return 0
}

// IDs returns the vehicles that currently have a path, in ascending order.
func (a *Accumulator) IDs() []int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]int64, 0, len(a.paths))
	for id := range a.paths {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clear discards one vehicle's path.
func (a *Accumulator) Clear(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.paths, id)
}

// Reset discards every path.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = make(map[int64]*path)
}

// Observable is the part of the vehicle store the accumulator listens to.
type Observable interface {
	Subscribe(l store.Listener) func()
}

// Bind feeds location merges from s into the accumulator and drops the
// paths of vehicles removed by a snapshot reload. The returned func stops it.
func (a *Accumulator) Bind(s Observable) func() {
	return s.Subscribe(func(c store.Change) {
		switch c.Kind {
		case store.ChangeLocation:
			a.OnLocation(c.VehicleID, c.Point, c.Category)
		case store.ChangeSnapshot:
			for _, id := range c.Removed {
				a.Clear(id)
				a.logger.Debug("trajectory discarded", "vehicle_id", id)
			}
		}
	})
}
