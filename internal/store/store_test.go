package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fleetview/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSource struct {
	mu       sync.Mutex
	vehicles []*domain.Vehicle
	err      error
	calls    int
}

func (f *fakeSource) ListVehicles(ctx context.Context) ([]*domain.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*domain.Vehicle, len(f.vehicles))
	for i, v := range f.vehicles {
		out[i] = v.Clone()
	}
	return out, nil
}

func (f *fakeSource) set(vehicles []*domain.Vehicle, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vehicles, f.err = vehicles, err
}

func ptr[T any](v T) *T { return &v }

func vehicle(id int64, typ string) *domain.Vehicle {
	return &domain.Vehicle{
		ID:     id,
		Name:   fmt.Sprintf("vehicle-%d", id),
		Type:   typ,
		Status: domain.StatusOnline,
		Location: &domain.Location{
			Lat: 41.3, Lng: 69.2, Speed: 10,
		},
	}
}

func loadedStore(t *testing.T, vehicles ...*domain.Vehicle) *Store {
	t.Helper()
	s := New(&fakeSource{vehicles: vehicles}, Options{}, testLogger())
	if err := s.LoadSnapshot(context.Background()); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	return s
}

func TestMergeLocationCarriesOverAbsentFields(t *testing.T) {
	s := loadedStore(t, vehicle(1, "car"))

	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s.MergeLocation(domain.LocationUpdate{
		VehicleID: 1, Latitude: 41.31, Longitude: 69.28,
		Speed: ptr(55.0), Direction: ptr(90.0), Status: domain.StatusIdle, RecordedAt: t0,
	})
	s.MergeLocation(domain.LocationUpdate{VehicleID: 1, Latitude: 41.32, Longitude: 69.29})

	v, _ := s.Get(1)
	if v.Location.Lat != 41.32 || v.Location.Lng != 69.29 {
		t.Errorf("position = %v,%v, want the latest", v.Location.Lat, v.Location.Lng)
	}
	if v.Location.Speed != 55 {
		t.Errorf("speed = %v, want carried over 55", v.Location.Speed)
	}
	if v.Location.Direction == nil || *v.Location.Direction != 90 {
		t.Errorf("direction = %v, want carried over 90", v.Location.Direction)
	}
	if v.Status != domain.StatusIdle {
		t.Errorf("status = %q, want idle", v.Status)
	}
	if !v.LastUpdate.After(t0) {
		t.Errorf("absent timestamp should default to now, got %v", v.LastUpdate)
	}
}

func TestMergeLocationSequence(t *testing.T) {
	s := loadedStore(t, vehicle(1, "car"))

	updates := []domain.LocationUpdate{
		{VehicleID: 1, Latitude: 1, Longitude: 1, Speed: ptr(10.0), Status: domain.StatusOnline},
		{VehicleID: 1, Latitude: 2, Longitude: 2, Speed: ptr(20.0)},
		{VehicleID: 1, Latitude: 3, Longitude: 3, Status: domain.StatusOffline},
		{VehicleID: 1, Latitude: 4, Longitude: 4, Speed: ptr(0.0)},
	}
	want := []struct {
		speed  float64
		status domain.Status
	}{
		{10, domain.StatusOnline},
		{20, domain.StatusOnline},
		{20, domain.StatusOffline},
		{0, domain.StatusOffline},
	}

	for i, u := range updates {
		if !s.MergeLocation(u) {
			t.Fatalf("update %d not applied", i)
		}
		v, _ := s.Get(1)
		if v.Location.Lat != u.Latitude || v.Location.Lng != u.Longitude {
			t.Errorf("update %d: position %v,%v", i, v.Location.Lat, v.Location.Lng)
		}
		if v.Location.Speed != want[i].speed || v.Status != want[i].status {
			t.Errorf("update %d: speed=%v status=%q, want %v %q", i, v.Location.Speed, v.Status, want[i].speed, want[i].status)
		}
	}
}

func TestMergeLocationWithoutPriorLocationDefaultsSpeed(t *testing.T) {
	v := vehicle(1, "car")
	v.Location = nil
	s := loadedStore(t, v)

	s.MergeLocation(domain.LocationUpdate{VehicleID: 1, Latitude: 41, Longitude: 69})

	got, _ := s.Get(1)
	if got.Location == nil || got.Location.Speed != 0 || got.Location.Direction != nil {
		t.Errorf("unexpected location %+v", got.Location)
	}
}

func TestUnknownIDIsNoop(t *testing.T) {
	s := loadedStore(t, vehicle(1, "car"), vehicle(2, "truck"))
	before := s.Vehicles()

	var notified int
	s.Subscribe(func(Change) { notified++ })

	if s.MergeLocation(domain.LocationUpdate{VehicleID: 99, Latitude: 1, Longitude: 1}) {
		t.Error("MergeLocation on unknown id reported applied")
	}
	if s.MergeStatus(domain.StatusUpdate{VehicleID: 99, Status: domain.StatusOffline}) {
		t.Error("MergeStatus on unknown id reported applied")
	}

	after := s.Vehicles()
	if len(after) != len(before) {
		t.Fatalf("size changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID || *before[i].Location != *after[i].Location || before[i].Status != after[i].Status {
			t.Errorf("vehicle %d changed", before[i].ID)
		}
	}
	if notified != 0 {
		t.Errorf("listeners notified %d times", notified)
	}
}

func TestMergeStatus(t *testing.T) {
	s := loadedStore(t, vehicle(1, "car"))

	s.MergeStatus(domain.StatusUpdate{VehicleID: 1, Status: domain.StatusIdle, Battery: ptr(40)})
	s.MergeStatus(domain.StatusUpdate{VehicleID: 1, Status: domain.StatusOffline})

	v, _ := s.Get(1)
	if v.Status != domain.StatusOffline {
		t.Errorf("status = %q", v.Status)
	}
	if v.Battery == nil || *v.Battery != 40 {
		t.Errorf("battery = %v, want 40 carried over", v.Battery)
	}
	if v.Location.Speed != 10 {
		t.Error("status merge must not touch location")
	}
}

func TestSelectionExclusivity(t *testing.T) {
	s := loadedStore(t, vehicle(1, "car"), vehicle(2, "car"))

	if !s.Select(1) {
		t.Fatal("select 1 failed")
	}
	if !s.Select(2) {
		t.Fatal("select 2 failed")
	}
	if id, ok := s.SelectedID(); !ok || id != 2 {
		t.Errorf("selected = %d,%v, want 2", id, ok)
	}

	if s.Select(42) {
		t.Error("selecting an unknown id should fail")
	}
	if id, _ := s.SelectedID(); id != 2 {
		t.Errorf("selection changed to %d after unknown select", id)
	}

	s.Deselect()
	if _, ok := s.Selected(); ok {
		t.Error("expected no selection after Deselect")
	}
}

func TestSelectionClearedWhenVehicleRemoved(t *testing.T) {
	src := &fakeSource{vehicles: []*domain.Vehicle{vehicle(1, "car"), vehicle(2, "car")}}
	s := New(src, Options{}, testLogger())
	s.LoadSnapshot(context.Background())
	s.Select(2)

	var changes []Change
	s.Subscribe(func(c Change) { changes = append(changes, c) })

	src.set([]*domain.Vehicle{vehicle(1, "car")}, nil)
	if err := s.LoadSnapshot(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.SelectedID(); ok {
		t.Error("selection should be cleared when its vehicle disappears")
	}

	var snap *Change
	var sawSelection bool
	for i := range changes {
		switch changes[i].Kind {
		case ChangeSnapshot:
			snap = &changes[i]
		case ChangeSelection:
			sawSelection = true
		}
	}
	if snap == nil || len(snap.Removed) != 1 || snap.Removed[0] != 2 {
		t.Errorf("snapshot change = %+v, want removed [2]", snap)
	}
	if !sawSelection {
		t.Error("expected a selection change")
	}
}

func TestAlertCap(t *testing.T) {
	s := New(nil, Options{}, testLogger())

	for i := 1; i <= 60; i++ {
		s.AppendAlert(domain.Alert{ID: int64(i), Message: fmt.Sprintf("alert %d", i)})
	}

	alerts := s.Alerts()
	if len(alerts) != 50 {
		t.Fatalf("len = %d, want 50", len(alerts))
	}
	for i, a := range alerts {
		if want := int64(60 - i); a.ID != want {
			t.Fatalf("alerts[%d].ID = %d, want %d", i, a.ID, want)
		}
	}
}

func TestSnapshotFailureRetainsState(t *testing.T) {
	src := &fakeSource{vehicles: []*domain.Vehicle{vehicle(1, "car"), vehicle(2, "car")}}
	s := New(src, Options{}, testLogger())
	if err := s.LoadSnapshot(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.set(nil, errors.New("backend unavailable"))
	err := s.LoadSnapshot(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}

	st := s.Status()
	if st.Count != 2 || st.Source != SourceLive {
		t.Errorf("status = %+v, want 2 live vehicles kept", st)
	}
	if st.Error == "" || st.Loading {
		t.Errorf("status = %+v, want error set and not loading", st)
	}

	src.set([]*domain.Vehicle{vehicle(1, "car")}, nil)
	s.LoadSnapshot(context.Background())
	if st := s.Status(); st.Error != "" || st.Count != 1 {
		t.Errorf("status after recovery = %+v", st)
	}
}

func TestLoadSnapshotWithoutSource(t *testing.T) {
	s := New(nil, Options{}, testLogger())
	if err := s.LoadSnapshot(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Errorf("err = %v, want ErrNoSource", err)
	}
}

func TestUseDemo(t *testing.T) {
	s := New(nil, Options{}, testLogger())
	s.UseDemo()

	st := s.Status()
	if st.Source != SourceDemo {
		t.Errorf("source = %q, want demo", st.Source)
	}
	if st.Count == 0 {
		t.Fatal("demo fleet is empty")
	}

	v, ok := s.Get(1)
	if !ok || v.Name != "Toyota Camry" || v.PlateNumber != "01A123BC" {
		t.Errorf("unexpected demo vehicle %+v", v)
	}
	if v.Location == nil || v.Location.Speed != 67 {
		t.Errorf("demo location not parsed: %+v", v.Location)
	}
}

type memCache struct {
	saved []*domain.Vehicle
}

func (m *memCache) SaveSnapshot(ctx context.Context, vehicles []*domain.Vehicle) error {
	m.saved = vehicles
	return nil
}

func (m *memCache) LoadSnapshot(ctx context.Context) ([]*domain.Vehicle, bool, error) {
	return m.saved, m.saved != nil, nil
}

func TestCacheFallbackOnColdStart(t *testing.T) {
	cache := &memCache{}
	warm := New(&fakeSource{vehicles: []*domain.Vehicle{vehicle(7, "car")}}, Options{Cache: cache}, testLogger())
	if err := warm.LoadSnapshot(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(cache.saved) != 1 {
		t.Fatalf("snapshot not cached: %v", cache.saved)
	}

	cold := New(&fakeSource{err: errors.New("down")}, Options{Cache: cache}, testLogger())
	if err := cold.LoadSnapshot(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}

	st := cold.Status()
	if st.Source != SourceCache || st.Count != 1 || st.Error == "" {
		t.Errorf("status = %+v, want one cached vehicle with error", st)
	}
}

// blockingSource hands each fetch's reply channel to the test.
type blockingSource struct {
	calls chan chan []*domain.Vehicle
}

func (b *blockingSource) ListVehicles(ctx context.Context) ([]*domain.Vehicle, error) {
	reply := make(chan []*domain.Vehicle)
	b.calls <- reply
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestMergeDuringFetchSurvivesReload(t *testing.T) {
	src := &blockingSource{calls: make(chan chan []*domain.Vehicle)}
	s := New(src, Options{}, testLogger())

	first := make(chan error, 1)
	go func() { first <- s.LoadSnapshot(context.Background()) }()
	(<-src.calls) <- []*domain.Vehicle{vehicle(1, "car"), vehicle(2, "car")}
	if err := <-first; err != nil {
		t.Fatal(err)
	}

	reload := make(chan error, 1)
	go func() { reload <- s.LoadSnapshot(context.Background()) }()
	reply := <-src.calls

	s.MergeLocation(domain.LocationUpdate{VehicleID: 1, Latitude: 50, Longitude: 10, Speed: ptr(80.0)})
	s.MergeStatus(domain.StatusUpdate{VehicleID: 1, Status: domain.StatusIdle, Battery: ptr(12)})

	stale1 := vehicle(1, "car")
	stale1.Name = "renamed"
	stale2 := vehicle(2, "car")
	stale2.Location.Lat = 42
	reply <- []*domain.Vehicle{stale1, stale2}
	if err := <-reload; err != nil {
		t.Fatal(err)
	}

	v, _ := s.Get(1)
	if v.Location == nil || v.Location.Lat != 50 || v.Location.Lng != 10 || v.Location.Speed != 80 {
		t.Errorf("location = %+v, want the merged 50,10", v.Location)
	}
	if v.Status != domain.StatusIdle || v.Battery == nil || *v.Battery != 12 {
		t.Errorf("status=%q battery=%v, want merged values", v.Status, v.Battery)
	}
	if v.Name != "renamed" {
		t.Errorf("name = %q, static fields should come from the snapshot", v.Name)
	}

	other, _ := s.Get(2)
	if other.Location.Lat != 42 {
		t.Errorf("unmerged vehicle lat = %v, want snapshot value 42", other.Location.Lat)
	}

	// Merges older than the fetch no longer protect live state.
	src2 := make(chan error, 1)
	go func() { src2 <- s.LoadSnapshot(context.Background()) }()
	(<-src.calls) <- []*domain.Vehicle{vehicle(1, "car")}
	if err := <-src2; err != nil {
		t.Fatal(err)
	}
	v, _ = s.Get(1)
	if v.Location.Lat != 41.3 {
		t.Errorf("lat = %v, want snapshot value after a quiet fetch", v.Location.Lat)
	}
}

func TestSupersededSnapshotDiscarded(t *testing.T) {
	src := &blockingSource{calls: make(chan chan []*domain.Vehicle)}
	s := New(src, Options{}, testLogger())

	older := make(chan error, 1)
	go func() { older <- s.LoadSnapshot(context.Background()) }()
	olderReply := <-src.calls

	newer := make(chan error, 1)
	go func() { newer <- s.LoadSnapshot(context.Background()) }()
	newerReply := <-src.calls

	newerReply <- []*domain.Vehicle{vehicle(1, "car"), vehicle(2, "car")}
	if err := <-newer; err != nil {
		t.Fatal(err)
	}

	olderReply <- []*domain.Vehicle{vehicle(5, "car")}
	if err := <-older; err != nil {
		t.Fatal(err)
	}

	if s.Count() != 2 {
		t.Errorf("count = %d, want the newer snapshot's 2", s.Count())
	}
	if _, ok := s.Get(5); ok {
		t.Error("stale snapshot was applied")
	}
	if s.Status().Loading {
		t.Error("store still loading")
	}
}

func TestListenersSeeChangesInOrder(t *testing.T) {
	s := loadedStore(t, vehicle(1, "pedestrian"))

	var got []string
	unsubscribe := s.Subscribe(func(c Change) {
		got = append(got, fmt.Sprintf("a:%s:%d", c.Kind, c.VehicleID))
	})
	s.Subscribe(func(c Change) {
		got = append(got, fmt.Sprintf("b:%s:%d", c.Kind, c.VehicleID))
		if c.Kind == ChangeLocation && c.Category != domain.CategoryPedestrian {
			t.Errorf("category = %v", c.Category)
		}
	})

	s.MergeLocation(domain.LocationUpdate{VehicleID: 1, Latitude: 1, Longitude: 2})
	s.Select(1)
	unsubscribe()
	s.AppendAlert(domain.Alert{ID: 1, VehicleID: 1})

	want := []string{
		"a:location:1", "b:location:1",
		"a:selection:1", "b:selection:1",
		"b:alert:1",
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUpsertNewEntity(t *testing.T) {
	src := &fakeSource{vehicles: []*domain.Vehicle{vehicle(1, "car")}}
	s := New(src, Options{}, testLogger())
	s.LoadSnapshot(context.Background())

	if err := s.UpsertNewEntity(context.Background(), domain.NewVehicle{VehicleID: 1}); err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 {
		t.Errorf("known vehicle triggered reload (calls=%d)", src.calls)
	}

	src.set([]*domain.Vehicle{vehicle(1, "car"), vehicle(2, "scooter")}, nil)
	if err := s.UpsertNewEntity(context.Background(), domain.NewVehicle{VehicleID: 2, Name: "new"}); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("calls = %d, want 2", src.calls)
	}
	v, ok := s.Get(2)
	if !ok || v.Name != "vehicle-2" {
		t.Errorf("new vehicle should come from the snapshot, got %+v", v)
	}
}

func TestReturnedVehiclesAreCopies(t *testing.T) {
	s := loadedStore(t, vehicle(1, "car"))

	v, _ := s.Get(1)
	v.Location.Lat = 0
	v.Status = domain.StatusOffline

	again, _ := s.Get(1)
	if again.Location.Lat == 0 || again.Status == domain.StatusOffline {
		t.Error("mutating a returned vehicle changed store state")
	}
}
