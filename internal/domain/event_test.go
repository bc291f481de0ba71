package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeLocationUpdate(t *testing.T) {
	raw := json.RawMessage(`{"vehicleId": 7, "latitude": 41.3, "longitude": 69.2, "status": "idle", "recordedAt": "2024-01-15T08:30:00Z"}`)

	ev, err := DecodeEvent(EventLocationUpdate, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u, ok := ev.(LocationUpdate)
	if !ok {
		t.Fatalf("expected LocationUpdate, got %T", ev)
	}
	if u.VehicleID != 7 || u.Latitude != 41.3 || u.Longitude != 69.2 {
		t.Errorf("unexpected update: %+v", u)
	}
	if u.Speed != nil {
		t.Errorf("speed should be unset when absent, got %v", *u.Speed)
	}
	if u.Status != StatusIdle {
		t.Errorf("status = %q, want idle", u.Status)
	}
	want := time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC)
	if !u.RecordedAt.Equal(want) {
		t.Errorf("recordedAt = %v, want %v", u.RecordedAt, want)
	}
}

func TestDecodeLocationUpdateStringID(t *testing.T) {
	ev, err := DecodeEvent(EventLocationUpdate, json.RawMessage(`{"vehicleId": "12", "latitude": 1, "longitude": 2, "speed": 30}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u := ev.(LocationUpdate)
	if u.VehicleID != 12 {
		t.Errorf("vehicle id = %d, want 12", u.VehicleID)
	}
	if u.Speed == nil || *u.Speed != 30 {
		t.Errorf("speed = %v, want 30", u.Speed)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		kind EventKind
		raw  string
	}{
		{"location without id", EventLocationUpdate, `{"latitude": 1, "longitude": 2}`},
		{"location without latitude", EventLocationUpdate, `{"vehicleId": 1, "longitude": 2}`},
		{"status without id", EventVehicleStatus, `{"status": "online"}`},
		{"new vehicle without id", EventVehicleNew, `{"name": "x"}`},
		{"garbage", EventVehicleStatus, `[1,2`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent(tt.kind, json.RawMessage(tt.raw))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestDecodeStatusUnknownValue(t *testing.T) {
	ev, err := DecodeEvent(EventVehicleStatus, json.RawMessage(`{"vehicleId": 3, "status": "parked", "battery": 40}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u := ev.(StatusUpdate)
	if u.Status != "" {
		t.Errorf("unknown status should decode as absent, got %q", u.Status)
	}
	if u.Battery == nil || *u.Battery != 40 {
		t.Errorf("battery = %v, want 40", u.Battery)
	}
}

func TestDecodeAlertDefaultsTimestamp(t *testing.T) {
	before := time.Now()
	ev, err := DecodeEvent(EventAlertNew, json.RawMessage(`{"id": 1, "type": "speed", "message": "too fast", "severity": "high", "vehicle_id": 2}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	a := ev.(NewAlert).Alert
	if a.VehicleID != 2 || a.Message != "too fast" {
		t.Errorf("unexpected alert: %+v", a)
	}
	if a.CreatedAt.Before(before) {
		t.Errorf("created_at should default to now, got %v", a.CreatedAt)
	}
}

func TestDecodeNewVehicleAcceptsEitherID(t *testing.T) {
	for _, raw := range []string{`{"id": 9, "name": "Van"}`, `{"vehicleId": 9, "name": "Van"}`} {
		ev, err := DecodeEvent(EventVehicleNew, json.RawMessage(raw))
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if nv := ev.(NewVehicle); nv.VehicleID != 9 || nv.Name != "Van" {
			t.Errorf("unexpected new vehicle from %s: %+v", raw, nv)
		}
	}
}

func TestParseCategory(t *testing.T) {
	tests := map[string]Category{
		"car":        CategoryVehicle,
		"truck":      CategoryVehicle,
		"":           CategoryVehicle,
		"Pedestrian": CategoryPedestrian,
		"person":     CategoryPedestrian,
		"bike":       CategoryBicycle,
		"scooter":    CategoryScooter,
	}
	for in, want := range tests {
		if got := ParseCategory(in); got != want {
			t.Errorf("ParseCategory(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBoundsOf(t *testing.T) {
	if _, ok := BoundsOf(nil); ok {
		t.Fatal("empty input should report no bounds")
	}

	bb, ok := BoundsOf([]Point{{Lat: 41.31, Lng: 69.28}, {Lat: 41.28, Lng: 69.20}, {Lat: 41.33, Lng: 69.29}})
	if !ok {
		t.Fatal("expected bounds")
	}
	want := BoundingBox{MinLat: 41.28, MaxLat: 41.33, MinLng: 69.20, MaxLng: 69.29}
	if bb != want {
		t.Errorf("bounds = %+v, want %+v", bb, want)
	}
	if bb.IsPoint() {
		t.Error("box should not be a point")
	}
	if !bb.Contains(41.30, 69.25) {
		t.Error("box should contain its interior")
	}
}
