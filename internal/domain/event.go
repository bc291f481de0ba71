package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventKind names a push event on the wire
type EventKind string

const (
	EventLocationUpdate EventKind = "location:update"
	EventVehicleStatus  EventKind = "vehicle:status"
	EventAlertNew       EventKind = "alert:new"
	EventVehicleNew     EventKind = "vehicle:new"
	EventTripStarted    EventKind = "trip:started"
	EventTripEnded      EventKind = "trip:ended"
)

// ErrMalformedEvent is returned when a payload lacks a field the event cannot
// be applied without.
var ErrMalformedEvent = errors.New("malformed event payload")

// Event is one decoded push event. The concrete type is selected by Kind.
type Event interface {
	Kind() EventKind
}

// LocationUpdate reports a new position. Speed, Direction, Status and
// RecordedAt are optional; nil/empty/zero means the server did not send them.
type LocationUpdate struct {
	VehicleID  int64
	Latitude   float64
	Longitude  float64
	Speed      *float64
	Direction  *float64
	Status     Status
	RecordedAt time.Time
}

func (LocationUpdate) Kind() EventKind { return EventLocationUpdate }

func (u LocationUpdate) Point() Point {
	return Point{Lat: u.Latitude, Lng: u.Longitude}
}

type StatusUpdate struct {
	VehicleID int64
	Status    Status
	Battery   *int
}

func (StatusUpdate) Kind() EventKind { return EventVehicleStatus }

type NewAlert struct {
	Alert Alert
}

func (NewAlert) Kind() EventKind { return EventAlertNew }

// NewVehicle announces a registration. It carries partial data only.
type NewVehicle struct {
	VehicleID int64
	Name      string
}

func (NewVehicle) Kind() EventKind { return EventVehicleNew }

// TripEvent covers trip:started and trip:ended.
type TripEvent struct {
	EventKind EventKind
	TripID    int64
	VehicleID int64
}

func (e TripEvent) Kind() EventKind { return e.EventKind }

// flexID accepts both JSON numbers and numeric strings.
type flexID struct {
	value int64
	set   bool
}

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	f.value, f.set = v, true
	return nil
}

type wireLocation struct {
	VehicleID  flexID   `json:"vehicleId"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Speed      *float64 `json:"speed"`
	Direction  *float64 `json:"direction"`
	Status     string   `json:"status"`
	RecordedAt string   `json:"recordedAt"`
}

type wireStatus struct {
	VehicleID flexID `json:"vehicleId"`
	Status    string `json:"status"`
	Battery   *int   `json:"battery"`
}

type wireAlert struct {
	ID        flexID `json:"id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	VehicleID flexID `json:"vehicle_id"`
	CreatedAt string `json:"created_at"`
}

type wireVehicle struct {
	ID        flexID `json:"id"`
	VehicleID flexID `json:"vehicleId"`
	Name      string `json:"name"`
}

type wireTrip struct {
	TripID    flexID `json:"tripId"`
	VehicleID flexID `json:"vehicleId"`
}

// DecodeEvent validates and defaults a raw payload for the given kind.
func DecodeEvent(kind EventKind, raw json.RawMessage) (Event, error) {
	switch kind {
	case EventLocationUpdate:
		var w wireLocation
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if !w.VehicleID.set || w.Latitude == nil || w.Longitude == nil {
			return nil, fmt.Errorf("%w: location update needs vehicleId, latitude and longitude", ErrMalformedEvent)
		}
		return LocationUpdate{
			VehicleID:  w.VehicleID.value,
			Latitude:   *w.Latitude,
			Longitude:  *w.Longitude,
			Speed:      w.Speed,
			Direction:  w.Direction,
			Status:     ParseStatus(w.Status),
			RecordedAt: parseTime(w.RecordedAt),
		}, nil

	case EventVehicleStatus:
		var w wireStatus
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if !w.VehicleID.set {
			return nil, fmt.Errorf("%w: status update needs vehicleId", ErrMalformedEvent)
		}
		return StatusUpdate{
			VehicleID: w.VehicleID.value,
			Status:    ParseStatus(w.Status),
			Battery:   w.Battery,
		}, nil

	case EventAlertNew:
		var w wireAlert
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		created := parseTime(w.CreatedAt)
		if created.IsZero() {
			created = time.Now()
		}
		return NewAlert{Alert: Alert{
			ID:        w.ID.value,
			Type:      w.Type,
			Message:   w.Message,
			Severity:  w.Severity,
			VehicleID: w.VehicleID.value,
			CreatedAt: created,
		}}, nil

	case EventVehicleNew:
		var w wireVehicle
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		id := w.VehicleID
		if !id.set {
			id = w.ID
		}
		if !id.set {
			return nil, fmt.Errorf("%w: new vehicle needs id", ErrMalformedEvent)
		}
		return NewVehicle{VehicleID: id.value, Name: w.Name}, nil

	case EventTripStarted, EventTripEnded:
		var w wireTrip
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return TripEvent{EventKind: kind, TripID: w.TripID.value, VehicleID: w.VehicleID.value}, nil

	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
