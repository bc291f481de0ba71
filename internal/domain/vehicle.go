package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Category groups tracked entities by how they move; it drives icons and
// trajectory retention.
type Category int

const (
	CategoryVehicle Category = iota
	CategoryPedestrian
	CategoryBicycle
	CategoryScooter
)

func (c Category) String() string {
	switch c {
	case CategoryPedestrian:
		return "pedestrian"
	case CategoryBicycle:
		return "bicycle"
	case CategoryScooter:
		return "scooter"
	default:
		return "vehicle"
	}
}

// ParseCategory maps the backend's free-form type string onto a Category.
// Cars, trucks and anything unrecognised are vehicles.
func ParseCategory(s string) Category {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pedestrian", "person", "walker":
		return CategoryPedestrian
	case "bicycle", "bike":
		return CategoryBicycle
	case "scooter":
		return CategoryScooter
	default:
		return CategoryVehicle
	}
}

// Status is the live connectivity state reported for a vehicle.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// ParseStatus returns the empty Status for anything it does not recognise,
// which merges treat as "not present".
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOnline:
		return StatusOnline
	case StatusIdle:
		return StatusIdle
	case StatusOffline:
		return StatusOffline
	default:
		return ""
	}
}

// Location is the last known position of a vehicle
type Location struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Speed     float64  `json:"speed"`
	Direction *float64 `json:"direction,omitempty"`
}

// Point returns the coordinates of the location.
func (l Location) Point() Point {
	return Point{Lat: l.Lat, Lng: l.Lng}
}

type Driver struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type Settings struct {
	EnableGeofence   bool    `json:"enableGeofence"`
	EnableSpeedAlert bool    `json:"enableSpeedAlert"`
	MaxSpeed         float64 `json:"maxSpeed"`
}

// Vehicle is a tracked entity. Descriptive fields are fixed once loaded;
// Status, Battery, Location and LastUpdate are replaced by store merges only.
type Vehicle struct {
	ID          int64     `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	PlateNumber string    `json:"plate_number" yaml:"plate_number"`
	Type        string    `json:"type" yaml:"type"`
	Model       string    `json:"model,omitempty" yaml:"model"`
	Year        int       `json:"year,omitempty" yaml:"year"`
	Color       string    `json:"color,omitempty" yaml:"color"`
	Status      Status    `json:"status" yaml:"status"`
	Battery     *int      `json:"battery,omitempty" yaml:"battery"`
	Driver      *Driver   `json:"driver,omitempty" yaml:"driver"`
	Location    *Location `json:"location,omitempty" yaml:"location"`
	LastUpdate  time.Time `json:"lastUpdate,omitempty" yaml:"-"`
	Settings    *Settings `json:"settings,omitempty" yaml:"-"`
}

// UnmarshalJSON accepts the same id, status and timestamp formats as the
// push events, so a snapshot and an event describing one vehicle agree.
func (v *Vehicle) UnmarshalJSON(data []byte) error {
	type plain Vehicle
	aux := struct {
		*plain
		ID         flexID `json:"id"`
		Status     string `json:"status"`
		LastUpdate string `json:"lastUpdate"`
	}{plain: (*plain)(v)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if !aux.ID.set {
		return errors.New("vehicle without id")
	}
	v.ID = aux.ID.value
	v.Status = ParseStatus(aux.Status)
	v.LastUpdate = parseTime(aux.LastUpdate)
	return nil
}

// Category derives the vehicle's category from its type.
func (v *Vehicle) Category() Category {
	return ParseCategory(v.Type)
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (v *Vehicle) Clone() *Vehicle {
	c := *v
	if v.Battery != nil {
		b := *v.Battery
		c.Battery = &b
	}
	if v.Driver != nil {
		d := *v.Driver
		c.Driver = &d
	}
	if v.Location != nil {
		l := *v.Location
		if v.Location.Direction != nil {
			dir := *v.Location.Direction
			l.Direction = &dir
		}
		c.Location = &l
	}
	if v.Settings != nil {
		s := *v.Settings
		c.Settings = &s
	}
	return &c
}
