package mapview

import (
	"time"

	"fleetview/internal/domain"
	"fleetview/internal/trajectory"
)

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// ParseTheme falls back to dark for anything other than "light".
func ParseTheme(s string) Theme {
	if Theme(s) == ThemeLight {
		return ThemeLight
	}
	return ThemeDark
}

func (t Theme) Toggle() Theme {
	if t == ThemeLight {
		return ThemeDark
	}
	return ThemeLight
}

const (
	MarkerSize         = 32
	SelectedMarkerSize = 40
)

// Icon describes how a marker is drawn.
type Icon struct {
	Category string `json:"category"`
	Status   string `json:"status"`
	Color    string `json:"color"`
	Size     int    `json:"size"`
	Glow     bool   `json:"glow"`
}

type Marker struct {
	VehicleID   int64        `json:"vehicleId"`
	Name        string       `json:"name"`
	PlateNumber string       `json:"plateNumber,omitempty"`
	Position    domain.Point `json:"position"`
	Speed       float64      `json:"speed"`
	Direction   *float64     `json:"direction,omitempty"`
	Selected    bool         `json:"selected"`
	Icon        Icon         `json:"icon"`
}

type Polyline struct {
	VehicleID int64            `json:"vehicleId"`
	Points    []domain.Point   `json:"points"`
	Style     trajectory.Style `json:"style"`
}

// Widget is the drawing capability the adapter drives. Implementations own
// the concrete primitives; the adapter only tracks which ones it created.
type Widget interface {
	Init(center domain.Point, zoom float64) error
	SetBaseLayer(theme Theme) error
	UpsertMarker(m Marker) error
	RemoveMarker(vehicleID int64) error
	UpsertPolyline(p Polyline) error
	RemovePolyline(vehicleID int64) error
	FlyTo(center domain.Point, zoom float64, duration time.Duration) error
	FitBounds(bounds domain.BoundingBox, padding int) error
	Dispose() error
}

func markerFor(v *domain.Vehicle, selected bool) Marker {
	m := Marker{
		VehicleID:   v.ID,
		Name:        v.Name,
		PlateNumber: v.PlateNumber,
		Position:    v.Location.Point(),
		Speed:       v.Location.Speed,
		Direction:   v.Location.Direction,
		Selected:    selected,
		Icon: Icon{
			Category: v.Category().String(),
			Status:   string(v.Status),
			Color:    trajectory.StatusColor(v.Status),
			Size:     MarkerSize,
		},
	}
	if selected {
		m.Icon.Size = SelectedMarkerSize
		m.Icon.Glow = true
	}
	return m
}
