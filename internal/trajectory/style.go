package trajectory

import "fleetview/internal/domain"

const (
	ColorOnline  = "#22c55e"
	ColorIdle    = "#eab308"
	ColorOffline = "#ef4444"
)

// Style is how a trajectory polyline is drawn.
type Style struct {
	Color     string  `json:"color"`
	Weight    int     `json:"weight"`
	Opacity   float64 `json:"opacity"`
	DashArray string  `json:"dashArray,omitempty"`
	ZIndex    int     `json:"zIndex"`
}

// StyleFor derives the polyline style from the vehicle's current state. It
// is recomputed on every change and never stored.
func StyleFor(status domain.Status, selected bool, category domain.Category) Style {
	s := Style{
		Color:  StatusColor(status),
		Weight: weight(category),
	}
	if selected {
		s.Opacity = 0.9
		s.ZIndex = 1000
	} else {
		s.Opacity = 0.4
		s.DashArray = "5, 10"
		s.ZIndex = 100
	}
	return s
}

// StatusColor maps a status to its marker and path color. Unknown statuses
// are drawn as offline.
func StatusColor(status domain.Status) string {
	switch status {
	case domain.StatusOnline:
		return ColorOnline
	case domain.StatusIdle:
		return ColorIdle
	default:
		return ColorOffline
	}
}

func weight(c domain.Category) int {
	switch c {
	case domain.CategoryPedestrian:
		return 2
	case domain.CategoryBicycle, domain.CategoryScooter:
		return 3
	default:
		return 4
	}
}
