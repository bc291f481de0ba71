package domain

import "time"

// Alert is a server-pushed notification about a vehicle
type Alert struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	VehicleID int64     `json:"vehicle_id"`
	CreatedAt time.Time `json:"created_at"`
}
