package cache

const (
	DefaultPrefix = "fleetview:"

	// KeyVehicleSnapshot holds the last vehicle list fetched from the API.
	KeyVehicleSnapshot = "snapshot:vehicles"
)
