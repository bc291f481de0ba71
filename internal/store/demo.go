package store

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"fleetview/internal/domain"
)

//go:embed demo_fleet.yaml
var demoFleetYAML []byte

// DemoFleet returns a fresh copy of the built-in demo vehicles.
func DemoFleet() []*domain.Vehicle {
	vehicles, err := parseFleet(demoFleetYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded demo fleet: %v", err))
	}
	return vehicles
}

func parseFleet(data []byte) ([]*domain.Vehicle, error) {
	var vehicles []*domain.Vehicle
	if err := yaml.Unmarshal(data, &vehicles); err != nil {
		return nil, fmt.Errorf("parsing fleet yaml: %w", err)
	}
	return vehicles, nil
}
