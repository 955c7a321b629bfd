package robot

import (
	"context"
	"fmt"
)

// VendorAPI is the slice of the AutoXing client the robot service needs.
type VendorAPI interface {
	RobotState(ctx context.Context, robotID string) (map[string]any, error)
	POIList(ctx context.Context, robotID string) ([]map[string]any, error)
}

// Service is the interface the rest of the system depends on for robot
// state and POIs. Other components call this service, never the vendor
// HTTP layer directly.
type Service struct {
	vendor VendorAPI
}

// NewService creates a robot service over the vendor API.
func NewService(vendor VendorAPI) *Service {
	return &Service{vendor: vendor}
}

// State fetches and normalizes one robot's state.
func (s *Service) State(ctx context.Context, robotID string) (*State, error) {
	data, err := s.vendor.RobotState(ctx, robotID)
	if err != nil {
		return nil, fmt.Errorf("robot state %s: %w", robotID, err)
	}
	return stateFromRaw(robotID, data), nil
}

// ListPOIs returns the robot's POIs. With onlyCurrentArea set and the
// robot reporting an area, POIs from other areas are filtered out.
func (s *Service) ListPOIs(ctx context.Context, robotID string, onlyCurrentArea bool) ([]POI, error) {
	var areaID string
	if onlyCurrentArea {
		state, err := s.State(ctx, robotID)
		if err != nil {
			return nil, err
		}
		areaID = state.AreaID
	}

	raw, err := s.vendor.POIList(ctx, robotID)
	if err != nil {
		return nil, fmt.Errorf("poi list %s: %w", robotID, err)
	}

	pois := make([]POI, 0, len(raw))
	for _, p := range raw {
		poi := poiFromRaw(p)
		if areaID != "" && poi.AreaID != areaID {
			continue
		}
		pois = append(pois, poi)
	}
	return pois, nil
}
