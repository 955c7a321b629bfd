// Package robot exposes robot state and POI listings on top of the
// vendor API, plus a cache and background poller that keep the rest of
// the system off the vendor's hot path.
package robot

// State is a normalized robot state snapshot. Fields the vendor omitted
// are nil; the full vendor payload is kept in Raw for forward
// compatibility.
type State struct {
	RobotID         string         `json:"robotId"`
	Battery         *float64       `json:"battery,omitempty"`
	IsOnline        *bool          `json:"isOnline,omitempty"`
	IsCharging      *bool          `json:"isCharging,omitempty"`
	IsEmergencyStop *bool          `json:"isEmergencyStop,omitempty"`
	IsManualMode    *bool          `json:"isManualMode,omitempty"`
	MoveState       any            `json:"moveState,omitempty"`
	AreaID          string         `json:"areaId,omitempty"`
	BusinessID      string         `json:"businessId,omitempty"`
	Raw             map[string]any `json:"raw"`
}

// Offline reports whether the vendor explicitly marked the robot
// offline. A missing isOnline field counts as online; only an explicit
// false is treated as an outage.
func (s *State) Offline() bool {
	return s.IsOnline != nil && !*s.IsOnline
}

// POI is one point of interest on the robot's map.
type POI struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	AreaID     string         `json:"areaId,omitempty"`
	Coordinate []float64      `json:"coordinate,omitempty"` // [x, y]
	Yaw        *float64       `json:"yaw,omitempty"`
	Raw        map[string]any `json:"raw"`
}

func stateFromRaw(robotID string, data map[string]any) *State {
	return &State{
		RobotID:         robotID,
		Battery:         floatField(data, "battery"),
		IsOnline:        boolField(data, "isOnline"),
		IsCharging:      boolField(data, "isCharging"),
		IsEmergencyStop: boolField(data, "isEmergencyStop"),
		IsManualMode:    boolField(data, "isManualMode"),
		MoveState:       data["moveState"],
		AreaID:          stringField(data, "areaId"),
		BusinessID:      stringField(data, "businessId"),
		Raw:             data,
	}
}

func poiFromRaw(data map[string]any) POI {
	p := POI{
		ID:     stringField(data, "id"),
		Name:   stringField(data, "name"),
		AreaID: stringField(data, "areaId"),
		Yaw:    floatField(data, "yaw"),
		Raw:    data,
	}
	if coord, ok := data["coordinate"].([]any); ok {
		for _, v := range coord {
			if f, ok := toFloat(v); ok {
				p.Coordinate = append(p.Coordinate, f)
			}
		}
	}
	return p
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func boolField(data map[string]any, key string) *bool {
	if b, ok := data[key].(bool); ok {
		return &b
	}
	return nil
}

func floatField(data map[string]any, key string) *float64 {
	if f, ok := toFloat(data[key]); ok {
		return &f
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
