package model

import "math"

// Point is a position in the plane of the target area, in metres.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance between p and other.
func (p Point) DistanceTo(other Point) float64 {
	return math.Hypot(p.X-other.X, p.Y-other.Y)
}

// LAID identifies a location area. Ids start at 1 and follow row-major
// tiling order.
type LAID uint16

// GridID identifies a grid inside the LA a robot is currently working.
type GridID uint16

// LocationArea is a robot-range-sized cell of the target area. It is owned
// by the base station.
type LocationArea struct {
	ID     LAID  `json:"id"`
	Center Point `json:"center"`

	// CoveredGrids is the count reported by the first robot to finish this LA.
	CoveredGrids int `json:"covered_grids"`
	// Reported is set together with CoveredGrids and never cleared, so an LA
	// that came back with zero covered grids is still final.
	Reported bool `json:"reported"`
}

// Grid is a sensor-range-sized cell inside an LA. It is owned by the robot
// working that LA and discarded when the local phase ends.
type Grid struct {
	ID      GridID `json:"id"`
	Center  Point  `json:"center"`
	Covered bool   `json:"covered"`
}

// SensorRecord is a robot's view of a discovered sensor.
type SensorRecord struct {
	SensorID NodeID `json:"sensor_id"`
	Position Point  `json:"position"`
	Mode     Mode   `json:"mode"`
}
