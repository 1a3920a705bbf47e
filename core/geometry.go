package core

import (
	"math"

	"github.com/signalsfoundry/wsn-deployment-simulator/model"
)

// Distance returns the straight-line distance between two points.
func Distance(a, b model.Point) float64 {
	return a.DistanceTo(b)
}

// LocationAreasPerSide returns how many robot-range cells fit along one
// side of the square target area.
func LocationAreasPerSide(areaSize, robotRange float64) int {
	if areaSize <= 0 || robotRange <= 0 {
		return 0
	}
	return int(math.Floor(areaSize / robotRange))
}

// TileLocationAreas tiles the target area into robot-range-sized location
// areas in row-major order. Ids start at 1 and centers sit at cell
// midpoints. When maxAreas is positive the tiling stops after that many
// cells; the rest of the area is left untiled.
func TileLocationAreas(areaSize, robotRange float64, maxAreas int) []model.LocationArea {
	side := LocationAreasPerSide(areaSize, robotRange)
	if side == 0 {
		return nil
	}
	count := side * side
	if maxAreas > 0 && count > maxAreas {
		count = maxAreas
	}

	areas := make([]model.LocationArea, 0, count)
	for i := 0; i < count; i++ {
		row, col := i/side, i%side
		areas = append(areas, model.LocationArea{
			ID: model.LAID(i + 1),
			Center: model.Point{
				X: (float64(col) + 0.5) * robotRange,
				Y: (float64(row) + 0.5) * robotRange,
			},
		})
	}
	return areas
}

// GridsPerSide returns the side length, in grids, of the lattice a robot
// lays over one LA.
func GridsPerSide(robotRange, sensorRange float64) int {
	if robotRange <= 0 || sensorRange <= 0 || sensorRange > robotRange {
		return 0
	}
	return int(math.Floor(robotRange / sensorRange))
}

// GridsPerLA returns the number of grids in one LA.
func GridsPerLA(robotRange, sensorRange float64) int {
	side := GridsPerSide(robotRange, sensorRange)
	return side * side
}

// PartitionGrids lays a side×side lattice of sensor-range cells over the LA
// centred at center. The lattice origin is the LA's lower-left corner; grid
// ids start at 1 in row-major order and every grid starts uncovered.
func PartitionGrids(center model.Point, robotRange, sensorRange float64) []model.Grid {
	side := GridsPerSide(robotRange, sensorRange)
	if side == 0 {
		return nil
	}
	originX := center.X - robotRange/2
	originY := center.Y - robotRange/2

	grids := make([]model.Grid, 0, side*side)
	for i := 0; i < side*side; i++ {
		row, col := i/side, i%side
		grids = append(grids, model.Grid{
			ID: model.GridID(i + 1),
			Center: model.Point{
				X: originX + (float64(col)+0.5)*sensorRange,
				Y: originY + (float64(row)+0.5)*sensorRange,
			},
		})
	}
	return grids
}

// NearestUncovered returns the index of the uncovered grid closest to from.
// Equal distances resolve to the lowest grid id. ok is false when every grid
// is covered.
func NearestUncovered(grids []model.Grid, from model.Point) (idx int, ok bool) {
	idx = -1
	best := math.Inf(1)
	for i, g := range grids {
		if g.Covered {
			continue
		}
		d := Distance(from, g.Center)
		if d < best || (d == best && idx >= 0 && g.ID < grids[idx].ID) {
			best = d
			idx = i
		}
	}
	return idx, idx >= 0
}

// WithinRadius reports whether p lies within radius of center, inclusive.
func WithinRadius(p, center model.Point, radius float64) bool {
	return Distance(p, center) <= radius
}
