package sim

import (
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/basestation"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/radio"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/robot"
	"github.com/signalsfoundry/wsn-deployment-simulator/model"
)

// Summary is a point-in-time report of a run. The runner refreshes it on
// every tick and once more when the run ends.
type Summary struct {
	RunID string `json:"run_id"`
	Mode  Mode   `json:"mode"`
	Seed  uint64 `json:"seed"`

	Done             bool    `json:"done"`
	State            string  `json:"state"`
	SimulatedSeconds float64 `json:"simulated_seconds"`
	// Outcome is empty while the run is in progress and then one of
	// "done", "timeout" or "cancelled".
	Outcome string `json:"outcome,omitempty"`

	CoveragePercent float64              `json:"coverage_percent"`
	TotalCovered    int                  `json:"total_covered"`
	GridsPerLA      int                  `json:"grids_per_la"`
	Areas           []model.LocationArea `json:"areas"`

	BaseStation BaseStationSummary `json:"base_station"`
	Robots      []RobotSummary     `json:"robots"`
	Sensors     SensorSummary      `json:"sensors"`
	Radio       radio.Stats        `json:"radio"`

	// TotalEnergy is the energy consumed by every node, in joules.
	TotalEnergy float64      `json:"total_energy"`
	Nodes       []NodeEnergy `json:"nodes"`
}

// BaseStationSummary is the coordinator's part of a Summary.
type BaseStationSummary struct {
	ID     model.NodeID              `json:"id"`
	Energy float64                   `json:"energy"`
	Robots []basestation.RobotStatus `json:"robots"`
	Stats  basestation.Stats         `json:"stats"`
}

// RobotSummary is one robot's part of a Summary.
type RobotSummary struct {
	ID        model.NodeID `json:"id"`
	Phase     string       `json:"phase"`
	Position  model.Point  `json:"position"`
	LA        model.LAID   `json:"la"`
	Stock     int          `json:"stock"`
	Remaining int          `json:"remaining"`
	Completed int          `json:"completed_las"`
	Energy    float64      `json:"energy"`
	Stats     robot.Stats  `json:"stats"`
}

// SensorSummary aggregates the sensor population.
type SensorSummary struct {
	Count       int     `json:"count"`
	Active      int     `json:"active"`
	Idle        int     `json:"idle"`
	Activations int     `json:"activations"`
	Collections int     `json:"collections"`
	Energy      float64 `json:"energy"`
}

// NodeEnergy is one node's consumed energy.
type NodeEnergy struct {
	ID     model.NodeID `json:"id"`
	Role   model.Role   `json:"role"`
	Joules float64      `json:"joules"`
}

// Ended reports whether the run has stopped, whatever its outcome.
func (s Summary) Ended() bool { return s.Outcome != "" }

func (s Summary) clone() Summary {
	out := s
	out.Areas = append([]model.LocationArea(nil), s.Areas...)
	out.BaseStation.Robots = append([]basestation.RobotStatus(nil), s.BaseStation.Robots...)
	out.Robots = append([]RobotSummary(nil), s.Robots...)
	out.Nodes = append([]NodeEnergy(nil), s.Nodes...)
	return out
}
