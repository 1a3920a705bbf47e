package model

import "fmt"

// NodeID identifies a node on the simulated radio medium. Base station,
// robots and sensors share one id space.
type NodeID uint16

const (
	// Broadcast addresses every attached node except the sender.
	Broadcast NodeID = 0xFFFF

	// AnyRobot is the wildcard robot id carried by an LA assignment that any
	// idle robot may accept.
	AnyRobot NodeID = 0
)

func (id NodeID) String() string {
	if id == Broadcast {
		return "broadcast"
	}
	return fmt.Sprintf("node-%d", uint16(id))
}

// Role names the part a node plays in a deployment.
type Role string

const (
	RoleBaseStation Role = "base_station"
	RoleRobot       Role = "robot"
	RoleSensor      Role = "sensor"
)

// Mode is the operating state of a sensor.
type Mode uint8

const (
	ModeIdle Mode = iota
	ModeActive
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeActive:
		return "active"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m == ModeIdle || m == ModeActive
}
