// Package energy keeps per-node energy accounts. Every node owns exactly one
// Accountant and is the only caller of its methods.
package energy

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/wsn-deployment-simulator/model"
)

// Params are the constants of the energy model. Powers are in Watts,
// bandwidth in bytes per second.
type Params struct {
	BaselinePower   float64 `json:"baseline_power"`
	ProcessingPower float64 `json:"processing_power"`
	TransmitPower   float64 `json:"transmit_power"`
	ReceivePower    float64 `json:"receive_power"`
	IdleRadioPower  float64 `json:"idle_radio_power"`

	// SensingCoefficient (μ) scales the square of the sensing range.
	SensingCoefficient float64 `json:"sensing_coefficient"`
	// MobilityCoefficient (τ) is the cost per metre travelled.
	MobilityCoefficient float64 `json:"mobility_coefficient"`

	Bandwidth float64 `json:"bandwidth"`
}

// ErrNegativeParam is returned by Validate for a negative constant.
var ErrNegativeParam = errors.New("energy parameter must not be negative")

// Validate rejects negative powers, coefficients and bandwidth. A zero
// bandwidth is allowed and makes radio traffic free.
func (p Params) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"baseline_power", p.BaselinePower},
		{"processing_power", p.ProcessingPower},
		{"transmit_power", p.TransmitPower},
		{"receive_power", p.ReceivePower},
		{"idle_radio_power", p.IdleRadioPower},
		{"sensing_coefficient", p.SensingCoefficient},
		{"mobility_coefficient", p.MobilityCoefficient},
		{"bandwidth", p.Bandwidth},
	}
	for _, f := range fields {
		if f.value < 0 {
			return fmt.Errorf("%w: %s = %v", ErrNegativeParam, f.name, f.value)
		}
	}
	return nil
}

const (
	defaultCoefficient = 0.0005
	defaultBandwidth   = 1000
)

// DefaultParams returns the reference constants for role.
func DefaultParams(role model.Role) Params {
	p := Params{
		SensingCoefficient:  defaultCoefficient,
		MobilityCoefficient: defaultCoefficient,
		Bandwidth:           defaultBandwidth,
	}
	switch role {
	case model.RoleSensor:
		p.BaselinePower = 0.0001
		p.ProcessingPower = 0.00005
		p.TransmitPower = 0.005
		p.ReceivePower = 0.004
		p.IdleRadioPower = 0.00001
	case model.RoleRobot:
		p.BaselinePower = 0.001
		p.ProcessingPower = 0.0005
		p.TransmitPower = 0.01
		p.ReceivePower = 0.008
	case model.RoleBaseStation:
		p.BaselinePower = 0.005
		p.ProcessingPower = 0.001
		p.TransmitPower = 0.01
		p.ReceivePower = 0.008
	}
	return p
}

// Stats holds the running sums of one node, in Joules.
type Stats struct {
	Baseline   float64 `json:"baseline"`
	Sensing    float64 `json:"sensing"`
	Processing float64 `json:"processing"`
	Transmit   float64 `json:"transmit"`
	Receive    float64 `json:"receive"`
	IdleRadio  float64 `json:"idle_radio"`
	Mobility   float64 `json:"mobility"`
}

// Total is the sum of every category.
func (s Stats) Total() float64 {
	return s.Baseline + s.Sensing + s.Processing + s.Transmit + s.Receive + s.IdleRadio + s.Mobility
}

// Accountant accumulates energy for a single node. It is not safe for
// concurrent use.
type Accountant struct {
	params Params
	stats  Stats
}

// NewAccountant returns an accountant with zeroed stats.
func NewAccountant(params Params) *Accountant {
	return &Accountant{params: params}
}

// Params returns the constants the accountant was built with.
func (a *Accountant) Params() Params { return a.params }

// Stats returns a copy of the current sums.
func (a *Accountant) Stats() Stats { return a.stats }

// Baseline charges always-on draw for d.
func (a *Accountant) Baseline(d time.Duration) float64 {
	e := a.params.BaselinePower * seconds(d)
	a.stats.Baseline += e
	return e
}

// Sensing charges one sensing event for the given range. It does not scale
// with time.
func (a *Accountant) Sensing(sensingRange float64) float64 {
	if sensingRange <= 0 {
		return 0
	}
	e := a.params.SensingCoefficient * sensingRange * sensingRange
	a.stats.Sensing += e
	return e
}

// Processing charges CPU time d.
func (a *Accountant) Processing(d time.Duration) float64 {
	e := a.params.ProcessingPower * seconds(d)
	a.stats.Processing += e
	return e
}

// Transmit charges sending n bytes.
func (a *Accountant) Transmit(n int) float64 {
	e := a.params.TransmitPower * a.airtime(n)
	a.stats.Transmit += e
	return e
}

// Receive charges receiving n bytes.
func (a *Accountant) Receive(n int) float64 {
	e := a.params.ReceivePower * a.airtime(n)
	a.stats.Receive += e
	return e
}

// IdleRadio charges a listening radio for d.
func (a *Accountant) IdleRadio(d time.Duration) float64 {
	e := a.params.IdleRadioPower * seconds(d)
	a.stats.IdleRadio += e
	return e
}

// Mobility charges travelling distance metres.
func (a *Accountant) Mobility(distance float64) float64 {
	if distance <= 0 {
		return 0
	}
	e := a.params.MobilityCoefficient * distance
	a.stats.Mobility += e
	return e
}

func (a *Accountant) airtime(n int) float64 {
	if n <= 0 || a.params.Bandwidth <= 0 {
		return 0
	}
	return float64(n) / a.params.Bandwidth
}

func seconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
