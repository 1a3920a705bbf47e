// Package config holds the deployment configuration: defaults taken from the
// reference deployment, optional JSON overrides and validation.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/signalsfoundry/wsn-deployment-simulator/internal/energy"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/radio"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/retry"
	"github.com/signalsfoundry/wsn-deployment-simulator/model"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that reads and writes Go duration strings
// ("500ms", "2s") in JSON.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	// Bare numbers are nanoseconds, as time.Duration itself encodes.
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds: %s", b)
	}
	*d = Duration(n)
	return nil
}

// AreaConfig describes the target area and the two ranges that partition it.
type AreaConfig struct {
	Size        float64 `json:"size"`
	RobotRange  float64 `json:"robot_range"`
	SensorRange float64 `json:"sensor_range"`
	// MaxLocationAreas caps the number of LAs tiled. Zero means no cap.
	MaxLocationAreas int `json:"max_location_areas"`
}

// BaseStationConfig configures the coordinator node.
type BaseStationConfig struct {
	Position model.Point `json:"position"`
	// StartupDelay is how long the base station waits before the first
	// assignments go out.
	StartupDelay     Duration `json:"startup_delay"`
	RetryAttempts    int      `json:"retry_attempts"`
	RetryInterval    Duration `json:"retry_interval"`
	ReportProcessing Duration `json:"report_processing"`
}

// RobotsConfig configures every robot identically.
type RobotsConfig struct {
	Count int `json:"count"`
	// Start is where robots wait before their first assignment. Nil means
	// the centre of the area.
	Start             *model.Point `json:"start,omitempty"`
	Capacity          int          `json:"capacity"`
	InitialStock      int          `json:"initial_stock"`
	MaxSensorRecords  int          `json:"max_sensor_records"`
	MoveBudget        int          `json:"move_budget"`
	DiscoveryWindow   Duration     `json:"discovery_window"`
	MoveInterval      Duration     `json:"move_interval"`
	StepProcessing    Duration     `json:"step_processing"`
	CommandProcessing Duration     `json:"command_processing"`
}

// SensorsConfig configures the scattered sensor population.
type SensorsConfig struct {
	Count int `json:"count"`
	// ActiveFraction is the share of sensors that start active.
	ActiveFraction float64 `json:"active_fraction"`
	ProcessingDuty float64 `json:"processing_duty"`
	IdleRadioDuty  float64 `json:"idle_radio_duty"`
}

// RadioConfig shapes the simulated channel.
type RadioConfig struct {
	LossRate      float64  `json:"loss_rate"`
	DuplicateRate float64  `json:"duplicate_rate"`
	MinLatency    Duration `json:"min_latency"`
	MaxLatency    Duration `json:"max_latency"`
}

// EnergyConfig holds per-role energy parameters.
type EnergyConfig struct {
	BaseStation energy.Params `json:"base_station"`
	Robot       energy.Params `json:"robot"`
	Sensor      energy.Params `json:"sensor"`
}

// Config is the full deployment configuration.
type Config struct {
	Seed uint64 `json:"seed"`
	// TickInterval drives baseline energy accounting on every node.
	TickInterval Duration `json:"tick_interval"`
	// MaxDuration bounds a run in simulated time.
	MaxDuration Duration `json:"max_duration"`

	Area        AreaConfig        `json:"area"`
	BaseStation BaseStationConfig `json:"base_station"`
	Robots      RobotsConfig      `json:"robots"`
	Sensors     SensorsConfig     `json:"sensors"`
	Radio       RadioConfig       `json:"radio"`
	Energy      EnergyConfig      `json:"energy"`
}

// Default returns the reference deployment: a 1000 m square, 200 m robots,
// 20 m sensors and two robots carrying ten sensors each.
func Default() Config {
	return Config{
		Seed:         1,
		TickInterval: Duration(time.Second),
		MaxDuration:  Duration(2 * time.Hour),
		Area: AreaConfig{
			Size:        1000,
			RobotRange:  200,
			SensorRange: 20,
		},
		BaseStation: BaseStationConfig{
			Position:         model.Point{X: 0, Y: 0},
			StartupDelay:     Duration(5 * time.Second),
			RetryAttempts:    5,
			RetryInterval:    Duration(2 * time.Second),
			ReportProcessing: Duration(5 * time.Millisecond),
		},
		Robots: RobotsConfig{
			Count:             2,
			Capacity:          15,
			InitialStock:      10,
			MaxSensorRecords:  256,
			DiscoveryWindow:   Duration(2 * time.Second),
			MoveInterval:      Duration(500 * time.Millisecond),
			StepProcessing:    Duration(10 * time.Millisecond),
			CommandProcessing: Duration(2 * time.Millisecond),
		},
		Sensors: SensorsConfig{
			Count:          300,
			ProcessingDuty: 0.1,
			IdleRadioDuty:  0.05,
		},
		Radio: RadioConfig{
			MinLatency: Duration(5 * time.Millisecond),
			MaxLatency: Duration(20 * time.Millisecond),
		},
		Energy: EnergyConfig{
			BaseStation: energy.DefaultParams(model.RoleBaseStation),
			Robot:       energy.DefaultParams(model.RoleRobot),
			Sensor:      energy.DefaultParams(model.RoleSensor),
		},
	}
}

// Load reads a JSON file over Default and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := Decode(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode applies a JSON document onto cfg. Unknown fields are rejected.
func Decode(raw []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// Validate reports the first problem found, wrapped in ErrInvalid.
func (c Config) Validate() error {
	switch {
	case c.Area.Size <= 0:
		return invalid("area.size must be positive")
	case c.Area.RobotRange <= 0:
		return invalid("area.robot_range must be positive")
	case c.Area.SensorRange <= 0:
		return invalid("area.sensor_range must be positive")
	case c.Area.SensorRange > c.Area.RobotRange:
		return invalid("area.sensor_range %.1f exceeds robot_range %.1f", c.Area.SensorRange, c.Area.RobotRange)
	case c.Area.MaxLocationAreas < 0:
		return invalid("area.max_location_areas must not be negative")
	case c.TickInterval <= 0:
		return invalid("tick_interval must be positive")
	case c.MaxDuration <= 0:
		return invalid("max_duration must be positive")
	case c.BaseStation.StartupDelay < 0:
		return invalid("base_station.startup_delay must not be negative")
	case c.BaseStation.RetryAttempts < 1:
		return invalid("base_station.retry_attempts must be at least 1")
	case c.BaseStation.RetryInterval <= 0:
		return invalid("base_station.retry_interval must be positive")
	case c.Robots.Count < 1:
		return invalid("robots.count must be at least 1")
	case c.Robots.Capacity < 1:
		return invalid("robots.capacity must be at least 1")
	case c.Robots.InitialStock < 0 || c.Robots.InitialStock > c.Robots.Capacity:
		return invalid("robots.initial_stock %d outside [0, %d]", c.Robots.InitialStock, c.Robots.Capacity)
	case c.Robots.MaxSensorRecords < 1:
		return invalid("robots.max_sensor_records must be at least 1")
	case c.Robots.MoveBudget < 0:
		return invalid("robots.move_budget must not be negative")
	case c.Robots.DiscoveryWindow <= 0:
		return invalid("robots.discovery_window must be positive")
	case c.Robots.MoveInterval < 0:
		return invalid("robots.move_interval must not be negative")
	case c.Sensors.Count < 0:
		return invalid("sensors.count must not be negative")
	case !unit(c.Sensors.ActiveFraction):
		return invalid("sensors.active_fraction must be in [0, 1]")
	case !unit(c.Sensors.ProcessingDuty) || !unit(c.Sensors.IdleRadioDuty):
		return invalid("sensor duty cycles must be in [0, 1]")
	case !unit(c.Radio.LossRate) || !unit(c.Radio.DuplicateRate):
		return invalid("radio rates must be in [0, 1]")
	case c.Radio.MinLatency < 0 || c.Radio.MaxLatency < c.Radio.MinLatency:
		return invalid("radio latency range [%s, %s] is not ordered", c.Radio.MinLatency.D(), c.Radio.MaxLatency.D())
	}
	nodes := 1 + c.Robots.Count + c.Sensors.Count
	if nodes >= int(model.Broadcast) {
		return invalid("%d nodes exceed the id space", nodes)
	}
	// LA ids, grid ids and covered counts travel as 16-bit fields.
	if n := c.locationAreaCount(); n > math.MaxUint16 {
		return invalid("%.0f location areas exceed the LA id space", n)
	}
	if side := math.Floor(c.Area.RobotRange / c.Area.SensorRange); side*side > math.MaxUint16 {
		return invalid("%.0f grids per location area exceed the grid id space", side*side)
	}
	roles := []struct {
		name   string
		params energy.Params
	}{
		{"base_station", c.Energy.BaseStation},
		{"robot", c.Energy.Robot},
		{"sensor", c.Energy.Sensor},
	}
	for _, r := range roles {
		if err := r.params.Validate(); err != nil {
			return invalid("energy.%s: %v", r.name, err)
		}
	}
	return nil
}

// locationAreaCount is the number of LAs the tiling produces. It is computed
// in floating point so huge areas cannot overflow.
func (c Config) locationAreaCount() float64 {
	side := math.Floor(c.Area.Size / c.Area.RobotRange)
	count := side * side
	if limit := float64(c.Area.MaxLocationAreas); limit > 0 && count > limit {
		count = limit
	}
	return count
}

// RobotStart returns where robots wait before their first assignment.
func (c Config) RobotStart() model.Point {
	if c.Robots.Start != nil {
		return *c.Robots.Start
	}
	return model.Point{X: c.Area.Size / 2, Y: c.Area.Size / 2}
}

// AssignmentRetry returns the base station's resend policy.
func (c Config) AssignmentRetry() retry.Policy {
	return retry.Policy{
		Attempts: c.BaseStation.RetryAttempts,
		Interval: c.BaseStation.RetryInterval.D(),
	}
}

// MediumConfig returns the medium configuration seeded from c.Seed.
func (c Config) MediumConfig() radio.Config {
	return radio.Config{
		LossRate:      c.Radio.LossRate,
		DuplicateRate: c.Radio.DuplicateRate,
		MinLatency:    c.Radio.MinLatency.D(),
		MaxLatency:    c.Radio.MaxLatency.D(),
		Seed:          c.Seed,
	}
}

func unit(v float64) bool { return v >= 0 && v <= 1 }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
