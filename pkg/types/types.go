// Package types defines the data structures shared between the simulator's
// components: axis configuration as persisted in YAML, axis state as published
// to observers, and the IPC envelope exchanged with clients.
package types

import (
	"time"

	"motorsim/internal/logging"
)

type AxisID string

// AxisConfig is the persisted configuration of one simulated axis. Velocities
// are raw units per second, limits and position are user units.
type AxisConfig struct {
	MinVelocity      float64  `yaml:"min_velocity" json:"min_velocity"`
	MaxVelocity      float64  `yaml:"max_velocity" json:"max_velocity"`
	AccelerationTime float64  `yaml:"acceleration_time" json:"acceleration_time"`
	DecelerationTime float64  `yaml:"deceleration_time" json:"deceleration_time"`
	StepPerUnit      float64  `yaml:"step_per_unit" json:"step_per_unit"`
	LowerLimit       *float64 `yaml:"lower_limit,omitempty" json:"lower_limit,omitempty"`
	UpperLimit       *float64 `yaml:"upper_limit,omitempty" json:"upper_limit,omitempty"`
	Power            bool     `yaml:"power" json:"power"`
	Position         float64  `yaml:"position" json:"position"`
	Units            string   `yaml:"units,omitempty" json:"units,omitempty"`
}

// AxisState is what observers see of an axis after an evaluation.
type AxisState struct {
	ID         AxisID    `json:"id"`
	Position   float64   `json:"position"`
	Velocity   float64   `json:"velocity"`
	Moving     bool      `json:"moving"`
	LowerLimit bool      `json:"lower_limit"`
	UpperLimit bool      `json:"upper_limit"`
	Power      bool      `json:"power"`
	Timestamp  time.Time `json:"timestamp"`
}

// Changed reports whether s differs from prev in anything an observer cares
// about. Timestamps and velocity alone do not count.
func (s AxisState) Changed(prev AxisState) bool {
	return s.Position != prev.Position ||
		s.Moving != prev.Moving ||
		s.LowerLimit != prev.LowerLimit ||
		s.UpperLimit != prev.UpperLimit ||
		s.Power != prev.Power
}

type IPCMessage struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id"`
}

// IPC message types.
const (
	MsgMove         = "move"
	MsgMoveRelative = "move_relative"
	MsgAbort        = "abort"
	MsgStatus       = "status"
	MsgPower        = "power"
	MsgConfigure    = "configure"
	MsgSetPosition  = "set_position"

	MsgResponse  = "response"
	MsgError     = "error_response"
	MsgAxisState = "axis_state"
)

type IPCConfig struct {
	Type       string        `yaml:"type"`
	Address    string        `yaml:"address"`
	Port       int           `yaml:"port"`
	Timeout    time.Duration `yaml:"timeout"`
	BufferSize int           `yaml:"buffer_size"`
}

// ModbusConfig describes the optional register mirror on an external Modbus
// TCP server.
type ModbusConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Address     string        `yaml:"address"`
	SlaveID     byte          `yaml:"slave_id"`
	BaseAddress uint16        `yaml:"base_address"`
	Scale       float64       `yaml:"scale"`
	Timeout     time.Duration `yaml:"timeout"`
	RetryCount  int           `yaml:"retry_count"`
}

// SerialConfig describes the optional ASCII status mirror on a serial port.
type SerialConfig struct {
	Enabled    bool   `yaml:"enabled"`
	PortName   string `yaml:"port_name"`
	BaudRate   int    `yaml:"baud_rate"`
	DataBits   int    `yaml:"data_bits"`
	StopBits   int    `yaml:"stop_bits"`
	Parity     string `yaml:"parity"`
	RetryCount int    `yaml:"retry_count"`
}

type SystemConfig struct {
	PollInterval time.Duration         `yaml:"poll_interval"`
	Logging      logging.Config        `yaml:"logging"`
	IPC          IPCConfig             `yaml:"ipc"`
	Modbus       ModbusConfig          `yaml:"modbus"`
	Serial       SerialConfig          `yaml:"serial"`
	Axes         map[AxisID]AxisConfig `yaml:"axes"`
}
