// Package actuator defines the uniform command and state surface shared by every actuator
// backend of the robot. Actuators are addressed by a flat numeric ID space; each backend owns a
// disjoint range of it.
package actuator

import (
	"context"

	"github.com/kbotlabs/kbot/operation"
)

// Command is a target for one actuator. A nil field is left unspecified and the backend picks its
// hardware default. Position is in degrees, velocity in degrees per second, torque in newton meters.
type Command struct {
	ActuatorID uint32
	Position   *float64
	Velocity   *float64
	Torque     *float64
}

// ActionResult is the outcome of one Command.
type ActionResult struct {
	ActuatorID uint32
	Success    bool
	Error      *Error
}

// ActionResponse is the outcome of a Configure call.
type ActionResponse struct {
	Success bool
	Error   *Error
}

// ConfigureRequest holds optional control loop settings for one actuator.
type ConfigureRequest struct {
	Kp            *float64
	Kd            *float64
	Ki            *float64
	MaxTorque     *float64
	TorqueEnabled *bool
	ZeroPosition  *bool
	NewActuatorID *uint32
}

// CalibrateRequest holds optional calibration parameters.
type CalibrateRequest struct {
	CalibrationSpeed *float64
	ThresholdCurrent *float64
}

// StateResponse is the last known state of one actuator. Nil fields are not reported by the
// backend.
type StateResponse struct {
	ActuatorID  uint32
	Online      bool
	Position    *float64
	Velocity    *float64
	Torque      *float64
	Temperature *float64
	Voltage     *float32
	Current     *float32
	Faults      []string
}

// An Actuator is a set of addressable joints or fingers behind one hardware backend.
//
// Command example:
//
//	pos := 30.0
//	results, err := myActuator.Command(ctx, []actuator.Command{{ActuatorID: 11, Position: &pos}})
//
// State example:
//
//	states, err := myActuator.State(ctx, []uint32{11, 12, 13})
type Actuator interface {
	// Command sends each command to its actuator and reports one result per handled command.
	Command(ctx context.Context, commands []Command) ([]ActionResult, error)

	// Configure applies control settings to a single actuator.
	Configure(ctx context.Context, id uint32, req ConfigureRequest) (ActionResponse, error)

	// Calibrate starts a calibration of a single actuator.
	Calibrate(ctx context.Context, id uint32, req CalibrateRequest) (operation.Operation, error)

	// State reports the last known state of each requested actuator. Actuators the backend has no
	// data for are left out.
	State(ctx context.Context, ids []uint32) ([]StateResponse, error)

	// Close stops background work and releases the backend's transports.
	Close(ctx context.Context) error
}

// Succeeded returns a successful result for id.
func Succeeded(id uint32) ActionResult {
	return ActionResult{ActuatorID: id, Success: true}
}

// Failed returns a hardware failure result for id.
func Failed(id uint32, err error) ActionResult {
	return ActionResult{ActuatorID: id, Error: NewHardwareFailure(err)}
}
