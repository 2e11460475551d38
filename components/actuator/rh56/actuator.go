package rh56

import (
	"context"
	"io"
	"math"

	"go.opencensus.io/trace"
	goutils "go.viam.com/utils"

	"github.com/kbotlabs/kbot/components/actuator"
	"github.com/kbotlabs/kbot/logging"
	"github.com/kbotlabs/kbot/operation"
	"github.com/kbotlabs/kbot/utils"
)

const (
	// External positions are [0, 100]; the hand works in [0, 1000].
	positionScale  = 10.0
	maxRawPosition = 1000
)

// Config describes how to reach the hand.
type Config struct {
	SerialPath string `json:"serial_path" yaml:"serial_path"`
	BaudRate   int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	HandID     uint8  `json:"hand_id" yaml:"hand_id"`
	IDOffset   uint32 `json:"id_offset" yaml:"id_offset"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.SerialPath == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "serial_path")
	}
	if cfg.HandID == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "hand_id")
	}
	return nil
}

// Range is the block of actuator ids owned by the hand, one per finger.
func (cfg *Config) Range() actuator.IDRange {
	return actuator.IDRange{Min: cfg.IDOffset, Max: cfg.IDOffset + FingerCount - 1}
}

// Actuator exposes the hand's fingers as actuators id_offset through id_offset+5.
type Actuator struct {
	hand   *Hand
	offset uint32
	logger logging.Logger
}

// NewActuator opens the serial port from cfg, starts the hand's poll loop and wraps it.
func NewActuator(cfg Config, logger logging.Logger) (*Actuator, error) {
	port, err := OpenPort(cfg.SerialPath, cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	return newActuator(port, cfg, logger), nil
}

func newActuator(port io.ReadWriteCloser, cfg Config, logger logging.Logger) *Actuator {
	hand := NewHand(port, cfg.HandID, logger.Sublogger("hand"))
	hand.Start()
	return &Actuator{hand: hand, offset: cfg.IDOffset, logger: logger}
}

// Hand is the underlying driver.
func (a *Actuator) Hand() *Hand {
	return a.hand
}

func (a *Actuator) finger(id uint32) (int, bool) {
	if id < a.offset || id > a.offset+FingerCount-1 {
		return 0, false
	}
	return int(id - a.offset), true
}

// toRaw converts an external [0, 100] position to the hand's scale, truncating toward zero.
func toRaw(position float64) int {
	if math.IsNaN(position) {
		return 0
	}
	return int(utils.Clamp(position*positionScale, 0, maxRawPosition))
}

// Command sets finger positions. Commands for ids the hand does not own, or without a position,
// produce no result.
func (a *Actuator) Command(ctx context.Context, commands []actuator.Command) ([]actuator.ActionResult, error) {
	ctx, span := trace.StartSpan(ctx, "rh56::Command")
	defer span.End()

	var results []actuator.ActionResult
	for _, cmd := range commands {
		finger, ok := a.finger(cmd.ActuatorID)
		if !ok || cmd.Position == nil {
			continue
		}
		if err := a.hand.SetFingerPosition(ctx, finger, toRaw(*cmd.Position)); err != nil {
			results = append(results, actuator.Failed(cmd.ActuatorID, err))
			continue
		}
		results = append(results, actuator.Succeeded(cmd.ActuatorID))
	}
	return results, nil
}

// Configure is accepted and ignored; the hand has no tunable control loop.
func (a *Actuator) Configure(ctx context.Context, id uint32, req actuator.ConfigureRequest) (actuator.ActionResponse, error) {
	return actuator.ActionResponse{Success: true}, nil
}

// Calibrate is accepted and reported as already done.
func (a *Actuator) Calibrate(ctx context.Context, id uint32, req actuator.CalibrateRequest) (operation.Operation, error) {
	return operation.Completed("calibrate"), nil
}

// State reports cached finger positions on the external scale. The hand has no velocity
// feedback, so velocity is always zero.
func (a *Actuator) State(ctx context.Context, ids []uint32) ([]actuator.StateResponse, error) {
	_, span := trace.StartSpan(ctx, "rh56::State")
	defer span.End()

	var states []actuator.StateResponse
	for _, id := range ids {
		finger, ok := a.finger(id)
		if !ok {
			continue
		}
		state := actuator.StateResponse{ActuatorID: id, Online: true, Velocity: new(float64)}
		if raw, err := a.hand.FingerPosition(finger); err == nil {
			pos := float64(raw) / positionScale
			state.Position = &pos
		}
		states = append(states, state)
	}
	return states, nil
}

// Close stops the hand's poll loop and closes its port.
func (a *Actuator) Close(ctx context.Context) error {
	return a.hand.Close()
}
