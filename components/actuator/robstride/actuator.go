// Package robstride drives RobStride CAN servo motors spread over one or more buses and adapts them
// to the actuator surface.
package robstride

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/kbotlabs/kbot/components/actuator"
	"github.com/kbotlabs/kbot/logging"
	"github.com/kbotlabs/kbot/operation"
	"github.com/kbotlabs/kbot/utils"
)

const (
	// Feedback older than this marks a motor offline.
	onlineThreshold = time.Second

	defaultMaxTorque   = 2.0
	defaultMaxVelocity = 5.0
	defaultMaxCurrent  = 10.0
)

// MotorConfig describes one motor on the buses. Limits are in degrees and degrees per second.
type MotorConfig struct {
	ID                uint8    `json:"id" yaml:"id"`
	Type              string   `json:"type" yaml:"type"`
	MaxAngleChangeDeg *float64 `json:"max_angle_change_deg,omitempty" yaml:"max_angle_change_deg,omitempty"`
	MaxVelocityDeg    *float64 `json:"max_velocity_deg,omitempty" yaml:"max_velocity_deg,omitempty"`
}

// Config describes the buses and the motors expected on them.
type Config struct {
	Ports           []string          `json:"ports" yaml:"ports"`
	ActuatorTimeout string            `json:"actuator_timeout,omitempty" yaml:"actuator_timeout,omitempty"`
	PollingInterval string            `json:"polling_interval,omitempty" yaml:"polling_interval,omitempty"`
	IDRange         *actuator.IDRange `json:"id_range,omitempty" yaml:"id_range,omitempty"`
	Motors          []MotorConfig     `json:"motors" yaml:"motors"`
}

const (
	defaultActuatorTimeout = time.Second
	defaultPollingInterval = 7 * time.Millisecond
)

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Timeouts returns the scan timeout and the supervisor poll interval.
func (cfg *Config) Timeouts() (time.Duration, time.Duration, error) {
	timeout, err := parseDuration(cfg.ActuatorTimeout, defaultActuatorTimeout)
	if err != nil {
		return 0, 0, errors.Wrap(err, "actuator_timeout")
	}
	interval, err := parseDuration(cfg.PollingInterval, defaultPollingInterval)
	if err != nil {
		return 0, 0, errors.Wrap(err, "polling_interval")
	}
	return timeout, interval, nil
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if len(cfg.Ports) == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "ports")
	}
	for _, port := range cfg.Ports {
		if _, err := ParseTransportKind(port); err != nil {
			return errors.Wrapf(err, "%s.ports", path)
		}
	}
	if len(cfg.Motors) == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "motors")
	}
	if dup := lo.FindDuplicatesBy(cfg.Motors, func(m MotorConfig) uint8 { return m.ID }); len(dup) > 0 {
		return errors.Errorf("%s.motors: motor id %d listed twice", path, dup[0].ID)
	}
	if _, err := cfg.MotorSpecs(); err != nil {
		return errors.Wrapf(err, "%s.motors", path)
	}
	if _, _, err := cfg.Timeouts(); err != nil {
		return errors.Wrap(err, path)
	}
	if cfg.IDRange != nil {
		if err := cfg.IDRange.Validate(); err != nil {
			return errors.Wrapf(err, "%s.id_range", path)
		}
	}
	return nil
}

// MotorSpecs converts the motor table to wire units.
func (cfg *Config) MotorSpecs() ([]MotorSpec, error) {
	specs := make([]MotorSpec, 0, len(cfg.Motors))
	for _, m := range cfg.Motors {
		model, err := ParseModel(m.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "motor %d", m.ID)
		}
		spec := MotorSpec{ID: m.ID, Model: model}
		if m.MaxAngleChangeDeg != nil {
			spec.MaxAngleChange = utils.DegToRad(*m.MaxAngleChangeDeg)
		}
		if m.MaxVelocityDeg != nil {
			spec.MaxVelocity = utils.DegToRad(*m.MaxVelocityDeg)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Range is the configured id range, or the span of the motor ids.
func (cfg *Config) Range() actuator.IDRange {
	if cfg.IDRange != nil {
		return *cfg.IDRange
	}
	ids := lo.Map(cfg.Motors, func(m MotorConfig, _ int) uint32 { return uint32(m.ID) })
	if len(ids) == 0 {
		return actuator.IDRange{}
	}
	return actuator.IDRange{Min: lo.Min(ids), Max: lo.Max(ids)}
}

// TransportOpener opens a transport by name.
type TransportOpener func(name string) (Transport, error)

// Actuator exposes RobStride motors as actuators addressed by their bus id. One mutex guards the
// supervisor and is held for exactly one supervisor call at a time, shared with the background
// poll task.
type Actuator struct {
	mu     sync.Mutex
	sup    Supervisor
	clk    clock.Clock
	logger logging.Logger

	workers *utils.StoppableWorkers
}

// NewActuator opens every port in cfg, starts polling and scans each bus for the configured
// motors. Missing motors are logged, not fatal.
func NewActuator(ctx context.Context, cfg Config, logger logging.Logger) (*Actuator, error) {
	specs, err := cfg.MotorSpecs()
	if err != nil {
		return nil, err
	}
	timeout, interval, err := cfg.Timeouts()
	if err != nil {
		return nil, err
	}
	clk := clock.New()
	sup := NewBusSupervisor(specs, timeout, clk, logger.Sublogger("supervisor"))
	return newActuator(ctx, cfg.Ports, specs, interval, sup, OpenTransport, clk, logger)
}

func newActuator(
	ctx context.Context,
	ports []string,
	specs []MotorSpec,
	pollingInterval time.Duration,
	sup Supervisor,
	open TransportOpener,
	clk clock.Clock,
	logger logging.Logger,
) (*Actuator, error) {
	for _, port := range ports {
		if _, err := ParseTransportKind(port); err != nil {
			return nil, closeOnErr(err, sup)
		}
	}
	for _, port := range ports {
		t, err := open(port)
		if err != nil {
			return nil, errors.Wrapf(closeOnErr(err, sup), "opening %s", port)
		}
		if err := sup.AddTransport(port, t); err != nil {
			return nil, closeOnErr(multierr.Combine(err, t.Close()), sup)
		}
	}

	a := &Actuator{sup: sup, clk: clk, logger: logger, workers: utils.NewStoppableWorkers()}
	a.workers.AddPeriodic(clk, pollingInterval, a.pollOnce)

	found := make(map[uint8]bool, len(specs))
	for _, port := range ports {
		a.mu.Lock()
		ids, err := a.sup.ScanBus(ctx, port)
		a.mu.Unlock()
		if err != nil {
			a.workers.Stop()
			return nil, errors.Wrapf(closeOnErr(err, sup), "scanning %s", port)
		}
		for _, id := range ids {
			found[id] = true
		}
		logger.Debugw("bus scanned", "port", port, "found", ids)
	}

	for _, spec := range lo.Reject(specs, func(s MotorSpec, _ int) bool { return found[s.ID] }) {
		logger.Warnw("configured motor not found", "id", spec.ID, "type", spec.Model.String())
	}
	return a, nil
}

func closeOnErr(err error, sup Supervisor) error {
	return multierr.Combine(err, sup.Close())
}

// pollOnce runs one supervisor poll. A failure ends the poll task only.
func (a *Actuator) pollOnce(ctx context.Context) bool {
	a.mu.Lock()
	err := a.sup.Poll(ctx)
	a.mu.Unlock()
	if err != nil {
		a.logger.Errorw("supervisor task failed", "error", err)
		return false
	}
	return true
}

func motorID(id uint32) (uint8, error) {
	if id > 0xFF {
		return 0, errors.Errorf("actuator id %d does not fit a bus id", id)
	}
	return uint8(id), nil
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// Command sends one motion command per entry, converting degrees to radians. Each failure is
// reported against its id and does not stop the batch. Ids that do not fit a bus id are rejected
// before any I/O.
func (a *Actuator) Command(ctx context.Context, commands []actuator.Command) ([]actuator.ActionResult, error) {
	ctx, span := trace.StartSpan(ctx, "robstride::Command")
	defer span.End()

	results := make([]actuator.ActionResult, 0, len(commands))
	for _, cmd := range commands {
		id, err := motorID(cmd.ActuatorID)
		if err != nil {
			results = append(results, actuator.ActionResult{
				ActuatorID: cmd.ActuatorID,
				Error:      actuator.NewInvalidArgument("%v", err),
			})
			continue
		}
		a.mu.Lock()
		err = a.sup.Command(ctx, id,
			utils.DegToRad(valueOr(cmd.Position, 0)),
			utils.DegToRad(valueOr(cmd.Velocity, 0)),
			valueOr(cmd.Torque, 0),
		)
		a.mu.Unlock()
		if err != nil {
			results = append(results, actuator.Failed(cmd.ActuatorID, err))
			continue
		}
		results = append(results, actuator.Succeeded(cmd.ActuatorID))
	}
	return results, nil
}

// Configure applies gains and limits, then optionally enables or disables torque, zeroes the
// position and changes the bus id, in that order. An error in any step after the gains aborts the
// remaining steps.
func (a *Actuator) Configure(ctx context.Context, id uint32, req actuator.ConfigureRequest) (actuator.ActionResponse, error) {
	ctx, span := trace.StartSpan(ctx, "robstride::Configure")
	defer span.End()

	motor, err := motorID(id)
	if err != nil {
		return actuator.ActionResponse{}, err
	}

	maxTorque := valueOr(req.MaxTorque, defaultMaxTorque)
	maxVelocity := defaultMaxVelocity
	maxCurrent := defaultMaxCurrent
	control := ControlConfig{
		Kp:          valueOr(req.Kp, 0),
		Kd:          valueOr(req.Kd, 0),
		MaxTorque:   &maxTorque,
		MaxVelocity: &maxVelocity,
		MaxCurrent:  &maxCurrent,
	}

	configureErr := a.locked(func() error { return a.sup.Configure(ctx, motor, control) })

	if req.TorqueEnabled != nil {
		var err error
		if *req.TorqueEnabled {
			err = a.locked(func() error { return a.sup.Enable(ctx, motor) })
		} else {
			err = a.locked(func() error { return a.sup.Disable(ctx, motor, true) })
		}
		if err != nil {
			return actuator.ActionResponse{}, err
		}
	}

	if req.ZeroPosition != nil && *req.ZeroPosition {
		if err := a.locked(func() error { return a.sup.Zero(ctx, motor) }); err != nil {
			return actuator.ActionResponse{}, err
		}
	}

	if req.NewActuatorID != nil {
		newID, err := motorID(*req.NewActuatorID)
		if err != nil {
			return actuator.ActionResponse{}, err
		}
		if err := a.locked(func() error { return a.sup.ChangeID(ctx, motor, newID) }); err != nil {
			return actuator.ActionResponse{}, err
		}
	}

	if configureErr != nil {
		return actuator.ActionResponse{Error: actuator.NewHardwareFailure(configureErr)}, nil
	}
	return actuator.ActionResponse{Success: true}, nil
}

func (a *Actuator) locked(f func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return f()
}

// Calibrate is not supported by the motors; it returns an empty operation.
func (a *Actuator) Calibrate(ctx context.Context, id uint32, req actuator.CalibrateRequest) (operation.Operation, error) {
	return operation.Operation{}, nil
}

// State reports the last feedback of each motor in degrees. A motor is online while its feedback
// is younger than one second. Motors with no feedback yet are left out.
func (a *Actuator) State(ctx context.Context, ids []uint32) ([]actuator.StateResponse, error) {
	_, span := trace.StartSpan(ctx, "robstride::State")
	defer span.End()

	var states []actuator.StateResponse
	for _, id := range ids {
		motor, err := motorID(id)
		if err != nil {
			continue
		}
		a.mu.Lock()
		fb, at, ok := a.sup.Feedback(motor)
		a.mu.Unlock()
		if !ok {
			continue
		}
		position := utils.RadToDeg(fb.Angle)
		velocity := utils.RadToDeg(fb.Velocity)
		torque := fb.Torque
		temperature := fb.Temperature
		states = append(states, actuator.StateResponse{
			ActuatorID:  id,
			Online:      a.clk.Since(at) < onlineThreshold,
			Position:    &position,
			Velocity:    &velocity,
			Torque:      &torque,
			Temperature: &temperature,
			Faults:      fb.Faults,
		})
	}
	return states, nil
}

// Close stops the poll task and closes the buses.
func (a *Actuator) Close(ctx context.Context) error {
	a.workers.Stop()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup.Close()
}
