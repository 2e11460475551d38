package robstride

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/kbotlabs/kbot/logging"
	"github.com/kbotlabs/kbot/utils"
)

// ControlConfig is the control loop configuration applied to one motor.
type ControlConfig struct {
	Kp          float64
	Kd          float64
	MaxTorque   *float64
	MaxVelocity *float64
	MaxCurrent  *float64
}

// MotorSpec is a configured motor. Limits are in radians and radians per second; zero means no
// limit.
type MotorSpec struct {
	ID             uint8
	Model          Model
	MaxAngleChange float64
	MaxVelocity    float64
}

// Supervisor owns the buses and every motor's feedback and command state. It is not safe for
// concurrent use; the caller serializes access.
type Supervisor interface {
	AddTransport(name string, t Transport) error
	// Poll processes received frames and resends each motor's last motion target.
	Poll(ctx context.Context) error
	// ScanBus returns the configured motors that answer on the named transport.
	ScanBus(ctx context.Context, name string) ([]uint8, error)
	Command(ctx context.Context, motorID uint8, position, velocity, torque float64) error
	Configure(ctx context.Context, motorID uint8, cfg ControlConfig) error
	Enable(ctx context.Context, motorID uint8) error
	Disable(ctx context.Context, motorID uint8, clearFault bool) error
	Zero(ctx context.Context, motorID uint8) error
	ChangeID(ctx context.Context, motorID, newID uint8) error
	// Feedback returns the last feedback of a motor and when it was received.
	Feedback(motorID uint8) (Feedback, time.Time, bool)
	Close() error
}

const frameQueueLen = 256

type busTransport struct {
	name   string
	t      Transport
	frames chan Frame

	mu  sync.Mutex
	err error
}

func (bt *busTransport) setErr(err error) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.err = err
}

func (bt *busTransport) getErr() error {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.err
}

type motorState struct {
	spec    MotorSpec
	bus     string
	control ControlConfig
	target  *MotionTarget

	feedback    Feedback
	feedbackAt  time.Time
	hasFeedback bool
}

// busSupervisor drives RobStride motors over one or more transports. Each transport has a reader
// goroutine that queues frames; all motor state is touched only from Supervisor methods.
type busSupervisor struct {
	timeout time.Duration
	clk     clock.Clock
	logger  logging.Logger

	transports []*busTransport
	motors     map[uint8]*motorState
	workers    *utils.StoppableWorkers
}

// NewBusSupervisor returns a supervisor for the given motors. timeout bounds how long a bus scan
// waits for replies.
func NewBusSupervisor(motors []MotorSpec, timeout time.Duration, clk clock.Clock, logger logging.Logger) Supervisor {
	return newBusSupervisor(motors, timeout, clk, logger)
}

func newBusSupervisor(motors []MotorSpec, timeout time.Duration, clk clock.Clock, logger logging.Logger) *busSupervisor {
	return &busSupervisor{
		timeout: timeout,
		clk:     clk,
		logger:  logger,
		motors: lo.SliceToMap(motors, func(m MotorSpec) (uint8, *motorState) {
			return m.ID, &motorState{spec: m}
		}),
		workers: utils.NewStoppableWorkers(),
	}
}

func (s *busSupervisor) AddTransport(name string, t Transport) error {
	if _, ok := s.transport(name); ok {
		return errors.Errorf("transport %s already added", name)
	}
	bt := &busTransport{name: name, t: t, frames: make(chan Frame, frameQueueLen)}
	s.transports = append(s.transports, bt)
	s.workers.AddWorkers(func(ctx context.Context) {
		s.readLoop(ctx, bt)
	})
	return nil
}

func (s *busSupervisor) readLoop(ctx context.Context, bt *busTransport) {
	for ctx.Err() == nil {
		f, err := bt.t.Recv()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warnw("transport receive failed", "transport", bt.name, "error", err)
			bt.setErr(errors.Wrapf(err, "transport %s", bt.name))
			return
		}
		select {
		case bt.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (s *busSupervisor) transport(name string) (*busTransport, bool) {
	return lo.Find(s.transports, func(bt *busTransport) bool { return bt.name == name })
}

func (s *busSupervisor) motor(id uint8) (*motorState, error) {
	m, ok := s.motors[id]
	if !ok {
		return nil, errors.Errorf("motor %d is not configured", id)
	}
	return m, nil
}

// reachable returns the motor and the bus it was discovered on.
func (s *busSupervisor) reachable(id uint8) (*motorState, *busTransport, error) {
	m, err := s.motor(id)
	if err != nil {
		return nil, nil, err
	}
	bt, ok := s.transport(m.bus)
	if !ok {
		return nil, nil, errors.Errorf("motor %d was not found on any bus", id)
	}
	return m, bt, nil
}

func (s *busSupervisor) send(id uint8, f Frame) error {
	_, bt, err := s.reachable(id)
	if err != nil {
		return err
	}
	return errors.Wrapf(bt.t.Send(f), "sending to motor %d on %s", id, bt.name)
}

// handleFrame records feedback and discovery replies. It returns the id of the motor that sent
// the frame, if any.
func (s *busSupervisor) handleFrame(bus string, f Frame) (uint8, bool) {
	if id, ok := deviceIDReply(f); ok {
		if m, known := s.motors[id]; known {
			m.bus = bus
			return id, true
		}
		return 0, false
	}

	id, ok := feedbackSender(f)
	if !ok {
		return 0, false
	}
	m, known := s.motors[id]
	if !known {
		return 0, false
	}
	fb, err := decodeFeedback(f, m.spec.Model)
	if err != nil {
		s.logger.Debugw("dropping malformed feedback", "motor", id, "error", err)
		return 0, false
	}
	m.bus = bus
	m.feedback = fb
	m.feedbackAt = s.clk.Now()
	m.hasFeedback = true
	return id, true
}

func (s *busSupervisor) drain() {
	for _, bt := range s.transports {
		for drained := false; !drained; {
			select {
			case f := <-bt.frames:
				s.handleFrame(bt.name, f)
			default:
				drained = true
			}
		}
	}
}

// limitTarget bounds the step from the last feedback angle and the velocity magnitude.
func limitTarget(m *motorState) MotionTarget {
	target := *m.target
	if m.hasFeedback {
		target.Position = utils.ClampStep(m.feedback.Angle, target.Position, m.spec.MaxAngleChange)
	}
	if m.spec.MaxVelocity > 0 {
		target.Velocity = utils.Clamp(target.Velocity, -m.spec.MaxVelocity, m.spec.MaxVelocity)
	}
	return target
}

func (s *busSupervisor) Poll(ctx context.Context) error {
	for _, bt := range s.transports {
		if err := bt.getErr(); err != nil {
			return err
		}
	}
	s.drain()

	for id, m := range s.motors {
		if m.target == nil || m.bus == "" {
			continue
		}
		if err := s.send(id, encodeMotion(id, m.spec.Model, limitTarget(m))); err != nil {
			s.logger.Debugw("resending motion target failed", "motor", id, "error", err)
		}
	}
	return nil
}

func (s *busSupervisor) ScanBus(ctx context.Context, name string) ([]uint8, error) {
	bt, ok := s.transport(name)
	if !ok {
		return nil, errors.Errorf("unknown transport %s", name)
	}

	pending := make(map[uint8]struct{}, len(s.motors))
	for id := range s.motors {
		if err := bt.t.Send(encodeGetID(id)); err != nil {
			return nil, errors.Wrapf(err, "pinging motor %d on %s", id, name)
		}
		pending[id] = struct{}{}
	}

	var found []uint8
	deadline := s.clk.Timer(s.timeout)
	defer deadline.Stop()
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return found, nil
		case f := <-bt.frames:
			id, ok := s.handleFrame(name, f)
			if !ok {
				continue
			}
			if _, waiting := pending[id]; waiting {
				delete(pending, id)
				found = append(found, id)
			}
		}
	}
	return found, nil
}

func (s *busSupervisor) Command(ctx context.Context, motorID uint8, position, velocity, torque float64) error {
	m, _, err := s.reachable(motorID)
	if err != nil {
		return err
	}
	m.target = &MotionTarget{
		Position: position,
		Velocity: velocity,
		Torque:   torque,
		Kp:       m.control.Kp,
		Kd:       m.control.Kd,
	}
	return s.send(motorID, encodeMotion(motorID, m.spec.Model, limitTarget(m)))
}

func (s *busSupervisor) Configure(ctx context.Context, motorID uint8, cfg ControlConfig) error {
	m, _, err := s.reachable(motorID)
	if err != nil {
		return err
	}
	m.control = cfg
	for _, p := range []struct {
		index uint16
		value *float64
	}{
		{paramLimitTorque, cfg.MaxTorque},
		{paramLimitSpeed, cfg.MaxVelocity},
		{paramLimitCur, cfg.MaxCurrent},
	} {
		if p.value == nil {
			continue
		}
		if err := s.send(motorID, encodeWriteParam(motorID, p.index, float32(*p.value))); err != nil {
			return err
		}
	}
	return nil
}

func (s *busSupervisor) Enable(ctx context.Context, motorID uint8) error {
	return s.send(motorID, encodeEnable(motorID))
}

// Disable stops the motor and forgets its motion target.
func (s *busSupervisor) Disable(ctx context.Context, motorID uint8, clearFault bool) error {
	m, _, err := s.reachable(motorID)
	if err != nil {
		return err
	}
	m.target = nil
	return s.send(motorID, encodeStop(motorID, clearFault))
}

// Zero makes the current angle the new zero. The motion target is dropped since it was relative
// to the old zero.
func (s *busSupervisor) Zero(ctx context.Context, motorID uint8) error {
	m, _, err := s.reachable(motorID)
	if err != nil {
		return err
	}
	m.target = nil
	return s.send(motorID, encodeSetZero(motorID))
}

// ChangeID reassigns the motor's bus id. Its state moves to the new id.
func (s *busSupervisor) ChangeID(ctx context.Context, motorID, newID uint8) error {
	m, _, err := s.reachable(motorID)
	if err != nil {
		return err
	}
	if _, taken := s.motors[newID]; taken && newID != motorID {
		return errors.Errorf("motor id %d is already configured", newID)
	}
	if err := s.send(motorID, encodeSetID(motorID, newID)); err != nil {
		return err
	}
	delete(s.motors, motorID)
	m.spec.ID = newID
	s.motors[newID] = m
	return nil
}

func (s *busSupervisor) Feedback(motorID uint8) (Feedback, time.Time, bool) {
	m, ok := s.motors[motorID]
	if !ok || !m.hasFeedback {
		return Feedback{}, time.Time{}, false
	}
	return m.feedback, m.feedbackAt, true
}

// Close stops the readers and closes every transport. A reader whose Recv does not return after
// its transport is closed is left behind once the actuator timeout passes.
func (s *busSupervisor) Close() error {
	s.workers.Cancel()
	var errs error
	for _, bt := range s.transports {
		errs = multierr.Append(errs, bt.t.Close())
	}

	timer := s.clk.Timer(s.timeout)
	defer timer.Stop()
	select {
	case <-s.workers.Done():
	case <-timer.C:
		s.logger.Warnw("transport readers did not stop", "timeout", s.timeout)
	}
	return errs
}
