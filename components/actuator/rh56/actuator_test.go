package rh56

import (
	"context"
	"math"
	"testing"

	"go.viam.com/test"

	"github.com/kbotlabs/kbot/components/actuator"
	"github.com/kbotlabs/kbot/logging"
)

func newTestActuator(t *testing.T, port *fakePort) *Actuator {
	t.Helper()
	logger := logging.NewTestLogger(t)
	h := NewHand(port, 1, logger)
	h.settle = 0
	return &Actuator{hand: h, offset: 51, logger: logger}
}

func sentPositions(t *testing.T, frame []byte) [FingerCount]int {
	t.Helper()
	payload, err := decodeReadResponse(frame)
	test.That(t, err, test.ShouldBeNil)
	values, err := unpack6(payload)
	test.That(t, err, test.ShouldBeNil)
	return values
}

func position(p float64) *float64 {
	return &p
}

func TestCommandMapsIDsToFingers(t *testing.T) {
	ctx := context.Background()
	port := &fakePort{}
	a := newTestActuator(t, port)

	results, err := a.Command(ctx, []actuator.Command{{ActuatorID: 53, Position: position(42)}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldResemble, []actuator.ActionResult{actuator.Succeeded(53)})
	test.That(t, sentPositions(t, port.written()[0]), test.ShouldResemble,
		[FingerCount]int{-1, -1, 420, -1, -1, -1})
}

func TestCommandScaling(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name string
		in   float64
		raw  int
	}{
		{"midpoint", 50, 500},
		{"truncates", 12.39, 123},
		{"clamps high", 250, 1000},
		{"clamps low", -5, 0},
		{"nan", math.NaN(), 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			port := &fakePort{}
			a := newTestActuator(t, port)
			_, err := a.Command(ctx, []actuator.Command{{ActuatorID: 51, Position: position(tc.in)}})
			test.That(t, err, test.ShouldBeNil)
			test.That(t, sentPositions(t, port.written()[0])[0], test.ShouldEqual, tc.raw)
		})
	}
}

func TestCommandSkipsUnownedIDs(t *testing.T) {
	ctx := context.Background()
	port := &fakePort{}
	a := newTestActuator(t, port)

	results, err := a.Command(ctx, []actuator.Command{
		{ActuatorID: 50, Position: position(10)},
		{ActuatorID: 57, Position: position(10)},
		{ActuatorID: 52},
		{ActuatorID: 56, Position: position(10)},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldHaveLength, 1)
	test.That(t, results[0].ActuatorID, test.ShouldEqual, uint32(56))
	test.That(t, port.written(), test.ShouldHaveLength, 1)
}

func TestState(t *testing.T) {
	ctx := context.Background()
	port := &fakePort{}
	a := newTestActuator(t, port)

	_, err := a.Command(ctx, []actuator.Command{{ActuatorID: 54, Position: position(75)}})
	test.That(t, err, test.ShouldBeNil)

	states, err := a.State(ctx, []uint32{54, 55, 99})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, states, test.ShouldHaveLength, 2)

	test.That(t, states[0].ActuatorID, test.ShouldEqual, uint32(54))
	test.That(t, states[0].Online, test.ShouldBeTrue)
	test.That(t, *states[0].Position, test.ShouldEqual, 75.0)
	test.That(t, *states[0].Velocity, test.ShouldEqual, 0.0)
	test.That(t, states[0].Torque, test.ShouldBeNil)
	test.That(t, states[0].Temperature, test.ShouldBeNil)

	// Fingers that were never set or polled report the unset sentinel.
	test.That(t, *states[1].Position, test.ShouldEqual, -0.1)
}

func TestConfigureAndCalibrate(t *testing.T) {
	ctx := context.Background()
	port := &fakePort{}
	a := newTestActuator(t, port)

	resp, err := a.Configure(ctx, 51, actuator.ConfigureRequest{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Success, test.ShouldBeTrue)

	op, err := a.Calibrate(ctx, 51, actuator.CalibrateRequest{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, op.Done, test.ShouldBeTrue)
	test.That(t, op.IsZero(), test.ShouldBeFalse)
	test.That(t, port.written(), test.ShouldBeEmpty)

	test.That(t, a.Close(ctx), test.ShouldBeNil)
	test.That(t, port.isClosed(), test.ShouldBeTrue)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{SerialPath: "/dev/ttyUSB1", HandID: 1, IDOffset: 51}
	test.That(t, cfg.Validate("hand"), test.ShouldBeNil)
	test.That(t, cfg.Range(), test.ShouldResemble, actuator.IDRange{Min: 51, Max: 56})

	cfg.SerialPath = ""
	err := cfg.Validate("hand")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "serial_path")
}
