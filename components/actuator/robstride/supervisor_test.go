package robstride

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clk "github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/kbotlabs/kbot/logging"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport records sent frames. Motors listed in answering reply to device id requests.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []Frame
	answering map[uint8]bool
	sendErr   error

	rx      chan Frame
	done    chan struct{}
	once    sync.Once
	recvErr error
}

func newFakeTransport(answering ...uint8) *fakeTransport {
	ft := &fakeTransport{
		answering: map[uint8]bool{},
		rx:        make(chan Frame, 64),
		done:      make(chan struct{}),
		recvErr:   errTransportClosed,
	}
	for _, id := range answering {
		ft.answering[id] = true
	}
	return ft
}

func (ft *fakeTransport) Send(f Frame) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.sendErr != nil {
		return ft.sendErr
	}
	ft.sent = append(ft.sent, f)
	if ct, _, id := splitID(f.ID); ct == commGetID && ft.answering[id] {
		ft.rx <- Frame{ID: makeID(commGetID, uint16(id), 0xFE), Data: make([]byte, 8)}
	}
	return nil
}

func (ft *fakeTransport) Recv() (Frame, error) {
	select {
	case f := <-ft.rx:
		return f, nil
	case <-ft.done:
		return Frame{}, ft.recvErr
	}
}

func (ft *fakeTransport) Close() error {
	ft.once.Do(func() { close(ft.done) })
	return nil
}

// fail makes Recv return err, as a bus that went away would.
func (ft *fakeTransport) fail(err error) {
	ft.once.Do(func() {
		ft.recvErr = err
		close(ft.done)
	})
}

func (ft *fakeTransport) isClosed() bool {
	select {
	case <-ft.done:
		return true
	default:
		return false
	}
}

func (ft *fakeTransport) sentOf(ct commType) []Frame {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []Frame
	for _, f := range ft.sent {
		if c, _, _ := splitID(f.ID); c == ct {
			out = append(out, f)
		}
	}
	return out
}

var testMotors = []MotorSpec{
	{ID: 11, Model: RobStride03, MaxAngleChange: 0.5, MaxVelocity: 1},
	{ID: 12, Model: RobStride03},
}

func newTestSupervisor(t *testing.T) (*busSupervisor, *clk.Mock) {
	t.Helper()
	mc := clk.NewMock()
	s := newBusSupervisor(testMotors, time.Second, mc, logging.NewTestLogger(t))
	t.Cleanup(func() { s.Close() })
	return s, mc
}

// scan runs ScanBus while moving the mock clock forward until the scan returns.
func scan(t *testing.T, s *busSupervisor, mc *clk.Mock, name string) []uint8 {
	t.Helper()
	type result struct {
		ids []uint8
		err error
	}
	done := make(chan result, 1)
	go func() {
		ids, err := s.ScanBus(context.Background(), name)
		done <- result{ids, err}
	}()
	for {
		select {
		case r := <-done:
			test.That(t, r.err, test.ShouldBeNil)
			return r.ids
		case <-time.After(20 * time.Millisecond):
			mc.Add(250 * time.Millisecond)
		}
	}
}

func TestScanBus(t *testing.T) {
	t.Run("all motors answer", func(t *testing.T) {
		s, mc := newTestSupervisor(t)
		ft := newFakeTransport(11, 12)
		test.That(t, s.AddTransport("can1", ft), test.ShouldBeNil)

		ids := scan(t, s, mc, "can1")
		test.That(t, ids, test.ShouldHaveLength, 2)
		test.That(t, ids, test.ShouldContain, uint8(11))
		test.That(t, ids, test.ShouldContain, uint8(12))
		test.That(t, ft.sentOf(commGetID), test.ShouldHaveLength, 2)
	})

	t.Run("missing motor times out", func(t *testing.T) {
		s, mc := newTestSupervisor(t)
		ft := newFakeTransport(11)
		test.That(t, s.AddTransport("can1", ft), test.ShouldBeNil)

		test.That(t, scan(t, s, mc, "can1"), test.ShouldResemble, []uint8{11})
		test.That(t, s.Command(context.Background(), 12, 0, 0, 0), test.ShouldNotBeNil)
	})

	t.Run("unknown transport", func(t *testing.T) {
		s, _ := newTestSupervisor(t)
		_, err := s.ScanBus(context.Background(), "can9")
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("cancelled", func(t *testing.T) {
		s, _ := newTestSupervisor(t)
		test.That(t, s.AddTransport("can1", newFakeTransport()), test.ShouldBeNil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.ScanBus(ctx, "can1")
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	})
}

func TestAddTransportTwice(t *testing.T) {
	s, _ := newTestSupervisor(t)
	test.That(t, s.AddTransport("can1", newFakeTransport()), test.ShouldBeNil)
	err := s.AddTransport("can1", newFakeTransport())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already added")
}

func sentPosition(f Frame) float64 {
	return fromWire(uint16(f.Data[0])<<8|uint16(f.Data[1]), ranges[RobStride03].position)
}

func sentVelocity(f Frame) float64 {
	return fromWire(uint16(f.Data[2])<<8|uint16(f.Data[3]), ranges[RobStride03].velocity)
}

func TestCommandLimits(t *testing.T) {
	ctx := context.Background()
	s, mc := newTestSupervisor(t)
	ft := newFakeTransport(11, 12)
	test.That(t, s.AddTransport("can1", ft), test.ShouldBeNil)
	scan(t, s, mc, "can1")

	// Before any feedback the step is not limited.
	test.That(t, s.Command(ctx, 11, 2, 5, 0), test.ShouldBeNil)
	motion := ft.sentOf(commMotion)
	test.That(t, motion, test.ShouldHaveLength, 1)
	test.That(t, sentPosition(motion[0]), test.ShouldAlmostEqual, 2, 0.001)
	test.That(t, sentVelocity(motion[0]), test.ShouldAlmostEqual, 1, 0.002)

	ft.rx <- feedbackFrame(11, RobStride03, 0, 0, 0, 0, 300)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, s.Poll(ctx), test.ShouldBeNil)
		_, _, ok := s.Feedback(11)
		test.That(tb, ok, test.ShouldBeTrue)
	})

	fb, at, _ := s.Feedback(11)
	test.That(t, at.Equal(mc.Now()), test.ShouldBeTrue)
	test.That(t, fb.Temperature, test.ShouldAlmostEqual, 30)

	// Polls resend the target, now bounded to one step from the measured angle.
	before := len(ft.sentOf(commMotion))
	test.That(t, s.Poll(ctx), test.ShouldBeNil)
	motion = ft.sentOf(commMotion)
	test.That(t, len(motion), test.ShouldEqual, before+1)
	test.That(t, sentPosition(motion[len(motion)-1]), test.ShouldAlmostEqual, 0.5, 0.001)

	// Motor 12 has no limits.
	test.That(t, s.Command(ctx, 12, -3, -20, 0), test.ShouldBeNil)
	motion = ft.sentOf(commMotion)
	test.That(t, sentPosition(motion[len(motion)-1]), test.ShouldAlmostEqual, -3, 0.001)
	test.That(t, sentVelocity(motion[len(motion)-1]), test.ShouldAlmostEqual, -20, 0.002)

	_, _, ok := s.Feedback(12)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestCommandErrors(t *testing.T) {
	ctx := context.Background()
	s, mc := newTestSupervisor(t)
	ft := newFakeTransport(11)
	test.That(t, s.AddTransport("can1", ft), test.ShouldBeNil)
	scan(t, s, mc, "can1")

	err := s.Command(ctx, 99, 0, 0, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not configured")

	err = s.Command(ctx, 12, 0, 0, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not found on any bus")

	ft.mu.Lock()
	ft.sendErr = errors.New("bus off")
	ft.mu.Unlock()
	err = s.Command(ctx, 11, 0, 0, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bus off")
}

func TestConfigureAndControl(t *testing.T) {
	ctx := context.Background()
	s, mc := newTestSupervisor(t)
	ft := newFakeTransport(11, 12)
	test.That(t, s.AddTransport("can1", ft), test.ShouldBeNil)
	scan(t, s, mc, "can1")

	maxTorque, maxVelocity := 2.0, 5.0
	test.That(t, s.Configure(ctx, 11, ControlConfig{Kp: 50, Kd: 1, MaxTorque: &maxTorque, MaxVelocity: &maxVelocity}),
		test.ShouldBeNil)
	params := ft.sentOf(commWriteParam)
	test.That(t, params, test.ShouldResemble, []Frame{
		encodeWriteParam(11, paramLimitTorque, 2),
		encodeWriteParam(11, paramLimitSpeed, 5),
	})

	// Gains from the configuration ride along with every motion command.
	test.That(t, s.Command(ctx, 11, 0, 0, 0), test.ShouldBeNil)
	motion := ft.sentOf(commMotion)
	test.That(t, motion[0], test.ShouldResemble,
		encodeMotion(11, RobStride03, MotionTarget{Kp: 50, Kd: 1}))

	test.That(t, s.Enable(ctx, 11), test.ShouldBeNil)
	test.That(t, ft.sentOf(commEnable), test.ShouldResemble, []Frame{encodeEnable(11)})

	// Disabling drops the target so polls stop resending it.
	test.That(t, s.Disable(ctx, 11, true), test.ShouldBeNil)
	test.That(t, ft.sentOf(commStop), test.ShouldResemble, []Frame{encodeStop(11, true)})
	test.That(t, s.Poll(ctx), test.ShouldBeNil)
	test.That(t, ft.sentOf(commMotion), test.ShouldHaveLength, 1)

	test.That(t, s.Zero(ctx, 11), test.ShouldBeNil)
	test.That(t, ft.sentOf(commSetZero), test.ShouldResemble, []Frame{encodeSetZero(11)})
}

func TestChangeID(t *testing.T) {
	ctx := context.Background()
	s, mc := newTestSupervisor(t)
	ft := newFakeTransport(11, 12)
	test.That(t, s.AddTransport("can1", ft), test.ShouldBeNil)
	scan(t, s, mc, "can1")

	err := s.ChangeID(ctx, 11, 12)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already configured")
	test.That(t, ft.sentOf(commSetID), test.ShouldBeEmpty)

	test.That(t, s.ChangeID(ctx, 11, 21), test.ShouldBeNil)
	test.That(t, ft.sentOf(commSetID), test.ShouldResemble, []Frame{encodeSetID(11, 21)})

	test.That(t, s.Command(ctx, 21, 0, 0, 0), test.ShouldBeNil)
	test.That(t, s.Command(ctx, 11, 0, 0, 0), test.ShouldNotBeNil)
}

func TestPollTransportFailure(t *testing.T) {
	ctx := context.Background()
	mc := clk.NewMock()
	logger, logs := logging.NewObservedTestLogger(t)
	s := newBusSupervisor(testMotors, time.Second, mc, logger)
	ft := newFakeTransport()
	test.That(t, s.AddTransport("can1", ft), test.ShouldBeNil)

	ft.fail(errors.New("network is down"))
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		err := s.Poll(ctx)
		test.That(tb, err, test.ShouldNotBeNil)
		test.That(tb, err.Error(), test.ShouldContainSubstring, "network is down")
	})
	test.That(t, logs.FilterMessage("transport receive failed").Len(), test.ShouldEqual, 1)
	test.That(t, s.Close(), test.ShouldBeNil)
}

func TestCloseEndsReaders(t *testing.T) {
	mc := clk.NewMock()
	logger, logs := logging.NewObservedTestLogger(t)
	s := newBusSupervisor(testMotors, time.Second, mc, logger)
	transports := []*fakeTransport{newFakeTransport(), newFakeTransport()}
	test.That(t, s.AddTransport("can1", transports[0]), test.ShouldBeNil)
	test.That(t, s.AddTransport("can2", transports[1]), test.ShouldBeNil)

	test.That(t, s.Close(), test.ShouldBeNil)
	for _, ft := range transports {
		test.That(t, ft.isClosed(), test.ShouldBeTrue)
	}
	test.That(t, logs.FilterMessage("transport receive failed").Len(), test.ShouldEqual, 0)
}

// stuckTransport's Recv ignores Close and returns only when released.
type stuckTransport struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (st *stuckTransport) Send(Frame) error { return nil }

func (st *stuckTransport) Recv() (Frame, error) {
	if st.calls.Add(1) == 1 {
		close(st.entered)
	}
	<-st.release
	return Frame{ID: makeID(commFeedback, 11, HostID), Data: make([]byte, 8)}, nil
}

func (st *stuckTransport) Close() error { return nil }

func TestCloseWithBlockedReader(t *testing.T) {
	mc := clk.NewMock()
	logger, logs := logging.NewObservedTestLogger(t)
	s := newBusSupervisor(testMotors, time.Second, mc, logger)
	st := &stuckTransport{entered: make(chan struct{}), release: make(chan struct{})}
	test.That(t, s.AddTransport("can1", st), test.ShouldBeNil)
	<-st.entered

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mc.Add(time.Second)
		test.That(tb, len(closed), test.ShouldEqual, 1)
	})
	test.That(t, <-closed, test.ShouldBeNil)
	test.That(t, logs.FilterMessage("transport readers did not stop").Len(), test.ShouldEqual, 1)

	// A frame that arrives after Close is dropped and Recv is not called again.
	close(st.release)
	done := s.workers.Done()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		select {
		case <-done:
		default:
			tb.Error("reader still running")
		}
	})
	test.That(t, st.calls.Load(), test.ShouldEqual, int32(1))
	test.That(t, len(s.transports[0].frames), test.ShouldEqual, 0)
	test.That(t, logs.FilterMessage("transport receive failed").Len(), test.ShouldEqual, 0)
}
