package utils

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	clk "github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
)

func TestStoppableWorkers(t *testing.T) {
	var started atomic.Int32
	sw := NewStoppableWorkers(func(ctx context.Context) {
		started.Add(1)
		<-ctx.Done()
	})
	sw.AddWorkers(func(ctx context.Context) {
		started.Add(1)
		<-ctx.Done()
	})

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, started.Load(), test.ShouldEqual, 2)
	})

	sw.Stop()
	select {
	case <-sw.Done():
	default:
		t.Fatal("workers still running after Stop")
	}

	// Adding after Stop does nothing.
	sw.AddWorkers(func(ctx context.Context) { started.Add(1) })
	test.That(t, started.Load(), test.ShouldEqual, 2)
}

func TestCancelDoesNotWait(t *testing.T) {
	release := make(chan struct{})
	var exited atomic.Bool
	sw := NewStoppableWorkers(func(ctx context.Context) {
		<-ctx.Done()
		<-release
		exited.Store(true)
	})

	sw.Cancel()
	done := sw.Done()
	select {
	case <-done:
		t.Fatal("Done closed while a worker is still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, exited.Load(), test.ShouldBeTrue)
		select {
		case <-done:
		default:
			tb.Error("Done not closed")
		}
	})
}

func TestAddPeriodic(t *testing.T) {
	mockClock := clk.NewMock()
	var calls atomic.Int32
	sw := NewStoppableWorkers()
	defer sw.Stop()

	sw.AddPeriodic(mockClock, 50*time.Millisecond, func(ctx context.Context) bool {
		return calls.Add(1) < 3
	})

	// The first call does not wait for a tick.
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, calls.Load(), test.ShouldBeGreaterThanOrEqualTo, 1)
	})

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		mockClock.Add(50 * time.Millisecond)
		test.That(tb, calls.Load(), test.ShouldEqual, 3)
	})

	// Returning false ends the loop.
	mockClock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	test.That(t, calls.Load(), test.ShouldEqual, 3)
}
