package utils

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	goutils "go.viam.com/utils"
)

// StoppableWorkers is a collection of goroutines sharing one cancellable context. Background
// loops of the hand and bus drivers are run through it so Close can stop and join them.
type StoppableWorkers struct {
	mu                      sync.Mutex
	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewStoppableWorkers runs the functions in separate goroutines. They can be stopped later.
func NewStoppableWorkers(funcs ...func(context.Context)) *StoppableWorkers {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	workers := &StoppableWorkers{cancelCtx: cancelCtx, cancelFunc: cancelFunc}
	workers.AddWorkers(funcs...)
	return workers
}

// AddWorkers starts a goroutine for each function. It is a no-op after Stop.
func (sw *StoppableWorkers) AddWorkers(funcs ...func(context.Context)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.cancelCtx.Err() != nil {
		return
	}

	sw.activeBackgroundWorkers.Add(len(funcs))
	for _, f := range funcs {
		goutils.PanicCapturingGo(func() {
			defer sw.activeBackgroundWorkers.Done()
			f(sw.cancelCtx)
		})
	}
}

// AddPeriodic runs fn once right away and then once per interval of clk until the workers are
// stopped or fn returns false.
func (sw *StoppableWorkers) AddPeriodic(clk clock.Clock, interval time.Duration, fn func(context.Context) bool) {
	sw.AddWorkers(func(ctx context.Context) {
		ticker := clk.Ticker(interval)
		defer ticker.Stop()
		for {
			if ctx.Err() != nil || !fn(ctx) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

// Stop cancels the shared context and waits for every goroutine to return.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.cancelFunc()
	sw.activeBackgroundWorkers.Wait()
}

// Cancel cancels the shared context without waiting for the goroutines. Use Done to wait.
func (sw *StoppableWorkers) Cancel() {
	sw.cancelFunc()
}

// Done returns a channel that is closed once every goroutine has returned.
func (sw *StoppableWorkers) Done() <-chan struct{} {
	done := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		sw.activeBackgroundWorkers.Wait()
		close(done)
	})
	return done
}
