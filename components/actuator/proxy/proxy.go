// Package proxy routes actuator operations to the backend owning each actuator id.
package proxy

import (
	"context"

	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"github.com/kbotlabs/kbot/components/actuator"
	"github.com/kbotlabs/kbot/operation"
)

// Backend pairs an actuator backend with the inclusive id range it owns.
type Backend struct {
	Actuator actuator.Actuator
	Range    actuator.IDRange
}

// Actuator dispatches every operation to the first backend whose range contains the id. It holds
// no lock of its own; backends are called one at a time in submission order.
type Actuator struct {
	backends []Backend
}

// New takes ownership of the backends. Overlapping ranges are rejected.
func New(backends ...Backend) (*Actuator, error) {
	ranges := make([]actuator.IDRange, 0, len(backends))
	for _, b := range backends {
		ranges = append(ranges, b.Range)
	}
	if err := actuator.CheckDisjoint(ranges...); err != nil {
		return nil, err
	}
	return &Actuator{backends: backends}, nil
}

func (p *Actuator) lookup(id uint32) (actuator.Actuator, bool) {
	for _, b := range p.backends {
		if b.Range.Contains(id) {
			return b.Actuator, true
		}
	}
	return nil, false
}

// Command forwards each command to its backend. Commands with no owning backend produce no
// result. The first backend error aborts the rest of the batch.
func (p *Actuator) Command(ctx context.Context, commands []actuator.Command) ([]actuator.ActionResult, error) {
	ctx, span := trace.StartSpan(ctx, "proxy::Command")
	defer span.End()

	var results []actuator.ActionResult
	for _, cmd := range commands {
		backend, ok := p.lookup(cmd.ActuatorID)
		if !ok {
			continue
		}
		res, err := backend.Command(ctx, []actuator.Command{cmd})
		if err != nil {
			return nil, err
		}
		results = append(results, res...)
	}
	return results, nil
}

// Configure forwards to the owning backend. An unowned id gets an unsuccessful response and no
// error.
func (p *Actuator) Configure(
	ctx context.Context,
	id uint32,
	req actuator.ConfigureRequest,
) (actuator.ActionResponse, error) {
	ctx, span := trace.StartSpan(ctx, "proxy::Configure")
	defer span.End()

	backend, ok := p.lookup(id)
	if !ok {
		return actuator.ActionResponse{}, nil
	}
	return backend.Configure(ctx, id, req)
}

// Calibrate forwards to the owning backend. An unowned id gets the zero operation.
func (p *Actuator) Calibrate(
	ctx context.Context,
	id uint32,
	req actuator.CalibrateRequest,
) (operation.Operation, error) {
	ctx, span := trace.StartSpan(ctx, "proxy::Calibrate")
	defer span.End()

	backend, ok := p.lookup(id)
	if !ok {
		return operation.Operation{}, nil
	}
	return backend.Calibrate(ctx, id, req)
}

// State queries each id from its backend. Unowned ids are left out.
func (p *Actuator) State(ctx context.Context, ids []uint32) ([]actuator.StateResponse, error) {
	ctx, span := trace.StartSpan(ctx, "proxy::State")
	defer span.End()

	var states []actuator.StateResponse
	for _, id := range ids {
		backend, ok := p.lookup(id)
		if !ok {
			continue
		}
		res, err := backend.State(ctx, []uint32{id})
		if err != nil {
			return nil, err
		}
		states = append(states, res...)
	}
	return states, nil
}

// Close closes every backend.
func (p *Actuator) Close(ctx context.Context) error {
	var errs error
	for _, b := range p.backends {
		errs = multierr.Append(errs, b.Actuator.Close(ctx))
	}
	return errs
}
