// Package rh56 drives the six finger serial bus gripper and adapts it to the actuator surface.
package rh56

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	goutils "go.viam.com/utils"

	"github.com/kbotlabs/kbot/logging"
	"github.com/kbotlabs/kbot/utils"
)

const (
	defaultSettleTime   = 10 * time.Millisecond
	defaultPollInterval = 50 * time.Millisecond

	unsetPosition = -1
)

// ErrInvalidFinger is returned for a finger index outside [0, 6).
var ErrInvalidFinger = errors.New("invalid finger index, must be between 0 and 5")

// Hand owns one serial link to the gripper and a cache of the six finger positions. A single
// mutex guards both, so serial I/O from the poll loop and from callers never interleaves.
type Hand struct {
	mu        sync.Mutex
	port      io.ReadWriteCloser
	id        byte
	positions [FingerCount]int

	settle       time.Duration
	pollInterval time.Duration
	clk          clock.Clock

	logger    logging.Logger
	workers   *utils.StoppableWorkers
	startOnce sync.Once
}

// NewHand wraps an open port. The poll loop does not run until Start.
func NewHand(port io.ReadWriteCloser, id byte, logger logging.Logger) *Hand {
	h := &Hand{
		port:         port,
		id:           id,
		settle:       defaultSettleTime,
		pollInterval: defaultPollInterval,
		clk:          clock.New(),
		logger:       logger,
		workers:      utils.NewStoppableWorkers(),
	}
	for i := range h.positions {
		h.positions[i] = unsetPosition
	}
	return h
}

// Start launches the background loop refreshing the position cache. Calling it again does
// nothing.
func (h *Hand) Start() {
	h.startOnce.Do(func() {
		h.workers.AddPeriodic(h.clk, h.pollInterval, func(ctx context.Context) bool {
			h.pollFingerPositions(ctx)
			return true
		})
	})
}

// Close stops the poll loop and closes the port.
func (h *Hand) Close() error {
	h.workers.Stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.port.Close()
}

func (h *Hand) pollFingerPositions(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	positions, err := h.read6(ctx, h.id, RegAngleAct)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Errorw("failed to read finger positions", "error", err)
		}
		return
	}
	h.positions = positions
}

func checkFinger(finger int) error {
	if finger < 0 || finger >= FingerCount {
		return errors.Wrapf(ErrInvalidFinger, "got %d", finger)
	}
	return nil
}

// SetFingerPosition stores position for finger and sends all six cached positions to the hand.
func (h *Hand) SetFingerPosition(ctx context.Context, finger, position int) error {
	ctx, span := trace.StartSpan(ctx, "rh56::Hand::SetFingerPosition")
	defer span.End()

	if err := checkFinger(finger); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.positions[finger] = position
	h.logger.Debugf("setting finger %d to position %d", finger, position)
	return h.write6(ctx, h.id, RegAngleSet, h.positions)
}

// FingerPosition returns the cached position of finger. It never reads from the hand.
func (h *Hand) FingerPosition(finger int) (int, error) {
	if err := checkFinger(finger); err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.positions[finger], nil
}

// WriteRegister writes payload at addr of device id. The reply is drained but not checked.
func (h *Hand) WriteRegister(ctx context.Context, id byte, addr uint16, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeRegister(ctx, id, addr, payload)
}

// ReadRegister reads count bytes at addr of device id. A silent device yields an empty result.
func (h *Hand) ReadRegister(ctx context.Context, id byte, addr uint16, count byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readRegister(ctx, id, addr, count)
}

// Write6 writes six 16 bit values to the named register.
func (h *Hand) Write6(ctx context.Context, id byte, reg string, values [FingerCount]int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.write6(ctx, id, reg, values)
}

// Read6 reads six signed 16 bit values from the named register.
func (h *Hand) Read6(ctx context.Context, id byte, reg string) ([FingerCount]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.read6(ctx, id, reg)
}

// The lowercase register operations expect h.mu to be held.

func (h *Hand) wait(ctx context.Context) error {
	if h.settle <= 0 {
		return ctx.Err()
	}
	if !goutils.SelectContextOrWait(ctx, h.settle) {
		return ctx.Err()
	}
	return nil
}

func (h *Hand) writeRegister(ctx context.Context, id byte, addr uint16, payload []byte) error {
	if _, err := h.port.Write(encodeWrite(id, addr, payload)); err != nil {
		return errors.Wrapf(err, "writing register %d", addr)
	}
	if err := h.wait(ctx); err != nil {
		return err
	}
	buf := make([]byte, maxResponseLen)
	if _, err := h.port.Read(buf); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(err, "draining reply to register %d write", addr)
	}
	return nil
}

func (h *Hand) readRegister(ctx context.Context, id byte, addr uint16, count byte) ([]byte, error) {
	if _, err := h.port.Write(encodeRead(id, addr, count)); err != nil {
		return nil, errors.Wrapf(err, "requesting register %d", addr)
	}
	if err := h.wait(ctx); err != nil {
		return nil, err
	}
	buf := make([]byte, maxResponseLen)
	n, err := h.port.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "reading register %d", addr)
	}
	return decodeReadResponse(buf[:n])
}

func (h *Hand) write6(ctx context.Context, id byte, reg string, values [FingerCount]int) error {
	r, err := LookupRegister(reg)
	if err != nil {
		return err
	}
	return h.writeRegister(ctx, id, r.Addr, pack6(values))
}

func (h *Hand) read6(ctx context.Context, id byte, reg string) ([FingerCount]int, error) {
	r, err := LookupRegister(reg)
	if err != nil {
		return [FingerCount]int{}, err
	}
	data, err := h.readRegister(ctx, id, r.Addr, sixValueLen)
	if err != nil {
		return [FingerCount]int{}, err
	}
	return unpack6(data)
}
