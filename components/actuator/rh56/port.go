package rh56

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// DefaultBaudRate is used when no baud rate is configured.
const DefaultBaudRate = 115200

// readTimeout keeps a poll of a silent hand shorter than the poll interval.
const readTimeout = 30 * time.Millisecond

// OpenPort opens the gripper's serial device 8N1. Reads time out so a silent device returns zero
// bytes instead of blocking.
func OpenPort(path string, baudRate int) (io.ReadWriteCloser, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", path)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "failed to set read timeout on %s", path), port.Close())
	}
	return port, nil
}

// ListPorts returns the serial devices present on the system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
