package robstride

import (
	"bufio"
	"encoding/binary"
	"io"
	"strings"
	"sync/atomic"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// Transport moves frames to and from one physical bus.
type Transport interface {
	Send(f Frame) error
	// Recv blocks until a frame arrives or the transport is closed.
	Recv() (Frame, error)
	Close() error
}

// TransportKind distinguishes the two supported kinds of bus.
type TransportKind int

const (
	// TransportSocketCAN is a native Linux CAN interface such as can0.
	TransportSocketCAN TransportKind = iota
	// TransportCH341 is a CH341 USB serial to CAN bridge such as /dev/ttyCH341USB0.
	TransportCH341
)

func (k TransportKind) String() string {
	if k == TransportCH341 {
		return "ch341"
	}
	return "socketcan"
}

// ParseTransportKind picks the transport kind from its name: /dev/tty* is a serial bridge, can*
// is SocketCAN.
func ParseTransportKind(name string) (TransportKind, error) {
	switch {
	case strings.HasPrefix(name, "/dev/tty"):
		return TransportCH341, nil
	case strings.HasPrefix(name, "can"):
		return TransportSocketCAN, nil
	}
	return 0, errors.Errorf("invalid port: %s", name)
}

// OpenTransport opens the transport named by name.
func OpenTransport(name string) (Transport, error) {
	kind, err := ParseTransportKind(name)
	if err != nil {
		return nil, err
	}
	if kind == TransportCH341 {
		return openCH341(name)
	}
	return openSocketCAN(name)
}

// canSocket is the part of *canbus.Socket the transport uses.
type canSocket interface {
	Send(msg canbus.Frame) (int, error)
	Recv() (canbus.Frame, error)
	Close() error
}

var errTransportClosing = errors.New("transport is closing")

// socketCANTransport sends and receives on separate sockets bound to the same interface. A read
// blocked on the receive socket is not released by closing it, so Close sends a frame from the
// send socket that CAN_RAW loopback delivers to the receive socket.
type socketCANTransport struct {
	tx      canSocket
	rx      canSocket
	closing atomic.Bool
}

func openSocketCAN(name string) (*socketCANTransport, error) {
	tx, err := bindSocket(name)
	if err != nil {
		return nil, err
	}
	rx, err := bindSocket(name)
	if err != nil {
		return nil, multierr.Combine(err, tx.Close())
	}
	return newSocketCANTransport(tx, rx), nil
}

func bindSocket(name string) (*canbus.Socket, error) {
	sock, err := canbus.New()
	if err != nil {
		return nil, errors.Wrap(err, "creating can socket")
	}
	if err := sock.Bind(name); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "binding can socket to %s", name), sock.Close())
	}
	return sock, nil
}

func newSocketCANTransport(tx, rx canSocket) *socketCANTransport {
	return &socketCANTransport{tx: tx, rx: rx}
}

func (t *socketCANTransport) Send(f Frame) error {
	if t.closing.Load() {
		return errTransportClosing
	}
	_, err := t.tx.Send(canbus.Frame{ID: f.ID & extendedIDMask, Data: f.Data, Kind: canbus.EFF})
	return err
}

func (t *socketCANTransport) Recv() (Frame, error) {
	msg, err := t.rx.Recv()
	if t.closing.Load() {
		return Frame{}, errTransportClosing
	}
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: msg.ID & extendedIDMask, Data: msg.Data}, nil
}

// Close wakes a pending Recv with a device id request addressed to the host, which no motor
// answers, then closes both sockets.
func (t *socketCANTransport) Close() error {
	if t.closing.Swap(true) {
		return nil
	}
	wake := encodeGetID(HostID)
	_, err := t.tx.Send(canbus.Frame{ID: wake.ID, Data: wake.Data, Kind: canbus.EFF})
	return multierr.Combine(errors.Wrap(err, "waking can receiver"), t.rx.Close(), t.tx.Close())
}

const ch341BaudRate = 921600

// ch341Transport speaks the bridge's AT framing:
// 'A' 'T' id<<3|0x04 (u32 big endian) len data... '\r' '\n'.
type ch341Transport struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
}

func openCH341(path string) (*ch341Transport, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: ch341BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", path)
	}
	return newCH341Transport(port), nil
}

func newCH341Transport(port io.ReadWriteCloser) *ch341Transport {
	return &ch341Transport{port: port, reader: bufio.NewReader(port)}
}

func encodeCH341(f Frame) []byte {
	out := make([]byte, 0, 2+4+1+len(f.Data)+2)
	out = append(out, 'A', 'T')
	out = binary.BigEndian.AppendUint32(out, (f.ID&extendedIDMask)<<3|0x04)
	out = append(out, byte(len(f.Data)))
	out = append(out, f.Data...)
	return append(out, '\r', '\n')
}

func (t *ch341Transport) Send(f Frame) error {
	if len(f.Data) > 8 {
		return errors.Errorf("can frame data too long: %d bytes", len(f.Data))
	}
	_, err := t.port.Write(encodeCH341(f))
	return err
}

// Recv skips bytes until the next "AT" marker and parses one frame.
func (t *ch341Transport) Recv() (Frame, error) {
	for {
		b, err := t.reader.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		if b != 'A' {
			continue
		}
		next, err := t.reader.Peek(1)
		if err != nil {
			return Frame{}, err
		}
		if next[0] != 'T' {
			continue
		}
		if _, err := t.reader.Discard(1); err != nil {
			return Frame{}, err
		}

		var header [5]byte
		if _, err := io.ReadFull(t.reader, header[:]); err != nil {
			return Frame{}, err
		}
		n := int(header[4])
		if n > 8 {
			continue
		}
		body := make([]byte, n+2)
		if _, err := io.ReadFull(t.reader, body); err != nil {
			return Frame{}, err
		}
		if body[n] != '\r' || body[n+1] != '\n' {
			continue
		}
		return Frame{ID: binary.BigEndian.Uint32(header[:4]) >> 3, Data: body[:n]}, nil
	}
}

func (t *ch341Transport) Close() error {
	return t.port.Close()
}
