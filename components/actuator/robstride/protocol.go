package robstride

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Frame is one CAN frame with a 29 bit extended id.
type Frame struct {
	ID   uint32
	Data []byte
}

const (
	extendedIDMask = 0x1FFFFFFF

	// HostID is the id the host uses as sender on the bus.
	HostID = 0xFD
)

// commType is the communication type carried in bits 24..28 of the frame id.
type commType uint8

const (
	commGetID      commType = 0
	commMotion     commType = 1
	commFeedback   commType = 2
	commEnable     commType = 3
	commStop       commType = 4
	commSetZero    commType = 6
	commSetID      commType = 7
	commWriteParam commType = 18
)

// Parameter indices written with commWriteParam.
const (
	paramLimitTorque uint16 = 0x700B
	paramLimitSpeed  uint16 = 0x7017
	paramLimitCur    uint16 = 0x7018
)

func makeID(ct commType, data uint16, motorID uint8) uint32 {
	return uint32(ct&0x1F)<<24 | uint32(data)<<8 | uint32(motorID)
}

// splitID returns the communication type, the 16 bit data area and the low byte of id.
func splitID(id uint32) (commType, uint16, uint8) {
	id &= extendedIDMask
	return commType(id >> 24), uint16(id >> 8), uint8(id)
}

// Model is a RobStride motor model. The models differ in the ranges used to scale values on the
// wire.
type Model int

// Supported models.
const (
	RobStride00 Model = iota
	RobStride01
	RobStride02
	RobStride03
	RobStride04
)

type modelRanges struct {
	position float64
	velocity float64
	torque   float64
	kp       float64
	kd       float64
}

var ranges = map[Model]modelRanges{
	RobStride00: {position: 4 * math.Pi, velocity: 50, torque: 17, kp: 500, kd: 5},
	RobStride01: {position: 4 * math.Pi, velocity: 44, torque: 17, kp: 500, kd: 5},
	RobStride02: {position: 4 * math.Pi, velocity: 44, torque: 17, kp: 500, kd: 5},
	RobStride03: {position: 4 * math.Pi, velocity: 50, torque: 60, kp: 5000, kd: 100},
	RobStride04: {position: 4 * math.Pi, velocity: 15, torque: 120, kp: 5000, kd: 100},
}

func (m Model) String() string {
	if m < RobStride00 || m > RobStride04 {
		return fmt.Sprintf("Model(%d)", int(m))
	}
	return fmt.Sprintf("RobStride0%d", int(m))
}

// ParseModel accepts "RobStride03", "robstride03" or "RS03".
func ParseModel(s string) (Model, error) {
	name := strings.ToLower(s)
	for m := RobStride00; m <= RobStride04; m++ {
		short := fmt.Sprintf("rs0%d", int(m))
		if name == strings.ToLower(m.String()) || name == short {
			return m, nil
		}
	}
	return 0, errors.Errorf("unknown robstride model %q", s)
}

// toWire maps x from [-limit, limit] onto the full 16 bit range.
func toWire(x, limit float64) uint16 {
	return scale(x, -limit, limit)
}

// toWireUnsigned maps x from [0, limit] onto the full 16 bit range.
func toWireUnsigned(x, limit float64) uint16 {
	return scale(x, 0, limit)
}

func scale(x, lo, hi float64) uint16 {
	if math.IsNaN(x) {
		x = 0
	}
	x = math.Max(lo, math.Min(hi, x))
	return uint16((x - lo) / (hi - lo) * 65535)
}

func fromWire(u uint16, limit float64) float64 {
	return float64(u)/65535*2*limit - limit
}

// MotionTarget is an operation control setpoint in radians, radians per second and newton meters.
type MotionTarget struct {
	Position float64
	Velocity float64
	Torque   float64
	Kp       float64
	Kd       float64
}

func encodeMotion(motorID uint8, model Model, target MotionTarget) Frame {
	r := ranges[model]
	data := make([]byte, 0, 8)
	data = binary.BigEndian.AppendUint16(data, toWire(target.Position, r.position))
	data = binary.BigEndian.AppendUint16(data, toWire(target.Velocity, r.velocity))
	data = binary.BigEndian.AppendUint16(data, toWireUnsigned(target.Kp, r.kp))
	data = binary.BigEndian.AppendUint16(data, toWireUnsigned(target.Kd, r.kd))
	return Frame{ID: makeID(commMotion, toWire(target.Torque, r.torque), motorID), Data: data}
}

func encodeGetID(motorID uint8) Frame {
	return Frame{ID: makeID(commGetID, HostID, motorID), Data: make([]byte, 8)}
}

func encodeEnable(motorID uint8) Frame {
	return Frame{ID: makeID(commEnable, HostID, motorID), Data: make([]byte, 8)}
}

func encodeStop(motorID uint8, clearFault bool) Frame {
	data := make([]byte, 8)
	if clearFault {
		data[0] = 1
	}
	return Frame{ID: makeID(commStop, HostID, motorID), Data: data}
}

func encodeSetZero(motorID uint8) Frame {
	data := make([]byte, 8)
	data[0] = 1
	return Frame{ID: makeID(commSetZero, HostID, motorID), Data: data}
}

func encodeSetID(motorID, newID uint8) Frame {
	return Frame{ID: makeID(commSetID, uint16(newID)<<8|HostID, motorID), Data: make([]byte, 8)}
}

func encodeWriteParam(motorID uint8, index uint16, value float32) Frame {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:], index)
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(value))
	return Frame{ID: makeID(commWriteParam, HostID, motorID), Data: data}
}

// Feedback is a decoded status frame.
type Feedback struct {
	MotorID     uint8
	Angle       float64
	Velocity    float64
	Torque      float64
	Temperature float64
	Mode        uint8
	Faults      []string
}

var faultNames = [...]string{
	"undervoltage",
	"overcurrent",
	"overtemperature",
	"magnetic_encoder",
	"hall_encoder",
	"uncalibrated",
}

func decodeFaults(bits uint8) []string {
	var faults []string
	for i, name := range faultNames {
		if bits&(1<<i) != 0 {
			faults = append(faults, name)
		}
	}
	return faults
}

// feedbackSender returns the motor id of a status frame without decoding it.
func feedbackSender(f Frame) (uint8, bool) {
	ct, data, _ := splitID(f.ID)
	if ct != commFeedback {
		return 0, false
	}
	return uint8(data), true
}

// decodeFeedback parses a communication type 2 frame scaled for model.
func decodeFeedback(f Frame, model Model) (Feedback, error) {
	ct, data, _ := splitID(f.ID)
	if ct != commFeedback {
		return Feedback{}, errors.Errorf("frame %#x is not a feedback frame", f.ID)
	}
	if len(f.Data) < 8 {
		return Feedback{}, errors.Errorf("feedback frame carries %d bytes, want 8", len(f.Data))
	}
	r := ranges[model]
	status := uint8(data >> 8)
	return Feedback{
		MotorID:     uint8(data),
		Angle:       fromWire(binary.BigEndian.Uint16(f.Data[0:]), r.position),
		Velocity:    fromWire(binary.BigEndian.Uint16(f.Data[2:]), r.velocity),
		Torque:      fromWire(binary.BigEndian.Uint16(f.Data[4:]), r.torque),
		Temperature: float64(binary.BigEndian.Uint16(f.Data[6:])) / 10,
		Mode:        status >> 6,
		Faults:      decodeFaults(status & 0x3F),
	}, nil
}

// deviceIDReply returns the motor id answering a device id request.
func deviceIDReply(f Frame) (uint8, bool) {
	ct, data, _ := splitID(f.ID)
	if ct != commGetID {
		return 0, false
	}
	return uint8(data), true
}
