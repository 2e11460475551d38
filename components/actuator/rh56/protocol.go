package rh56

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Frame layout: EB 90 id len cmd addrLo addrHi payload... checksum.
const (
	syncByte0 = 0xEB
	syncByte1 = 0x90

	cmdRead  = 0x11
	cmdWrite = 0x12

	headerLen = 7
	// A read response carries its payload right after the header.
	responsePayloadOffset = headerLen
	maxResponseLen        = 128

	// FingerCount is the number of fingers on the hand, and the number of values in a six value
	// register.
	FingerCount = 6
	sixValueLen = 2 * FingerCount
)

// Register is one addressable gripper register.
type Register struct {
	Addr uint16
	Name string
}

// Registers is the closed set of registers the hand exposes.
var Registers = [...]Register{
	{1000, "ID"},
	{1001, "baudrate"},
	{1004, "clearErr"},
	{1009, "forceClb"},
	{1486, "angleSet"},
	{1498, "forceSet"},
	{1522, "speedSet"},
	{1546, "angleAct"},
	{1582, "forceAct"},
	{1606, "errCode"},
}

// Register names used by the driver.
const (
	RegAngleSet = "angleSet"
	RegAngleAct = "angleAct"
)

// LookupRegister resolves a register by name.
func LookupRegister(name string) (Register, error) {
	for _, r := range Registers {
		if r.Name == name {
			return r, nil
		}
	}
	return Register{}, errors.Errorf("unknown register %q", name)
}

// checksum is the wrapping sum of every byte after the two sync bytes.
func checksum(frame []byte) byte {
	var sum byte
	for _, b := range frame[2:] {
		sum += b
	}
	return sum
}

func encodeFrame(id, cmd byte, addr uint16, length byte, payload []byte) []byte {
	frame := make([]byte, 0, headerLen+len(payload)+1)
	frame = append(frame, syncByte0, syncByte1, id, length, cmd)
	frame = binary.LittleEndian.AppendUint16(frame, addr)
	frame = append(frame, payload...)
	return append(frame, checksum(frame))
}

// encodeWrite builds a frame writing payload at addr.
func encodeWrite(id byte, addr uint16, payload []byte) []byte {
	return encodeFrame(id, cmdWrite, addr, byte(len(payload)+3), payload)
}

// encodeRead builds a frame requesting count bytes starting at addr.
func encodeRead(id byte, addr uint16, count byte) []byte {
	return encodeFrame(id, cmdRead, addr, 0x04, []byte{count})
}

// decodeReadResponse extracts the payload of a read response. An empty buffer is an empty result.
func decodeReadResponse(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) < headerLen {
		return nil, errors.Errorf("short response: %d bytes", len(buf))
	}
	if buf[3] < 3 {
		return nil, errors.Errorf("bad response length byte %d", buf[3])
	}
	dataLen := int(buf[3]) - 3
	if responsePayloadOffset+dataLen > len(buf) {
		return nil, errors.Errorf("short response: want %d payload bytes, got %d",
			dataLen, len(buf)-responsePayloadOffset)
	}
	out := make([]byte, dataLen)
	copy(out, buf[responsePayloadOffset:responsePayloadOffset+dataLen])
	return out, nil
}

// pack6 encodes six values as little endian 16 bit words.
func pack6(values [FingerCount]int) []byte {
	out := make([]byte, 0, sixValueLen)
	for _, v := range values {
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(v)))
	}
	return out
}

// unpack6 decodes six signed little endian 16 bit words.
func unpack6(data []byte) ([FingerCount]int, error) {
	var values [FingerCount]int
	if len(data) < sixValueLen {
		return values, errors.New("no data received")
	}
	for i := range values {
		values[i] = int(int16(binary.LittleEndian.Uint16(data[2*i:])))
	}
	return values, nil
}
