package actuator

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode classifies a per actuator failure.
type ErrorCode int

const (
	// ErrorCodeUnknown is an unclassified failure.
	ErrorCodeUnknown ErrorCode = iota
	// ErrorCodeHardwareFailure means the hardware or its transport rejected the request.
	ErrorCodeHardwareFailure
	// ErrorCodeInvalidArgument means the request was rejected before any I/O.
	ErrorCodeInvalidArgument
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeHardwareFailure:
		return "hardware_failure"
	case ErrorCodeInvalidArgument:
		return "invalid_argument"
	case ErrorCodeUnknown:
		return "unknown"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is a failure reported inside an ActionResult or ActionResponse rather than returned.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewHardwareFailure wraps err as a hardware failure.
func NewHardwareFailure(err error) *Error {
	return &Error{Code: ErrorCodeHardwareFailure, Message: err.Error()}
}

// NewInvalidArgument returns an invalid argument error with the formatted message.
func NewInvalidArgument(format string, args ...interface{}) *Error {
	return &Error{Code: ErrorCodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NewIDRangeOverlapError returns the error for two backends claiming the same actuator ids.
func NewIDRangeOverlapError(a, b fmt.Stringer) error {
	return errors.Errorf("actuator id range %s overlaps %s", a, b)
}
