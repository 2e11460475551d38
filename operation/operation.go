// Package operation holds the handles returned for long running actuator operations.
package operation

import (
	"time"

	"github.com/google/uuid"
)

// Operation identifies one invocation of a long running method such as a calibration.
type Operation struct {
	ID      uuid.UUID
	Method  string
	Started time.Time
	Done    bool
}

// New returns a pending operation for method.
func New(method string) Operation {
	return Operation{
		ID:      uuid.New(),
		Method:  method,
		Started: time.Now(),
	}
}

// Completed returns an operation for method that finished as soon as it started.
func Completed(method string) Operation {
	op := New(method)
	op.Done = true
	return op
}

// IsZero reports whether o is the empty handle returned when no backend took the request.
func (o Operation) IsZero() bool {
	return o.ID == uuid.Nil
}
