package actuator

import (
	"fmt"

	"github.com/pkg/errors"
)

// IDRange is an inclusive range of actuator ids.
type IDRange struct {
	Min uint32 `json:"min" yaml:"min"`
	Max uint32 `json:"max" yaml:"max"`
}

// Contains reports whether id is inside the range.
func (r IDRange) Contains(id uint32) bool {
	return id >= r.Min && id <= r.Max
}

// Overlaps reports whether the two ranges share at least one id.
func (r IDRange) Overlaps(other IDRange) bool {
	return !(r.Max < other.Min || r.Min > other.Max)
}

func (r IDRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

// Validate rejects inverted ranges.
func (r IDRange) Validate() error {
	if r.Min > r.Max {
		return errors.Errorf("actuator id range %s has min above max", r)
	}
	return nil
}

// CheckDisjoint returns an error for the first invalid range or pair of overlapping ranges.
func CheckDisjoint(ranges ...IDRange) error {
	for i, r := range ranges {
		if err := r.Validate(); err != nil {
			return err
		}
		for _, prev := range ranges[:i] {
			if r.Overlaps(prev) {
				return NewIDRangeOverlapError(r, prev)
			}
		}
	}
	return nil
}
