// Package utils contains small helpers shared by the actuator drivers.
package utils

import (
	"math"

	"golang.org/x/exp/constraints"
)

// DegToRad converts degrees to radians.
func DegToRad(degrees float64) float64 {
	return degrees * math.Pi / 180
}

// RadToDeg converts radians to degrees.
func RadToDeg(radians float64) float64 {
	return radians * 180 / math.Pi
}

// Clamp limits v to [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampStep moves from toward to by at most maxStep. A non-positive maxStep disables the limit.
func ClampStep(from, to, maxStep float64) float64 {
	if maxStep <= 0 {
		return to
	}
	return from + Clamp(to-from, -maxStep, maxStep)
}
