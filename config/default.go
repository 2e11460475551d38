package config

import (
	"github.com/kbotlabs/kbot/components/actuator"
	"github.com/kbotlabs/kbot/components/actuator/rh56"
	"github.com/kbotlabs/kbot/components/actuator/robstride"
)

const (
	defaultMaxAngleChangeDeg = 30.0
	defaultMaxVelocityDeg    = 10.0
)

// stockMotors is the leg and arm wiring of the robot. Tens digit is the limb, ones digit the joint.
var stockMotors = []struct {
	id       uint8
	model    robstride.Model
	maxAngle float64
}{
	{11, robstride.RobStride03, defaultMaxAngleChangeDeg},
	{12, robstride.RobStride03, defaultMaxAngleChangeDeg},
	{13, robstride.RobStride02, defaultMaxAngleChangeDeg},
	{14, robstride.RobStride02, defaultMaxAngleChangeDeg},
	{15, robstride.RobStride02, defaultMaxAngleChangeDeg},
	{16, robstride.RobStride00, 50},
	{21, robstride.RobStride03, defaultMaxAngleChangeDeg},
	{22, robstride.RobStride03, defaultMaxAngleChangeDeg},
	{23, robstride.RobStride02, defaultMaxAngleChangeDeg},
	{24, robstride.RobStride02, defaultMaxAngleChangeDeg},
	{25, robstride.RobStride02, defaultMaxAngleChangeDeg},
	{26, robstride.RobStride00, defaultMaxAngleChangeDeg},
	{31, robstride.RobStride04, defaultMaxAngleChangeDeg},
	{32, robstride.RobStride03, defaultMaxAngleChangeDeg},
	{33, robstride.RobStride03, defaultMaxAngleChangeDeg},
	{34, robstride.RobStride04, defaultMaxAngleChangeDeg},
	{35, robstride.RobStride02, defaultMaxAngleChangeDeg},
	{41, robstride.RobStride04, defaultMaxAngleChangeDeg},
	{42, robstride.RobStride03, defaultMaxAngleChangeDeg},
	{43, robstride.RobStride03, defaultMaxAngleChangeDeg},
	{44, robstride.RobStride04, defaultMaxAngleChangeDeg},
	{45, robstride.RobStride02, defaultMaxAngleChangeDeg},
}

// Default returns the robot's stock wiring: the hand on /dev/ttyUSB1 as ids 51-56 and the
// RobStride motors on can1 through can4 as ids 11-45.
func Default() *Config {
	motors := make([]robstride.MotorConfig, 0, len(stockMotors))
	for _, m := range stockMotors {
		maxAngle, maxVelocity := m.maxAngle, defaultMaxVelocityDeg
		motors = append(motors, robstride.MotorConfig{
			ID:                m.id,
			Type:              m.model.String(),
			MaxAngleChangeDeg: &maxAngle,
			MaxVelocityDeg:    &maxVelocity,
		})
	}
	return &Config{
		Hand: &rh56.Config{
			SerialPath: "/dev/ttyUSB1",
			BaudRate:   rh56.DefaultBaudRate,
			HandID:     1,
			IDOffset:   51,
		},
		RobStride: &robstride.Config{
			Ports:           []string{"can1", "can2", "can3", "can4"},
			ActuatorTimeout: "1s",
			PollingInterval: "7ms",
			IDRange:         &actuator.IDRange{Min: 11, Max: 45},
			Motors:          motors,
		},
	}
}
