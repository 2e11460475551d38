// Package config defines the actuator daemon's configuration: which backends exist, how to reach
// them and which actuator ids each one owns.
package config

import (
	"github.com/pkg/errors"

	"github.com/kbotlabs/kbot/components/actuator"
	"github.com/kbotlabs/kbot/components/actuator/rh56"
	"github.com/kbotlabs/kbot/components/actuator/robstride"
	"github.com/kbotlabs/kbot/logging"
)

// A Config describes the configuration of the daemon.
type Config struct {
	ConfigFilePath string `json:"-" yaml:"-"`

	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty"`
	// LogLevel sets the daemon logger's own level. Debug still wins when set.
	LogLevel *logging.Level `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	Hand      *rh56.Config      `json:"hand,omitempty" yaml:"hand,omitempty"`
	RobStride *robstride.Config `json:"robstride,omitempty" yaml:"robstride,omitempty"`
}

// Ensure ensures all parts of the config are valid and that no two backends claim the same
// actuator id.
func (c *Config) Ensure() error {
	if c.Hand == nil && c.RobStride == nil {
		return errors.New("no actuator backends configured")
	}
	if c.Hand != nil {
		if err := c.Hand.Validate("hand"); err != nil {
			return err
		}
	}
	if c.RobStride != nil {
		if err := c.RobStride.Validate("robstride"); err != nil {
			return err
		}
	}
	return actuator.CheckDisjoint(c.Ranges()...)
}

// Ranges returns the id range of every configured backend.
func (c *Config) Ranges() []actuator.IDRange {
	var ranges []actuator.IDRange
	if c.Hand != nil {
		ranges = append(ranges, c.Hand.Range())
	}
	if c.RobStride != nil {
		ranges = append(ranges, c.RobStride.Range())
	}
	return ranges
}

// ApplyLogLevel sets logger to the configured log level, if any.
func (c *Config) ApplyLogLevel(logger logging.Logger) {
	if c.LogLevel != nil {
		logger.SetLevel(*c.LogLevel)
	}
}
