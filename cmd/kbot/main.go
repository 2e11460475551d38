// Package main runs the actuator daemon. It builds every configured backend behind one router and
// keeps them running until interrupted.
package main

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/kbotlabs/kbot/components/actuator"
	"github.com/kbotlabs/kbot/components/actuator/proxy"
	"github.com/kbotlabs/kbot/components/actuator/rh56"
	"github.com/kbotlabs/kbot/components/actuator/robstride"
	"github.com/kbotlabs/kbot/config"
	"github.com/kbotlabs/kbot/logging"
)

const statusInterval = time.Second

var logger = logging.NewDebugLogger("kbot")

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"config,usage=daemon config file (json or yaml); stock wiring when empty"`
	Debug      bool   `flag:"debug,usage=enable debug logging"`
}

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	config.InitLoggingSettings(logger, argsParsed.Debug)

	cfg := config.Default()
	if argsParsed.ConfigFile != "" {
		if cfg, err = config.Read(argsParsed.ConfigFile); err != nil {
			return err
		}
	}
	config.UpdateFileConfigDebug(cfg.Debug)
	cfg.ApplyLogLevel(logger)

	router, err := newRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, router.Close(context.Background()))
	}()

	ids := actuatorIDs(cfg)
	logger.Infow("actuators ready", "ranges", cfg.Ranges())
	for utils.SelectContextOrWait(ctx, statusInterval) {
		logStates(ctx, router, ids, logger)
	}
	return nil
}

// newRouter builds each configured backend and routes to them by id range. Backends built before
// a failure are closed.
func newRouter(ctx context.Context, cfg *config.Config, logger logging.Logger) (*proxy.Actuator, error) {
	var backends []proxy.Backend
	closeBuilt := func(err error) error {
		for _, b := range backends {
			err = multierr.Combine(err, b.Actuator.Close(ctx))
		}
		return err
	}

	if cfg.Hand != nil {
		hand, err := rh56.NewActuator(*cfg.Hand, logger.Sublogger("rh56"))
		if err != nil {
			return nil, err
		}
		backends = append(backends, proxy.Backend{Actuator: hand, Range: cfg.Hand.Range()})
	}
	if cfg.RobStride != nil {
		motors, err := robstride.NewActuator(ctx, *cfg.RobStride, logger.Sublogger("robstride"))
		if err != nil {
			return nil, closeBuilt(err)
		}
		backends = append(backends, proxy.Backend{Actuator: motors, Range: cfg.RobStride.Range()})
	}

	router, err := proxy.New(backends...)
	if err != nil {
		return nil, closeBuilt(err)
	}
	return router, nil
}

// actuatorIDs lists every id the configured backends may own.
func actuatorIDs(cfg *config.Config) []uint32 {
	return lo.FlatMap(cfg.Ranges(), func(r actuator.IDRange, _ int) []uint32 {
		return lo.RangeFrom(r.Min, int(r.Max-r.Min)+1)
	})
}

type stateSummary struct {
	online  []uint32
	offline []uint32
	faulted map[uint32][]string
}

func summarize(states []actuator.StateResponse) stateSummary {
	summary := stateSummary{faulted: map[uint32][]string{}}
	for _, s := range states {
		if s.Online {
			summary.online = append(summary.online, s.ActuatorID)
		} else {
			summary.offline = append(summary.offline, s.ActuatorID)
		}
		if len(s.Faults) > 0 {
			summary.faulted[s.ActuatorID] = s.Faults
		}
	}
	return summary
}

func logStates(ctx context.Context, act actuator.Actuator, ids []uint32, logger logging.Logger) {
	ctx, span := trace.StartSpan(ctx, "kbot::logStates")
	defer span.End()

	states, err := act.State(ctx, ids)
	if err != nil {
		logger.Warnw("failed to read actuator state", "error", err)
		return
	}
	summary := summarize(states)
	logger.Debugw("actuator state", "online", summary.online, "offline", summary.offline)
	for id, faults := range summary.faulted {
		logger.Warnw("actuator reports faults", "id", id, "faults", faults)
	}
}
