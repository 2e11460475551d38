// Package main is a debugging CLI for the dexterous hand on its serial link.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/kbotlabs/kbot/components/actuator/rh56"
	"github.com/kbotlabs/kbot/logging"
)

const (
	flagPort     = "port"
	flagBaud     = "baud"
	flagID       = "id"
	flagDebug    = "debug"
	flagFinger   = "finger"
	flagPosition = "position"
	flagRegister = "register"
	flagInterval = "interval"
)

// Replaced in tests.
var (
	openPort  = rh56.OpenPort
	listPorts = rh56.ListPorts
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	registerNames := strings.Join(lo.Map(rh56.Registers[:], func(r rh56.Register, _ int) string { return r.Name }), ", ")
	fingerFlag := func() cli.Flag {
		return &cli.IntFlag{Name: flagFinger, Aliases: []string{"f"}, Required: true, Usage: "finger index 0-5"}
	}

	return &cli.App{
		Name:      "hand",
		Usage:     "talk to the dexterous hand over its serial port",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagPort, Value: "/dev/ttyUSB1", Usage: "serial device of the hand"},
			&cli.IntFlag{Name: flagBaud, Value: rh56.DefaultBaudRate, Usage: "serial baud rate"},
			&cli.UintFlag{Name: flagID, Value: 1, Usage: "hand id on the bus"},
			&cli.BoolFlag{Name: flagDebug, Aliases: []string{"vvv"}, Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:  "ports",
				Usage: "list serial devices",
				Action: func(c *cli.Context) error {
					ports, err := listPorts()
					if err != nil {
						return err
					}
					for _, p := range ports {
						fmt.Fprintln(c.App.Writer, p)
					}
					return nil
				},
			},
			{
				Name:  "set",
				Usage: "set one finger's target position (0-1000)",
				Flags: []cli.Flag{
					fingerFlag(),
					&cli.IntFlag{Name: flagPosition, Aliases: []string{"p"}, Required: true, Usage: "raw position 0-1000"},
				},
				Action: withHand(func(c *cli.Context, h *rh56.Hand, id byte) error {
					position := c.Int(flagPosition)
					if position < 0 || position > 1000 {
						return errors.Errorf("position %d is outside 0-1000", position)
					}
					return h.SetFingerPosition(c.Context, c.Int(flagFinger), position)
				}),
			},
			{
				Name:  "get",
				Usage: "print one finger's measured position",
				Flags: []cli.Flag{fingerFlag()},
				Action: withHand(func(c *cli.Context, h *rh56.Hand, id byte) error {
					finger := c.Int(flagFinger)
					if finger < 0 || finger >= rh56.FingerCount {
						return rh56.ErrInvalidFinger
					}
					values, err := h.Read6(c.Context, id, rh56.RegAngleAct)
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, values[finger])
					return nil
				}),
			},
			{
				Name:  "read",
				Usage: "print the six values of a register",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagRegister, Aliases: []string{"r"}, Value: rh56.RegAngleAct, Usage: registerNames},
				},
				Action: withHand(func(c *cli.Context, h *rh56.Hand, id byte) error {
					values, err := h.Read6(c.Context, id, c.String(flagRegister))
					if err != nil {
						return err
					}
					printValues(c.App.Writer, c.String(flagRegister), values)
					return nil
				}),
			},
			{
				Name:  "watch",
				Usage: "print measured finger positions until interrupted",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: flagInterval, Value: 200 * time.Millisecond, Usage: "time between reads"},
				},
				Action: withHand(func(c *cli.Context, h *rh56.Hand, id byte) error {
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
					defer stop()
					return watch(ctx, c.App.Writer, h, id, c.Duration(flagInterval))
				}),
			},
		},
	}
}

// withHand opens the hand from the global flags for the duration of one command.
func withHand(action func(c *cli.Context, h *rh56.Hand, id byte) error) cli.ActionFunc {
	return func(c *cli.Context) (err error) {
		id := c.Uint(flagID)
		if id == 0 || id > 0xFF {
			return errors.Errorf("hand id %d is outside 1-255", id)
		}
		logger := logging.NewLogger("hand")
		if c.Bool(flagDebug) {
			logger.SetLevel(logging.DEBUG)
		}

		port, err := openPort(c.String(flagPort), c.Int(flagBaud))
		if err != nil {
			return err
		}
		h := rh56.NewHand(port, byte(id), logger)
		defer func() {
			err = multierr.Combine(err, h.Close())
		}()
		return action(c, h, byte(id))
	}
}

func printValues(out io.Writer, name string, values [rh56.FingerCount]int) {
	fmt.Fprintf(out, "%s: %v\n", name, values)
}

func watch(ctx context.Context, out io.Writer, h *rh56.Hand, id byte, interval time.Duration) error {
	for {
		values, err := h.Read6(ctx, id, rh56.RegAngleAct)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		printValues(out, rh56.RegAngleAct, values)
		if !goutils.SelectContextOrWait(ctx, interval) {
			return nil
		}
	}
}
