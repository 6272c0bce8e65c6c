package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/homing"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
)

func parseAxes(args []string) ([]motion.Axis, error) {
	if len(args) == 0 {
		return motion.Axes[:], nil
	}
	var axes []motion.Axis
	for _, a := range args {
		switch a {
		case "x", "X":
			axes = append(axes, motion.X)
		case "y", "Y":
			axes = append(axes, motion.Y)
		default:
			return nil, fmt.Errorf("unknown axis %q", a)
		}
	}
	return axes, nil
}

func newHomeCmd(o *options) *cobra.Command {
	var (
		allowCal bool
		feedrate float64
	)
	cmd := &cobra.Command{
		Use:   "home [x|y]...",
		Short: "Precise homing of cartesian axes",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			axes, err := parseAxes(args)
			if err != nil {
				return err
			}
			return o.run(func(ctx context.Context, s *session) error {
				var results []axisReport
				for _, axis := range axes {
					f := feedrate
					if f <= 0 {
						f = s.cfg.Axes[axis].HomingSpeed
					}
					res, err := s.engine.HomeAxisPrecise(ctx, axis, s.cfg.Axes[axis].HomeDir, allowCal, f)
					if err != nil {
						return err
					}
					results = append(results, axisReport{
						axis:     axis,
						res:      res,
						position: s.machine.MachinePosition()[axis],
					})
					if res.Aborted {
						log.WithField("axis", axis).Warn("homing aborted")
						break
					}
				}
				printAxisResults(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&allowCal, "allow-cal", false, "record new phase samples and tune the stall sensitivity")
	cmd.Flags().Float64Var(&feedrate, "feedrate", 0, "probing feedrate in mm/s (default: homing_speed of the axis)")
	return cmd
}

// axisReport is one row of the home command output.
type axisReport struct {
	axis     motion.Axis
	res      homing.AxisResult
	position float64
}
