package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/homing"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
)

func newRefineCmd(o *options) *cobra.Command {
	var (
		mode     string
		feedrate float64
	)
	cmd := &cobra.Command{
		Use:   "refine",
		Short: "Refine the home of a CoreXY machine on the motor phase grid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := homing.ParseCalibrationMode(mode)
			if err != nil {
				return err
			}
			return o.run(func(ctx context.Context, s *session) error {
				res, err := s.engine.CoreXYHomeRefine(ctx, defaultFeedrate(s, feedrate), m)
				if err != nil {
					return err
				}
				printRefineResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", homing.CalibrateOnDemand.String(), "grid origin calibration: on_demand, force or never")
	cmd.Flags().Float64Var(&feedrate, "feedrate", 0, "homing feedrate in mm/s (default: homing_speed of X)")
	return cmd
}

func newMeasureCmd(o *options) *cobra.Command {
	var feedrate float64
	cmd := &cobra.Command{
		Use:   "measure-sensitivity",
		Short: "Select the stall sensitivity used for CoreXY grid measurements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(func(ctx context.Context, s *session) error {
				p, aborted, err := s.engine.CalibrateMeasureSensitivity(ctx, defaultFeedrate(s, feedrate))
				if err != nil {
					return err
				}
				printMeasureParams(cmd.OutOrStdout(), p, aborted)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&feedrate, "feedrate", 0, "homing feedrate in mm/s (default: homing_speed of X)")
	return cmd
}

func defaultFeedrate(s *session, f float64) float64 {
	if f > 0 {
		return f
	}
	return s.cfg.Axes[motion.X].HomingSpeed
}
