package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
)

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the stored calibration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(func(_ context.Context, s *session) error {
				printStatus(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func newResetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear a halt and forget the stored calibration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(func(_ context.Context, s *session) error {
				if err := s.safety.Reset(); err != nil {
					return err
				}
				for _, axis := range motion.Axes {
					acfg := s.cfg.Axes[axis]
					s.store.SetWindow(axis, phase.NewWindow(s.cfg.Cartesian.WindowSize))
					s.store.SetBumpDivisor(axis, acfg.BumpDivisor)
					s.store.ClearSensitivity(axis)
				}
				s.store.ClearGridOrigin()
				if err := s.store.Commit(); err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}
