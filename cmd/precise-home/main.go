// precise-home drives the precise homing engine against a simulated machine
// built from the printer configuration or from a YAML scenario. Calibration
// is kept in an autosave store between runs.
//
// Usage:
//
//	precise-home -c printer.cfg [--store calib.cfg] <command>
//
// Commands:
//
//	home [x|y]...         precise homing of cartesian axes
//	refine                CoreXY home refinement
//	measure-sensitivity   select the CoreXY measurement sensitivity
//	status                print the stored calibration
//	reset                 clear a halt and forget the stored calibration
//
// Examples:
//
//	# calibrate both axes of a cartesian machine
//	precise-home -c printer.cfg --store calib.cfg home --allow-cal
//
//	# refine a CoreXY home and export metrics while doing it
//	precise-home -c printer.cfg --metrics :9101 refine --mode force
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
