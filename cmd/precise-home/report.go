package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/homing"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/safety"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/store"
)

var (
	tagOK    = color.GreenString("[ OK ]")
	tagWarn  = color.YellowString("[WARN]")
	tagFail  = color.RedString("[FAIL]")
	tagAbort = color.YellowString("[ABRT]")
)

func formatMM(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetColWidth(20)
	table.SetHeader(header)
	return table
}

func printAxisResults(w io.Writer, results []axisReport) {
	table := newTable(w, []string{
		"Status", "Axis", "Tries", "Probe offset", "Cal offset", "Sensitivity", "Divisor", "Position",
	})
	for _, r := range results {
		status := tagFail
		switch {
		case r.res.Aborted:
			status = tagAbort
		case r.res.Accepted && r.res.Calibrated:
			status = tagOK
		case r.res.Accepted:
			status = tagWarn
		}
		table.Append([]string{
			status,
			r.axis.String(),
			strconv.Itoa(r.res.Tries),
			formatMM(r.res.ProbeOffset),
			strconv.Itoa(r.res.CalibrationOffset),
			strconv.Itoa(r.res.Sensitivity),
			strconv.FormatFloat(r.res.Divisor, 'f', 3, 64),
			formatMM(r.position),
		})
	}
	table.Render()
}

func printRefineResult(w io.Writer, res homing.RefineResult) {
	status := tagFail
	switch {
	case res.Aborted:
		status = tagAbort
	case res.OK && res.Unstable:
		status = tagWarn
	case res.OK:
		status = tagOK
	}
	table := newTable(w, []string{"Status", "Recalibrated", "Cell", "Origin", "X", "Y"})
	table.Append([]string{
		status,
		strconv.FormatBool(res.Recalibrated),
		fmt.Sprintf("%d,%d", res.Cell[0], res.Cell[1]),
		fmt.Sprintf("%.3f,%.3f", res.Origin.Origin[0], res.Origin.Origin[1]),
		formatMM(res.Position[motion.X]),
		formatMM(res.Position[motion.Y]),
	})
	table.Render()
}

func printMeasureParams(w io.Writer, p store.MeasureParams, aborted bool) {
	status := tagOK
	if aborted {
		status = tagAbort
	}
	table := newTable(w, []string{"Status", "Sensitivity", "Feedrate", "Current", "Score"})
	table.Append([]string{
		status,
		strconv.Itoa(p.Sensitivity),
		strconv.FormatFloat(p.Feedrate, 'f', 1, 64),
		strconv.Itoa(p.Current),
		strconv.FormatFloat(p.Score, 'f', 4, 64),
	})
	table.Render()
}

func printHalt(w io.Writer, st safety.Status) {
	if st.Reason == "" {
		fmt.Fprintf(w, "%s machine %s\n", tagOK, st.State)
		return
	}
	fmt.Fprintf(w, "%s machine %s since %s: %s: %s\n", tagFail, st.State,
		st.ShutdownTime.Format(time.RFC3339), st.Reason, st.Message)
}

func calibratedTag(ok bool) string {
	if ok {
		return tagOK
	}
	return tagWarn
}

func printStatus(w io.Writer, s *session) {
	cfg := s.cfg
	table := newTable(w, []string{"Status", "Axis", "Samples", "Modal phase", "Sensitivity", "Divisor"})
	for _, axis := range motion.Axes {
		win := s.store.Window(axis, cfg.Cartesian.WindowSize)
		modal := "-"
		if p, ok := win.Calibration(cfg.Cartesian.ModalTolerance); ok {
			modal = strconv.Itoa(int(p))
		}
		sens := "-"
		if v, ok := s.store.Sensitivity(axis); ok {
			sens = strconv.Itoa(v)
		}
		div := "-"
		if v, ok := s.store.BumpDivisor(axis); ok {
			div = strconv.FormatFloat(v, 'f', 3, 64)
		}
		table.Append([]string{
			calibratedTag(s.engine.IsCalibrated(axis)),
			axis.String(),
			fmt.Sprintf("%d/%d", win.Len(), win.Cap()),
			modal,
			sens,
			div,
		})
	}
	table.Render()
	printHalt(w, s.safety.GetStatus())

	if cfg.Kinematics != homing.KinematicsCoreXY {
		return
	}
	table = newTable(w, []string{"Status", "Grid origin", "Distance", "Measure params"})
	origin, dist := "-", "-"
	if o, ok := s.store.GridOrigin(); ok {
		origin = fmt.Sprintf("%.3f,%.3f", o.Origin[0], o.Origin[1])
		dist = fmt.Sprintf("%.3f,%.3f", o.Distance[0], o.Distance[1])
	}
	params := "-"
	if p, ok := s.store.MeasureParams(); ok {
		params = fmt.Sprintf("sens=%d feedrate=%.1f current=%d", p.Sensitivity, p.Feedrate, p.Current)
	}
	status := calibratedTag(s.engine.IsCalibrated(motion.X))
	if s.engine.IsUnstable() {
		status = tagFail
	}
	table.Append([]string{status, origin, dist, params})
	table.Render()
}
