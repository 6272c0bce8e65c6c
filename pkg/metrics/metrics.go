// Prometheus metrics for precise homing
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "precise_homing"

// Homing holds the collectors written by the homing engine. A nil *Homing
// accepts every call and records nothing.
type Homing struct {
	probes           *prometheus.CounterVec
	calOffset        *prometheus.GaugeVec
	bumpDivisor      *prometheus.GaugeVec
	sensitivity      *prometheus.GaugeVec
	homeResults      *prometheus.CounterVec
	measureSteps     *prometheus.HistogramVec
	roundDiff        *prometheus.GaugeVec
	originPasses     *prometheus.CounterVec
	gridOrigin       *prometheus.GaugeVec
	measureSensScore *prometheus.GaugeVec
}

// NewHoming creates the collectors and registers them with reg.
func NewHoming(reg prometheus.Registerer) (*Homing, error) {
	h := &Homing{
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Cartesian homing probes by classification",
		}, []string{"axis", "class"}),
		calOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calibration_offset",
			Help:      "Last phase offset from the calibrated home phase",
		}, []string{"axis"}),
		bumpDivisor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bump_divisor",
			Help:      "Current bump feedrate divisor",
		}, []string{"axis"}),
		sensitivity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stall_sensitivity",
			Help:      "Stall sensitivity selected for homing",
		}, []string{"axis"}),
		homeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Homing refinement outcomes",
		}, []string{"kinematics", "result"}),
		measureSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phxy_meas_steps",
			Help:      "Measured motor steps to the endstop",
			Buckets:   prometheus.LinearBuckets(0, 200, 10),
		}, []string{"motor", "dir"}),
		roundDiff: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phxy_probe_diff_steps",
			Help:      "Step disagreement between the last two measurement rounds",
		}, []string{"motor", "dir"}),
		originPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phxy_orig_points_total",
			Help:      "Grid origin points probed, by stability",
		}, []string{"state"}),
		gridOrigin: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phxy_orig",
			Help:      "Calibrated grid origin and mean distance",
		}, []string{"field"}),
		measureSensScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phxy_sens_score",
			Help:      "Measurement repeatability score per stall sensitivity",
		}, []string{"sensitivity"}),
	}
	for _, c := range []prometheus.Collector{
		h.probes, h.calOffset, h.bumpDivisor, h.sensitivity, h.homeResults,
		h.measureSteps, h.roundDiff, h.originPasses, h.gridOrigin, h.measureSensScore,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// ObserveProbe records one classified cartesian probe.
func (h *Homing) ObserveProbe(axis, class string, offset int) {
	if h == nil {
		return
	}
	h.probes.WithLabelValues(axis, class).Inc()
	h.calOffset.WithLabelValues(axis).Set(float64(offset))
}

// SetBumpDivisor records the divisor in use.
func (h *Homing) SetBumpDivisor(axis string, v float64) {
	if h == nil {
		return
	}
	h.bumpDivisor.WithLabelValues(axis).Set(v)
}

// SetSensitivity records the homing stall sensitivity in use.
func (h *Homing) SetSensitivity(axis string, v int) {
	if h == nil {
		return
	}
	h.sensitivity.WithLabelValues(axis).Set(float64(v))
}

// ObserveResult counts a refinement outcome such as "ok", "rejected" or "aborted".
func (h *Homing) ObserveResult(kinematics, result string) {
	if h == nil {
		return
	}
	h.homeResults.WithLabelValues(kinematics, result).Inc()
}

// ObserveMeasurement records one grid prober hit distance.
func (h *Homing) ObserveMeasurement(motor, dir string, steps int64) {
	if h == nil {
		return
	}
	h.measureSteps.WithLabelValues(motor, dir).Observe(float64(steps))
}

// ObserveRound records the disagreement between consecutive measurement rounds.
func (h *Homing) ObserveRound(motor string, d0, d1 int64) {
	if h == nil {
		return
	}
	h.roundDiff.WithLabelValues(motor, "-").Set(float64(d0))
	h.roundDiff.WithLabelValues(motor, "+").Set(float64(d1))
}

// ObserveOriginPoint counts a grid origin point as stable or unstable.
func (h *Homing) ObserveOriginPoint(unstable bool) {
	if h == nil {
		return
	}
	state := "stable"
	if unstable {
		state = "unstable"
	}
	h.originPasses.WithLabelValues(state).Inc()
}

// SetGridOrigin records a calibrated grid origin.
func (h *Homing) SetGridOrigin(origin, distance [2]float64) {
	if h == nil {
		return
	}
	h.gridOrigin.WithLabelValues("o0").Set(origin[0])
	h.gridOrigin.WithLabelValues("o1").Set(origin[1])
	h.gridOrigin.WithLabelValues("d0").Set(distance[0])
	h.gridOrigin.WithLabelValues("d1").Set(distance[1])
}

// ObserveMeasureSensitivity records the score of one measurement sensitivity.
func (h *Homing) ObserveMeasureSensitivity(sensitivity string, score float64) {
	if h == nil {
		return
	}
	h.measureSensScore.WithLabelValues(sensitivity).Set(score)
}
