package homing

import (
	"math"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
)

// runningStats is the part of welford.Stats the searches use.
type runningStats interface {
	Add(v float64)
	Mean() float64
	Stddev() float64
}

// candidate accumulates |probe offset| for one stall sensitivity.
type candidate struct {
	stats runningStats
	n     int
}

func (c *candidate) avg() float64 {
	if c.n == 0 {
		return 0
	}
	return c.stats.Mean()
}

// sensitivitySearch scans the stall sensitivity range of one axis for the
// value giving the smallest average probe offset. The upper half of the
// range is scanned first since it is less likely to crash into the opposite
// end.
type sensitivitySearch struct {
	axis       motion.Axis
	rng        Range
	perProbe   int
	badLimit   float64
	cands      []candidate
	current    int
	best       *candidate
	calibrated bool
}

// newSensitivitySearch starts a search, or reports the stored value as
// calibrated unless force is set.
func newSensitivitySearch(axis motion.Axis, cfg CartesianConfig, stored int, haveStored, force bool) *sensitivitySearch {
	s := &sensitivitySearch{
		axis:     axis,
		rng:      cfg.SensitivityRange,
		perProbe: cfg.ProbesPerCandidate,
		badLimit: cfg.BadSensitivityMM,
		cands:    make([]candidate, cfg.SensitivityRange.Len()),
		current:  cfg.SensitivityRange.Middle(),
	}
	for i := range s.cands {
		s.cands[i].stats = welford.New()
	}

	entry := log.WithField("axis", axis)
	switch {
	case haveStored && !force:
		s.current = stored
		s.calibrated = true
		entry.Debugf("homing sensitivity already calibrated to %d", stored)
	case haveStored:
		entry.Infof("homing sensitivity: forcing recalibration at %d", s.current)
	default:
		entry.Infof("homing sensitivity: starting calibration at %d", s.current)
	}
	return s
}

func (s *sensitivitySearch) at(sens int) *candidate {
	return &s.cands[sens-s.rng.Min]
}

func (s *sensitivitySearch) isBad(c *candidate) bool {
	return c.avg()*float64(c.n) > s.badLimit
}

func (s *sensitivitySearch) haveGoodData() bool {
	return s.best != nil && !s.isBad(s.best)
}

// Current returns the sensitivity to probe with.
func (s *sensitivitySearch) Current() int {
	return s.current
}

// Calibrated reports whether the search has selected a value.
func (s *sensitivitySearch) Calibrated() bool {
	return s.calibrated
}

// Update folds one probe offset into the current candidate. It returns true
// when the search has just converged.
func (s *sensitivitySearch) Update(offset float64) bool {
	c := s.at(s.current)
	c.stats.Add(math.Abs(offset))
	c.n++

	if !s.isBad(c) && c.n < s.perProbe {
		return false
	}
	if s.next() {
		log.WithField("axis", s.axis).Infof("homing sensitivity: calibrating at %d", s.current)
		return false
	}
	s.selectBest()
	return true
}

func (s *sensitivitySearch) next() bool {
	c := s.at(s.current)
	if s.best == nil || c.avg() < s.best.avg() {
		s.best = c
	}

	middle := s.rng.Middle()
	if s.current >= middle {
		if s.current < s.rng.Max && (!s.haveGoodData() || !s.isBad(c)) {
			s.current++
			return true
		}
		if middle > s.rng.Min && (!s.haveGoodData() || !s.isBad(s.at(middle))) {
			s.current = middle - 1
			return true
		}
		return false
	}
	if s.current > s.rng.Min && (!s.haveGoodData() || !s.isBad(c)) {
		s.current--
		return true
	}
	return false
}

// selectBest picks the middle of the last run of smallest averages.
func (s *sensitivitySearch) selectBest() {
	last := -1
	for i := range s.cands {
		if s.cands[i].n > 0 && (last < 0 || s.cands[i].avg() <= s.cands[last].avg()) {
			last = i
		}
	}
	first := last
	for first > 0 && s.cands[first-1].n > 0 && s.cands[first-1].avg() == s.cands[last].avg() {
		first--
	}
	sel := first + (last+1-first)/2

	s.current = s.rng.Min + sel
	s.calibrated = true

	stats := s.cands[sel].stats
	log.WithFields(log.Fields{
		"axis":   s.axis,
		"avg":    stats.Mean(),
		"stddev": stats.Stddev(),
	}).Infof("homing sensitivity: calibrated to %d", s.current)
}
