package homing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
)

func searchConfig() CartesianConfig {
	cfg := DefaultConfig(KinematicsCartesian).Cartesian
	cfg.Autotune = true
	cfg.SensitivityRange = Range{Min: 1, Max: 5}
	return cfg
}

// runSearch feeds the search until it converges and returns the visited
// sensitivities.
func runSearch(t *testing.T, s *sensitivitySearch, offsets map[int]float64) []int {
	var visited []int
	for i := 0; !s.Calibrated(); i++ {
		if i > 100 {
			t.Fatal("search did not converge")
		}
		visited = append(visited, s.Current())
		s.Update(offsets[s.Current()])
	}
	return visited
}

func TestSensitivitySearch(t *testing.T) {
	s := newSensitivitySearch(motion.X, searchConfig(), 0, false, false)
	assert.False(t, s.Calibrated())
	assert.Equal(t, 3, s.Current())

	offsets := map[int]float64{1: 0.4, 2: 0.1, 3: -0.05, 4: 0.05, 5: 0.25}
	visited := runSearch(t, s, offsets)

	// upper half first, then down from below the middle; bad candidates
	// are dropped as soon as avg*n exceeds the limit
	assert.Equal(t, []int{3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 2, 2, 2, 2, 1, 1}, visited)
	// 3 and 4 tie; the upper middle of the run wins
	assert.Equal(t, 4, s.Current())
}

func TestSensitivitySearchTiesPickMiddle(t *testing.T) {
	s := newSensitivitySearch(motion.X, searchConfig(), 0, false, false)
	runSearch(t, s, map[int]float64{})
	assert.Equal(t, 3, s.Current())
}

func TestSensitivitySearchSingleValue(t *testing.T) {
	cfg := searchConfig()
	cfg.SensitivityRange = Range{Min: 7, Max: 7}
	s := newSensitivitySearch(motion.X, cfg, 0, false, false)
	visited := runSearch(t, s, map[int]float64{7: 0.01})
	assert.Len(t, visited, cfg.ProbesPerCandidate)
	assert.Equal(t, 7, s.Current())
}

func TestSensitivitySearchStored(t *testing.T) {
	s := newSensitivitySearch(motion.Y, searchConfig(), 2, true, false)
	assert.True(t, s.Calibrated())
	assert.Equal(t, 2, s.Current())

	s = newSensitivitySearch(motion.Y, searchConfig(), 2, true, true)
	assert.False(t, s.Calibrated())
	assert.Equal(t, 3, s.Current())
}

func TestSensitivitySearchUpdateReportsConvergence(t *testing.T) {
	cfg := searchConfig()
	cfg.SensitivityRange = Range{Min: 2, Max: 2}
	cfg.ProbesPerCandidate = 2
	s := newSensitivitySearch(motion.X, cfg, 0, false, false)
	assert.False(t, s.Update(0.1))
	assert.True(t, s.Update(0.1))
	assert.True(t, s.Calibrated())
}
