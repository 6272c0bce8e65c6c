package store

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/config"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/errors"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/motion"
	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
)

const (
	gridOriginSection    = "corexy_grid_origin"
	measureParamsSection = "corexy_measure_sens"
)

func axisSection(axis motion.Axis) string {
	return "precise_homing " + axis.String()
}

func sampleOption(i int) string {
	return "sample_" + strconv.Itoa(i)
}

// File is a Store backed by an autosave config file. It holds an exclusive
// lock on <path>.lock from Open until Close.
type File struct {
	mu   sync.Mutex
	cfg  *config.AutosaveConfig
	lock *os.File
}

// Open loads path, creating an empty store when it does not exist yet.
func Open(path string) (*File, error) {
	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, errors.StoreError("lock", err).SetContext("path", path)
	}
	cfg, err := config.LoadAutosave(path)
	if err != nil {
		releaseLock(lock)
		return nil, errors.StoreError("load", err).SetContext("path", path)
	}
	cfg.Backup = true
	return &File{cfg: cfg, lock: lock}, nil
}

// Close releases the file lock. Uncommitted changes are dropped.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock == nil {
		return nil
	}
	err := releaseLock(f.lock)
	f.lock = nil
	return err
}

// Path returns the backing file.
func (f *File) Path() string {
	return f.cfg.Path()
}

func (f *File) get(section, option string) (string, bool) {
	sec := f.cfg.GetSectionOptional(section)
	if sec == nil || !sec.HasOption(option) {
		return "", false
	}
	v, err := sec.Get(option)
	return v, err == nil
}

func (f *File) getFloat(section, option string) (float64, bool) {
	raw, ok := f.get(section, option)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.WithFields(log.Fields{"section": section, "option": option}).Warnf("ignoring unparsable value %q", raw)
		return 0, false
	}
	return v, true
}

func (f *File) getInt(section, option string) (int, bool) {
	raw, ok := f.get(section, option)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.WithFields(log.Fields{"section": section, "option": option}).Warnf("ignoring unparsable value %q", raw)
		return 0, false
	}
	return v, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Window rebuilds the sample window of axis. Slots without a value are unwritten.
func (f *File) Window(axis motion.Axis, capacity int) *phase.Window {
	f.mu.Lock()
	defer f.mu.Unlock()
	sec := axisSection(axis)
	slots := make([]phase.Slot, capacity)
	for i := range slots {
		if v, ok := f.getInt(sec, sampleOption(i)); ok {
			slots[i] = phase.Slot{Phase: phase.Wrap(v), Written: true}
		}
	}
	cursor, _ := f.getInt(sec, "sample_index")
	return phase.Restore(slots, cursor)
}

// SetWindow replaces the stored sample window of axis.
func (f *File) SetWindow(axis motion.Axis, w *phase.Window) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sec := axisSection(axis)
	for i, s := range w.Slots() {
		if s.Written {
			f.cfg.SetOption(sec, sampleOption(i), strconv.Itoa(int(s.Phase)))
		} else {
			f.cfg.RemoveOption(sec, sampleOption(i))
		}
	}
	f.cfg.SetOption(sec, "sample_index", strconv.Itoa(w.Cursor()))
}

// BumpDivisor returns the stored divisor of axis.
func (f *File) BumpDivisor(axis motion.Axis) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getFloat(axisSection(axis), "bump_divisor")
}

// SetBumpDivisor stores the divisor of axis.
func (f *File) SetBumpDivisor(axis motion.Axis, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.SetOption(axisSection(axis), "bump_divisor", formatFloat(v))
}

// Sensitivity returns the stored stall sensitivity of axis.
func (f *File) Sensitivity(axis motion.Axis) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getInt(axisSection(axis), "sensitivity")
}

// SetSensitivity stores the stall sensitivity of axis.
func (f *File) SetSensitivity(axis motion.Axis, v int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.SetOption(axisSection(axis), "sensitivity", strconv.Itoa(v))
}

// ClearSensitivity forgets the stall sensitivity of axis.
func (f *File) ClearSensitivity(axis motion.Axis) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.RemoveOption(axisSection(axis), "sensitivity")
}

// GridOrigin returns the stored grid origin. It is uninitialized unless
// every field is present.
func (f *File) GridOrigin() (GridOrigin, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var o GridOrigin
	fields := []struct {
		name string
		dst  *float64
	}{
		{"origin_a", &o.Origin[0]},
		{"origin_b", &o.Origin[1]},
		{"distance_a", &o.Distance[0]},
		{"distance_b", &o.Distance[1]},
	}
	for _, fl := range fields {
		v, ok := f.getFloat(gridOriginSection, fl.name)
		if !ok {
			return GridOrigin{}, false
		}
		*fl.dst = v
	}
	return o, true
}

// SetGridOrigin stores the grid origin.
func (f *File) SetGridOrigin(o GridOrigin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.SetOption(gridOriginSection, "origin_a", formatFloat(o.Origin[0]))
	f.cfg.SetOption(gridOriginSection, "origin_b", formatFloat(o.Origin[1]))
	f.cfg.SetOption(gridOriginSection, "distance_a", formatFloat(o.Distance[0]))
	f.cfg.SetOption(gridOriginSection, "distance_b", formatFloat(o.Distance[1]))
}

// ClearGridOrigin marks the grid origin uninitialized.
func (f *File) ClearGridOrigin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.DeleteSection(gridOriginSection)
}

// MeasureParams returns the stored measurement parameters.
func (f *File) MeasureParams() (MeasureParams, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p MeasureParams
	var ok bool
	if p.Sensitivity, ok = f.getInt(measureParamsSection, "sensitivity"); !ok {
		return MeasureParams{}, false
	}
	if p.Feedrate, ok = f.getFloat(measureParamsSection, "feedrate"); !ok {
		return MeasureParams{}, false
	}
	if p.Current, ok = f.getInt(measureParamsSection, "current"); !ok {
		return MeasureParams{}, false
	}
	p.Score, _ = f.getFloat(measureParamsSection, "score")
	return p, true
}

// SetMeasureParams stores the measurement parameters.
func (f *File) SetMeasureParams(p MeasureParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.SetOption(measureParamsSection, "sensitivity", strconv.Itoa(p.Sensitivity))
	f.cfg.SetOption(measureParamsSection, "feedrate", formatFloat(p.Feedrate))
	f.cfg.SetOption(measureParamsSection, "current", strconv.Itoa(p.Current))
	f.cfg.SetOption(measureParamsSection, "score", formatFloat(p.Score))
}

// Commit writes pending changes to disk.
func (f *File) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock == nil {
		return errors.StoreError("commit", fmt.Errorf("store is closed"))
	}
	if !f.cfg.HasChanges() {
		return nil
	}
	if err := f.cfg.SaveChanges(); err != nil {
		return errors.StoreError("commit", err).SetContext("path", f.cfg.Path())
	}
	log.WithField("path", f.cfg.Path()).Debug("calibration store saved")
	return nil
}
