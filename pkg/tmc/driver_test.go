package tmc

import (
	"strings"
	"testing"

	"github.com/Snake-Edition/P32-FW-sub000/pkg/phase"
)

func TestFieldHelperSetGet(t *testing.T) {
	fh := NewFieldHelper(Registers)

	fh.Set("irun", 17)
	fh.Set("ihold", 8)
	if got := fh.Get("irun"); got != 17 {
		t.Errorf("irun = %d, want 17", got)
	}
	if got := fh.Register("IHOLD_IRUN"); got != (17<<8)|8 {
		t.Errorf("IHOLD_IRUN = %#x", got)
	}

	// values wider than the field are truncated
	fh.Set("mscnt", 1024+5)
	if got := fh.Get("mscnt"); got != 5 {
		t.Errorf("mscnt = %d, want 5", got)
	}

	if reg, ok := fh.LookupRegister("sgthrs"); !ok || reg != "SGTHRS" {
		t.Errorf("LookupRegister(sgthrs) = %s, %v", reg, ok)
	}
}

func TestNewDriverMicrosteps(t *testing.T) {
	if _, err := NewDriver("x", 12, 0); err == nil {
		t.Error("expected error for 12 microsteps")
	}
	d, err := NewDriver("x", 16, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.fields.Get("mres") != 4 {
		t.Errorf("mres = %d, want 4", d.fields.Get("mres"))
	}
}

func TestDriverStepWrapsPhase(t *testing.T) {
	d, _ := NewDriver("a", 16, 0)
	d.SetPhase(1000)
	d.Step(2)
	if got := d.Phase(); got != phase.Phase(8) {
		t.Errorf("phase = %d, want 8", got)
	}
	d.Step(-1)
	if got := d.Phase(); got != phase.Phase(1016) {
		t.Errorf("phase = %d, want 1016", got)
	}
}

func TestDriverCurrent(t *testing.T) {
	d, _ := NewDriver("b", 16, 0)
	if prev := d.SetRunCurrent(650); prev != 0 {
		t.Errorf("prev = %d, want 0", prev)
	}
	if prev := d.SetRunCurrent(900); prev != 650 {
		t.Errorf("prev = %d, want 650", prev)
	}
	if d.RunCurrent() != 900 {
		t.Errorf("RunCurrent = %d", d.RunCurrent())
	}
	act := d.ActualCurrent()
	if act < 850 || act > 950 {
		t.Errorf("ActualCurrent = %d, want near 900", act)
	}
}

func TestDriverStallThreshold(t *testing.T) {
	d, _ := NewDriver("a", 16, 0)
	if err := d.SetStallThreshold(300); err == nil {
		t.Error("expected range error")
	}
	if err := d.SetStallThreshold(120); err != nil {
		t.Fatal(err)
	}
	if d.StallThreshold() != 120 {
		t.Errorf("StallThreshold = %d", d.StallThreshold())
	}
	dump := strings.Join(d.Dump(), "\n")
	if !strings.Contains(dump, "sgthrs=120") {
		t.Errorf("dump missing sgthrs: %s", dump)
	}
}
