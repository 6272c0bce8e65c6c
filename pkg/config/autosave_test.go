package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAutosaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.cfg")

	ac, err := LoadAutosave(path)
	if err != nil {
		t.Fatalf("LoadAutosave on missing file failed: %v", err)
	}
	if ac.HasChanges() {
		t.Error("fresh config should have no changes")
	}

	ac.SetOption("precise_homing x", "bump_divisor", "1.0609")
	ac.SetOption("precise_homing x", "sample_0", "512")
	ac.SetOption("corexy_grid_origin", "origin_a", "0.25")
	if !ac.HasChanges() {
		t.Fatal("expected changes")
	}
	if err := ac.SaveChanges(); err != nil {
		t.Fatalf("SaveChanges failed: %v", err)
	}
	if ac.HasChanges() {
		t.Error("changes should be cleared after save")
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "bump_divisor: 1.0609") {
		t.Errorf("saved file missing option:\n%s", data)
	}

	again, err := LoadAutosave(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	sec, err := again.GetSection("precise_homing x")
	if err != nil {
		t.Fatalf("section lost: %v", err)
	}
	if v, _ := sec.GetInt("sample_0"); v != 512 {
		t.Errorf("sample_0 = %v, want 512", v)
	}
}

func TestAutosaveRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.cfg")
	ac := NewAutosaveConfig(nil, path)
	ac.SetOption("a", "x", "1")
	ac.SetOption("a", "y", "2")
	ac.SetOption("b", "z", "3")
	if err := ac.SaveChanges(); err != nil {
		t.Fatal(err)
	}

	ac.RemoveOption("a", "missing")
	if ac.HasChanges() {
		t.Error("removing a missing option should not mark changes")
	}
	ac.RemoveOption("a", "x")
	ac.DeleteSection("b")
	if !ac.HasChanges() {
		t.Error("expected changes")
	}
	if ac.HasSection("b") {
		t.Error("section b should be gone")
	}
	sec, _ := ac.GetSection("a")
	if sec.HasOption("x") {
		t.Error("option x should be gone")
	}
}

func TestAutosaveBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calibration.cfg")
	if err := os.WriteFile(path, []byte("[a]\nx: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ac, err := LoadAutosave(path)
	if err != nil {
		t.Fatal(err)
	}
	ac.Backup = true
	ac.SetOption("a", "x", "2")
	if err := ac.SaveChanges(); err != nil {
		t.Fatal(err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "calibration-*.cfg"))
	if len(matches) != 1 {
		t.Errorf("backups = %v, want one", matches)
	}
}
