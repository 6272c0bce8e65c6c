package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// AutosaveConfig extends Config with runtime modification and atomic saving.
// The persisted calibration state lives in one of these.
type AutosaveConfig struct {
	*Config

	mu   sync.Mutex
	path string

	// Backup keeps a timestamped copy of the previous file on every save.
	Backup bool

	dirty bool
}

// NewAutosaveConfig wraps a Config with autosave capabilities.
func NewAutosaveConfig(cfg *Config, path string) *AutosaveConfig {
	if cfg == nil {
		cfg = New()
	}
	return &AutosaveConfig{Config: cfg, path: path}
}

// LoadAutosave loads path, starting empty when the file does not exist yet.
func LoadAutosave(path string) (*AutosaveConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return NewAutosaveConfig(New(), path), nil
		}
		return nil, err
	}
	return NewAutosaveConfig(cfg, path), nil
}

// Path returns the file the config saves to.
func (c *AutosaveConfig) Path() string {
	return c.path
}

// SetOption sets or updates an option value, creating the section if needed.
func (c *AutosaveConfig) SetOption(section, option, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sec := c.Config.GetSectionOptional(section); sec != nil {
		sec.set(option, value)
	} else {
		c.Config.addSection(section, map[string]string{option: value})
	}
	c.dirty = true
}

// RemoveOption deletes one option. Removing a missing option is a no-op.
func (c *AutosaveConfig) RemoveOption(section, option string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sec := c.Config.GetSectionOptional(section); sec != nil && sec.remove(option) {
		c.dirty = true
	}
}

// DeleteSection removes a section and all its options.
func (c *AutosaveConfig) DeleteSection(section string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Config.HasSection(section) {
		c.Config.removeSection(section)
		c.dirty = true
	}
}

// HasChanges returns true if there are unsaved changes.
func (c *AutosaveConfig) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// SaveChanges writes the configuration atomically through a temp file rename.
func (c *AutosaveConfig) SaveChanges() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		return fmt.Errorf("config: no path to save to")
	}
	if c.Backup {
		if err := c.createBackup(); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(c.render()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	c.dirty = false
	return nil
}

// createBackup copies the current file to name-YYYYMMDD_HHMMSS.ext.
func (c *AutosaveConfig) createBackup() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	ext := filepath.Ext(c.path)
	base := strings.TrimSuffix(c.path, ext)
	backup := fmt.Sprintf("%s-%s%s", base, time.Now().Format("20060102_150405"), ext)
	return os.WriteFile(backup, data, 0644)
}

func (c *AutosaveConfig) render() string {
	var sb strings.Builder
	for i, name := range c.Config.GetSectionNames() {
		sec := c.Config.GetSectionOptional(name)
		if sec == nil {
			continue
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s]\n", name)

		options := sec.RawOptions()
		keys := make([]string, 0, len(options))
		for k := range options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %s\n", k, options[k])
		}
	}
	return sb.String()
}
