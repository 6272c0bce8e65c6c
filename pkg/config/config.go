package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// Config is a parsed configuration file.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
}

// New creates a new empty Config.
func New() *Config {
	return &Config{sections: make(map[string]*Section)}
}

// Load reads a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// LoadString parses a configuration from a string.
func LoadString(data string) (*Config, error) {
	return Parse(strings.NewReader(data))
}

// Parse reads INI-style sections. Lines starting with "#*#" hold values
// written back by a previous save and are parsed like regular lines.
func Parse(r io.Reader) (*Config, error) {
	c := New()
	var current string
	var options map[string]string

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#*#") {
			line = strings.TrimSpace(line[3:])
		} else if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if current != "" {
				c.addSection(current, options)
			}
			current = strings.TrimSpace(line[1 : len(line)-1])
			if current == "" {
				return nil, fmt.Errorf("empty section header at line %d", lineNum)
			}
			options = make(map[string]string)
			continue
		}
		if current == "" {
			return nil, fmt.Errorf("option outside of a section at line %d", lineNum)
		}

		sep := strings.IndexAny(line, ":=")
		if sep <= 0 {
			return nil, fmt.Errorf("malformed option at line %d: %q", lineNum, line)
		}
		options[strings.TrimSpace(line[:sep])] = strings.TrimSpace(line[sep+1:])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current != "" {
		c.addSection(current, options)
	}
	return c, nil
}

func (c *Config) addSection(name string, options map[string]string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.set(k, v)
		}
		return existing
	}
	sec := newSection(name, options)
	c.sections[name] = sec
	c.order = append(c.order, name)
	return sec
}

func (c *Config) removeSection(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sections[name]; !ok {
		return
	}
	delete(c.sections, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// GetSection returns a Section by name, or error if not found.
func (c *Config) GetSection(name string) (*Section, error) {
	if sec := c.GetSectionOptional(name); sec != nil {
		return sec, nil
	}
	return nil, ErrMissingSection(name)
}

// GetSectionOptional returns a Section if it exists, or nil if not.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sections[name]
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	return c.GetSectionOptional(name) != nil
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, len(c.order))
	copy(result, c.order)
	return result
}

// CheckUnusedOptions returns an error naming every option nobody read.
func (c *Config) CheckUnusedOptions() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	for _, name := range c.order {
		if unused := c.sections[name].GetUnusedOptions(); len(unused) > 0 {
			problems = append(problems, fmt.Sprintf("[%s]: %v", name, unused))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("config: unused options %s", strings.Join(problems, "; "))
	}
	return nil
}
