package sim

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Stall describes where a motor stalls against a wall.
type Stall struct {
	// Overshoot is how far past the wall the carriage gets before the
	// driver reports the stall, in mm.
	Overshoot float64 `yaml:"overshoot"`
	// BestSensitivity is the sensitivity with the least noise.
	BestSensitivity int `yaml:"best_sensitivity"`
	// Noise is the standard deviation of the stall point, in mm.
	Noise float64 `yaml:"noise"`
	// SensitivityNoise adds noise per unit of distance from BestSensitivity.
	SensitivityNoise float64 `yaml:"sensitivity_noise"`
	// ShapingError shifts the stall point while input shaping is active.
	ShapingError float64 `yaml:"shaping_error"`
}

// Faults injects motion system failures.
type Faults struct {
	// ShortMove makes motor A stop this many steps short on unarmed raw moves.
	ShortMove int64 `yaml:"short_move"`
	// DrainAfter starts draining after that many moves. Zero disables it.
	DrainAfter int `yaml:"drain_after"`
}

// Scenario is the geometry and behaviour of a simulated machine.
type Scenario struct {
	Kinematics      string     `yaml:"kinematics"`
	StepsPerMM      float64    `yaml:"steps_per_mm"`
	Microsteps      int        `yaml:"microsteps"`
	HomeDir         [2]int     `yaml:"home_dir"`
	PositionEndstop [2]float64 `yaml:"position_endstop"`
	// Walls are the physical stops on the home side of each axis, in mm.
	Walls [2]float64 `yaml:"walls"`
	Start [2]float64 `yaml:"start"`
	// Phase is the MSCNT of each motor at physical step zero.
	Phase [2]int `yaml:"phase"`
	Seed  int64  `yaml:"seed"`

	Stall  Stall  `yaml:"stall"`
	Faults Faults `yaml:"faults"`
}

// DefaultScenario returns a noiseless machine of the given kinematics with
// its carriage in the middle of the bed.
func DefaultScenario(kinematics string) Scenario {
	return Scenario{
		Kinematics: kinematics,
		StepsPerMM: 100,
		Microsteps: 16,
		HomeDir:    [2]int{-1, -1},
		Start:      [2]float64{50, 50},
		Seed:       1,
		Stall: Stall{
			Overshoot:       0.05,
			BestSensitivity: 3,
		},
	}
}

// Validate checks the scenario for values the machine cannot run with.
func (s *Scenario) Validate() error {
	if s.Kinematics != "cartesian" && s.Kinematics != "corexy" {
		return fmt.Errorf("bad scenario: unsupported kinematics %q", s.Kinematics)
	}
	if s.StepsPerMM <= 0 {
		return fmt.Errorf("bad scenario: 'steps_per_mm' must be >0")
	}
	if s.Microsteps <= 0 || 256%s.Microsteps != 0 {
		return fmt.Errorf("bad scenario: 'microsteps' must divide 256")
	}
	for i, d := range s.HomeDir {
		if d != -1 && d != 1 {
			return fmt.Errorf("bad scenario: 'home_dir' of axis %d must be -1 or 1", i)
		}
		if float64(d)*(s.Start[i]-s.Walls[i]) >= 0 {
			return fmt.Errorf("bad scenario: start of axis %d is behind its wall", i)
		}
	}
	if s.Stall.Noise < 0 || s.Stall.SensitivityNoise < 0 {
		return fmt.Errorf("bad scenario: noise must be >=0")
	}
	return nil
}

// ParseScenario reads a YAML scenario on top of the defaults of its
// kinematics.
func ParseScenario(data []byte) (Scenario, error) {
	var head struct {
		Kinematics string `yaml:"kinematics"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return Scenario{}, err
	}
	if head.Kinematics == "" {
		head.Kinematics = "cartesian"
	}
	s := DefaultScenario(head.Kinematics)
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return Scenario{}, err
	}
	return s, s.Validate()
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, err
	}
	return ParseScenario(data)
}
