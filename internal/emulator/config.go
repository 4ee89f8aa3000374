package emulator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries the knobs the CLI and an optional profile file can set.
type Config struct {
	// Trace prints each instruction and a register dump as it executes.
	Trace bool `yaml:"trace"`

	// Debug enables the structured machinery log.
	Debug bool `yaml:"debug"`

	// Quiet suppresses informational notices (syscall/exit banners).
	// Diagnostics and the leak report still print.
	Quiet bool `yaml:"quiet"`

	// Color controls report/trace coloring: "auto" (default) or "never".
	Color string `yaml:"color"`

	// StackSize is the guest stack reservation in bytes. Rounded up to a
	// page multiple. Zero means the 64 KiB default.
	StackSize uint32 `yaml:"stack_size"`

	// LeakReportLimit caps the number of leak groups printed at exit.
	// Zero means unlimited.
	LeakReportLimit int `yaml:"leak_report_limit"`
}

// DefaultStackSize is the stack reservation when none is configured.
const DefaultStackSize = 64 * 1024

// LoadConfig reads a YAML profile. Fields the profile leaves out stay zero;
// New fills in their defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// normalize applies defaults and alignment to a parsed config.
func (c *Config) normalize() {
	if c.StackSize == 0 {
		c.StackSize = DefaultStackSize
	}
	c.StackSize = (c.StackSize + 0xFFF) &^ 0xFFF
	if c.Color == "" {
		c.Color = "auto"
	}
}
