// internal/config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Registry    RegistryConfig    `yaml:"registry"`
	Readiness   ReadinessConfig   `yaml:"readiness"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Cards       []CardConfig      `yaml:"cards"`
}

// ---- LOGGING ----

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// ---- REGISTRY ----

type RegistryConfig struct {
	PerDevMinors int `yaml:"perdev_minors"`
}

// ---- READINESS ----

type ReadinessConfig struct {
	TimeoutMs      int `yaml:"timeout_ms"`
	SDTimeoutMs    int `yaml:"sd_timeout_ms"`
	StatusRetries  int `yaml:"status_retries"`
	MaxPolls       int `yaml:"max_polls"`
	PollIntervalUs int `yaml:"poll_interval_us"`
}

// ---- RECOVERY ----

type RecoveryConfig struct {
	// TransientRetries bounds resubmissions of one window on "try again".
	TransientRetries int `yaml:"transient_retries"`
}

// ---- MONITOR ----

type MonitorConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

// ---- DIAGNOSTICS ----

type DiagnosticsConfig struct {
	LogDepth int           `yaml:"log_depth"`
	Modbus   *ModbusConfig `yaml:"modbus"` // optional, opt-in
}

type ModbusConfig struct {
	Endpoint  string `yaml:"endpoint"`
	UnitID    uint8  `yaml:"unit_id"`
	TimeoutMs int    `yaml:"timeout_ms"`
	EventBase uint16 `yaml:"event_base"` // first event block register
}

// ---- CARD ----

type CardConfig struct {
	ID        string `yaml:"id"`
	Image     string `yaml:"image"`
	SPI       bool   `yaml:"spi"`
	MaxBlocks uint32 `yaml:"max_blocks"`
	Watch     bool   `yaml:"watch"` // removal detection on the image path

	Family       string  `yaml:"family"`     // sd | mmc
	Addressing   string  `yaml:"addressing"` // block | byte
	Name         string  `yaml:"name"`
	Vendor       string  `yaml:"vendor"`
	RCA          uint16  `yaml:"rca"`
	CmdClass     *uint16 `yaml:"cmdclass"`
	WriteProtect bool    `yaml:"write_protect"`
	TaccNs       uint32  `yaml:"tacc_ns"`
	TaccClks     uint32  `yaml:"tacc_clks"`
	R2WFactor    uint8   `yaml:"r2w_factor"`
	ClockHz      uint32  `yaml:"clock_hz"`

	// Status block slot in diagnostics memory (optional, opt-in)
	StatusSlot *uint16 `yaml:"status_slot"`

	Faults []FaultConfig `yaml:"faults"`
}

// ---- FAULT INJECTION ----

type FaultConfig struct {
	Op        string  `yaml:"op"`     // read | write | status | any
	Sector    *uint64 `yaml:"sector"` // fires when the window covers it
	Kind      string  `yaml:"kind"`   // cmd | data | stop | again | busy | remove
	Times     int     `yaml:"times"`  // 0 = every time
	Partial   uint32  `yaml:"partial"`
	BusyPolls int     `yaml:"busy_polls"`
}

// Load reads a YAML config file. It does not validate.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}
