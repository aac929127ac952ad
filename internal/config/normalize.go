// internal/config/normalize.go
package config

// Defaults applied by Normalize.
const (
	DefaultPerDevMinors     = 8
	DefaultTimeoutMs        = 10000
	DefaultSDTimeoutMs      = 4000
	DefaultStatusRetries    = 5
	DefaultMaxPolls         = 0x30000
	DefaultTransientRetries = 16
	DefaultMonitorMs        = 1000
	DefaultLogDepth         = 5
	DefaultMaxBlocks        = 128
	DefaultModbusTimeoutMs  = 1000
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Registry.PerDevMinors == 0 {
		cfg.Registry.PerDevMinors = DefaultPerDevMinors
	}

	r := &cfg.Readiness
	if r.TimeoutMs == 0 {
		r.TimeoutMs = DefaultTimeoutMs
	}
	if r.SDTimeoutMs == 0 {
		r.SDTimeoutMs = DefaultSDTimeoutMs
		if r.SDTimeoutMs > r.TimeoutMs {
			r.SDTimeoutMs = r.TimeoutMs
		}
	}
	if r.StatusRetries == 0 {
		r.StatusRetries = DefaultStatusRetries
	}
	if r.MaxPolls == 0 {
		r.MaxPolls = DefaultMaxPolls
	}

	if cfg.Recovery.TransientRetries == 0 {
		cfg.Recovery.TransientRetries = DefaultTransientRetries
	}
	if cfg.Monitor.IntervalMs == 0 {
		cfg.Monitor.IntervalMs = DefaultMonitorMs
	}
	if cfg.Diagnostics.LogDepth == 0 {
		cfg.Diagnostics.LogDepth = DefaultLogDepth
	}
	if m := cfg.Diagnostics.Modbus; m != nil && m.TimeoutMs == 0 {
		m.TimeoutMs = DefaultModbusTimeoutMs
	}

	for ci := range cfg.Cards {
		c := &cfg.Cards[ci]

		if c.MaxBlocks == 0 {
			c.MaxBlocks = DefaultMaxBlocks
		}
		if c.Family == "" {
			c.Family = "sd"
		}
		if c.Addressing == "" {
			c.Addressing = "block"
		}
		if c.RCA == 0 {
			c.RCA = 1
		}
		if c.CmdClass == nil {
			all := uint16(0x5f5)
			c.CmdClass = &all
		}
		for fi := range c.Faults {
			if c.Faults[fi].Op == "" {
				c.Faults[fi].Op = "any"
			}
		}
	}
}
