// internal/config/validate.go
package config

import (
	"fmt"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}

	// ------------------------------------------------------------
	// GLOBAL LIMITS
	// ------------------------------------------------------------

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q: must be debug, info, warn or error", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q: must be text or json", cfg.Logging.Format)
	}

	if m := cfg.Registry.PerDevMinors; m < 0 || m > 256 || (m != 0 && 256%m != 0) {
		return fmt.Errorf("registry.perdev_minors %d: must divide 256", m)
	}

	r := cfg.Readiness
	if r.TimeoutMs < 0 || r.SDTimeoutMs < 0 || r.StatusRetries < 0 || r.MaxPolls < 0 || r.PollIntervalUs < 0 {
		return fmt.Errorf("readiness: values must be >= 0")
	}
	// The SD bound exists to be shorter; a longer one defeats it.
	if r.TimeoutMs > 0 && r.SDTimeoutMs > r.TimeoutMs {
		return fmt.Errorf("readiness: sd_timeout_ms %d exceeds timeout_ms %d", r.SDTimeoutMs, r.TimeoutMs)
	}
	if cfg.Recovery.TransientRetries < 0 {
		return fmt.Errorf("recovery.transient_retries must be >= 0")
	}
	if d := cfg.Diagnostics.LogDepth; d < 0 || d > 64 {
		return fmt.Errorf("diagnostics.log_depth %d: must be 0..64", d)
	}
	if m := cfg.Diagnostics.Modbus; m != nil && m.Endpoint == "" {
		return fmt.Errorf("diagnostics.modbus: endpoint required")
	}

	// ------------------------------------------------------------
	// CARDS
	// ------------------------------------------------------------

	if len(cfg.Cards) == 0 {
		return fmt.Errorf("config: at least one card required")
	}

	ids := make(map[string]struct{})
	images := make(map[string]string)
	slots := make(map[uint16]string)

	for _, c := range cfg.Cards {
		if c.ID == "" {
			return fmt.Errorf("card: id required")
		}
		if _, dup := ids[c.ID]; dup {
			return fmt.Errorf("card %q: duplicate id", c.ID)
		}
		ids[c.ID] = struct{}{}

		if c.Image == "" {
			return fmt.Errorf("card %q: image required", c.ID)
		}
		if prev, dup := images[c.Image]; dup {
			return fmt.Errorf("card %q: image %s already used by card %q", c.ID, c.Image, prev)
		}
		images[c.Image] = c.ID

		switch c.Family {
		case "", "sd", "mmc":
		default:
			return fmt.Errorf("card %q: family %q must be sd or mmc", c.ID, c.Family)
		}
		switch c.Addressing {
		case "", "block", "byte":
		default:
			return fmt.Errorf("card %q: addressing %q must be block or byte", c.ID, c.Addressing)
		}

		for i := 0; i < len(c.Name); i++ {
			if c.Name[i] > 0x7F {
				return fmt.Errorf("card %q: name must contain ASCII characters only", c.ID)
			}
		}

		if c.StatusSlot != nil {
			if cfg.Diagnostics.Modbus == nil {
				return fmt.Errorf("card %q: status_slot is set but diagnostics.modbus is not configured", c.ID)
			}
			if prev, exists := slots[*c.StatusSlot]; exists {
				return fmt.Errorf(
					"status_slot collision: slot=%d used by cards %q and %q",
					*c.StatusSlot, prev, c.ID,
				)
			}
			slots[*c.StatusSlot] = c.ID

			if err := validateSlot(*c.StatusSlot, cfg.Diagnostics.Modbus.EventBase); err != nil {
				return fmt.Errorf("card %q: %w", c.ID, err)
			}
		}

		for i, f := range c.Faults {
			if err := validateFault(f); err != nil {
				return fmt.Errorf("card %q: fault %d: %w", c.ID, i, err)
			}
		}
	}

	return nil
}

// Register block sizes of the diagnostics area.
const (
	statusBlockRegs  = 20
	eventBlockRegs   = 52
	defaultEventBase = 1000
)

// validateSlot keeps a card's status block below the event area and its
// event block inside the register space.
func validateSlot(slot, eventBase uint16) error {
	base := int(eventBase)
	if base == 0 {
		base = defaultEventBase
	}
	if end := (int(slot) + 1) * statusBlockRegs; end > base {
		return fmt.Errorf("status_slot %d: status block ends at %d, past event_base %d", slot, end, base)
	}
	if end := base + (int(slot)+1)*eventBlockRegs; end > 1<<16 {
		return fmt.Errorf("status_slot %d: event block ends past register 65535", slot)
	}
	return nil
}

func validateFault(f FaultConfig) error {
	switch f.Op {
	case "", "any", "read", "write", "status":
	default:
		return fmt.Errorf("op %q must be read, write, status or any", f.Op)
	}
	switch f.Kind {
	case "cmd", "data", "stop", "again", "remove":
	case "busy":
		if f.BusyPolls <= 0 {
			return fmt.Errorf("busy fault requires busy_polls > 0")
		}
	default:
		return fmt.Errorf("kind %q must be cmd, data, stop, again, busy or remove", f.Kind)
	}
	if f.Times < 0 {
		return fmt.Errorf("times must be >= 0")
	}
	if f.Op == "status" && f.Kind != "cmd" && f.Kind != "busy" && f.Kind != "remove" {
		return fmt.Errorf("status faults support kind cmd, busy or remove")
	}
	return nil
}
