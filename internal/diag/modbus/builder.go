// internal/diag/modbus/builder.go
package modbus

import (
	"time"

	"github.com/tamzrod/mmc-blockd/internal/config"
)

// DefaultEventBase is where event blocks start when not configured.
const DefaultEventBase uint16 = 1000

// Build connects to the configured diagnostics endpoint.
func Build(m config.ModbusConfig) (*EndpointClient, error) {
	return NewEndpointClient(Config{
		Endpoint: m.Endpoint,
		Timeout:  time.Duration(m.TimeoutMs) * time.Millisecond,
	})
}

// Outputs is the per-card register output.
type Outputs struct {
	Status *StatusWriter
	Events *EventSink
}

// ForCard builds the status writer and event sink of one card.
func ForCard(cli registerWriter, m config.ModbusConfig, slot uint16, disk string) Outputs {
	base := m.EventBase
	if base == 0 {
		base = DefaultEventBase
	}
	return Outputs{
		Status: NewStatusWriter(cli, m.UnitID, slot, disk),
		Events: NewEventSink(cli, m.UnitID, base, slot),
	}
}
