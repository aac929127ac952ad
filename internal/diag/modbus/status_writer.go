// internal/diag/modbus/status_writer.go
package modbus

import (
	"errors"
	"fmt"

	"github.com/tamzrod/mmc-blockd/internal/status"
)

// StatusWriter delivers a card status snapshot into holding registers.
// The first write, and the first write after any failure, re-asserts the
// whole block including the disk name. Otherwise only changed runs of
// registers are written.
type StatusWriter struct {
	cli    registerWriter
	unitID uint8
	slot   uint16
	name   string

	needFull bool
	last     []uint16
}

// NewStatusWriter places the block for one card at slot*SlotsPerDevice.
func NewStatusWriter(cli registerWriter, unitID uint8, slot uint16, name string) *StatusWriter {
	return &StatusWriter{
		cli:      cli,
		unitID:   unitID,
		slot:     slot,
		name:     name,
		needFull: true, // full re-assert on first successful write
	}
}

func (sw *StatusWriter) baseAddr() uint16 {
	// Each card owns a fixed SlotsPerDevice block.
	return sw.slot * status.SlotsPerDevice
}

// WriteStatus implements status.Writer.
func (sw *StatusWriter) WriteStatus(s status.Snapshot) error {
	if sw == nil || sw.cli == nil {
		return errors.New("status writer: disabled")
	}

	regs := status.Encode(s, sw.name)
	base := sw.baseAddr()

	// ------------------------------------------------------------
	// Full block write (identity re-assert)
	// ------------------------------------------------------------
	if sw.needFull {
		if err := sw.cli.WriteRegisters(sw.unitID, base, regs); err != nil {
			return fmt.Errorf("status writer: full block write failed: %w", err)
		}
		sw.needFull = false
		sw.last = regs
		return nil
	}

	for _, run := range changedRuns(sw.last, regs) {
		addr := base + uint16(run[0])
		if err := sw.cli.WriteRegisters(sw.unitID, addr, regs[run[0]:run[1]]); err != nil {
			// Any partial failure introduces doubt, re-assert on next success.
			sw.needFull = true
			return fmt.Errorf("status writer: slot %d write failed: %w", run[0], err)
		}
		copy(sw.last[run[0]:run[1]], regs[run[0]:run[1]])
	}
	return nil
}

// changedRuns returns [start, end) index pairs where next differs from prev.
func changedRuns(prev, next []uint16) [][2]int {
	var runs [][2]int
	start := -1
	for i := range next {
		diff := i >= len(prev) || prev[i] != next[i]
		switch {
		case diff && start < 0:
			start = i
		case !diff && start >= 0:
			runs = append(runs, [2]int{start, i})
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, [2]int{start, len(next)})
	}
	return runs
}
