// internal/diag/modbus/event_sink.go
package modbus

import (
	"fmt"

	"github.com/tamzrod/mmc-blockd/internal/diag"
)

// ---- EVENT BLOCK LAYOUT ----

const (
	eventSeq     = 0
	eventPhases  = 1
	eventOpcode  = 2
	eventCode    = 3
	eventSector  = 4 // 4 registers, most significant first
	eventStatus  = 8 // 2 registers
	eventBlocks  = 10
	eventLogLen  = 11
	eventLogBase = 12

	// EventLogEntries is the number of command log entries carried.
	EventLogEntries = 5

	eventEntryRegs = 8 // opcode, blocks, arg(2), resp(2), stop resp(2)

	// EventRegsPerDevice is the size of one card's event block.
	EventRegsPerDevice = eventLogBase + EventLogEntries*eventEntryRegs
)

// EventSink publishes the last hard error of one card, with the tail of
// its command log, into a fixed register block.
type EventSink struct {
	cli    registerWriter
	unitID uint8
	addr   uint16
	seq    uint16
}

var _ diag.Sink = (*EventSink)(nil)

// NewEventSink places the block at base + slot*EventRegsPerDevice.
func NewEventSink(cli registerWriter, unitID uint8, base, slot uint16) *EventSink {
	return &EventSink{cli: cli, unitID: unitID, addr: base + slot*EventRegsPerDevice}
}

// Emit implements diag.Sink.
func (s *EventSink) Emit(ev diag.Event) error {
	s.seq++
	regs := EncodeEvent(ev, s.seq)
	if err := s.cli.WriteRegisters(s.unitID, s.addr, regs); err != nil {
		return fmt.Errorf("event sink: %s: %w", ev.Disk, err)
	}
	return nil
}

// EncodeEvent lays out ev as an event block. Only the newest
// EventLogEntries log entries fit.
func EncodeEvent(ev diag.Event, seq uint16) []uint16 {
	regs := make([]uint16, EventRegsPerDevice)

	regs[eventSeq] = seq
	for _, p := range ev.Phases {
		switch p {
		case diag.PhaseCommand:
			regs[eventPhases] |= 1
		case diag.PhaseData:
			regs[eventPhases] |= 2
		case diag.PhaseStop:
			regs[eventPhases] |= 4
		}
	}
	regs[eventOpcode] = uint16(ev.Opcode)
	regs[eventCode] = ev.Code
	for i := 0; i < 4; i++ {
		regs[eventSector+i] = uint16(ev.Sector >> (48 - 16*i))
	}
	put32(regs[eventStatus:], ev.Status)
	if ev.Blocks > 0xffff {
		regs[eventBlocks] = 0xffff
	} else {
		regs[eventBlocks] = uint16(ev.Blocks)
	}

	log := ev.Log
	if len(log) > EventLogEntries {
		log = log[len(log)-EventLogEntries:]
	}
	regs[eventLogLen] = uint16(len(log))
	for i, e := range log {
		r := regs[eventLogBase+i*eventEntryRegs:]
		r[0] = uint16(e.Opcode)
		r[1] = uint16(e.Blocks)
		put32(r[2:], e.Arg)
		put32(r[4:], e.Resp)
		put32(r[6:], e.StopResp)
	}
	return regs
}

func put32(regs []uint16, v uint32) {
	regs[0] = uint16(v >> 16)
	regs[1] = uint16(v)
}
