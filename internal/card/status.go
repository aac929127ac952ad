// internal/card/status.go
package card

import "fmt"

// State is the CURRENT_STATE field of an R1 response.
type State uint8

const (
	StateIdle State = iota
	StateReady
	StateIdent
	StateStandby
	StateTransfer
	StateData
	StateReceive
	StateProgramming
	StateDisconnect
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateIdent:
		return "ident"
	case StateStandby:
		return "stby"
	case StateTransfer:
		return "tran"
	case StateData:
		return "data"
	case StateReceive:
		return "rcv"
	case StateProgramming:
		return "prg"
	case StateDisconnect:
		return "dis"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Status is a decoded snapshot of the card status register.
type Status struct {
	Raw          uint32
	ReadyForData bool
	State        State
}

// DecodeStatus decodes an R1 response word.
func DecodeStatus(r1 uint32) Status {
	return Status{
		Raw:          r1,
		ReadyForData: r1&R1ReadyForData != 0,
		State:        State((r1 >> r1StateShift) & r1StateMask),
	}
}

// EncodeStatus is the inverse of DecodeStatus for the fields it models.
func EncodeStatus(ready bool, st State) uint32 {
	v := uint32(st&r1StateMask) << r1StateShift
	if ready {
		v |= R1ReadyForData
	}
	return v
}

// Ready reports whether the card can accept the next data command.
// Some cards mishandle the status bits, so both the busy indication
// and the card state are checked.
func (s Status) Ready() bool {
	return s.ReadyForData && s.State != StateProgramming
}

// NeedsStop reports whether the card is stuck in a data state that only
// CmdStopTransmission leaves.
func (s Status) NeedsStop() bool {
	return s.State == StateData || s.State == StateReceive
}
