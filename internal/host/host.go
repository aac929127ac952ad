// internal/host/host.go

// Package host defines the transport contract the block engine drives:
// exclusive bus claim, blocking request submission and the capability
// values the engine needs to size transactions.
package host

import (
	"context"
	"time"
)

// Flags describe the expected response and command type.
type Flags uint32

const (
	RespPresent Flags = 1 << iota
	Resp136
	RespCRC
	RespBusy
	RespOpcode

	CmdAC   // addressed, no data
	CmdADTC // addressed, data transfer
	CmdBC   // broadcast, no response
	CmdBCR  // broadcast with response
)

// Response shapes used by the engine.
const (
	RespNone = Flags(0)
	RespR1   = RespPresent | RespCRC | RespOpcode
	RespR1B  = RespPresent | RespCRC | RespOpcode | RespBusy
	RespR3   = RespPresent
)

// DataFlags carries the direction of a data phase.
type DataFlags uint8

const (
	DataRead DataFlags = 1 << iota
	DataWrite
)

// Command is one command with its response.
type Command struct {
	Opcode uint32
	Arg    uint32
	Flags  Flags
	Resp   [4]uint32
	Err    error
}

// Data is the data phase of a request. SG is a scatter list of views into
// the caller's buffer; its total length equals BlockSize*Blocks.
type Data struct {
	BlockSize   uint32
	Blocks      uint32
	Flags       DataFlags
	Timeout     time.Duration
	SG          [][]byte
	BytesXfered uint32
	Err         error
}

// Request is a command, an optional data phase and an optional stop.
type Request struct {
	Cmd  *Command
	Data *Data
	Stop *Command
}

// Host is the bus a card sits on.
type Host interface {
	// Claim grants exclusive use of the bus until Release.
	Claim(ctx context.Context) error
	Release()

	// WaitForRequest submits req and blocks until the host completes it.
	// Outcomes are reported through the Err fields.
	WaitForRequest(req *Request)

	// WaitForCommand issues a command without data phase, retrying
	// transport failures up to retries times.
	WaitForCommand(cmd *Command, retries int) error

	// MaxBlockCount is the largest block count of one data phase.
	MaxBlockCount() uint32

	// IsSPI reports the low-level serial transport, which terminates
	// multi-block writes with a token instead of a stop command.
	IsSPI() bool

	// Present is the card liveness check.
	Present() bool

	// SetClock changes the bus clock in Hz.
	SetClock(hz uint32)
}
