// internal/block/types.go
package block

import (
	"errors"

	"go.uber.org/multierr"

	"github.com/tamzrod/mmc-blockd/internal/diag"
	"github.com/tamzrod/mmc-blockd/internal/host"
	"github.com/tamzrod/mmc-blockd/internal/queue"
)

var (
	// ErrDeviceRemoved fails the in-flight request; the driver lives on.
	ErrDeviceRemoved = errors.New("block: card removed")

	// ErrRetriesExhausted ends a window that kept asking to be resubmitted.
	ErrRetriesExhausted = errors.New("block: transient retries exhausted")

	errShortTransfer = errors.New("block: transfer moved no data")
)

// Transaction is one command/data/stop triple covering a window of the
// request's unsettled sectors.
type Transaction struct {
	Dir       queue.Direction
	Sector    uint64
	Blocks    uint32
	BlockSize uint32

	Cmd  host.Command
	Data host.Data
	Stop *host.Command // nil for single-block and SPI multi-block writes
}

// Multi reports whether the transaction uses the multi-block opcodes.
func (t *Transaction) Multi() bool { return t.Blocks > 1 }

// Bytes is the size of the data phase.
func (t *Transaction) Bytes() int { return int(t.Blocks * t.BlockSize) }

func (t *Transaction) request() *host.Request {
	return &host.Request{Cmd: &t.Cmd, Data: &t.Data, Stop: t.Stop}
}

// Kind is the classification of an Outcome.
type Kind uint8

const (
	Success Kind = iota
	Transient
	Hard
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Transient:
		return "transient"
	default:
		return "hard"
	}
}

// Outcome is the result of executing one Transaction. More than one of the
// phase errors may be set at once.
type Outcome struct {
	CmdErr  error
	DataErr error
	StopErr error

	BytesXfered uint32
	Resp        uint32
	StopResp    uint32
	HasStop     bool
}

// Kind classifies the outcome. A "try again" data error with clean command
// and stop phases is the only transient result.
func (o Outcome) Kind() Kind {
	switch {
	case o.CmdErr == nil && o.DataErr == nil && o.StopErr == nil:
		return Success
	case o.CmdErr == nil && o.StopErr == nil && errors.Is(o.DataErr, host.ErrAgain):
		return Transient
	default:
		return Hard
	}
}

// Err combines all phase errors.
func (o Outcome) Err() error {
	return multierr.Combine(o.CmdErr, o.DataErr, o.StopErr)
}

// Phases lists the failed phases.
func (o Outcome) Phases() []diag.Phase {
	var p []diag.Phase
	if o.CmdErr != nil {
		p = append(p, diag.PhaseCommand)
	}
	if o.DataErr != nil {
		p = append(p, diag.PhaseData)
	}
	if o.StopErr != nil {
		p = append(p, diag.PhaseStop)
	}
	return p
}

// stopCarriesStatus reports whether the stop response is the card status
// snapshot for this attempt: a data timeout with a stop attached.
func (o Outcome) stopCarriesStatus() bool {
	return o.HasStop && errors.Is(o.DataErr, host.ErrTimeout)
}

// recoveryState lives for one request only.
type recoveryState struct {
	// singleBlock is set by the read degrade path and stays set until the
	// request ends.
	singleBlock bool
	degradedOK  uint32
	transient   int
}
