// internal/block/policy.go
package block

import (
	"context"
	"log/slog"
	"time"

	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/diag"
	"github.com/tamzrod/mmc-blockd/internal/host"
)

// Failure is what a recovery policy sees of a hard error.
type Failure struct {
	Disk      string
	Card      *card.Card
	Tx        *Transaction
	Outcome   Outcome
	Status    card.Status
	StatusErr error
	Log       []diag.Entry
}

// Policy is the card-identity specific part of hard error handling. It
// runs with the bus claimed, after the generic handling and before the
// engine decides to continue or abort.
type Policy interface {
	Name() string
	OnHardError(ctx context.Context, h host.Host, f Failure)
}

// PolicyFor selects the policy for a card.
func PolicyFor(c *card.Card, log *slog.Logger) Policy {
	if c.IsMoviNAND() {
		return &MoviNANDPolicy{Log: log, Sleep: time.Sleep}
	}
	return StandardPolicy{}
}

// StandardPolicy does nothing beyond the generic handling.
type StandardPolicy struct{}

func (StandardPolicy) Name() string { return "standard" }

func (StandardPolicy) OnHardError(context.Context, host.Host, Failure) {}

// MoviNANDPolicy dumps the command log and re-identifies embedded moviNAND
// parts after a command error. The card is left for the engine to abort
// the request; nothing here is retried or escalated.
type MoviNANDPolicy struct {
	Log   *slog.Logger
	Sleep func(time.Duration)
}

func (*MoviNANDPolicy) Name() string { return "movinand" }

func (p *MoviNANDPolicy) OnHardError(ctx context.Context, h host.Host, f Failure) {
	if f.Outcome.CmdErr == nil {
		return
	}

	for _, e := range f.Log {
		p.Log.Error("cmd log",
			"disk", f.Disk, "cmd", e.Opcode, "arg", e.Arg, "cnt", e.Blocks,
			"rsp", e.Resp, "stoprsp", e.StopResp)
	}

	p.status(h, f)

	stop := host.Command{Opcode: card.CmdStopTransmission, Flags: host.RespR1}
	p.issue(h, f.Disk, &stop)
	p.Sleep(100 * time.Millisecond)
	p.status(h, f)

	h.SetClock(card.IdentClock)
	defer func() {
		if f.Card.Clock > 0 {
			h.SetClock(f.Card.Clock)
		}
	}()

	for i := 0; i < 3; i++ {
		if ctx.Err() != nil {
			return
		}
		cmd := host.Command{Opcode: card.CmdSendOpCond, Arg: card.MoviOpCondArg, Flags: host.RespR3 | host.CmdBCR}
		p.issue(h, f.Disk, &cmd)
		p.Sleep(50 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		if ctx.Err() != nil {
			return
		}
		pre := host.Command{Opcode: card.CmdGoIdleState, Arg: card.MoviIdleArgPre, Flags: host.RespNone | host.CmdBC}
		p.issue(h, f.Disk, &pre)
		p.Sleep(50 * time.Millisecond)
		post := host.Command{Opcode: card.CmdGoIdleState, Arg: card.MoviIdleArgPost, Flags: host.RespNone | host.CmdBC}
		p.issue(h, f.Disk, &post)
		for j := 0; j < 3; j++ {
			p.Sleep(50 * time.Millisecond)
			op := host.Command{Opcode: card.CmdSendOpCond, Flags: host.RespR3 | host.CmdBCR}
			p.issue(h, f.Disk, &op)
		}
	}
}

func (p *MoviNANDPolicy) issue(h host.Host, disk string, cmd *host.Command) {
	if err := h.WaitForCommand(cmd, 0); err != nil {
		p.Log.Error("recovery command failed", "disk", disk, "cmd", cmd.Opcode, "err", err)
		return
	}
	p.Log.Info("recovery command", "disk", disk, "cmd", cmd.Opcode, "resp", cmd.Resp[0])
}

func (p *MoviNANDPolicy) status(h host.Host, f Failure) {
	cmd := host.Command{Opcode: card.CmdSendStatus, Arg: f.Card.RCAArg(), Flags: host.RespR1 | host.CmdAC}
	p.issue(h, f.Disk, &cmd)
}
