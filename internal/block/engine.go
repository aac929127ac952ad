// internal/block/engine.go

// Package block is the request execution engine: it turns a block request
// into card transactions, classifies their outcomes, retries or degrades,
// and reports back exactly how many sectors were committed.
package block

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/diag"
	"github.com/tamzrod/mmc-blockd/internal/host"
	"github.com/tamzrod/mmc-blockd/internal/logging"
	"github.com/tamzrod/mmc-blockd/internal/queue"
)

// StatusReader is the status poller and readiness waiter.
type StatusReader interface {
	Status(retries int) (card.Status, error)
	WaitReady(ctx context.Context, dir queue.Direction) error
}

// Config is the engine runtime config.
type Config struct {
	Disk             string
	TransientRetries int
}

// Engine processes one request at a time for one card.
type Engine struct {
	cfg     Config
	host    host.Host
	card    *card.Card
	status  StatusReader
	queue   Completer
	builder Builder
	policy  Policy
	sink    diag.Sink
	ring    *diag.Ring
	log     *slog.Logger
	now     func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPolicy overrides the policy selected from the card identity.
func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

// WithSink attaches a diagnostic sink for hard errors.
func WithSink(s diag.Sink) Option { return func(e *Engine) { e.sink = s } }

// WithRing attaches a transaction log.
func WithRing(r *diag.Ring) Option { return func(e *Engine) { e.ring = r } }

// WithLogger replaces the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// New wires an engine.
func New(cfg Config, h host.Host, c *card.Card, s StatusReader, q Completer, opts ...Option) (*Engine, error) {
	if h == nil || c == nil || s == nil || q == nil {
		return nil, errors.New("block: host, card, status reader and queue required")
	}
	if cfg.TransientRetries < 0 {
		return nil, errors.New("block: transient retries must be >= 0")
	}
	e := &Engine{
		cfg:    cfg,
		host:   h,
		card:   c,
		status: s,
		queue:  q,
		builder: Builder{
			Card:      c,
			MaxBlocks: h.MaxBlockCount(),
			SPI:       h.IsSPI(),
		},
		log: logging.For(logging.ComponentEngine),
		now: time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.policy == nil {
		e.policy = PolicyFor(c, e.log)
	}
	return e, nil
}

// step is a state of the recovery loop.
type step uint8

const (
	stepIssue step = iota
	stepRetry
	stepDegrade
	stepComplete
	stepAbort
	stepDone
)

// abortCause records why a request is being aborted.
type abortCause uint8

const (
	causeHard abortCause = iota
	causeNotReady
	causeRetries
)

// Issue processes r to completion or abort. The bus is claimed for the whole
// request. Every sector of r is reported to the queue before Issue returns;
// the error is nil only when all of them completed.
func (e *Engine) Issue(ctx context.Context, r *queue.BlockRequest) error {
	rep := reporter{q: e.queue, r: r}

	if !e.host.Present() {
		return e.removed(rep)
	}
	if err := e.host.Claim(ctx); err != nil {
		e.queue.EndAll(r, queue.ErrIO)
		return fmt.Errorf("block: claim: %w", err)
	}
	defer e.host.Release()

	var (
		st    recoveryState
		tx    *Transaction
		out   Outcome
		err   error
		cause abortCause
		next  = stepIssue
	)

	for next != stepDone {
		switch next {
		case stepIssue:
			if !e.host.Present() {
				return e.removed(rep)
			}
			tx = e.builder.Build(r, st.singleBlock)
			out = e.execute(tx)
			next = e.classify(r, tx, out)

		case stepRetry:
			st.transient++
			if st.transient > e.cfg.TransientRetries {
				err, cause, next = ErrRetriesExhausted, causeRetries, stepAbort
				break
			}
			e.log.Warn("retrying transfer", "disk", e.cfg.Disk, "sector", tx.Sector, "nr", tx.Blocks)
			if werr := e.status.WaitReady(ctx, r.Dir); werr != nil {
				err, cause, next = werr, causeNotReady, stepAbort
				break
			}
			next = stepIssue

		case stepDegrade:
			e.log.Warn("retrying using single block read", "disk", e.cfg.Disk, "sector", tx.Sector)
			st.singleBlock = true
			next = stepIssue

		case stepComplete:
			next, cause, err = e.complete(ctx, rep, tx, out, &st)

		case stepAbort:
			e.abort(ctx, rep, tx, out, cause)
			return err
		}
	}

	if st.singleBlock {
		e.log.Info("single block reads finished", "disk", e.cfg.Disk,
			"sector", r.Sector, "nr", r.Count, "ok", st.degradedOK)
	}
	if r.Completed() != r.Count {
		return fmt.Errorf("%w: %d of %d sectors failed", queue.ErrIO, r.Count-r.Completed(), r.Count)
	}
	return nil
}

func (e *Engine) execute(tx *Transaction) Outcome {
	out := Execute(e.host, tx)
	e.ring.Record(diag.Entry{
		Opcode:   tx.Cmd.Opcode,
		Arg:      tx.Cmd.Arg,
		Blocks:   tx.Blocks,
		Resp:     out.Resp,
		StopResp: out.StopResp,
	})
	return out
}

func (e *Engine) classify(r *queue.BlockRequest, tx *Transaction, out Outcome) step {
	switch out.Kind() {
	case Transient:
		return stepRetry
	case Hard:
		// Writes never degrade: a write hard error goes to abort handling.
		if tx.Multi() && r.Dir == queue.Read {
			return stepDegrade
		}
	}
	return stepComplete
}

// complete settles one executed window. Hard errors reaching here are
// single-block reads or writes of any size.
func (e *Engine) complete(ctx context.Context, rep reporter, tx *Transaction, out Outcome, st *recoveryState) (step, abortCause, error) {
	hard := out.Kind() == Hard
	if hard {
		e.hardError(ctx, rep.r, tx, out)
	}

	// Wait for the card to leave programming even when things went wrong.
	if err := e.status.WaitReady(ctx, rep.r.Dir); err != nil {
		return stepAbort, causeNotReady, err
	}

	if hard {
		if rep.r.Dir == queue.Write {
			return stepAbort, causeHard, out.Err()
		}
		// Only single sectors get here on reads: fail just this one.
		if rep.fail(tx.Blocks) {
			return stepIssue, 0, nil
		}
		return stepDone, 0, nil
	}

	st.transient = 0
	if st.singleBlock {
		st.degradedOK++
	}
	if rep.ok(out.BytesXfered) {
		return stepIssue, 0, nil
	}
	return stepDone, 0, nil
}

// hardError gathers the card status for reporting, returns the card to
// idle when it is stuck in a data state and hands the failure to the
// policy and the diagnostic sink.
func (e *Engine) hardError(ctx context.Context, r *queue.BlockRequest, tx *Transaction, out Outcome) {
	var (
		st   card.Status
		serr error
	)
	if out.stopCarriesStatus() {
		// 'Stop' response contains card status
		st = card.DecodeStatus(out.StopResp)
	} else {
		st, serr = e.status.Status(0)
	}

	if out.CmdErr != nil {
		e.log.Error("error sending read/write command",
			"disk", e.cfg.Disk, "err", out.CmdErr, "response", out.Resp, "status", st.Raw)
	}
	if out.DataErr != nil {
		e.log.Error("error transferring data",
			"disk", e.cfg.Disk, "err", out.DataErr, "sector", r.Pos(), "nr", r.Remaining(), "status", st.Raw)
	}
	if out.StopErr != nil {
		e.log.Error("error sending stop command",
			"disk", e.cfg.Disk, "err", out.StopErr, "response", out.StopResp, "status", st.Raw)
	}

	if serr == nil && st.NeedsStop() {
		e.stop()
	}

	f := Failure{
		Disk:      e.cfg.Disk,
		Card:      e.card,
		Tx:        tx,
		Outcome:   out,
		Status:    st,
		StatusErr: serr,
		Log:       e.ring.Snapshot(),
	}
	e.policy.OnHardError(ctx, e.host, f)

	if e.sink != nil {
		ev := diag.Event{
			Disk:   e.cfg.Disk,
			At:     e.now(),
			Phases: out.Phases(),
			Opcode: tx.Cmd.Opcode,
			Sector: tx.Sector,
			Blocks: tx.Blocks,
			Status: st.Raw,
			Code:   host.Code(firstErr(out.CmdErr, out.DataErr, out.StopErr)),
			Err:    out.Err(),
		}
		// the transaction log is only dumped for MMC command errors
		if out.CmdErr != nil && !e.card.SD() {
			ev.Log = f.Log
		}
		if err := e.sink.Emit(ev); err != nil {
			e.log.Warn("diagnostic sink failed", "disk", e.cfg.Disk, "err", err)
		}
	}
}

// stop sends an out-of-band stop purely to return the card to idle. Its
// result is only logged.
func (e *Engine) stop() {
	cmd := host.Command{
		Opcode: card.CmdStopTransmission,
		Flags:  host.RespR1B | host.CmdAC,
	}
	err := e.host.WaitForCommand(&cmd, 0)
	e.log.Error("sent stop due to error", "disk", e.cfg.Disk, "response", cmd.Resp[0], "err", err)
}

// abort settles the rest of a request after an unrecoverable error. Known
// good sectors are credited first, the remainder fails sector by sector.
func (e *Engine) abort(ctx context.Context, rep reporter, tx *Transaction, out Outcome, cause abortCause) {
	credited := false

	// SD cards can tell how many blocks of their last write command they
	// committed; that count is authoritative over the controller's own
	// tally. It only describes tx when tx's command reached the card.
	if rep.r.Dir == queue.Write && e.card.SD() && countable(tx, out, cause) {
		if n, ok := writtenBlocks(e.host, e.card); ok {
			rep.okWindow(tx, n)
			credited = true
		} else {
			e.log.Warn("written block count unavailable", "disk", e.cfg.Disk)
		}
	}

	// Otherwise trust the controller, which may report fewer written
	// sectors than the card really committed, but never more. Data moved
	// by a window whose completion was never confirmed is not credited.
	if !credited && cause == causeHard && tx != nil {
		rep.ok(out.BytesXfered)
	}

	if cause != causeNotReady {
		if err := e.status.WaitReady(ctx, rep.r.Dir); err != nil {
			e.log.Warn("card not ready after abort", "disk", e.cfg.Disk, "err", err)
		}
	}

	rep.failRemaining()
}

// countable reports whether the card's written-block count describes the
// failed window. A window that never confirmed readiness is not credited.
func countable(tx *Transaction, out Outcome, cause abortCause) bool {
	return tx != nil && out.CmdErr == nil && cause != causeNotReady
}

// removed fails the whole remainder without touching the bus.
func (e *Engine) removed(rep reporter) error {
	e.log.Error("card removed", "disk", e.cfg.Disk, "sector", rep.r.Pos(), "nr", rep.r.Remaining())
	e.queue.EndAll(rep.r, queue.ErrIO)
	return ErrDeviceRemoved
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
