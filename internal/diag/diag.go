// internal/diag/diag.go

// Package diag carries the optional diagnostic capability of the block
// engine: a ring of recent transactions and sinks that receive an Event
// whenever a transaction is classified as a hard error.
package diag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Entry records one issued transaction.
type Entry struct {
	Opcode   uint32
	Arg      uint32
	Blocks   uint32
	Resp     uint32
	StopResp uint32
}

// Ring keeps the last N entries.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRing returns a ring of the given depth. Depth 0 records nothing.
func NewRing(depth int) *Ring {
	return &Ring{entries: make([]Entry, depth)}
}

// Record appends e, overwriting the oldest entry.
func (r *Ring) Record(e Entry) {
	if r == nil || len(r.entries) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Snapshot returns the recorded entries, oldest first.
func (r *Ring) Snapshot() []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Entry(nil), r.entries[:r.next]...)
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

// Phase names which part of a transaction failed.
type Phase string

const (
	PhaseCommand Phase = "command"
	PhaseData    Phase = "data"
	PhaseStop    Phase = "stop"
)

// Event describes one hard-error classification.
type Event struct {
	Disk   string
	At     time.Time
	Phases []Phase
	Opcode uint32
	Sector uint64
	Blocks uint32
	Status uint32
	Code   uint16
	Err    error
	Log    []Entry
}

// Sink receives hard-error events.
type Sink interface {
	Emit(ev Event) error
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(ev Event) error {
	var err error
	for _, s := range m {
		if s == nil {
			continue
		}
		err = multierr.Append(err, s.Emit(ev))
	}
	return err
}

// LogSink writes events and the transaction log to a structured logger.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Emit(ev Event) error {
	phases := make([]string, len(ev.Phases))
	for i, p := range ev.Phases {
		phases[i] = string(p)
	}
	s.Log.Error("hard transfer error",
		"disk", ev.Disk,
		"phases", phases,
		"opcode", ev.Opcode,
		"sector", ev.Sector,
		"nr", ev.Blocks,
		"status", ev.Status,
		"err", ev.Err,
	)
	for _, e := range ev.Log {
		s.Log.Debug("cmd log",
			"disk", ev.Disk,
			"cmd", e.Opcode,
			"arg", e.Arg,
			"cnt", e.Blocks,
			"rsp", e.Resp,
			"stoprsp", e.StopResp,
		)
	}
	return nil
}

// ChanSink forwards events to a consumer goroutine without blocking the
// engine. Events are dropped when the channel is full.
type ChanSink chan<- Event

func (c ChanSink) Emit(ev Event) error {
	select {
	case c <- ev:
	default:
	}
	return nil
}

// Forward drains in into s until in is closed or ctx is done. Paired with
// a ChanSink it keeps slow sinks off the engine goroutine.
func Forward(ctx context.Context, in <-chan Event, s Sink, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if err := s.Emit(ev); err != nil {
				log.Warn("diagnostic sink failed", "disk", ev.Disk, "err", err)
			}
		}
	}
}
