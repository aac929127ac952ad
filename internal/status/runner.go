// internal/status/runner.go
package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/tamzrod/mmc-blockd/internal/diag"
	"github.com/tamzrod/mmc-blockd/internal/poller"
	"github.com/tamzrod/mmc-blockd/internal/queue"
)

// Writer is the delivery-only contract for card status.
type Writer interface {
	WriteStatus(s Snapshot) error
}

// Inputs are the feeds of one card. Nil channels are never selected.
// Ticks defaults to a 1 Hz ticker.
type Inputs struct {
	Polls   <-chan poller.PollResult
	Events  <-chan diag.Event
	Results <-chan queue.Result
	Ticks   <-chan time.Time
}

// Run owns t until ctx ends and returns the final snapshot. w may be nil,
// in which case the state is only tracked.
func Run(ctx context.Context, t *Tracker, in Inputs, w Writer, log *slog.Logger) Snapshot {
	if in.Ticks == nil {
		secTicker := time.NewTicker(time.Second)
		defer secTicker.Stop()
		in.Ticks = secTicker.C
	}

	write := func(why string) {
		if w == nil {
			return
		}
		if err := w.WriteStatus(t.Snapshot()); err != nil {
			log.Warn("status write failed", "on", why, "err", err)
		}
	}

	// Full block write on start (identity re-assert).
	write("start")

	for {
		select {
		case <-ctx.Done():
			return t.Snapshot()

		case res := <-in.Polls:
			if t.ApplyPoll(res) {
				write("poll")
			}

		case ev := <-in.Events:
			if t.ApplyEvent(ev) {
				write("event")
			}

		case res := <-in.Results:
			if t.ApplyResult(res) {
				write("result")
			}

		case now := <-in.Ticks:
			if t.Tick(now) {
				write("tick")
			}
		}
	}
}
