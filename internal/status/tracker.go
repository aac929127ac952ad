// internal/status/tracker.go
package status

import (
	"errors"
	"time"

	"github.com/tamzrod/mmc-blockd/internal/diag"
	"github.com/tamzrod/mmc-blockd/internal/host"
	"github.com/tamzrod/mmc-blockd/internal/poller"
	"github.com/tamzrod/mmc-blockd/internal/queue"
)

// Tracker owns one card's Snapshot. It is not safe for concurrent use:
// a single orchestrator goroutine feeds it. Every Apply method reports
// whether the snapshot changed.
type Tracker struct {
	snap       Snapshot
	staleAfter time.Duration
	lastPoll   time.Time
}

// NewTracker starts in HealthUnknown. A healthy card is marked stale when
// no poll result arrived for staleAfter; zero disables that.
func NewTracker(staleAfter time.Duration) *Tracker {
	return &Tracker{snap: Snapshot{Health: HealthUnknown}, staleAfter: staleAfter}
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot { return t.snap }

// ApplyPoll folds one monitor result in. A successful status read is
// device-level truth: it clears the error state.
func (t *Tracker) ApplyPoll(res poller.PollResult) bool {
	old := t.snap
	t.lastPoll = res.At

	switch {
	case errors.Is(res.Err, poller.ErrRemoved):
		t.snap.Health = HealthDisabled
		t.snap.LastErrorCode = host.Code(host.ErrNoMedium)
	case res.Err != nil:
		t.snap.Health = HealthError
		t.snap.LastErrorCode = host.Code(res.Err)
	default:
		// Recovery / OK
		t.snap.Health = HealthOK
		t.snap.LastErrorCode = 0
		t.snap.SecondsInError = 0
		t.snap.CardState = uint16(res.Status.State)
	}
	return t.snap != old
}

// ApplyEvent records a hard transfer error.
func (t *Tracker) ApplyEvent(ev diag.Event) bool {
	if t.snap.Health == HealthDisabled {
		return false
	}
	t.snap.Health = HealthError
	t.snap.LastErrorCode = ev.Code
	t.snap.LastOpcode = uint16(ev.Opcode)
	if t.snap.HardErrors < 65535 {
		t.snap.HardErrors++
	}
	return true
}

// ApplyResult adds a finished request to the sector counters.
func (t *Tracker) ApplyResult(res queue.Result) bool {
	if res.OK == 0 && res.Failed == 0 {
		return false
	}
	t.snap.SectorsOK += res.OK
	t.snap.SectorsFailed += res.Failed
	return true
}

// Tick runs at 1 Hz. seconds_in_error counts while not OK and never wraps.
func (t *Tracker) Tick(now time.Time) bool {
	old := t.snap

	if t.snap.Health == HealthOK && t.staleAfter > 0 && !t.lastPoll.IsZero() &&
		now.Sub(t.lastPoll) > t.staleAfter {
		t.snap.Health = HealthStale
	}
	if t.snap.Health != HealthOK && t.snap.Health != HealthUnknown && t.snap.SecondsInError < 65535 {
		t.snap.SecondsInError++
	}
	return t.snap != old
}
