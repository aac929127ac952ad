// internal/diag/diag_test.go
package diag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tamzrod/mmc-blockd/internal/logging"
)

func TestRingWrapsOldestFirst(t *testing.T) {
	r := NewRing(3)
	for i := uint32(1); i <= 5; i++ {
		r.Record(Entry{Opcode: i})
	}
	got := r.Snapshot()
	want := []Entry{{Opcode: 3}, {Opcode: 4}, {Opcode: 5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ring mismatch (-want +got):\n%s", diff)
	}
}

func TestRingPartial(t *testing.T) {
	r := NewRing(5)
	r.Record(Entry{Opcode: 17})
	if got := r.Snapshot(); len(got) != 1 || got[0].Opcode != 17 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	NewRing(0).Record(Entry{Opcode: 1}) // must not panic
}

type failingSink struct{ err error }

func (f failingSink) Emit(Event) error { return f.err }

func TestMultiCombinesErrors(t *testing.T) {
	a := errors.New("a")
	b := errors.New("b")
	err := Multi{failingSink{a}, nil, failingSink{b}}.Emit(Event{})
	if !errors.Is(err, a) || !errors.Is(err, b) {
		t.Fatalf("expected both errors, got %v", err)
	}
}

func TestChanSinkNeverBlocks(t *testing.T) {
	ch := make(chan Event, 1)
	s := ChanSink(ch)
	_ = s.Emit(Event{Disk: "a"})
	_ = s.Emit(Event{Disk: "b"}) // dropped
	if ev := <-ch; ev.Disk != "a" {
		t.Fatalf("unexpected event %q", ev.Disk)
	}
}

// blockingSink holds every Emit until release is closed.
type blockingSink struct {
	release chan struct{}
	got     chan Event
}

func (s *blockingSink) Emit(ev Event) error {
	<-s.release
	s.got <- ev
	return errors.New("endpoint down")
}

func TestForwardKeepsSlowSinkOffEmitter(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{}), got: make(chan Event, 2)}
	ch := make(chan Event, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		Forward(context.Background(), ch, slow, logging.Discard())
	}()

	emitted := make(chan struct{})
	go func() {
		sink := Multi{ChanSink(ch)}
		_ = sink.Emit(Event{Disk: "mmcblk0", Sector: 1})
		_ = sink.Emit(Event{Disk: "mmcblk0", Sector: 2})
		close(emitted)
	}()

	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatalf("emit blocked on a slow sink")
	}

	close(slow.release)
	for _, want := range []uint64{1, 2} {
		select {
		case ev := <-slow.got:
			if ev.Sector != want {
				t.Fatalf("sector=%d, want %d", ev.Sector, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not forwarded", want)
		}
	}

	close(ch)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Forward did not return after close")
	}
}

func TestForwardStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Forward(ctx, make(chan Event), LogSink{Log: logging.Discard()}, logging.Discard())
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Forward ignored cancellation")
	}
}
