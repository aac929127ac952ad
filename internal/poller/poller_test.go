// internal/poller/poller_test.go
package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/host"
	"github.com/tamzrod/mmc-blockd/internal/logging"
	"github.com/tamzrod/mmc-blockd/internal/queue"
)

type fakeHost struct {
	spi      bool
	absent   bool
	statuses []uint32 // consumed per status command; last one repeats
	failCmd  error
	calls    int
	retries  []int
	lastArg  uint32
	claimed  int
}

func (f *fakeHost) Claim(ctx context.Context) error { f.claimed++; return nil }
func (f *fakeHost) Release()                        { f.claimed-- }
func (f *fakeHost) WaitForRequest(*host.Request)    {}
func (f *fakeHost) MaxBlockCount() uint32           { return 8 }
func (f *fakeHost) IsSPI() bool                     { return f.spi }
func (f *fakeHost) Present() bool                   { return !f.absent }
func (f *fakeHost) SetClock(uint32)                 {}

func (f *fakeHost) WaitForCommand(cmd *host.Command, retries int) error {
	f.calls++
	f.retries = append(f.retries, retries)
	f.lastArg = cmd.Arg
	if f.failCmd != nil {
		cmd.Err = f.failCmd
		return f.failCmd
	}
	i := f.calls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	cmd.Resp[0] = f.statuses[i]
	return nil
}

func newTestPoller(t *testing.T, h *fakeHost, c *card.Card) *Poller {
	t.Helper()
	p, err := New(Config{
		Disk:      "mmcblk0",
		Retries:   5,
		Timeout:   time.Hour,
		SDTimeout: time.Hour,
		MaxPolls:  100,
	}, h, c)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	p.SetLogger(logging.Discard())
	return p
}

var (
	ready = card.EncodeStatus(true, card.StateTransfer)
	busy  = card.EncodeStatus(false, card.StateProgramming)
)

func TestStatus_DecodesAndAddressesCard(t *testing.T) {
	h := &fakeHost{statuses: []uint32{ready}}
	p := newTestPoller(t, h, &card.Card{RCA: 7})

	st, err := p.Status(3)
	if err != nil {
		t.Fatalf("Status err=%v", err)
	}
	if !st.Ready() {
		t.Fatalf("expected ready status, got %+v", st)
	}
	if h.lastArg != 7<<16 {
		t.Fatalf("status arg: got=%#x want=%#x", h.lastArg, 7<<16)
	}
	if h.retries[0] != 3 {
		t.Fatalf("retries not passed through: got=%d", h.retries[0])
	}
}

func TestStatus_SPIOmitsRCA(t *testing.T) {
	h := &fakeHost{spi: true, statuses: []uint32{ready}}
	p := newTestPoller(t, h, &card.Card{RCA: 7})
	if _, err := p.Status(0); err != nil {
		t.Fatalf("Status err=%v", err)
	}
	if h.lastArg != 0 {
		t.Fatalf("spi status arg must be 0, got %#x", h.lastArg)
	}
}

func TestStatus_TransportFailure(t *testing.T) {
	h := &fakeHost{failCmd: host.ErrTimeout}
	p := newTestPoller(t, h, &card.Card{})
	_, err := p.Status(0)
	if !errors.Is(err, ErrCommandFailed) || !errors.Is(err, host.ErrTimeout) {
		t.Fatalf("expected wrapped command failure, got %v", err)
	}
}

func TestWaitReady_SkipsReadsAndSPI(t *testing.T) {
	h := &fakeHost{statuses: []uint32{busy}}
	p := newTestPoller(t, h, &card.Card{})
	if err := p.WaitReady(context.Background(), queue.Read); err != nil {
		t.Fatalf("read wait err=%v", err)
	}

	h.spi = true
	if err := p.WaitReady(context.Background(), queue.Write); err != nil {
		t.Fatalf("spi wait err=%v", err)
	}
	if h.calls != 0 {
		t.Fatalf("expected no status commands, got %d", h.calls)
	}
}

func TestWaitReady_PollsUntilReady(t *testing.T) {
	h := &fakeHost{statuses: []uint32{busy, busy, card.EncodeStatus(true, card.StateProgramming), ready}}
	p := newTestPoller(t, h, &card.Card{})
	if err := p.WaitReady(context.Background(), queue.Write); err != nil {
		t.Fatalf("WaitReady err=%v", err)
	}
	if h.calls != 4 {
		t.Fatalf("expected 4 polls, got %d", h.calls)
	}
	for i, r := range h.retries {
		if r != 5 {
			t.Fatalf("poll %d used retries=%d want=5", i, r)
		}
	}
}

func TestWaitReady_MaxPollsBound(t *testing.T) {
	h := &fakeHost{statuses: []uint32{busy}}
	p := newTestPoller(t, h, &card.Card{})
	err := p.WaitReady(context.Background(), queue.Write)
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("expected readiness timeout, got %v", err)
	}
	if h.calls != 100 {
		t.Fatalf("expected 100 polls, got %d", h.calls)
	}
}

func TestWaitReady_SDDeadlineShorter(t *testing.T) {
	h := &fakeHost{statuses: []uint32{busy}}
	p := newTestPoller(t, h, &card.Card{Family: card.FamilySD})
	p.cfg.MaxPolls = 1 << 20
	p.cfg.SDTimeout = 30 * time.Millisecond

	// fake clock advancing 10ms per reading
	var now time.Time
	p.now = func() time.Time {
		now = now.Add(10 * time.Millisecond)
		return now
	}

	err := p.WaitReady(context.Background(), queue.Write)
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("expected readiness timeout, got %v", err)
	}
	if h.calls > 5 {
		t.Fatalf("sd deadline not applied: %d polls", h.calls)
	}
}

func TestWaitReady_PropagatesStatusError(t *testing.T) {
	h := &fakeHost{failCmd: host.ErrCRC}
	p := newTestPoller(t, h, &card.Card{})
	err := p.WaitReady(context.Background(), queue.Write)
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected command failure, got %v", err)
	}
	if h.calls != 1 {
		t.Fatalf("status error must propagate immediately, got %d polls", h.calls)
	}
}

func TestPollOnce(t *testing.T) {
	h := &fakeHost{statuses: []uint32{ready}}
	p := newTestPoller(t, h, &card.Card{})

	res := p.PollOnce(context.Background())
	if res.Err != nil || !res.Status.Ready() || res.Disk != "mmcblk0" {
		t.Fatalf("PollOnce: %+v", res)
	}
	if h.claimed != 0 {
		t.Fatalf("host claim leaked")
	}

	h.absent = true
	if res := p.PollOnce(context.Background()); !errors.Is(res.Err, ErrRemoved) {
		t.Fatalf("expected ErrRemoved, got %v", res.Err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Timeout: time.Second, SDTimeout: time.Second, MaxPolls: 1}, nil, nil); err == nil {
		t.Fatalf("expected error for missing host")
	}
	if _, err := New(Config{MaxPolls: 1}, &fakeHost{}, &card.Card{}); err == nil {
		t.Fatalf("expected error for zero timeouts")
	}
}
