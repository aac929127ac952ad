// internal/block/fake_test.go
package block

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/host"
	"github.com/tamzrod/mmc-blockd/internal/logging"
	"github.com/tamzrod/mmc-blockd/internal/poller"
	"github.com/tamzrod/mmc-blockd/internal/queue"
)

// ---- fake host ----

type sent struct {
	Opcode  uint32
	Arg     uint32
	Blocks  uint32
	HasStop bool
}

// fault mutates a request after the fake completed it successfully.
type fault func(req *host.Request)

type fakeHost struct {
	max    uint32
	spi    bool
	absent bool

	script   []fault  // one per data request; nil entries succeed
	statuses []uint32 // status responses, last one repeats
	numWr    *uint32  // nil makes the app command fail

	sent     []sent
	cmds     []uint32
	clocks   []uint32
	claims   int
	releases int
}

func (f *fakeHost) Claim(ctx context.Context) error { f.claims++; return nil }
func (f *fakeHost) Release()                        { f.releases++ }
func (f *fakeHost) MaxBlockCount() uint32           { return f.max }
func (f *fakeHost) IsSPI() bool                     { return f.spi }
func (f *fakeHost) Present() bool                   { return !f.absent }
func (f *fakeHost) SetClock(hz uint32)              { f.clocks = append(f.clocks, hz) }

func (f *fakeHost) WaitForRequest(req *host.Request) {
	if req.Cmd.Opcode == card.AppSendNumWrBlocks {
		binary.BigEndian.PutUint32(req.Data.SG[0], *f.numWr)
		req.Data.BytesXfered = 4
		return
	}

	i := len(f.sent)
	f.sent = append(f.sent, sent{
		Opcode:  req.Cmd.Opcode,
		Arg:     req.Cmd.Arg,
		Blocks:  req.Data.Blocks,
		HasStop: req.Stop != nil,
	})

	req.Data.BytesXfered = req.Data.Blocks * req.Data.BlockSize
	if i < len(f.script) && f.script[i] != nil {
		f.script[i](req)
	}
}

func (f *fakeHost) WaitForCommand(cmd *host.Command, retries int) error {
	f.cmds = append(f.cmds, cmd.Opcode)
	switch cmd.Opcode {
	case card.CmdSendStatus:
		st := card.EncodeStatus(true, card.StateTransfer)
		if n := len(f.statuses); n > 0 {
			i := countOf(f.cmds, card.CmdSendStatus) - 1
			if i >= n {
				i = n - 1
			}
			st = f.statuses[i]
		}
		cmd.Resp[0] = st
	case card.CmdAppCmd:
		if f.numWr == nil {
			cmd.Err = host.ErrTimeout
			return cmd.Err
		}
		cmd.Resp[0] = card.R1AppCmd
	}
	return nil
}

func countOf(ops []uint32, op uint32) int {
	n := 0
	for _, o := range ops {
		if o == op {
			n++
		}
	}
	return n
}

// ---- faults ----

func hardData(blocksDone uint32) fault {
	return func(req *host.Request) {
		req.Data.Err = host.ErrIO
		req.Data.BytesXfered = blocksDone * req.Data.BlockSize
	}
}

func dataTimeout(stopResp uint32) fault {
	return func(req *host.Request) {
		req.Data.Err = host.ErrTimeout
		req.Data.BytesXfered = 0
		if req.Stop != nil {
			req.Stop.Resp[0] = stopResp
		}
	}
}

func tryAgain() fault {
	return func(req *host.Request) {
		req.Data.Err = host.ErrAgain
		req.Data.BytesXfered = 0
	}
}

func stopErr() fault {
	return func(req *host.Request) {
		if req.Stop != nil {
			req.Stop.Err = host.ErrTimeout
		}
	}
}

func cmdErr() fault {
	return func(req *host.Request) {
		req.Cmd.Err = host.ErrTimeout
		req.Data.BytesXfered = 0
	}
}

// ---- rig ----

type rig struct {
	host   *fakeHost
	card   *card.Card
	queue  *queue.Queue
	engine *Engine
}

func newRig(t *testing.T, h *fakeHost, c *card.Card, opts ...Option) *rig {
	t.Helper()
	if c.CSD.CmdClass == 0 {
		c.CSD.CmdClass = card.ClassBlockRead | card.ClassBlockWrite
	}
	p, err := poller.New(poller.Config{
		Disk:      "mmcblk0",
		Retries:   5,
		Timeout:   time.Hour,
		SDTimeout: time.Hour,
		MaxPolls:  3,
	}, h, c)
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	p.SetLogger(logging.Discard())

	q := queue.New()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	e, err := New(Config{Disk: "mmcblk0", TransientRetries: 4}, h, c, p, q, opts...)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &rig{host: h, card: c, queue: q, engine: e}
}

// run submits and issues a request, returning its accounting.
func (r *rig) run(t *testing.T, dir queue.Direction, sector uint64, count int) (queue.Result, error) {
	t.Helper()
	req := queue.NewRequest(dir, sector, make([]byte, count*card.BlockSize))
	if err := r.queue.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := r.queue.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	issueErr := r.engine.Issue(context.Background(), got)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := req.Wait(ctx)
	if err != nil {
		t.Fatalf("request not fully reported: %v", err)
	}
	if res.OK+res.Failed != uint32(count) {
		t.Fatalf("conservation violated: ok=%d failed=%d count=%d", res.OK, res.Failed, count)
	}
	if r.host.claims != r.host.releases {
		t.Fatalf("claim/release imbalance: %d/%d", r.host.claims, r.host.releases)
	}
	return res, issueErr
}

func u32(v uint32) *uint32 { return &v }
