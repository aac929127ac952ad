// internal/block/builder_test.go
package block

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/host"
	"github.com/tamzrod/mmc-blockd/internal/queue"
)

func TestScatter_TrimsToExactLength(t *testing.T) {
	a := make([]byte, 700)
	b := make([]byte, 700)
	c := make([]byte, 700)

	tests := []struct {
		name    string
		off, n  int
		wantLen []int
	}{
		{name: "first segment only", off: 0, n: 512, wantLen: []int{512}},
		{name: "spans two", off: 512, n: 512, wantLen: []int{188, 324}},
		{name: "skips whole segment", off: 800, n: 512, wantLen: []int{512}},
		{name: "spans three", off: 100, n: 1536, wantLen: []int{600, 700, 236}},
		{name: "zero", off: 0, n: 0, wantLen: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sg := scatter([][]byte{a, b, c}, tt.off, tt.n)
			var got []int
			total := 0
			for _, s := range sg {
				got = append(got, len(s))
				total += len(s)
			}
			if diff := cmp.Diff(tt.wantLen, got); diff != "" {
				t.Fatalf("segment lengths (-want +got):\n%s", diff)
			}
			if total != tt.n {
				t.Fatalf("total=%d want %d", total, tt.n)
			}
		})
	}
}

func TestScatter_ViewsAliasBuffer(t *testing.T) {
	buf := make([]byte, 1024)
	sg := scatter([][]byte{buf}, 512, 512)
	sg[0][0] = 0xaa
	if buf[512] != 0xaa {
		t.Fatalf("scatter must return views, not copies")
	}
}

func TestBuild_Framing(t *testing.T) {
	tests := []struct {
		name      string
		spi       bool
		dir       queue.Direction
		count     int
		single    bool
		addr      card.Addressing
		wantOp    uint32
		wantArg   uint32
		wantN     uint32
		wantStop  bool
		wantFlags host.DataFlags
	}{
		{name: "multi read", dir: queue.Read, count: 16, addr: card.AddressBlock,
			wantOp: card.CmdReadMultipleBlock, wantArg: 10, wantN: 8, wantStop: true, wantFlags: host.DataRead},
		{name: "multi write", dir: queue.Write, count: 3, addr: card.AddressBlock,
			wantOp: card.CmdWriteMultipleBlock, wantArg: 10, wantN: 3, wantStop: true, wantFlags: host.DataWrite},
		{name: "spi multi write", spi: true, dir: queue.Write, count: 3, addr: card.AddressBlock,
			wantOp: card.CmdWriteMultipleBlock, wantArg: 10, wantN: 3, wantFlags: host.DataWrite},
		{name: "spi multi read", spi: true, dir: queue.Read, count: 3, addr: card.AddressBlock,
			wantOp: card.CmdReadMultipleBlock, wantArg: 10, wantN: 3, wantStop: true, wantFlags: host.DataRead},
		{name: "single write", dir: queue.Write, count: 1, addr: card.AddressBlock,
			wantOp: card.CmdWriteBlock, wantArg: 10, wantN: 1, wantFlags: host.DataWrite},
		{name: "degraded read", dir: queue.Read, count: 5, single: true, addr: card.AddressBlock,
			wantOp: card.CmdReadSingleBlock, wantArg: 10, wantN: 1, wantFlags: host.DataRead},
		{name: "byte addressed", dir: queue.Read, count: 1, addr: card.AddressByte,
			wantOp: card.CmdReadSingleBlock, wantArg: 10 * 512, wantN: 1, wantFlags: host.DataRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &card.Card{Addressing: tt.addr}
			b := Builder{Card: c, MaxBlocks: 8, SPI: tt.spi}
			r := queue.NewRequest(tt.dir, 10, make([]byte, tt.count*card.BlockSize))

			tx := b.Build(r, tt.single)

			if tx.Cmd.Opcode != tt.wantOp || tx.Cmd.Arg != tt.wantArg {
				t.Fatalf("cmd=%d arg=%d, want %d/%d", tx.Cmd.Opcode, tx.Cmd.Arg, tt.wantOp, tt.wantArg)
			}
			if tx.Blocks != tt.wantN || tx.Data.Blocks != tt.wantN {
				t.Fatalf("blocks=%d data=%d, want %d", tx.Blocks, tx.Data.Blocks, tt.wantN)
			}
			if (tx.Stop != nil) != tt.wantStop {
				t.Fatalf("stop=%v, want %v", tx.Stop != nil, tt.wantStop)
			}
			if tx.Data.Flags != tt.wantFlags {
				t.Fatalf("data flags=%v, want %v", tx.Data.Flags, tt.wantFlags)
			}
			if tx.Data.BlockSize != card.BlockSize {
				t.Fatalf("block size=%d", tx.Data.BlockSize)
			}
			n := 0
			for _, s := range tx.Data.SG {
				n += len(s)
			}
			if n != tx.Bytes() {
				t.Fatalf("scatter covers %d bytes, want %d", n, tx.Bytes())
			}
		})
	}
}

func TestBuild_ZeroMaxBlocksFallsBackToOne(t *testing.T) {
	b := Builder{Card: &card.Card{}, MaxBlocks: 0}
	r := queue.NewRequest(queue.Read, 0, make([]byte, 4*card.BlockSize))
	if tx := b.Build(r, false); tx.Blocks != 1 {
		t.Fatalf("blocks=%d, want 1", tx.Blocks)
	}
}

func TestOutcome_Kind(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		want Kind
	}{
		{name: "clean", want: Success},
		{name: "try again", out: Outcome{DataErr: host.ErrAgain}, want: Transient},
		{name: "try again with stop error", out: Outcome{DataErr: host.ErrAgain, StopErr: host.ErrTimeout}, want: Hard},
		{name: "command", out: Outcome{CmdErr: host.ErrTimeout}, want: Hard},
		{name: "data", out: Outcome{DataErr: host.ErrCRC}, want: Hard},
		{name: "stop", out: Outcome{StopErr: host.ErrIO}, want: Hard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.out.Kind(); got != tt.want {
				t.Fatalf("Kind()=%v, want %v", got, tt.want)
			}
		})
	}
}
