// internal/block/builder.go
package block

import (
	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/host"
	"github.com/tamzrod/mmc-blockd/internal/queue"
)

// Builder sizes and frames transactions for one card on one host.
type Builder struct {
	Card      *card.Card
	MaxBlocks uint32
	SPI       bool
}

// Build frames the next window of r. It never fails for a request with
// unsettled sectors.
func (b Builder) Build(r *queue.BlockRequest, singleBlock bool) *Transaction {
	blocks := r.Remaining()

	// The queue does not know every host limit, so be prepared for
	// requests that are too big.
	max := b.MaxBlocks
	if max == 0 {
		max = 1
	}
	if blocks > max {
		blocks = max
	}

	// After a read error, redo the request one sector at a time in order
	// to find out exactly which sectors can be read.
	if singleBlock && blocks > 1 {
		blocks = 1
	}

	tx := &Transaction{
		Dir:       r.Dir,
		Sector:    r.Pos(),
		Blocks:    blocks,
		BlockSize: card.BlockSize,
	}
	tx.Cmd = host.Command{
		Arg:   b.Card.Arg(r.Pos()),
		Flags: host.RespR1 | host.CmdADTC,
	}

	var readCmd, writeCmd uint32
	if blocks > 1 {
		// SPI multi-block writes terminate with a token, not a stop.
		if !b.SPI || r.Dir == queue.Read {
			tx.Stop = &host.Command{
				Opcode: card.CmdStopTransmission,
				Flags:  host.RespR1B | host.CmdAC,
			}
		}
		readCmd, writeCmd = card.CmdReadMultipleBlock, card.CmdWriteMultipleBlock
	} else {
		readCmd, writeCmd = card.CmdReadSingleBlock, card.CmdWriteBlock
	}

	write := r.Dir == queue.Write
	if write {
		tx.Cmd.Opcode = writeCmd
	} else {
		tx.Cmd.Opcode = readCmd
	}

	tx.Data = host.Data{
		BlockSize: card.BlockSize,
		Blocks:    blocks,
		Timeout:   b.Card.DataTimeout(write),
		SG:        scatter(r.Buf, r.Offset(), tx.Bytes()),
	}
	if write {
		tx.Data.Flags = host.DataWrite
	} else {
		tx.Data.Flags = host.DataRead
	}
	return tx
}

// scatter returns views of buf covering exactly n bytes from off. The last
// view is trimmed so the total never runs short or over.
func scatter(buf [][]byte, off, n int) [][]byte {
	var sg [][]byte
	for _, seg := range buf {
		if n == 0 {
			break
		}
		if off >= len(seg) {
			off -= len(seg)
			continue
		}
		seg = seg[off:]
		off = 0
		if len(seg) > n {
			seg = seg[:n]
		}
		sg = append(sg, seg)
		n -= len(seg)
	}
	return sg
}
