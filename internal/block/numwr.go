// internal/block/numwr.go
package block

import (
	"encoding/binary"
	"time"

	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/host"
)

// writtenBlocks asks an SD card how many blocks of the last write it
// committed. ok is false when the query itself failed.
func writtenBlocks(h host.Host, c *card.Card) (n uint32, ok bool) {
	app := host.Command{
		Opcode: card.CmdAppCmd,
		Arg:    c.RCAArg(),
		Flags:  host.RespR1 | host.CmdAC,
	}
	if err := h.WaitForCommand(&app, 0); err != nil {
		return 0, false
	}
	if !h.IsSPI() && app.Resp[0]&card.R1AppCmd == 0 {
		return 0, false
	}

	buf := make([]byte, 4)
	req := host.Request{
		Cmd: &host.Command{
			Opcode: card.AppSendNumWrBlocks,
			Flags:  host.RespR1 | host.CmdADTC,
		},
		Data: &host.Data{
			BlockSize: 4,
			Blocks:    1,
			Flags:     host.DataRead,
			Timeout:   numWrTimeout(c),
			SG:        [][]byte{buf},
		},
	}
	h.WaitForRequest(&req)
	if req.Cmd.Err != nil || req.Data.Err != nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf), true
}

// numWrTimeout is a hundred access times, capped at 100ms.
func numWrTimeout(c *card.Card) time.Duration {
	ns := uint64(c.CSD.TaccNs) * 100
	if c.Clock > 0 {
		ns += uint64(c.CSD.TaccClks) * 100 * uint64(time.Second) / uint64(c.Clock)
	}
	d := time.Duration(ns)
	if d > 100*time.Millisecond || d == 0 {
		d = 100 * time.Millisecond
	}
	return d
}
