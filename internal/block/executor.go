// internal/block/executor.go
package block

import (
	"fmt"

	"github.com/tamzrod/mmc-blockd/internal/host"
)

// Execute submits tx, blocks until the host completes it and collects the
// phase results. Data movement happens here.
func Execute(h host.Host, tx *Transaction) Outcome {
	h.WaitForRequest(tx.request())

	out := Outcome{
		CmdErr:      tx.Cmd.Err,
		DataErr:     tx.Data.Err,
		BytesXfered: tx.Data.BytesXfered,
		Resp:        tx.Cmd.Resp[0],
	}
	if tx.Stop != nil {
		out.HasStop = true
		out.StopErr = tx.Stop.Err
		out.StopResp = tx.Stop.Resp[0]
	}
	if max := uint32(tx.Bytes()); out.BytesXfered > max {
		out.BytesXfered = max
	}

	// A clean result that moved less than one block would make no progress.
	if out.Kind() == Success && out.BytesXfered < tx.BlockSize {
		out.DataErr = fmt.Errorf("%w: %d bytes", errShortTransfer, out.BytesXfered)
	}
	return out
}
