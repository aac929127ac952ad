// internal/block/completion.go
package block

import (
	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/queue"
)

// Completer is the push side of the request queue.
type Completer interface {
	End(r *queue.BlockRequest, err error, sectors uint32) bool
	EndAll(r *queue.BlockRequest, err error)
}

// reporter turns engine outcomes into queue completions. Every method
// returns whether sectors remain.
type reporter struct {
	q Completer
	r *queue.BlockRequest
}

// ok settles whole sectors covered by n transferred bytes.
func (p reporter) ok(n uint32) bool {
	sectors := n >> card.BlockShift
	if sectors == 0 {
		return p.r.Remaining() > 0
	}
	return p.q.End(p.r, nil, sectors)
}

// okWindow credits the first n sectors of window tx, as reported by a card
// that counts blocks of its last write command. Sectors already settled
// stay as they are.
func (p reporter) okWindow(tx *Transaction, n uint32) bool {
	if n > tx.Blocks {
		n = tx.Blocks
	}
	through := tx.Sector - p.r.Sector + uint64(n)
	settled := uint64(p.r.Settled())
	if through <= settled {
		return p.r.Remaining() > 0
	}
	return p.q.End(p.r, nil, uint32(through-settled))
}

// fail settles sectors as failed.
func (p reporter) fail(sectors uint32) bool {
	return p.q.End(p.r, queue.ErrIO, sectors)
}

// failRemaining fails the rest of the request one sector at a time so the
// queue accounting balances against the original count.
func (p reporter) failRemaining() {
	for p.r.Remaining() > 0 && p.fail(1) {
	}
}
