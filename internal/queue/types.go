// internal/queue/types.go
package queue

import (
	"context"
	"errors"

	"github.com/tamzrod/mmc-blockd/internal/card"
)

// Direction of a block request.
type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// ErrIO is the per-sector failure reported for unrecovered sectors.
var ErrIO = errors.New("queue: i/o error")

// Completion is one partial completion event.
type Completion struct {
	Sectors uint32
	Err     error
}

// Result is the final accounting of a request.
type Result struct {
	OK          uint32
	Failed      uint32
	Completions []Completion
}

// Err returns ErrIO when any sector failed.
func (r Result) Err() error {
	if r.Failed > 0 {
		return ErrIO
	}
	return nil
}

// BlockRequest is one contiguous run of sectors to read or write.
// Buf is a scatter list; its total length must cover Count sectors.
type BlockRequest struct {
	Dir    Direction
	Sector uint64
	Count  uint32
	Buf    [][]byte

	// progress, guarded by the owning queue's lock
	settled     uint32
	ok          uint32
	failed      uint32
	completions []Completion
	done        chan struct{}
}

// NewRequest builds a request over a single contiguous buffer.
func NewRequest(dir Direction, sector uint64, buf []byte) *BlockRequest {
	return &BlockRequest{
		Dir:    dir,
		Sector: sector,
		Count:  uint32(len(buf) / card.BlockSize),
		Buf:    [][]byte{buf},
	}
}

// Pos is the first sector not yet settled.
func (r *BlockRequest) Pos() uint64 { return r.Sector + uint64(r.settled) }

// Remaining is the number of sectors not yet settled.
func (r *BlockRequest) Remaining() uint32 { return r.Count - r.settled }

// Settled is the number of sectors already reported, ok or failed.
func (r *BlockRequest) Settled() uint32 { return r.settled }

// Completed is the number of sectors reported ok.
func (r *BlockRequest) Completed() uint32 { return r.ok }

// Offset is the byte offset of Pos inside the buffer.
func (r *BlockRequest) Offset() int { return int(r.settled) * card.BlockSize }

// Done is closed once every sector has been reported.
func (r *BlockRequest) Done() <-chan struct{} { return r.done }

// Wait blocks until the request is fully reported.
func (r *BlockRequest) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-r.done:
	}
	return Result{
		OK:          r.ok,
		Failed:      r.failed,
		Completions: append([]Completion(nil), r.completions...),
	}, nil
}

func bufLen(buf [][]byte) int {
	n := 0
	for _, b := range buf {
		n += len(b)
	}
	return n
}
