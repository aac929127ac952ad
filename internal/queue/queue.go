// internal/queue/queue.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tamzrod/mmc-blockd/internal/card"
)

var (
	ErrClosed         = errors.New("queue: closed")
	ErrInvalidRequest = errors.New("queue: invalid request")
)

// Queue feeds requests to one device worker and records their completions.
// Its lock is short-held and distinct from the bus claim.
type Queue struct {
	mu      sync.Mutex
	pending []*BlockRequest
	closed  bool
	wake    chan struct{}
}

// New creates an empty open queue.
func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Submit validates and enqueues a request.
func (q *Queue) Submit(r *BlockRequest) error {
	if r == nil || r.Count == 0 {
		return fmt.Errorf("%w: empty request", ErrInvalidRequest)
	}
	if need := int(r.Count) * card.BlockSize; bufLen(r.Buf) < need {
		return fmt.Errorf("%w: buffer %d bytes, need %d", ErrInvalidRequest, bufLen(r.Buf), need)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	r.settled, r.ok, r.failed, r.completions = 0, 0, 0, nil
	r.done = make(chan struct{})
	q.pending = append(q.pending, r)
	q.signal()
	return nil
}

// Next pulls the oldest pending request, blocking until one arrives,
// the queue is closed or ctx ends.
func (q *Queue) Next(ctx context.Context) (*BlockRequest, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			r := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return r, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// End settles the next sectors of r with err (nil for success) and reports
// whether sectors remain. Counts beyond the remainder are clamped.
func (q *Queue) End(r *BlockRequest, err error, sectors uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.end(r, err, sectors)
}

// EndAll fails every remaining sector of r.
func (q *Queue) EndAll(r *BlockRequest, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.end(r, err, r.Remaining())
}

func (q *Queue) end(r *BlockRequest, err error, sectors uint32) bool {
	rem := r.Count - r.settled
	if sectors > rem {
		sectors = rem
	}
	if sectors > 0 {
		r.settled += sectors
		if err == nil {
			r.ok += sectors
		} else {
			r.failed += sectors
		}
		r.completions = append(r.completions, Completion{Sectors: sectors, Err: err})
	}
	if r.settled == r.Count {
		select {
		case <-r.done:
		default:
			close(r.done)
		}
		return false
	}
	return true
}

// Close stops accepting requests and fails everything still pending.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, r := range q.pending {
		q.end(r, ErrIO, r.Remaining())
	}
	q.pending = nil
	q.signal()
}

// Len is the number of requests waiting for the worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
