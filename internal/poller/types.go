// internal/poller/types.go
package poller

import (
	"errors"
	"time"

	"github.com/tamzrod/mmc-blockd/internal/card"
)

var (
	// ErrCommandFailed wraps the transport error of a status command.
	ErrCommandFailed = errors.New("poller: status command failed")

	// ErrReadinessTimeout means the card never reached a ready state
	// within the readiness bound. The request fails, the driver continues.
	ErrReadinessTimeout = errors.New("poller: card never returned to transfer state")

	// ErrRemoved is reported by the monitor when the liveness check fails.
	ErrRemoved = errors.New("poller: card removed")
)

// PollResult is a snapshot produced by one monitor cycle.
type PollResult struct {
	Disk   string
	At     time.Time
	Status card.Status
	Err    error // non-nil means the status could not be read
}
