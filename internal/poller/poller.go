// internal/poller/poller.go
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/host"
	"github.com/tamzrod/mmc-blockd/internal/logging"
	"github.com/tamzrod/mmc-blockd/internal/queue"
)

// Config is the runtime config the poller needs.
type Config struct {
	Disk string

	// Retries is the transport retry budget of each status command
	// issued while waiting for readiness.
	Retries int

	// Timeout bounds a readiness wait. SDTimeout replaces it for SD
	// cards, which may hold the data line busy without reporting it.
	Timeout   time.Duration
	SDTimeout time.Duration

	// MaxPolls is a hard ceiling on status commands per wait.
	MaxPolls int

	// Interval is slept between polls. Zero polls back to back.
	Interval time.Duration

	// MonitorInterval drives Run.
	MonitorInterval time.Duration
}

// Poller reads card status and waits for readiness.
// It never claims the host itself except in the monitor loop.
type Poller struct {
	cfg  Config
	host host.Host
	card *card.Card
	log  *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a poller with immutable config.
func New(cfg Config, h host.Host, c *card.Card) (*Poller, error) {
	if h == nil || c == nil {
		return nil, errors.New("poller: host and card required")
	}
	if cfg.Timeout <= 0 || cfg.SDTimeout <= 0 {
		return nil, errors.New("poller: readiness timeouts must be > 0")
	}
	if cfg.MaxPolls <= 0 {
		return nil, errors.New("poller: max polls must be > 0")
	}
	if cfg.Retries < 0 {
		return nil, errors.New("poller: retries must be >= 0")
	}
	return &Poller{
		cfg:   cfg,
		host:  h,
		card:  c,
		log:   logging.For(logging.ComponentPoller),
		now:   time.Now,
		sleep: time.Sleep,
	}, nil
}

// SetLogger replaces the poller logger.
func (p *Poller) SetLogger(l *slog.Logger) { p.log = l }

// Status issues one status command. Any decoded status, however
// unfavourable, is a success here; only transport failures are errors.
func (p *Poller) Status(retries int) (card.Status, error) {
	cmd := host.Command{
		Opcode: card.CmdSendStatus,
		Flags:  host.RespR1 | host.CmdAC,
	}
	if !p.host.IsSPI() {
		cmd.Arg = p.card.RCAArg()
	}
	if err := p.host.WaitForCommand(&cmd, retries); err != nil {
		p.log.Error("error sending status command", "disk", p.cfg.Disk, "err", err)
		return card.Status{}, fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}
	return card.DecodeStatus(cmd.Resp[0]), nil
}

// WaitReady polls until the card is ready for data and out of the
// programming state. Reads and the SPI transport skip the wait.
func (p *Poller) WaitReady(ctx context.Context, dir queue.Direction) error {
	if p.host.IsSPI() || dir == queue.Read {
		return nil
	}

	limit := p.cfg.Timeout
	if p.card.SD() {
		limit = p.cfg.SDTimeout
	}
	deadline := p.now().Add(limit)

	for polls := 1; ; polls++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		st, err := p.Status(p.cfg.Retries)
		if err != nil {
			return err
		}
		if st.Ready() {
			return nil
		}

		if polls >= p.cfg.MaxPolls || !p.now().Before(deadline) {
			p.log.Error("card state has never changed to trans",
				"disk", p.cfg.Disk, "state", st.State.String(), "polls", polls)
			return fmt.Errorf("%w: state=%s polls=%d", ErrReadinessTimeout, st.State, polls)
		}

		if p.cfg.Interval > 0 {
			p.sleep(p.cfg.Interval)
		}
	}
}

// PollOnce claims the bus and performs exactly one status read.
func (p *Poller) PollOnce(ctx context.Context) PollResult {
	res := PollResult{
		Disk: p.cfg.Disk,
		At:   p.now(),
	}

	if !p.host.Present() {
		res.Err = ErrRemoved
		return res
	}

	if err := p.host.Claim(ctx); err != nil {
		res.Err = err
		return res
	}
	defer p.host.Release()

	res.Status, res.Err = p.Status(0)
	return res
}
