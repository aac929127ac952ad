// internal/device/device.go

// Package device is the per-card block device: probe, usage-counted
// open/release, request submission and the worker that drains the queue
// through the engine.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/tamzrod/mmc-blockd/internal/block"
	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/host"
	"github.com/tamzrod/mmc-blockd/internal/logging"
	"github.com/tamzrod/mmc-blockd/internal/queue"
)

var (
	// ErrNoDevice is returned once the device has been released (ENXIO).
	ErrNoDevice = errors.New("device: no such device")

	// ErrReadOnly rejects writes to a protected card (EROFS).
	ErrReadOnly = errors.New("device: read-only")

	// ErrUnsupportedCard rejects cards without block reads (ENODEV).
	ErrUnsupportedCard = errors.New("device: card does not support block reads")

	// ErrOutOfRange rejects requests past the end of the card.
	ErrOutOfRange = errors.New("device: request beyond capacity")
)

// setBlockLenRetries matches the retry budget of other setup commands.
const setBlockLenRetries = 5

// Issuer runs one request to completion.
type Issuer interface {
	Issue(ctx context.Context, r *queue.BlockRequest) error
}

// Device is one attached card.
type Device struct {
	name     string
	index    int
	card     *card.Card
	host     host.Host
	reg      *Registry
	queue    *queue.Queue
	capacity uint64
	readOnly bool
	log      *slog.Logger

	mu      sync.Mutex
	usage   int
	removed bool
}

// Probe checks the card, reserves a device index and sets the block
// length. The returned device holds one reference owned by the caller.
func Probe(ctx context.Context, h host.Host, c *card.Card, reg *Registry) (*Device, error) {
	log := logging.For(logging.ComponentDevice)

	// Check that the card supports the command class(es) we need.
	if !c.CanRead() {
		log.Warn("card does not support block reads", "card", c.ID, "cmdclass", c.CSD.CmdClass)
		return nil, ErrUnsupportedCard
	}

	idx, err := reg.Allocate()
	if err != nil {
		return nil, err
	}
	d := &Device{
		name:     Name(idx),
		index:    idx,
		card:     c,
		host:     h,
		reg:      reg,
		queue:    queue.New(),
		capacity: c.Capacity(),
		readOnly: c.ReadOnly(),
		usage:    1,
	}
	d.log = log.With("disk", d.name)

	if err := d.setBlockLen(ctx); err != nil {
		reg.Free(idx)
		return nil, err
	}

	ro := ""
	if d.readOnly {
		ro = " (ro)"
	}
	d.log.Info(fmt.Sprintf("%s: %s %s %s%s", d.name, c.ID, c.Name,
		humanize.IBytes(d.capacity*card.BlockSize), ro))
	return d, nil
}

func (d *Device) setBlockLen(ctx context.Context) error {
	if err := d.host.Claim(ctx); err != nil {
		return err
	}
	defer d.host.Release()

	cmd := host.Command{
		Opcode: card.CmdSetBlockLen,
		Arg:    card.BlockSize,
		Flags:  host.RespR1 | host.CmdAC,
	}
	if err := d.host.WaitForCommand(&cmd, setBlockLenRetries); err != nil {
		d.log.Error("unable to set block size", "size", card.BlockSize, "err", err)
		return fmt.Errorf("device: set block length: %w", err)
	}
	return nil
}

// SetLogger replaces the device logger.
func (d *Device) SetLogger(l *slog.Logger) { d.log = l }

func (d *Device) Name() string        { return d.name }
func (d *Device) Index() int          { return d.index }
func (d *Device) Card() *card.Card    { return d.card }
func (d *Device) Capacity() uint64    { return d.capacity }
func (d *Device) ReadOnly() bool      { return d.readOnly }
func (d *Device) Queue() *queue.Queue { return d.queue }

// Geometry is the legacy CHS view.
func (d *Device) Geometry() card.Geometry { return card.GeometryFor(d.capacity) }

// Open takes a reference. Writers are refused on read-only cards.
func (d *Device) Open(write bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.usage == 0 {
		return ErrNoDevice
	}
	if write && d.readOnly {
		return ErrReadOnly
	}
	d.usage++
	return nil
}

// Release drops a reference. The last one frees the device index.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.usage == 0 {
		return
	}
	d.usage--
	if d.usage == 0 {
		d.reg.Free(d.index)
		d.log.Debug("released")
	}
}

// Users is the current reference count.
func (d *Device) Users() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usage
}

// Submit queues a request for sectors [sector, sector+len(buf)/512).
func (d *Device) Submit(dir queue.Direction, sector uint64, buf []byte) (*queue.BlockRequest, error) {
	if dir == queue.Write && d.readOnly {
		return nil, ErrReadOnly
	}
	r := queue.NewRequest(dir, sector, buf)
	if sector+uint64(r.Count) > d.capacity {
		return nil, fmt.Errorf("%w: %d+%d > %d", ErrOutOfRange, sector, r.Count, d.capacity)
	}
	if err := d.queue.Submit(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Run drains the queue through e until ctx ends or the device is removed.
// One request is in flight at a time.
func (d *Device) Run(ctx context.Context, e Issuer) error {
	for {
		r, err := d.queue.Next(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		err = e.Issue(ctx, r)
		switch {
		case err == nil:
		case errors.Is(err, block.ErrDeviceRemoved):
			d.Remove()
			return nil
		default:
			d.log.Warn("request failed",
				"dir", r.Dir.String(), "sector", r.Sector, "nr", r.Count, "err", err)
		}
	}
}

// Remove detaches the card: pending requests fail and the device's own
// reference is dropped. Open handles keep the index until released.
func (d *Device) Remove() {
	d.mu.Lock()
	if d.removed {
		d.mu.Unlock()
		return
	}
	d.removed = true
	d.mu.Unlock()

	d.log.Warn("card removed")
	d.queue.Close()
	d.Release()
}

// Removed reports whether Remove ran.
func (d *Device) Removed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}
