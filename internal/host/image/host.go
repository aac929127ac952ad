// internal/host/image/host.go

// Package image emulates a card host on top of a disk image file. It
// speaks the block subset of the command protocol: single and multi-block
// read/write, stop, status, the SD written-block count and the handful of
// identification commands recovery policies send.
package image

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/host"
	"github.com/tamzrod/mmc-blockd/internal/logging"
)

// ErrNotAligned is returned for images that are not a whole number of
// sectors.
var ErrNotAligned = errors.New("image: size is not a multiple of the block size")

// ocrReady is the op-cond response of a powered-up card.
const ocrReady uint32 = 0x80ff8000

// Config describes one emulated card slot.
type Config struct {
	Path          string
	SPI           bool
	MaxBlocks     uint32
	ByteAddressed bool
	Watch         bool
	Faults        []Fault
}

// Host is an image-backed host.Host.
type Host struct {
	cfg     Config
	f       *os.File
	sectors uint64
	log     *slog.Logger

	sem     chan struct{}
	present atomic.Bool
	faults  *faultSet

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	state       card.State
	busy        int
	appCmd      bool
	lastWritten uint32
	clock       uint32
}

var _ host.Host = (*Host)(nil)

// Open attaches the image at cfg.Path.
func Open(cfg Config) (*Host, error) {
	if cfg.MaxBlocks == 0 {
		return nil, errors.New("image: max blocks must be > 0")
	}
	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("image: open %s: %w", cfg.Path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size()%card.BlockSize != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrNotAligned, cfg.Path, fi.Size())
	}

	h := &Host{
		cfg:     cfg,
		f:       f,
		sectors: uint64(fi.Size()) / card.BlockSize,
		log:     logging.For(logging.ComponentHost).With("image", cfg.Path),
		sem:     make(chan struct{}, 1),
		faults:  newFaultSet(cfg.Faults),
		done:    make(chan struct{}),
		state:   card.StateTransfer,
	}
	h.present.Store(true)

	if cfg.Watch {
		if err := h.watch(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return h, nil
}

// SetLogger replaces the host logger.
func (h *Host) SetLogger(l *slog.Logger) { h.log = l }

// Sectors is the image size in blocks.
func (h *Host) Sectors() uint64 { return h.sectors }

func (h *Host) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("image: failed to initialize fsnotify: %w", err)
	}
	if err := w.Add(h.cfg.Path); err != nil {
		w.Close()
		return fmt.Errorf("image: failed to watch %s: %w", h.cfg.Path, err)
	}
	h.watcher = w

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if h.gone(ev) {
					h.log.Warn("image gone, card removed", "op", ev.Op.String())
					h.present.Store(false)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				h.log.Error("watch error", "err", err)
			}
		}
	}()
	return nil
}

// gone reports whether ev took the image away. Unlinking an open file only
// shows up as an attribute change, so those are confirmed with a stat.
func (h *Host) gone(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		return true
	}
	if ev.Op&fsnotify.Chmod != 0 {
		_, err := os.Stat(h.cfg.Path)
		return errors.Is(err, os.ErrNotExist)
	}
	return false
}

// Remove marks the card as pulled.
func (h *Host) Remove() { h.present.Store(false) }

// Close detaches the image.
func (h *Host) Close() error {
	close(h.done)
	var err error
	if h.watcher != nil {
		err = multierr.Append(err, h.watcher.Close())
	}
	h.wg.Wait()
	return multierr.Append(err, h.f.Close())
}

// Claim takes the bus within this process and the image lock across
// processes.
func (h *Host) Claim(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := unix.Flock(int(h.f.Fd()), unix.LOCK_EX); err != nil {
		<-h.sem
		return fmt.Errorf("image: lock %s: %w", h.cfg.Path, err)
	}
	return nil
}

func (h *Host) Release() {
	if err := unix.Flock(int(h.f.Fd()), unix.LOCK_UN); err != nil {
		h.log.Error("unlock failed", "err", err)
	}
	<-h.sem
}

func (h *Host) MaxBlockCount() uint32 { return h.cfg.MaxBlocks }
func (h *Host) IsSPI() bool           { return h.cfg.SPI }
func (h *Host) Present() bool         { return h.present.Load() }

func (h *Host) SetClock(hz uint32) {
	h.mu.Lock()
	h.clock = hz
	h.mu.Unlock()
	h.log.Debug("clock", "hz", hz)
}

// Clock is the last clock set.
func (h *Host) Clock() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

// status is the R1 word for the current state. Caller holds mu.
func (h *Host) status() uint32 {
	st := card.EncodeStatus(h.state == card.StateTransfer, h.state)
	if h.appCmd {
		st |= card.R1AppCmd
	}
	return st
}

func (h *Host) WaitForCommand(cmd *host.Command, retries int) error {
	var err error
	for i := 0; i <= retries; i++ {
		if err = h.command(cmd); err == nil || errors.Is(err, host.ErrNoMedium) {
			break
		}
	}
	cmd.Err = err
	return err
}

func (h *Host) command(cmd *host.Command) error {
	if !h.Present() {
		return host.ErrNoMedium
	}

	if cmd.Opcode == card.CmdSendStatus {
		if f, ok := h.faults.match(OpStatus, 0, 0); ok {
			switch f.Kind {
			case FaultRemove:
				h.Remove()
				return host.ErrNoMedium
			case FaultBusy:
				h.mu.Lock()
				h.busy += f.BusyPolls
				h.state = card.StateProgramming
				h.mu.Unlock()
			default:
				return host.ErrTimeout
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	app := false
	switch cmd.Opcode {
	case card.CmdSendStatus:
		cmd.Resp[0] = h.status()
		if h.state == card.StateProgramming {
			if h.busy--; h.busy <= 0 {
				h.busy = 0
				h.state = card.StateTransfer
			}
		}
	case card.CmdStopTransmission:
		if h.state == card.StateData || h.state == card.StateReceive {
			h.state = card.StateTransfer
		}
		cmd.Resp[0] = h.status()
	case card.CmdAppCmd:
		app = true
		h.appCmd = true
		cmd.Resp[0] = h.status()
	case card.CmdSetBlockLen:
		if cmd.Arg != card.BlockSize {
			return host.ErrIO
		}
		cmd.Resp[0] = h.status()
	case card.CmdGoIdleState:
		h.state = card.StateTransfer
		h.busy = 0
	case card.CmdSendOpCond:
		cmd.Resp[0] = ocrReady
	default:
		return fmt.Errorf("%w: cmd%d", host.ErrUnsupported, cmd.Opcode)
	}
	h.appCmd = app
	return nil
}

func (h *Host) WaitForRequest(req *host.Request) {
	if !h.Present() {
		req.Cmd.Err = host.ErrNoMedium
		return
	}

	h.mu.Lock()
	app := h.appCmd
	h.appCmd = false
	h.mu.Unlock()

	switch req.Cmd.Opcode {
	case card.CmdReadSingleBlock, card.CmdReadMultipleBlock:
		h.transfer(req, OpRead)
	case card.CmdWriteBlock, card.CmdWriteMultipleBlock:
		h.transfer(req, OpWrite)
	case card.AppSendNumWrBlocks:
		if !app {
			req.Cmd.Err = fmt.Errorf("%w: cmd%d without app command", host.ErrUnsupported, req.Cmd.Opcode)
			return
		}
		h.numWrBlocks(req)
	default:
		req.Cmd.Err = fmt.Errorf("%w: cmd%d", host.ErrUnsupported, req.Cmd.Opcode)
	}
}

func (h *Host) numWrBlocks(req *host.Request) {
	h.mu.Lock()
	n := h.lastWritten
	req.Cmd.Resp[0] = h.status()
	h.mu.Unlock()

	if len(req.Data.SG) == 0 || len(req.Data.SG[0]) < 4 {
		req.Data.Err = host.ErrIO
		return
	}
	binary.BigEndian.PutUint32(req.Data.SG[0], n)
	req.Data.BytesXfered = 4
}

func (h *Host) sector(arg uint32) uint64 {
	if h.cfg.ByteAddressed {
		return uint64(arg) / card.BlockSize
	}
	return uint64(arg)
}

func (h *Host) transfer(req *host.Request, op Op) {
	d := req.Data
	sector := h.sector(req.Cmd.Arg)
	blocks := d.Blocks

	// the written-block count always describes the last write command
	if op == OpWrite {
		h.mu.Lock()
		h.lastWritten = 0
		h.mu.Unlock()
	}

	if d.BlockSize != card.BlockSize || blocks == 0 || blocks > h.cfg.MaxBlocks {
		req.Cmd.Err = host.ErrIO
		return
	}
	if sector+uint64(blocks) > h.sectors {
		req.Cmd.Err = fmt.Errorf("%w: sector %d+%d out of range", host.ErrIO, sector, blocks)
		return
	}

	f, faulted := h.faults.match(op, sector, blocks)
	if faulted {
		h.log.Debug("injecting fault", "op", op, "sector", sector, "nr", blocks, "kind", f.Kind)
	}

	moved := blocks
	switch {
	case !faulted:
	case f.Kind == FaultCmd:
		req.Cmd.Err = host.ErrTimeout
		return
	case f.Kind == FaultRemove:
		h.Remove()
		req.Cmd.Err = host.ErrNoMedium
		return
	case f.Kind == FaultAgain:
		d.Err = host.ErrAgain
		moved = 0
	case f.Kind == FaultData:
		d.Err = host.ErrIO
		if f.Partial < moved {
			moved = f.Partial
		}
	}

	n, err := h.move(d, sector, moved, op == OpWrite)
	d.BytesXfered = n
	if err != nil && d.Err == nil {
		d.Err = fmt.Errorf("%w: %v", host.ErrIO, err)
	}

	h.mu.Lock()
	if op == OpWrite {
		h.lastWritten = n / card.BlockSize
		if faulted && f.Kind == FaultBusy {
			h.busy = f.BusyPolls
			h.state = card.StateProgramming
		}
	}
	// Without a stop the card stays in its data state after a failed
	// multi-block transfer.
	if req.Stop == nil && d.Err != nil && blocks > 1 {
		if op == OpWrite {
			h.state = card.StateReceive
		} else {
			h.state = card.StateData
		}
	}
	req.Cmd.Resp[0] = h.status()
	h.mu.Unlock()

	if req.Stop == nil {
		return
	}
	if faulted && f.Kind == FaultStop {
		req.Stop.Err = host.ErrTimeout
		return
	}
	h.mu.Lock()
	if h.state == card.StateData || h.state == card.StateReceive {
		h.state = card.StateTransfer
	}
	req.Stop.Resp[0] = h.status()
	h.mu.Unlock()
}

// move copies blocks between the scatter list and the image.
func (h *Host) move(d *host.Data, sector uint64, blocks uint32, write bool) (uint32, error) {
	off := int64(sector) * card.BlockSize
	left := int(blocks) * card.BlockSize
	var done uint32

	for _, seg := range d.SG {
		if left == 0 {
			break
		}
		if len(seg) > left {
			seg = seg[:left]
		}
		var (
			n   int
			err error
		)
		if write {
			n, err = h.f.WriteAt(seg, off)
		} else {
			n, err = h.f.ReadAt(seg, off)
		}
		done += uint32(n)
		if err != nil {
			return done, err
		}
		off += int64(n)
		left -= n
	}
	return done, nil
}
