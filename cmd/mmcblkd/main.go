// cmd/mmcblkd/main.go
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/tamzrod/mmc-blockd/internal/block"
	"github.com/tamzrod/mmc-blockd/internal/card"
	"github.com/tamzrod/mmc-blockd/internal/config"
	"github.com/tamzrod/mmc-blockd/internal/device"
	"github.com/tamzrod/mmc-blockd/internal/diag"
	dmodbus "github.com/tamzrod/mmc-blockd/internal/diag/modbus"
	"github.com/tamzrod/mmc-blockd/internal/host/image"
	"github.com/tamzrod/mmc-blockd/internal/logging"
	"github.com/tamzrod/mmc-blockd/internal/poller"
	"github.com/tamzrod/mmc-blockd/internal/queue"
	"github.com/tamzrod/mmc-blockd/internal/status"
)

var (
	cfgPath = flag.StringP("config", "c", "", "path to the YAML config")
	cardID  = flag.String("card", "", "card id the job runs on (default: first card)")
	op      = flag.String("op", "", "job: read, write or verify; empty runs until interrupted")
	sector  = flag.Uint64("sector", 0, "first sector of the job")
	count   = flag.Uint32("count", 0, "sectors to transfer (write/verify default: size of --in)")
	inPath  = flag.String("in", "", "input file for write/verify")
	outPath = flag.String("out", "", "output file for read (default: stdout)")
)

// slot is one attached card and everything wired to it.
type slot struct {
	cc      config.CardConfig
	host    *image.Host
	dev     *device.Device
	poller  *poller.Poller
	engine  *block.Engine
	polls   chan poller.PollResult
	events  chan diag.Event
	results chan queue.Result
	status  status.Writer

	// remote events are delivered off the engine goroutine
	remote     chan diag.Event
	remoteSink diag.Sink
}

func main() {
	flag.Parse()
	log := logging.For(logging.ComponentDevice).With("cmd", "mmcblkd")

	if *cfgPath == "" {
		fmt.Fprintln(os.Stderr, "usage: mmcblkd --config <config.yaml> [--op read|write|verify ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(log, "config load failed", err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(log, "config validation failed", err)
	}
	config.Normalize(cfg)

	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	logging.Configure(os.Stderr, logging.ParseFormat(cfg.Logging.Format))
	log = logging.For(logging.ComponentDevice).With("cmd", "mmcblkd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --------------------
	// Attach cards
	// --------------------

	reg, err := device.NewRegistry(cfg.Registry.PerDevMinors)
	if err != nil {
		fatal(log, "registry", err)
	}

	var mb *dmodbus.EndpointClient
	if m := cfg.Diagnostics.Modbus; m != nil {
		if mb, err = dmodbus.Build(*m); err != nil {
			fatal(log, "diagnostics endpoint", err)
		}
	}

	var slots []*slot
	closeAll := func() error {
		var err error
		for _, s := range slots {
			err = multierr.Append(err, s.host.Close())
		}
		if mb != nil {
			err = multierr.Append(err, mb.Close())
		}
		return err
	}

	for _, cc := range cfg.Cards {
		s, err := attach(ctx, cfg, cc, reg, mb)
		if err != nil {
			_ = closeAll()
			fatal(log, "attach failed (card="+cc.ID+")", err)
		}
		slots = append(slots, s)
	}

	// --------------------
	// One worker per card
	// --------------------

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	for _, s := range slots {
		s := s
		g.Go(func() error { return s.dev.Run(gctx, s.engine) })
		g.Go(func() error { s.poller.Run(gctx, s.polls); return nil })
		if s.remote != nil {
			g.Go(func() error {
				diag.Forward(gctx, s.remote, s.remoteSink, logging.For(logging.ComponentDiag).With("disk", s.dev.Name()))
				return nil
			})
		}
		g.Go(func() error {
			stale := 3 * time.Duration(cfg.Monitor.IntervalMs) * time.Millisecond
			final := status.Run(gctx, status.NewTracker(stale), status.Inputs{
				Polls:   s.polls,
				Events:  s.events,
				Results: s.results,
			}, s.status, logging.For(logging.ComponentDiag).With("disk", s.dev.Name()))
			log.Info("final status", "disk", s.dev.Name(),
				"health", final.Health, "errno", final.LastErrorCode,
				"sectors_ok", final.SectorsOK, "sectors_failed", final.SectorsFailed,
				"hard_errors", final.HardErrors)
			return nil
		})
	}

	var jobErr error
	if *op == "" {
		log.Info("running", "cards", len(slots))
		<-ctx.Done()
	} else {
		jobErr = runJob(ctx, log, pick(log, slots, *cardID))
	}

	cancel()
	if err := g.Wait(); err != nil {
		log.Error("worker failed", "err", err)
	}
	for _, s := range slots {
		s.dev.Release()
	}
	if err := closeAll(); err != nil {
		log.Error("close failed", "err", err)
	}

	if jobErr != nil {
		fatal(log, "job failed", jobErr)
	}
}

// attach builds host, card, device, poller and engine for one card.
func attach(ctx context.Context, cfg *config.Config, cc config.CardConfig, reg *device.Registry, mb *dmodbus.EndpointClient) (*slot, error) {
	h, err := image.Build(cc)
	if err != nil {
		return nil, err
	}
	c := device.BuildCard(cc, h.Sectors())

	d, err := device.Probe(ctx, h, c, reg)
	if err != nil {
		h.Close()
		return nil, err
	}

	p, err := poller.Build(*cfg, d.Name(), h, c)
	if err != nil {
		h.Close()
		return nil, err
	}

	s := &slot{
		cc:      cc,
		host:    h,
		dev:     d,
		poller:  p,
		polls:   make(chan poller.PollResult),
		events:  make(chan diag.Event, 16),
		results: make(chan queue.Result, 16),
	}

	sinks := diag.Multi{
		diag.LogSink{Log: logging.For(logging.ComponentDiag)},
		diag.ChanSink(s.events),
	}
	if mb != nil && cc.StatusSlot != nil {
		out := dmodbus.ForCard(mb, *cfg.Diagnostics.Modbus, *cc.StatusSlot, d.Name())
		s.status = out.Status
		s.remote = make(chan diag.Event, 16)
		s.remoteSink = out.Events
		sinks = append(sinks, diag.ChanSink(s.remote))
	}

	s.engine, err = block.New(
		block.Config{Disk: d.Name(), TransientRetries: cfg.Recovery.TransientRetries},
		h, c, p, d.Queue(),
		block.WithSink(sinks),
		block.WithRing(diag.NewRing(cfg.Diagnostics.LogDepth)),
	)
	if err != nil {
		h.Close()
		return nil, err
	}
	return s, nil
}

func pick(log *slog.Logger, slots []*slot, id string) *slot {
	if id == "" {
		return slots[0]
	}
	for _, s := range slots {
		if s.cc.ID == id {
			return s
		}
	}
	fatal(log, "unknown card", fmt.Errorf("no card with id %q", id))
	return nil
}

// ---- jobs ----

func runJob(ctx context.Context, log *slog.Logger, s *slot) error {
	if err := s.dev.Open(*op != "read"); err != nil {
		return err
	}
	defer s.dev.Release()

	switch *op {
	case "read":
		if *count == 0 {
			return errors.New("--count required for read")
		}
		buf := make([]byte, int(*count)*card.BlockSize)
		if err := transfer(ctx, log, s, queue.Read, buf); err != nil {
			return err
		}
		return output(buf)

	case "write", "verify":
		data, err := input()
		if err != nil {
			return err
		}
		if err := transfer(ctx, log, s, queue.Write, data); err != nil {
			return err
		}
		if *op == "write" {
			return nil
		}
		back := make([]byte, len(data))
		if err := transfer(ctx, log, s, queue.Read, back); err != nil {
			return err
		}
		for i := 0; i < len(data); i += card.BlockSize {
			if !bytes.Equal(data[i:i+card.BlockSize], back[i:i+card.BlockSize]) {
				return fmt.Errorf("verify: sector %d differs", *sector+uint64(i/card.BlockSize))
			}
		}
		log.Info("verified", "disk", s.dev.Name(), "sectors", len(data)/card.BlockSize)
		return nil

	default:
		return fmt.Errorf("unknown op %q", *op)
	}
}

func transfer(ctx context.Context, log *slog.Logger, s *slot, dir queue.Direction, buf []byte) error {
	start := time.Now()
	r, err := s.dev.Submit(dir, *sector, buf)
	if err != nil {
		return err
	}
	res, err := r.Wait(ctx)
	if err != nil {
		return err
	}

	select {
	case s.results <- res:
	default:
	}

	log.Info("transfer done",
		"disk", s.dev.Name(), "dir", dir.String(), "sector", *sector,
		"ok", res.OK, "failed", res.Failed,
		"bytes", humanize.IBytes(uint64(res.OK)*card.BlockSize),
		"took", time.Since(start).String())
	return res.Err()
}

// input reads --in and pads it to whole sectors, honoring --count.
func input() ([]byte, error) {
	if *inPath == "" {
		return nil, errors.New("--in required")
	}
	data, err := os.ReadFile(*inPath)
	if err != nil {
		return nil, err
	}
	n := (len(data) + card.BlockSize - 1) / card.BlockSize
	if *count > 0 {
		n = int(*count)
	}
	if n == 0 {
		return nil, errors.New("nothing to write")
	}
	buf := make([]byte, n*card.BlockSize)
	copy(buf, data)
	return buf, nil
}

func output(buf []byte) error {
	var w io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	_, err := w.Write(buf)
	return err
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "err", err)
	os.Exit(1)
}
