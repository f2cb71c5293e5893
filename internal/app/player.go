// ABOUTME: Main player application orchestration
// ABOUTME: Coordinates source, playout engine, audio output, telemetry and UI
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Resonate-Protocol/resonate-ttp/internal/config"
	"github.com/Resonate-Protocol/resonate-ttp/internal/discovery"
	"github.com/Resonate-Protocol/resonate-ttp/internal/sim"
	"github.com/Resonate-Protocol/resonate-ttp/internal/telemetry"
	"github.com/Resonate-Protocol/resonate-ttp/internal/ui"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio/output"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/audio/ring"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/pid"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/pipeline"
	clocks "github.com/Resonate-Protocol/resonate-ttp/pkg/sync"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/tag"
	"github.com/Resonate-Protocol/resonate-ttp/pkg/ttp"
)

const (
	statusInterval  = 500 * time.Millisecond
	runtimeInterval = 2 * time.Second
	syncInterval    = time.Second
	producePeriod   = 2 * time.Millisecond
)

// ErrHardwareNeedsHeadless is returned when hardware warp is requested for the
// system audio device, whose rate cannot be steered
var ErrHardwareNeedsHeadless = errors.New("hardware rate target requires headless output")

// Player runs one audio path in real time
type Player struct {
	cfg config.Config

	clock    *clocks.ClockSync
	ref      clocks.LocalClock
	tags     *tag.Stream
	producer *sim.Producer
	engine   *ttp.Engine
	output   output.Output
	oto      *output.Oto
	clocked  *output.Clocked

	hub  *telemetry.Hub
	disc *discovery.Manager
	ln   net.Listener

	status func(ui.StatusMsg)
	ctrl   *ui.Control
	resets chan struct{}
}

// New builds the audio path described by cfg
func New(cfg config.Config) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Engine.Target == "hardware" && !cfg.Headless {
		return nil, ErrHardwareNeedsHeadless
	}

	rate := cfg.Source.SampleRate
	inCap := ttp.MicrosToSamples(int64(cfg.Engine.InputMs)*1000, rate)
	outCap := ttp.MicrosToSamples(int64(cfg.Engine.OutputMs)*1000, rate)

	p := &Player{
		cfg:    cfg,
		ref:    clocks.SystemClock{},
		clock:  clocks.NewClockSync(clocks.SystemClock{}),
		tags:   tag.NewForSamples(inCap),
		resets: make(chan struct{}, 1),
		status: func(ui.StatusMsg) {},
	}

	var in, out []*ring.Buffer
	var channels []ttp.Channel
	for i := 0; i < cfg.Source.Channels; i++ {
		r, o := ring.New(inCap), ring.New(outCap)
		in = append(in, r)
		out = append(out, o)
		channels = append(channels, ttp.Channel{In: r, Out: o})
	}

	producer, err := sim.New(sim.Config{
		SampleRate: rate,
		Channels:   cfg.Source.Channels,
		BlockUs:    cfg.Source.BlockUs,
		LatencyUs:  cfg.Source.LatencyUs,
		DriftPPM:   cfg.Source.DriftPPM,
		Frequency:  cfg.Source.Frequency,
		VoidEvery:  cfg.Source.VoidEvery,
	}, in, p.tags)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	p.producer = producer

	guard := &sync.Mutex{}
	src := output.Source{Rings: out, Guard: guard}
	if cfg.Headless {
		p.clocked = output.NewClocked(src, cfg.DACPPM, nil)
		p.output = p.clocked
	} else {
		p.oto = output.NewOto(src)
		p.output = p.oto
	}

	p.engine = ttp.New()
	p.hub = telemetry.New(p.engine.ID().String())

	err = p.engine.Init(ttp.Config{
		Channels:        channels,
		Pipeline:        pipeline.New(len(channels), rate),
		Tags:            p.tags,
		Corrector:       pid.New(pid.Config{MaxWarp: cfg.Engine.MaxWarp}),
		Clock:           p.clock,
		Guard:           guard,
		SampleRate:      rate,
		PeriodUs:        cfg.Engine.PeriodUs,
		EndpointDelayUs: cfg.Engine.DelayUs,
		MaxWarp:         cfg.Engine.MaxWarp,
		Fault:           p.hub.Fault,
		ConnectionID:    cfg.Engine.ConnectionID,
		EndpointID:      cfg.Engine.EndpointID,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if cfg.Engine.Target == "hardware" {
		if err := p.engine.EnableHardwareWarp(p.clocked.SetWarp); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	return p, nil
}

// Engine returns the playout engine
func (p *Player) Engine() *ttp.Engine {
	return p.engine
}

// SetStatusFunc receives periodic status for the TUI
func (p *Player) SetStatusFunc(fn func(ui.StatusMsg)) {
	if fn != nil {
		p.status = fn
	}
}

// SetControl attaches TUI actions
func (p *Player) SetControl(ctrl *ui.Control) {
	p.ctrl = ctrl
}

// TelemetryAddr returns the bound telemetry address once Run has started listening
func (p *Player) TelemetryAddr() net.Addr {
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Listen binds the telemetry server; Run calls it when needed
func (p *Player) Listen() error {
	if p.ln != nil || p.cfg.Telemetry.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", p.cfg.Telemetry.Addr)
	if err != nil {
		return fmt.Errorf("telemetry listen: %w", err)
	}
	p.ln = ln
	return nil
}

// Run plays until ctx is cancelled or the user quits
func (p *Player) Run(ctx context.Context) error {
	if err := p.output.Open(p.cfg.Source.SampleRate, p.cfg.Source.Channels); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	defer p.output.Close()
	defer p.engine.Destroy()

	if err := p.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.status(ui.StatusMsg{
		EngineID:   p.engine.ID().String(),
		SampleRate: p.cfg.Source.SampleRate,
		Channels:   p.cfg.Source.Channels,
		Target:     p.engine.Target().String(),
	})

	log.WithFields(log.Fields{
		"engine":   p.engine.ID(),
		"rate":     p.cfg.Source.SampleRate,
		"channels": p.cfg.Source.Channels,
		"target":   p.engine.Target(),
		"headless": p.cfg.Headless,
	}).Info("Starting playout")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.syncLoop(ctx) })
	g.Go(func() error { return p.producer.Run(ctx, p.clock, producePeriod) })
	g.Go(func() error { return p.engineLoop(ctx) })
	g.Go(func() error { return p.statusLoop(ctx) })
	g.Go(func() error { return p.controlLoop(ctx, cancel) })
	if p.clocked != nil {
		g.Go(func() error { return p.clocked.Run(ctx, time.Duration(p.cfg.Engine.PeriodUs)*time.Microsecond) })
	}
	if p.ln != nil {
		g.Go(func() error { return p.serveTelemetry(ctx) })
	}

	err := g.Wait()
	st := p.engine.Stats()
	log.WithFields(log.Fields{
		"on_time": st.OnTimeTags,
		"late":    st.LateTags,
		"early":   st.EarlyTags,
		"faults":  st.Faults,
	}).Info("Playout stopped")
	return err
}

// engineLoop owns the engine: Run and Reset happen only here
func (p *Player) engineLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(p.cfg.Engine.PeriodUs) * time.Microsecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.resets:
			p.engine.Reset()
		case <-ticker.C:
			if p.oto != nil {
				p.engine.SetDelay(p.cfg.Engine.DelayUs + p.oto.BufferedMicros())
			}
			p.engine.Run()
		}
	}
}

// syncLoop keeps the clock estimate fresh against the reference clock
func (p *Player) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	p.syncOnce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.syncOnce()
			p.clock.CheckQuality()
		}
	}
}

func (p *Player) syncOnce() {
	t1 := clocks.SystemClock{}.NowMicros()
	t2 := p.ref.NowMicros()
	t3 := p.ref.NowMicros()
	t4 := clocks.SystemClock{}.NowMicros()
	p.clock.ProcessSyncResponse(t1, t2, t3, t4)
}

// statusLoop publishes engine stats to telemetry and the TUI
func (p *Player) statusLoop(ctx context.Context) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	// Runtime stats are collected less often to avoid GC pauses
	runtimeTicker := time.NewTicker(runtimeInterval)
	defer runtimeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-runtimeTicker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			p.status(ui.StatusMsg{Goroutines: runtime.NumGoroutine(), MemAlloc: m.Alloc})
		case <-ticker.C:
			st := p.engine.Stats()
			p.hub.PublishStats(st)

			offset, _, _, quality := p.clock.Stats()
			clients := p.hub.Clients()
			p.status(ui.StatusMsg{
				Stats:   &st,
				Sync:    &ui.SyncStatus{Offset: offset, Quality: quality},
				Clients: &clients,
			})
		}
	}
}

// controlLoop applies TUI actions
func (p *Player) controlLoop(ctx context.Context, quit context.CancelFunc) error {
	if p.ctrl == nil {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case vol := <-p.ctrl.Changes:
			log.Debugf("Volume change: %d%%, muted=%v", vol.Volume, vol.Muted)
			p.output.SetVolume(vol.Volume)
			p.output.SetMuted(vol.Muted)
		case <-p.ctrl.Reset:
			select {
			case p.resets <- struct{}{}:
			default:
			}
		case <-p.ctrl.Quit:
			log.Info("Received quit signal from TUI")
			quit()
			return nil
		}
	}
}

// serveTelemetry serves the hub and advertises it until ctx is done
func (p *Player) serveTelemetry(ctx context.Context) error {
	srv := &http.Server{
		Handler:           p.hub.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if p.cfg.Telemetry.MDNS {
		p.disc = discovery.NewManager(discovery.Config{
			ServiceName: p.cfg.Telemetry.Name,
			Port:        p.ln.Addr().(*net.TCPAddr).Port,
			Path:        telemetry.Path,
			EngineID:    p.engine.ID().String(),
		})
		if err := p.disc.Advertise(); err != nil {
			log.Warnf("mDNS advertisement failed: %v", err)
		}
		defer p.disc.Stop()
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("Telemetry listening on %s%s", p.ln.Addr(), telemetry.Path)
		errc <- srv.Serve(p.ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("telemetry: %w", err)
	case <-ctx.Done():
	}

	p.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Telemetry shutdown: %v", err)
	}
	return nil
}
