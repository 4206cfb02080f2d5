// Package telemetry runs the node latency loop and the optional uplink
// baseline loop.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"veactl/internal/eventbus"
	"veactl/internal/model"
	"veactl/internal/probe"
	"veactl/internal/runtime/supervisor"
	"veactl/internal/task/scheduler"
	logx "veactl/pkg/logx"
	"veactl/pkg/speedtest"
)

const (
	LoopLatency = "telemetry.latency"
	LoopUplink  = "telemetry.uplink"

	// DefaultInterval is the wait after a tick that could not read settings.
	DefaultInterval = model.DefaultLatencyIntervalMinutes * time.Minute

	DefaultWriteTimeout = 5 * time.Second
)

type Store interface {
	GetOrCreateSettings(ctx context.Context) (model.SystemSettings, error)
	ListActiveNodes(ctx context.Context) ([]model.NodeTarget, error)
	GetNode(ctx context.Context, id int64) (*model.Node, error)
	BulkWriteLatency(ctx context.Context, results []model.ProbeResult, at time.Time) (int, error)
	AppendUplinkSample(ctx context.Context, s model.UplinkSample) (model.UplinkSample, error)
}

// Measurer is the slice of *probe.Prober used here.
type Measurer interface {
	MeasureLatency(ctx context.Context, host string, port int) *float64
	MeasureSpeed(ctx context.Context, host string, port int, testURL string, downloadBytes int64, proxy string) probe.SpeedResult
}

// UplinkRunner is satisfied by *speedtest.Runner.
type UplinkRunner interface {
	Run(ctx context.Context) (*speedtest.Result, error)
}

type Prober struct {
	store        Store
	measure      Measurer
	uplink       UplinkRunner
	uplinkSpec   string
	bus          eventbus.Bus
	now          func() time.Time
	writeTimeout time.Duration
	log          logx.Logger

	mu    sync.Mutex
	state map[string]*scheduler.LoopInfo
}

type Option func(*Prober)

func WithLogger(l logx.Logger) Option { return func(p *Prober) { p.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(p *Prober) { p.bus = b } }

func WithClock(now func() time.Time) Option {
	return func(p *Prober) {
		if now != nil {
			p.now = now
		}
	}
}

// WithWriteTimeout bounds the batch write at the end of a tick.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithUplink enables Uplink. A non-empty schedule also starts the uplink
// loop in Start.
func WithUplink(r UplinkRunner, schedule string) Option {
	return func(p *Prober) {
		p.uplink = r
		p.uplinkSpec = schedule
	}
}

func New(store Store, m Measurer, opts ...Option) (*Prober, error) {
	p := &Prober{
		store:        store,
		measure:      m,
		bus:          eventbus.Nop(),
		now:          time.Now,
		writeTimeout: DefaultWriteTimeout,
		state: map[string]*scheduler.LoopInfo{
			LoopLatency: {Name: LoopLatency, Cadence: "settings"},
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "telemetry"))
	if p.uplinkSpec != "" {
		spec, err := scheduler.ParseSchedule(p.uplinkSpec)
		if err != nil {
			return nil, fmt.Errorf("uplink_schedule: %w", err)
		}
		p.state[LoopUplink] = &scheduler.LoopInfo{Name: LoopUplink, Cadence: spec.String()}
	}
	return p, nil
}

// Tick runs one latency pass and returns the wait before the next one. The
// interval is read from settings on every tick.
func (p *Prober) Tick(ctx context.Context) time.Duration {
	settings, err := p.store.GetOrCreateSettings(ctx)
	if err != nil {
		p.log.Error("read settings failed", logx.Err(err), logx.Duration("next", DefaultInterval))
		return DefaultInterval
	}
	interval := settings.Telemetry.EffectiveInterval()
	if !settings.Telemetry.AutoLatencyTest {
		return interval
	}

	nodes, err := p.store.ListActiveNodes(ctx)
	if err != nil {
		p.log.Error("list nodes failed", logx.Err(err))
		return interval
	}
	if len(nodes) == 0 {
		return interval
	}

	results := make([]model.ProbeResult, 0, len(nodes))
	reached := 0
	for _, n := range nodes {
		if ctx.Err() != nil {
			break
		}
		lat := p.measure.MeasureLatency(ctx, n.Address, n.Port)
		if lat != nil {
			reached++
		}
		results = append(results, model.ProbeResult{NodeID: n.ID, LatencyMs: lat})
	}

	written, err := p.write(ctx, results)
	if err != nil {
		p.log.Error("latency write failed", logx.Err(err), logx.Int("results", len(results)))
	} else {
		p.log.Debug("latency tick",
			logx.Int("probed", len(results)),
			logx.Int("reached", reached),
			logx.Int("written", written),
			logx.Duration("next", interval),
		)
	}
	p.bus.Publish(eventbus.Event{
		Type: eventbus.TelemetryTick,
		Time: p.now(),
		Data: eventbus.TickOutcome{Probed: len(results), Reached: reached, Written: written, Next: interval},
	})
	return interval
}

// write commits results even when ctx is already cancelled, under its own
// timeout.
func (p *Prober) write(ctx context.Context, results []model.ProbeResult) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.writeTimeout)
	defer cancel()
	return p.store.BulkWriteLatency(wctx, results, p.now().UTC())
}

// ProbeRequest selects an on-demand measurement. An empty TestURL or a zero
// DownloadBytes falls back to the telemetry settings.
type ProbeRequest struct {
	Speed         bool   `json:"speed"`
	TestURL       string `json:"test_url,omitempty"`
	DownloadBytes int64  `json:"download_bytes,omitempty"`
}

// ProbeNode measures one node on demand and stores the result. The speed
// download goes through the node's settings.http_proxy when set.
func (p *Prober) ProbeNode(ctx context.Context, id int64, req ProbeRequest) (model.ProbeResult, error) {
	n, err := p.store.GetNode(ctx, id)
	if err != nil {
		return model.ProbeResult{}, err
	}
	res := model.ProbeResult{NodeID: n.ID}
	if req.Speed {
		testURL, size := req.TestURL, req.DownloadBytes
		if testURL == "" || size == 0 {
			settings, err := p.store.GetOrCreateSettings(ctx)
			if err != nil {
				return model.ProbeResult{}, err
			}
			if testURL == "" {
				testURL = settings.Telemetry.SpeedTestURL
			}
			if size == 0 {
				size = settings.Telemetry.SpeedTestBytes
			}
		}
		proxy := n.HTTPProxy()
		p.log.Debug("speed probe",
			logx.Int64("node", n.ID),
			logx.String("url", testURL),
			logx.Bool("proxied", proxy != ""),
		)
		sr := p.measure.MeasureSpeed(ctx, n.Address, n.Port, testURL, size, proxy)
		res.LatencyMs, res.SpeedMBps = sr.LatencyMs, sr.SpeedMBps
	} else {
		res.LatencyMs = p.measure.MeasureLatency(ctx, n.Address, n.Port)
	}
	if _, err := p.write(ctx, []model.ProbeResult{res}); err != nil {
		return res, err
	}
	return res, nil
}

// Uplink runs one host baseline speedtest and stores the sample.
func (p *Prober) Uplink(ctx context.Context) (model.UplinkSample, error) {
	if p.uplink == nil {
		return model.UplinkSample{}, ErrUplinkDisabled
	}
	r, err := p.uplink.Run(ctx)
	if err != nil {
		return model.UplinkSample{}, fmt.Errorf("uplink speedtest: %w", err)
	}
	s := model.UplinkSample{
		At:           r.At,
		DownloadMbps: r.DownloadMbps,
		UploadMbps:   r.UploadMbps,
		PingMs:       r.PingMs,
		Server:       r.ServerName,
		ISP:          r.ISP,
	}
	if s.At.IsZero() {
		s.At = p.now().UTC()
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.writeTimeout)
	defer cancel()
	saved, err := p.store.AppendUplinkSample(wctx, s)
	if err != nil {
		return s, err
	}
	p.log.Info("uplink measured",
		logx.Float64("down_mbps", saved.DownloadMbps),
		logx.Float64("up_mbps", saved.UploadMbps),
		logx.Float64("ping_ms", saved.PingMs),
		logx.String("server", saved.Server),
		logx.Duration("took", r.Took),
	)
	return saved, nil
}

// Start launches the latency loop and, when scheduled, the uplink loop.
func (p *Prober) Start(sup *supervisor.Supervisor) {
	sup.Go0(LoopLatency, func(ctx context.Context) {
		scheduler.RunLoop(ctx, LoopLatency, func(ctx context.Context) time.Duration {
			started := time.Now()
			wait := p.Tick(ctx)
			p.record(LoopLatency, started, wait, nil)
			return wait
		}, scheduler.WithLoopLogger(p.log), scheduler.WithFallbackWait(DefaultInterval))
	})
	if _, ok := p.state[LoopUplink]; !ok || p.uplink == nil {
		return
	}
	spec := scheduler.MustParseSchedule(p.uplinkSpec)
	sup.Go0(LoopUplink, func(ctx context.Context) {
		// The first run waits for the schedule; a speedtest at every restart
		// would saturate the link.
		if !sleepUntil(ctx, spec) {
			return
		}
		scheduler.RunLoop(ctx, LoopUplink, func(ctx context.Context) time.Duration {
			started := time.Now()
			_, err := p.Uplink(ctx)
			if err != nil {
				p.log.Warn("uplink run failed", logx.Err(err), logx.String("tick", scheduler.TickID(ctx)))
			}
			wait, werr := spec.Wait(time.Now())
			if werr != nil {
				wait = time.Hour
			}
			p.record(LoopUplink, started, wait, err)
			return wait
		}, scheduler.WithLoopLogger(p.log))
	})
}

func sleepUntil(ctx context.Context, spec scheduler.ParsedSpec) bool {
	wait, err := spec.Wait(time.Now())
	if err != nil {
		wait = time.Hour
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Prober) record(name string, started time.Time, wait time.Duration, err error) {
	end := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state[name]
	st.Ticks++
	st.LastTickAt = started
	st.LastTook = end.Sub(started)
	st.NextAt = end.Add(wait)
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
}

// Snapshot reports the telemetry loops, latency first.
func (p *Prober) Snapshot() []scheduler.LoopInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []scheduler.LoopInfo{*p.state[LoopLatency]}
	if st, ok := p.state[LoopUplink]; ok {
		out = append(out, *st)
	}
	return out
}
