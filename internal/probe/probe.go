// Package probe measures node reachability: TCP connect latency and HTTP
// download throughput. Measurements never fail; an unusable sample is nil.
package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	logx "veactl/pkg/logx"
)

const (
	DefaultAttempts     = 3
	DefaultTimeout      = 5 * time.Second
	DefaultPause        = 100 * time.Millisecond
	DefaultSpeedTimeout = 20 * time.Second

	bytesPerMB = 1024 * 1024
)

// Dialer opens the TCP connection timed by MeasureLatency.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Streamer opens the body read by MeasureSpeed. *fetch.Fetcher satisfies it.
type Streamer interface {
	Stream(ctx context.Context, url, proxy string, timeout time.Duration) (io.ReadCloser, error)
}

type Prober struct {
	attempts     int
	timeout      time.Duration
	pause        time.Duration
	speedTimeout time.Duration
	dialer       Dialer
	streamer     Streamer
	log          logx.Logger
}

type Option func(*Prober)

func WithAttempts(n int) Option {
	return func(p *Prober) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithTimeout bounds each connect attempt.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPause sets the delay between attempts. Zero disables it.
func WithPause(d time.Duration) Option {
	return func(p *Prober) {
		if d >= 0 {
			p.pause = d
		}
	}
}

// WithSpeedTimeout bounds the whole download of MeasureSpeed.
func WithSpeedTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.speedTimeout = d
		}
	}
}

func WithDialer(d Dialer) Option     { return func(p *Prober) { p.dialer = d } }
func WithStreamer(s Streamer) Option { return func(p *Prober) { p.streamer = s } }
func WithLogger(l logx.Logger) Option {
	return func(p *Prober) { p.log = l }
}

func New(opts ...Option) *Prober {
	p := &Prober{
		attempts:     DefaultAttempts,
		timeout:      DefaultTimeout,
		pause:        DefaultPause,
		speedTimeout: DefaultSpeedTimeout,
		dialer:       &net.Dialer{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "probe"))
	return p
}

// MeasureLatency makes up to attempts sequential TCP connects to host:port and
// returns the mean connect time in milliseconds over the successful ones, or
// nil when none succeeded. The pause separates attempts whatever their
// outcome. A done ctx stops further attempts.
func (p *Prober) MeasureLatency(ctx context.Context, host string, port int) *float64 {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var (
		sum float64
		ok  int
	)
	for i := 0; i < p.attempts; i++ {
		if i > 0 && !sleep(ctx, p.pause) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if ms, err := p.connect(ctx, addr); err == nil {
			sum += ms
			ok++
		} else {
			p.log.Trace("connect failed", logx.String("addr", addr), logx.Err(err))
		}
	}
	if ok == 0 {
		return nil
	}
	mean := sum / float64(ok)
	return &mean
}

func (p *Prober) connect(ctx context.Context, addr string) (float64, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	conn, err := p.dialer.DialContext(cctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return float64(elapsed) / float64(time.Millisecond), nil
}

// SpeedResult pairs a latency sample with a throughput sample in MB/s
// (1 MB = 1024*1024 bytes).
type SpeedResult struct {
	LatencyMs *float64 `json:"latency_ms,omitempty"`
	SpeedMBps *float64 `json:"speed_mb_s,omitempty"`
}

// MeasureSpeed takes a latency sample of host:port, then downloads testURL
// (through proxy when set) until downloadBytes were read or the body ends.
// Any download failure leaves SpeedMBps nil and keeps the latency sample.
func (p *Prober) MeasureSpeed(ctx context.Context, host string, port int, testURL string, downloadBytes int64, proxy string) SpeedResult {
	res := SpeedResult{LatencyMs: p.MeasureLatency(ctx, host, port)}
	if p.streamer == nil || testURL == "" || downloadBytes <= 0 {
		return res
	}
	mbps, err := p.download(ctx, testURL, downloadBytes, proxy)
	if err != nil {
		p.log.Debug("speed sample dropped", logx.String("url", testURL), logx.Err(err))
		return res
	}
	res.SpeedMBps = &mbps
	return res
}

var errNoSample = errors.New("no bytes or no elapsed time")

func (p *Prober) download(ctx context.Context, url string, limit int64, proxy string) (float64, error) {
	start := time.Now()
	body, err := p.streamer.Stream(ctx, url, proxy, p.speedTimeout)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	buf := make([]byte, 32<<10)
	var read int64
	for read < limit {
		n, err := body.Read(buf)
		read += int64(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	secs := time.Since(start).Seconds()
	if read == 0 || secs <= 0 {
		return 0, errNoSample
	}
	return float64(read) / bytesPerMB / secs, nil
}

// sleep waits d or until ctx is done; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
