package speedtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoServers   = errors.New("no speedtest servers available")
	ErrAllPingFail = errors.New("all latency tests failed")
	ErrAllFullFail = errors.New("full test failed for all servers")
)

// Runner executes uplink speedtests. Runs are serialized.
type Runner struct {
	cfg Config
	mu  sync.Mutex
}

func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg.withDefaults()}
}

// Run picks the nearest candidates, pings them, and runs full tests on the
// fastest ones. The result averages the full tests and names the best server.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.cfg
	ctx, cancel := context.WithCancel(ctx)
	start := time.Now()

	hc, tr := newHTTPClient(cfg)
	// A private client instance; the package-level helpers keep global state.
	stc := st.New(
		st.WithUserConfig(&st.UserConfig{SavingMode: cfg.SavingMode, MaxConnections: cfg.MaxConnections}),
		st.WithDoer(hc),
	)
	stc.SetNThread(cfg.MaxConnections)
	defer func() {
		cancel()
		stc.Snapshots().Clean()
		stc.Reset()
		tr.CloseIdleConnections()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	candidates := nearest(servers, cfg.Candidates)
	if len(candidates) == 0 {
		return nil, ErrNoServers
	}

	pinged := pingAll(ctx, candidates, cfg.PingConcurrency)
	if len(pinged) == 0 {
		return nil, ErrAllPingFail
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })

	var full []measurement
	for _, s := range pinged[:min(cfg.FullTests, len(pinged))] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.DownloadTestContext(ctx); err != nil {
			continue
		}
		if err := s.UploadTestContext(ctx); err != nil {
			continue
		}
		full = append(full, measurement{
			server:   s.Sponsor,
			country:  s.Country,
			download: s.DLSpeed.Mbps(),
			upload:   s.ULSpeed.Mbps(),
			ping:     s.Latency,
			jitter:   s.Jitter,
		})
		stc.Snapshots().Clean()
		stc.Reset()
	}
	if len(full) == 0 {
		return nil, ErrAllFullFail
	}

	res := summarize(full)
	res.At = time.Now().UTC()
	res.ISP = user.Isp
	res.Took = time.Since(start)
	res.Candidates = len(candidates)
	res.FullTests = len(full)
	return res, nil
}

func nearest(servers st.Servers, n int) []*st.Server {
	out := make([]*st.Server, len(servers))
	copy(out, servers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out[:min(n, len(out))]
}

// pingAll pings servers concurrently and keeps the ones that answered.
func pingAll(ctx context.Context, servers []*st.Server, limit int) []*st.Server {
	ok := make([]bool, len(servers))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, s := range servers {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := s.PingTestContext(ctx, nil); err == nil && s.Latency > 0 {
				ok[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*st.Server, 0, len(servers))
	for i, s := range servers {
		if ok[i] {
			out = append(out, s)
		}
	}
	return out
}

type measurement struct {
	server   string
	country  string
	download float64
	upload   float64
	ping     time.Duration
	jitter   time.Duration
}

// summarize averages the measurements and reports the best server: lowest
// ping, then highest download.
func summarize(ms []measurement) *Result {
	var (
		dl, ul float64
		ping   time.Duration
	)
	best := 0
	for i, m := range ms {
		dl += m.download
		ul += m.upload
		ping += m.ping
		b := ms[best]
		if m.ping < b.ping || (m.ping == b.ping && m.download > b.download) {
			best = i
		}
	}
	n := float64(len(ms))
	avgPing := ping / time.Duration(len(ms))
	jitter := float64(ms[best].jitter) / float64(time.Millisecond)
	if jitter <= 0 {
		jitter = max(0.1, float64(avgPing)/float64(time.Millisecond)*0.1)
	}
	return &Result{
		DownloadMbps:  dl / n,
		UploadMbps:    ul / n,
		PingMs:        float64(avgPing) / float64(time.Millisecond),
		JitterMs:      jitter,
		ServerName:    ms[best].server,
		ServerCountry: ms[best].country,
	}
}

func newHTTPClient(cfg Config) (*http.Client, *http.Transport) {
	d := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   max(cfg.MaxConnections, 2),
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr}, tr
}
