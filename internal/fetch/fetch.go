// Package fetch performs the outbound HTTP GETs used by the sync engines and
// the speed probe.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	logx "veactl/pkg/logx"
)

const (
	DefaultMaxBodyBytes = 64 << 20
	DefaultUserAgent    = "veactl/1"
)

var (
	ErrEmptyURL     = errors.New("empty url")
	ErrBodyTooLarge = errors.New("response body too large")
)

// TransportError reports a failed GET: a network failure, a non-2xx status
// or an oversized body. Status is 0 when no response was received.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: http %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Config struct {
	UserAgent    string
	RatePerSec   float64 // <= 0 disables limiting
	MaxBodyBytes int64
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Fetcher struct {
	client  *http.Client
	tr      *http.Transport
	limiter *rate.Limiter
	ua      string
	maxBody int64
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(int(cfg.RatePerSec), 1))
	}
	tr := newTransport(nil)
	return &Fetcher{
		client:  &http.Client{Transport: tr},
		tr:      tr,
		limiter: lim,
		ua:      ua,
		maxBody: maxBody,
		log:     log.With(logx.String("comp", "fetch")),
	}
}

func newTransport(proxy *url.URL) *http.Transport {
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	p := http.ProxyFromEnvironment
	if proxy != nil {
		p = http.ProxyURL(proxy)
	}
	return &http.Transport{
		Proxy:                 p,
		DialContext:           d.DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// CloseIdleConnections releases pooled connections of the shared transport.
func (f *Fetcher) CloseIdleConnections() {
	if f != nil && f.tr != nil {
		f.tr.CloseIdleConnections()
	}
}

// Get reads a whole 2xx response within timeout.
func (f *Fetcher) Get(ctx context.Context, rawURL string, timeout time.Duration) (*Response, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, &TransportError{URL: rawURL, Err: ErrEmptyURL}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := f.do(ctx, f.client, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, &TransportError{URL: rawURL, Status: resp.StatusCode, Err: err}
	}
	if int64(len(body)) > f.maxBody {
		return nil, &TransportError{URL: rawURL, Status: resp.StatusCode, Err: ErrBodyTooLarge}
	}
	f.log.Debug("fetched",
		logx.String("url", rawURL),
		logx.Int("status", resp.StatusCode),
		logx.String("size", humanize.IBytes(uint64(len(body)))),
	)
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (f *Fetcher) FetchText(ctx context.Context, rawURL string, timeout time.Duration) (string, error) {
	r, err := f.Get(ctx, rawURL, timeout)
	if err != nil {
		return "", err
	}
	return string(r.Body), nil
}

func (f *Fetcher) FetchBytes(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	r, err := f.Get(ctx, rawURL, timeout)
	if err != nil {
		return nil, err
	}
	return r.Body, nil
}

// Stream opens a GET whose body is read by the caller. timeout bounds the
// whole exchange including the body read; Close releases it. An empty proxy
// uses the shared transport.
func (f *Fetcher) Stream(ctx context.Context, rawURL, proxy string, timeout time.Duration) (io.ReadCloser, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, &TransportError{URL: rawURL, Err: ErrEmptyURL}
	}
	client := f.client
	var tr *http.Transport
	if p := strings.TrimSpace(proxy); p != "" {
		pu, err := parseProxy(p)
		if err != nil {
			return nil, &TransportError{URL: rawURL, Err: err}
		}
		tr = newTransport(pu)
		client = &http.Client{Transport: tr}
	}

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	resp, err := f.do(ctx, client, rawURL)
	if err != nil {
		cancel()
		if tr != nil {
			tr.CloseIdleConnections()
		}
		return nil, err
	}
	return &streamBody{ReadCloser: resp.Body, url: rawURL, cancel: cancel, tr: tr}, nil
}

func (f *Fetcher) do(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{URL: rawURL, Err: err}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.ua)
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, &TransportError{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %q", resp.Status)}
	}
	return resp, nil
}

func parseProxy(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("proxy: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy: missing host in %q", s)
	}
	return u, nil
}

// streamBody wraps read errors as *TransportError so a mid-stream abort is
// reported the same way as a failed request.
type streamBody struct {
	io.ReadCloser
	url    string
	cancel context.CancelFunc
	tr     *http.Transport
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		return n, &TransportError{URL: b.url, Err: err}
	}
	return n, err
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	if b.tr != nil {
		b.tr.CloseIdleConnections()
	}
	return err
}
