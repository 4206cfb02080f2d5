// Package syncer refreshes config profiles and geo resources from their
// remote sources.
//
// A refresh of one entity is coalesced with any concurrent refresh of the
// same entity (scheduler tick vs. an on-demand request), so a source is never
// fetched twice at once by this process.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"veactl/internal/eventbus"
	"veactl/internal/fetch"
	logx "veactl/pkg/logx"
)

const (
	DefaultProfileTimeout  = 20 * time.Second
	DefaultResourceTimeout = 30 * time.Second
)

// ErrNoSource is wrapped by the SyncError of an entity without a source URL.
var ErrNoSource = errors.New("no source url")

// SyncError is a recoverable refresh failure of one entity. The scheduler
// logs it and retries at the next interval.
type SyncError struct {
	Kind string // "profile" | "resource"
	ID   int64
	URL  string
	Err  error
}

func (e *SyncError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("sync %s %d: %v", e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("sync %s %d from %s: %v", e.Kind, e.ID, e.URL, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Fetcher is the slice of *fetch.Fetcher the syncers use.
type Fetcher interface {
	Get(ctx context.Context, url string, timeout time.Duration) (*fetch.Response, error)
}

type options struct {
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
	timeout time.Duration
}

type Option func(*options)

func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(o *options) { o.bus = b } }

// WithClock sets the source of LastSyncedAt and NextDueAt stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTimeout bounds each fetch. Non-positive keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func buildOptions(comp string, timeout time.Duration, opts []Option) options {
	o := options{now: time.Now, timeout: timeout}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	o.log = o.log.With(logx.String("comp", comp))
	if o.bus == nil {
		o.bus = eventbus.Nop()
	}
	return o
}

func (o options) clock() time.Time { return o.now().UTC() }

func (o options) publish(typ string, out eventbus.SyncOutcome) {
	o.bus.Publish(eventbus.Event{Type: typ, Time: o.clock(), Data: out})
}

// joinRetries bounds how often a caller re-runs a refresh whose shared flight
// was cancelled by another caller.
const joinRetries = 2

// coalesce runs fn once per key across concurrent callers. The flight runs on
// the context of the caller that started it. A live caller that joined a
// flight cancelled by its owner retries on its own context.
func coalesce[T any](ctx context.Context, g *singleflight.Group, key string, log logx.Logger, fn func(context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		v, err, shared := g.Do(key, func() (any, error) { return fn(ctx) })
		if err != nil {
			if shared && attempt < joinRetries && ctx.Err() == nil && errors.Is(err, context.Canceled) {
				log.Debug("joined refresh cancelled by its owner; retrying", logx.String("key", key))
				continue
			}
			var zero T
			return zero, err
		}
		if shared {
			log.Debug("refresh coalesced", logx.String("key", key))
		}
		return v.(T), nil
	}
}
