// Package eventbus fans out sync and telemetry outcomes to in-process
// listeners (the app's debug log, the ops status counters).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	ProfileSynced      = "profile.synced"
	ProfileSyncFailed  = "profile.sync_failed"
	ResourceSynced     = "resource.synced"
	ResourceSyncFailed = "resource.sync_failed"
	TelemetryTick      = "telemetry.tick"
)

// Event is a small in-memory signal. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// SyncOutcome is the Data of the profile.* and resource.* events.
type SyncOutcome struct {
	ID    int64  `json:"id"`
	URL   string `json:"url,omitempty"`
	Bytes int    `json:"bytes,omitempty"`
	Err   string `json:"error,omitempty"`
}

// TickOutcome is the Data of telemetry.tick.
type TickOutcome struct {
	Probed  int           `json:"probed"`
	Reached int           `json:"reached"`
	Written int           `json:"written"`
	Next    time.Duration `json:"next"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything; Subscribe returns a channel that is never written.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	return make(chan Event), func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// The channel may be closed by a concurrent unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
