package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	logx "veactl/pkg/logx"
)

type fakeItem struct {
	id       int64
	interval time.Duration
	due      time.Time
}

// fakeSource keeps items in memory and records every call.
type fakeSource struct {
	mu        sync.Mutex
	items     map[int64]*fakeItem
	clock     time.Time
	failing   map[int64]error
	panicking map[int64]bool
	listErr   error
	order     []int64
	// cancelAt cancels the tick from inside the refresh of that id.
	cancelAt map[int64]context.CancelFunc
}

func newFakeSource(now time.Time, items ...*fakeItem) *fakeSource {
	f := &fakeSource{items: map[int64]*fakeItem{}, clock: now, failing: map[int64]error{}, panicking: map[int64]bool{}}
	for _, it := range items {
		f.items[it.id] = it
	}
	return f
}

func (f *fakeSource) Kind() string   { return "fake" }
func (f *fakeSource) Now() time.Time { return f.clock }

func (f *fakeSource) Key(it *fakeItem) int64 { return it.id }

func (f *fakeSource) ListDue(_ context.Context, now time.Time) ([]*fakeItem, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// Unordered on purpose; RefreshDue must sort.
	var out []*fakeItem
	for _, it := range f.items {
		if !it.due.After(now) {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSource) Refresh(_ context.Context, it *fakeItem) error {
	f.mu.Lock()
	f.order = append(f.order, it.id)
	f.mu.Unlock()
	if f.panicking[it.id] {
		panic("boom")
	}
	if cancel := f.cancelAt[it.id]; cancel != nil {
		cancel()
		return fmt.Errorf("fetch: %w", context.Canceled)
	}
	if err := f.failing[it.id]; err != nil {
		return err
	}
	f.mu.Lock()
	f.items[it.id].due = f.clock.Add(it.interval)
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) Reschedule(_ context.Context, it *fakeItem, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.items[it.id]; ok {
		cur.due = now.Add(it.interval)
	}
	return nil
}

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRefreshDueOrderAndContainment(t *testing.T) {
	t.Parallel()
	src := newFakeSource(base,
		&fakeItem{id: 3, interval: time.Hour, due: base.Add(-time.Minute)},
		&fakeItem{id: 1, interval: time.Hour, due: base.Add(-time.Hour)},
		&fakeItem{id: 2, interval: 30 * time.Minute, due: base},
		&fakeItem{id: 4, interval: time.Hour, due: base.Add(-time.Second)},
		&fakeItem{id: 5, interval: time.Hour, due: base.Add(time.Second)}, // not due
	)
	src.failing[2] = errors.New("upstream 503")
	src.panicking[4] = true

	got, err := RefreshDue[*fakeItem](context.Background(), src, base, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{1, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("refreshed = %v, want %v", got, want)
	}
	if want := []int64{1, 2, 3, 4}; !reflect.DeepEqual(src.order, want) {
		t.Fatalf("processing order = %v, want %v", src.order, want)
	}
	// Failed and panicking items are rescheduled exactly one interval out.
	if d := src.items[2].due; !d.Equal(base.Add(30 * time.Minute)) {
		t.Fatalf("failed item due = %v", d)
	}
	if d := src.items[4].due; !d.Equal(base.Add(time.Hour)) {
		t.Fatalf("panicking item due = %v", d)
	}
	if d := src.items[5].due; !d.Equal(base.Add(time.Second)) {
		t.Fatalf("not-due item touched: %v", d)
	}
}

func TestRefreshDueFlatRetry(t *testing.T) {
	t.Parallel()
	src := newFakeSource(base, &fakeItem{id: 1, interval: time.Hour, due: base})
	src.failing[1] = errors.New("always down")

	// A persistently failing item is attempted at most once per interval.
	attempts := 0
	for step := 0; step <= 180; step++ {
		now := base.Add(time.Duration(step) * time.Minute)
		src.clock = now
		before := len(src.order)
		if _, err := RefreshDue[*fakeItem](context.Background(), src, now, logx.Nop()); err != nil {
			t.Fatal(err)
		}
		attempts += len(src.order) - before
	}
	if attempts != 4 { // t=0, 60, 120, 180
		t.Fatalf("attempts = %d, want 4", attempts)
	}
}

func TestRefreshDueListError(t *testing.T) {
	t.Parallel()
	src := newFakeSource(base)
	src.listErr = errors.New("db locked")
	if _, err := RefreshDue[*fakeItem](context.Background(), src, base, logx.Nop()); err == nil {
		t.Fatal("expected list error")
	}
}

func TestRefreshDueStopsOnCancel(t *testing.T) {
	t.Parallel()
	src := newFakeSource(base,
		&fakeItem{id: 1, interval: time.Hour, due: base},
		&fakeItem{id: 2, interval: time.Hour, due: base},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := RefreshDue[*fakeItem](ctx, src, base, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 || len(src.order) != 0 {
		t.Fatalf("cancelled pass processed %v", src.order)
	}
	if !src.items[1].due.Equal(base) {
		t.Fatal("unprocessed item must stay due")
	}
}

func TestRefreshDueLeavesInterruptedEntityDue(t *testing.T) {
	t.Parallel()
	src := newFakeSource(base,
		&fakeItem{id: 1, interval: time.Hour, due: base.Add(-time.Minute)},
		&fakeItem{id: 2, interval: 7 * 24 * time.Hour, due: base.Add(-time.Minute)},
		&fakeItem{id: 3, interval: time.Hour, due: base.Add(-time.Minute)},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.cancelAt = map[int64]context.CancelFunc{2: cancel}

	got, err := RefreshDue[*fakeItem](ctx, src, base, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{1}; !reflect.DeepEqual(got, want) {
		t.Fatalf("refreshed = %v, want %v", got, want)
	}
	if want := []int64{1, 2}; !reflect.DeepEqual(src.order, want) {
		t.Fatalf("processing order = %v, want %v", src.order, want)
	}
	if d := src.items[2].due; !d.Equal(base.Add(-time.Minute)) {
		t.Fatalf("interrupted item moved to %v", d)
	}
	if d := src.items[3].due; !d.Equal(base.Add(-time.Minute)) {
		t.Fatalf("unprocessed item moved to %v", d)
	}
}

func TestRefreshDueCanceledErrorOnLiveTickContinues(t *testing.T) {
	t.Parallel()
	src := newFakeSource(base,
		&fakeItem{id: 1, interval: time.Hour, due: base},
		&fakeItem{id: 2, interval: time.Hour, due: base},
	)
	src.failing[1] = fmt.Errorf("shared flight: %w", context.Canceled)

	got, err := RefreshDue[*fakeItem](context.Background(), src, base, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{2}; !reflect.DeepEqual(got, want) {
		t.Fatalf("refreshed = %v, want %v", got, want)
	}
	if d := src.items[1].due; !d.Equal(base) {
		t.Fatalf("canceled item rescheduled to %v", d)
	}
}

func TestRunLoopTicksFirstAndRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		ticks int
		ids   []string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunLoop(ctx, "test", func(ctx context.Context) time.Duration {
			mu.Lock()
			ticks++
			n := ticks
			ids = append(ids, TickID(ctx))
			mu.Unlock()
			if n == 2 {
				panic("tick exploded")
			}
			if n >= 4 {
				cancel()
			}
			return time.Millisecond
		}, WithFallbackWait(time.Millisecond))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if ticks != 4 {
		t.Fatalf("ticks = %d, want 4", ticks)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("tick ids not unique: %v", ids)
		}
		seen[id] = true
	}
}

func TestRunLoopStopsDuringWait(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunLoop(ctx, "slow", func(context.Context) time.Duration { return time.Hour })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop ignored cancellation during wait")
	}
}
