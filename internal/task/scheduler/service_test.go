package scheduler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"veactl/internal/fetch"
	"veactl/internal/model"
	"veactl/internal/runtime/supervisor"
	"veactl/internal/storage"
	"veactl/internal/syncer"
	logx "veactl/pkg/logx"
)

type fixture struct {
	svc *Service
	st  storage.Store
	url string
}

func newFixture(t *testing.T, now time.Time, handler http.HandlerFunc) fixture {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := fetch.New(fetch.Config{}, logx.Nop())
	clock := syncer.WithClock(func() time.Time { return now })
	ps := syncer.NewProfileSyncer(st, f, nil, clock)
	rs := syncer.NewResourceSyncer(st, f, clock)
	svc, err := New(Config{ProfilePoll: "20ms", ResourcePoll: "20ms"}, ps, rs, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return fixture{svc: svc, st: st, url: srv.URL}
}

func TestRefreshDueProfilesEndToEnd(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fx := newFixture(t, now, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "proxies: []")
	})

	ctx := context.Background()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	mk := func(name, path string, interval int, due *time.Time) *model.ConfigProfile {
		p, err := fx.st.CreateProfile(ctx, &model.ConfigProfile{
			Name: name, Format: model.FormatClash, SourceURL: fx.url + path,
			AutoUpdate: true, UpdateIntervalMinutes: interval, NextDueAt: due,
		})
		if err != nil {
			t.Fatal(err)
		}
		return p
	}
	ok := mk("ok", "/ok", 60, &past)
	down := mk("down", "/down", 10, &past)
	later := mk("later", "/ok", 60, &future)

	got, err := fx.svc.RefreshDueProfiles(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{ok.ID}; !reflect.DeepEqual(got, want) {
		t.Fatalf("refreshed = %v, want %v", got, want)
	}

	p, _ := fx.st.GetProfile(ctx, ok.ID)
	if p.LastSyncedAt == nil || !p.NextDueAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("ok profile after pass: %+v", p)
	}
	d, _ := fx.st.GetProfile(ctx, down.ID)
	if d.LastSyncedAt != nil || !d.NextDueAt.Equal(now.Add(10*time.Minute)) {
		t.Fatalf("failing profile must be rescheduled without sync stamp: %+v", d)
	}
	l, _ := fx.st.GetProfile(ctx, later.ID)
	if l.LastSyncedAt != nil || !l.NextDueAt.Equal(future) {
		t.Fatalf("not-due profile touched: %+v", l)
	}

	// Nothing is due immediately after the pass.
	again, err := fx.svc.RefreshDueProfiles(ctx, now)
	if err != nil || len(again) != 0 {
		t.Fatalf("second pass = %v, %v", again, err)
	}
}

func TestRefreshDueResourcesEndToEnd(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fx := newFixture(t, now, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "geo")
	})
	ctx := context.Background()
	past := now.Add(-time.Hour)
	g, _ := fx.st.CreateResource(ctx, &model.GeoResource{Name: "geoip", SourceURL: fx.url, AutoUpdate: true, NextDueAt: &past})

	got, err := fx.svc.RefreshDueResources(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != g.ID {
		t.Fatalf("refreshed = %v", got)
	}
	r, _ := fx.st.GetResource(ctx, g.ID)
	if r.Checksum == nil || !r.NextDueAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("resource after pass: %+v", r)
	}
}

func TestServiceApplyRejectsBadCadence(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Now(), func(http.ResponseWriter, *http.Request) {})
	if err := fx.svc.Apply(Config{ProfilePoll: "sometimes"}); err == nil {
		t.Fatal("expected error")
	}
	if got := fx.svc.Snapshot().Loops[0].Cadence; got != "20ms" {
		t.Fatalf("cadence changed after rejected apply: %q", got)
	}
	if err := fx.svc.Apply(Config{ProfilePoll: "*/10 * * * * *"}); err != nil {
		t.Fatal(err)
	}
	if got := fx.svc.Snapshot().Loops[0].Cadence; got != "*/10 * * * * *" {
		t.Fatalf("cadence = %q", got)
	}
	if got := fx.svc.Snapshot().Loops[1].Cadence; got != "1h0m0s" {
		t.Fatalf("resource cadence default = %q", got)
	}
}

func TestServiceStartRunsLoops(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, time.Now(), func(http.ResponseWriter, *http.Request) {})
	sup := supervisor.NewSupervisor(context.Background())
	fx.svc.Start(sup)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := fx.svc.Snapshot()
		if snap.Loops[0].Ticks >= 2 && snap.Loops[1].Ticks >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, l := range fx.svc.Snapshot().Loops {
		if l.Ticks < 2 {
			t.Fatalf("loop %s ticked %d times", l.Name, l.Ticks)
		}
		if l.NextAt.IsZero() {
			t.Fatalf("loop %s has no next tick time", l.Name)
		}
	}
}

func TestShutdownMidRefreshKeepsResourceDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fx := newFixture(t, now, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(300 * time.Millisecond):
			_, _ = io.WriteString(w, "geo")
		}
	})
	bg := context.Background()
	due := now.Add(-time.Minute)
	g, err := fx.st.CreateResource(bg, &model.GeoResource{
		Name: "geosite", SourceURL: fx.url, AutoUpdate: true,
		UpdateIntervalMinutes: 10080, NextDueAt: &due,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)
	ids, err := fx.svc.RefreshDueResources(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("refreshed = %v", ids)
	}
	r, _ := fx.st.GetResource(bg, g.ID)
	if r.LastSyncedAt != nil || r.Checksum != nil {
		t.Fatalf("interrupted refresh stored a sync: %+v", r)
	}
	if r.NextDueAt == nil || !r.NextDueAt.Equal(due) {
		t.Fatalf("next due = %v, want %v", r.NextDueAt, due)
	}
}
