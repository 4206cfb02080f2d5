package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"veactl/internal/model"
	"veactl/internal/normalize"
	"veactl/internal/storage"
	logx "veactl/pkg/logx"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newCatalog(t *testing.T) (*Catalog, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clock := func() time.Time { return now }
	return New(st, WithClock(clock), WithNormalizer(normalize.New(normalize.WithClock(clock)))), st
}

func ptr[T any](v T) *T { return &v }

func meta(doc model.Document, key string) any {
	m, _ := doc["metadata"].(map[string]any)
	return m[key]
}

func TestCreateProfile(t *testing.T) {
	t.Parallel()
	c, _ := newCatalog(t)
	ctx := context.Background()

	p, err := c.CreateProfile(ctx, ProfileInput{Name: " home ", Format: "Clash", RawContent: "proxies:\n  - name: a\n"})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID == 0 || p.Name != "home" || p.Format != model.FormatClash {
		t.Fatalf("profile = %+v", p)
	}
	if p.UpdateIntervalMinutes != 60 || !p.AutoUpdate {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if p.NextDueAt == nil || !p.NextDueAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("next due = %v", p.NextDueAt)
	}
	if meta(p.Normalized, "proxy_count") != 1 {
		t.Fatalf("normalized = %v", p.Normalized)
	}

	manual, err := c.CreateProfile(ctx, ProfileInput{Name: "m", Format: "raw", RawContent: "x", AutoUpdate: ptr(false)})
	if err != nil {
		t.Fatal(err)
	}
	if manual.NextDueAt != nil {
		t.Fatal("non auto profile got a next due")
	}
}

func TestCreateProfileRejects(t *testing.T) {
	t.Parallel()
	c, _ := newCatalog(t)
	tests := []struct {
		name string
		in   ProfileInput
		want error
	}{
		{name: "empty content", in: ProfileInput{Name: "a", Format: "raw"}, want: ErrInvalid},
		{name: "no name", in: ProfileInput{Format: "raw", RawContent: "x"}, want: ErrInvalid},
		{name: "interval low", in: ProfileInput{Name: "a", Format: "raw", RawContent: "x", UpdateIntervalMinutes: 4}, want: ErrInvalid},
		{name: "interval high", in: ProfileInput{Name: "a", Format: "raw", RawContent: "x", UpdateIntervalMinutes: 1441}, want: ErrInvalid},
		{name: "bad source", in: ProfileInput{Name: "a", Format: "raw", RawContent: "x", SourceURL: "ftp://h/x"}, want: ErrInvalid},
		{name: "unknown format", in: ProfileInput{Name: "a", Format: "wireguard", RawContent: "x"}, want: normalize.ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := c.CreateProfile(context.Background(), tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUpdateProfile(t *testing.T) {
	t.Parallel()
	c, st := newCatalog(t)
	ctx := context.Background()
	p, err := c.CreateProfile(ctx, ProfileInput{Name: "a", Format: "xray-json", RawContent: `{"outbounds":[]}`})
	if err != nil {
		t.Fatal(err)
	}
	if p.LastSyncedAt != nil {
		t.Fatal("create must not stamp a sync")
	}

	// Interval change only: next due recomputed, no sync stamp.
	got, err := c.UpdateProfile(ctx, p.ID, ProfilePatch{UpdateIntervalMinutes: ptr(30)})
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSyncedAt != nil || !got.NextDueAt.Equal(now.Add(30*time.Minute)) {
		t.Fatalf("after interval patch: %+v", got)
	}

	// New raw content is re-normalized and stamped.
	got, err = c.UpdateProfile(ctx, p.ID, ProfilePatch{RawContent: ptr(`{"outbounds":[{},{}]}`)})
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(now) {
		t.Fatalf("raw change not stamped: %+v", got)
	}
	if meta(got.Normalized, "outbound_count") != 2 {
		t.Fatalf("normalized = %v", got.Normalized)
	}

	// Auto off clears next due; back on restores it.
	got, _ = c.UpdateProfile(ctx, p.ID, ProfilePatch{AutoUpdate: ptr(false)})
	if got.NextDueAt != nil {
		t.Fatal("next due kept after auto-update off")
	}
	got, _ = c.UpdateProfile(ctx, p.ID, ProfilePatch{AutoUpdate: ptr(true)})
	if got.NextDueAt == nil {
		t.Fatal("next due missing after auto-update on")
	}

	stored, _ := st.GetProfile(ctx, p.ID)
	if meta(stored.Normalized, "outbound_count") != 2 || stored.NextDueAt == nil {
		t.Fatalf("stored = %+v", stored)
	}

	if _, err := c.UpdateProfile(ctx, p.ID, ProfilePatch{UpdateIntervalMinutes: ptr(2)}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
	if _, err := c.UpdateProfile(ctx, 999, ProfilePatch{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestResources(t *testing.T) {
	t.Parallel()
	c, _ := newCatalog(t)
	ctx := context.Background()

	r, err := c.CreateResource(ctx, ResourceInput{Name: "geoip", ResourceType: "geoip", SourceURL: "https://example.com/geoip.dat"})
	if err != nil {
		t.Fatal(err)
	}
	if r.UpdateIntervalMinutes != 1440 || !r.NextDueAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("resource = %+v", r)
	}
	if _, err := c.CreateResource(ctx, ResourceInput{Name: "x", ResourceType: "geosite"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing source err = %v", err)
	}
	if _, err := c.CreateResource(ctx, ResourceInput{Name: "x", ResourceType: "geosite", SourceURL: "https://h/x", UpdateIntervalMinutes: 10}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("interval err = %v", err)
	}

	got, err := c.UpdateResource(ctx, r.ID, ResourcePatch{AutoUpdate: ptr(false)})
	if err != nil {
		t.Fatal(err)
	}
	if got.NextDueAt != nil {
		t.Fatal("next due kept after auto-update off")
	}
	got, _ = c.UpdateResource(ctx, r.ID, ResourcePatch{AutoUpdate: ptr(true), UpdateIntervalMinutes: ptr(60)})
	if !got.NextDueAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("next due = %v", got.NextDueAt)
	}
}

func TestCreateNodePort(t *testing.T) {
	t.Parallel()
	c, _ := newCatalog(t)
	for _, port := range []int{0, -1, 65536} {
		if _, err := c.CreateNode(context.Background(), NodeInput{Name: "n", Address: "h", Port: port}); !errors.Is(err, ErrInvalid) {
			t.Fatalf("port %d: err = %v", port, err)
		}
	}
	n, err := c.CreateNode(context.Background(), NodeInput{Name: "n", Address: "h", Port: 65535, Protocol: "VLESS"})
	if err != nil {
		t.Fatal(err)
	}
	if !n.Active || n.Protocol != "vless" || !n.CreatedAt.Equal(now) {
		t.Fatalf("node = %+v", n)
	}
}

func TestUpdateTelemetry(t *testing.T) {
	t.Parallel()
	c, _ := newCatalog(t)
	ctx := context.Background()

	got, err := c.UpdateTelemetry(ctx, model.TelemetryPatch{LatencyIntervalMinutes: ptr(3)})
	if err != nil {
		t.Fatal(err)
	}
	def := model.DefaultSettings().Telemetry
	if got.LatencyIntervalMinutes != 3 || got.AutoLatencyTest != def.AutoLatencyTest || got.SpeedTestURL != def.SpeedTestURL {
		t.Fatalf("merged = %+v", got)
	}
	got, _ = c.UpdateTelemetry(ctx, model.TelemetryPatch{AutoLatencyTest: ptr(false)})
	if got.LatencyIntervalMinutes != 3 || got.AutoLatencyTest {
		t.Fatalf("second merge = %+v", got)
	}

	for _, p := range []model.TelemetryPatch{
		{LatencyIntervalMinutes: ptr(0)},
		{SpeedTestBytes: ptr(int64(10))},
		{SpeedTestURL: ptr("not a url")},
	} {
		if _, err := c.UpdateTelemetry(ctx, p); !errors.Is(err, ErrInvalid) {
			t.Fatalf("patch %+v: err = %v", p, err)
		}
	}
}

func TestUpdateNodeAndUsage(t *testing.T) {
	t.Parallel()
	c, _ := newCatalog(t)
	ctx := context.Background()
	n, err := c.CreateNode(ctx, NodeInput{Name: "edge", Address: "10.0.0.1", Port: 443})
	if err != nil {
		t.Fatal(err)
	}

	proxy := model.Document{model.NodeSettingHTTPProxy: "socks5://127.0.0.1:1080"}
	got, err := c.UpdateNode(ctx, n.ID, NodePatch{Port: ptr(8443), Active: ptr(false), Settings: &proxy, Tags: ptr([]string{"eu"})})
	if err != nil {
		t.Fatal(err)
	}
	if got.Port != 8443 || got.Active || got.HTTPProxy() != "socks5://127.0.0.1:1080" || len(got.Tags) != 1 || got.Name != "edge" {
		t.Fatalf("updated = %+v", got)
	}

	for _, p := range []NodePatch{
		{Port: ptr(70000)},
		{Name: ptr("  ")},
		{TotalQuota: ptr(int64(-1))},
		{Settings: &model.Document{model.NodeSettingHTTPProxy: "ftp://h:21"}},
		{Settings: &model.Document{model.NodeSettingHTTPProxy: 3128}},
	} {
		if _, err := c.UpdateNode(ctx, n.ID, p); !errors.Is(err, ErrInvalid) {
			t.Fatalf("patch %+v: err = %v", p, err)
		}
	}
	if _, err := c.UpdateNode(ctx, 999, NodePatch{Active: ptr(true)}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing node: err = %v", err)
	}

	got, err = c.RecordUsage(ctx, n.ID, UsageInput{Upstream: 100, Downstream: 300})
	if err != nil {
		t.Fatal(err)
	}
	if got.UpstreamBytes != 100 || got.DownstreamBytes != 300 || got.Port != 8443 {
		t.Fatalf("usage = %+v", got)
	}
	if _, err := c.RecordUsage(ctx, n.ID, UsageInput{Downstream: -5}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("negative usage: err = %v", err)
	}
}

func TestRulesValidateNodeAndPriority(t *testing.T) {
	t.Parallel()
	c, _ := newCatalog(t)
	ctx := context.Background()
	n, _ := c.CreateNode(ctx, NodeInput{Name: "edge", Address: "10.0.0.1", Port: 443})

	r, err := c.CreateRule(ctx, RuleInput{Name: " video ", MatchType: "DOMAIN", MatchValue: "example.com", NodeID: n.ID})
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "video" || r.MatchType != model.MatchDomain || r.Priority != model.DefaultRulePriority {
		t.Fatalf("rule = %+v", r)
	}

	for _, in := range []RuleInput{
		{Name: "x", MatchType: "geo", MatchValue: "v", NodeID: n.ID},
		{Name: "x", MatchType: "ip", MatchValue: "", NodeID: n.ID},
		{Name: "x", MatchType: "ip", MatchValue: "v", NodeID: 999},
		{Name: "x", MatchType: "port", MatchValue: "443", NodeID: n.ID, Priority: ptr(MaxRulePriority + 1)},
	} {
		if _, err := c.CreateRule(ctx, in); !errors.Is(err, ErrInvalid) {
			t.Fatalf("input %+v: err = %v", in, err)
		}
	}

	r, err = c.UpdateRule(ctx, r.ID, RulePatch{Priority: ptr(MinRulePriority)})
	if err != nil || r.Priority != 0 {
		t.Fatalf("update = %+v, %v", r, err)
	}
	if _, err := c.UpdateRule(ctx, r.ID, RulePatch{NodeID: ptr(int64(999))}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("retarget to missing node: err = %v", err)
	}
}

func TestRoutingDefaultFollowsNodes(t *testing.T) {
	t.Parallel()
	c, _ := newCatalog(t)
	ctx := context.Background()
	n, _ := c.CreateNode(ctx, NodeInput{Name: "edge", Address: "10.0.0.1", Port: 443})

	if _, err := c.UpdateRouting(ctx, model.RoutingPatch{DefaultNodeID: ptr(int64(999))}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown default: err = %v", err)
	}
	got, err := c.UpdateRouting(ctx, model.RoutingPatch{DefaultNodeID: ptr(n.ID), Rules: ptr([]any{"final"})})
	if err != nil {
		t.Fatal(err)
	}
	if got.DefaultNodeID == nil || *got.DefaultNodeID != n.ID || len(got.Rules) != 1 {
		t.Fatalf("routing = %+v", got)
	}

	if err := c.DeleteNode(ctx, n.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = c.Routing(ctx)
	if got.DefaultNodeID != nil || len(got.Rules) != 1 {
		t.Fatalf("after delete = %+v", got)
	}

	got, _ = c.UpdateRouting(ctx, model.RoutingPatch{DefaultNodeID: ptr(int64(0))})
	if got.DefaultNodeID != nil {
		t.Fatalf("zero must clear: %+v", got)
	}
}
