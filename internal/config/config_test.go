package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "veactl.json")
	yamlPath := filepath.Join(dir, "veactl.yaml")
	writeFile(t, jsonPath, `{"sync":{"profile_poll":"30s","fetch_rate_per_sec":2},"storage":{"driver":"memory"}}`)
	writeFile(t, yamlPath, "sync:\n  profile_poll: 30s\n  fetch_rate_per_sec: 2\nstorage:\n  driver: memory\n")

	j, err := NewConfigManager(jsonPath).Load()
	if err != nil {
		t.Fatal(err)
	}
	y, err := NewConfigManager(yamlPath).Load()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(j, y) {
		t.Fatalf("json %+v != yaml %+v", j, y)
	}
	if j.Sync.ProfilePoll != "30s" || j.Logging.Level != "info" || !j.Logging.Console {
		t.Fatalf("defaults not merged: %+v", j)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body string
	}{
		{name: "unknown field", file: "c.json", body: `{"webhook":{}}`},
		{name: "trailing data", file: "c.json", body: `{} {}`},
		{name: "bad yaml", file: "c.yml", body: "sync: [\n"},
		{name: "unknown nested", file: "c.yaml", body: "ops:\n  port: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.body)
			if _, err := NewConfigManager(path).Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMissingFileIsDefault(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	m.SetOverride(func(c *Config) { c.Storage.Path = "/tmp/override.db" })
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/tmp/override.db" {
		t.Fatalf("cfg = %+v", cfg.Storage)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{name: "default", mut: func(*Config) {}, ok: true},
		{name: "cron poll", mut: func(c *Config) { c.Sync.ProfilePoll = "*/5 * * * *" }, ok: true},
		{name: "bad poll", mut: func(c *Config) { c.Sync.ResourcePoll = "often" }},
		{name: "bad uplink", mut: func(c *Config) { c.Telemetry.UplinkSchedule = "x" }},
		{name: "bad duration", mut: func(c *Config) { c.Sync.ProfileTimeout = "soon" }},
		{name: "negative duration", mut: func(c *Config) { c.Ops.IdleTimeout = "-1s" }},
		{name: "bad driver", mut: func(c *Config) { c.Storage.Driver = "postgres" }},
		{name: "exposed ops", mut: func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:7070"} }},
		{name: "exposed ops with token", mut: func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:7070", Token: "s"} }, ok: true},
		{name: "exposed ops insecure", mut: func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: ":7070", AllowInsecure: true} }, ok: true},
		{name: "localhost ops", mut: func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: "localhost:1"} }, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Default()
			tt.mut(c)
			if err := c.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, ok want %v", err, tt.ok)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	c := Default()
	c.Sync.ProfileTimeout = "15s"
	c.Telemetry.ProbePause = "0s"
	r, err := c.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if r.ProfileTimeout != 15*time.Second || r.ProbePause != 0 || r.ShutdownGrace != DefaultShutdownGrace {
		t.Fatalf("resolved = %+v", r)
	}

	c.Ops.ReadTimeout = " 30 "
	c.ShutdownGrace = "2m"
	if r, err = c.Resolve(); err != nil {
		t.Fatal(err)
	}
	if r.OpsRead != 30*time.Second || r.ShutdownGrace != 2*time.Minute {
		t.Fatalf("bare seconds = %+v", r)
	}

	c.Ops.WriteTimeout = "-5"
	c.Storage.BusyTimeout = "later"
	_, err = c.Resolve()
	if err == nil || !strings.Contains(err.Error(), "ops.write_timeout") || !strings.Contains(err.Error(), "storage.busy_timeout") {
		t.Fatalf("want both fields reported, got %v", err)
	}
}

func TestReloadSkipsUnchangedAndInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "c.json")
	writeFile(t, path, `{"sync":{"profile_poll":"30s"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)

	if ok, err := m.Reload(); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}
	writeFile(t, path, `{"sync":{"profile_poll":"never"}}`)
	if ok, err := m.Reload(); ok || err == nil {
		t.Fatalf("invalid reload = %v, %v", ok, err)
	}
	if m.Get().Sync.ProfilePoll != "30s" {
		t.Fatal("invalid config committed")
	}
	writeFile(t, path, `{"sync":{"profile_poll":"45s"}}`)
	if ok, err := m.Reload(); !ok || err != nil {
		t.Fatalf("reload = %v, %v", ok, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Sync.ProfilePoll != "45s" {
			t.Fatalf("published %+v", cfg.Sync)
		}
	default:
		t.Fatal("nothing published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := Default(), Default()
	b.Logging.Level = "debug"
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatal("slow subscriber did not get the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
}

func TestWatchPublishesOnWrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "c.yaml")
	writeFile(t, path, "logging:\n  level: info\n")
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	// Rewrite until the watcher is up and has seen a write.
	for {
		writeFile(t, path, "logging:\n  level: debug\n")
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published %+v", cfg.Logging)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Sync.ProfilePoll = "2m"
	b.Ops.Token = "secret-token"
	b.Storage.Path = "/var/lib/veactl.db"

	changed, attrs := SummarizeConfigChange(a, b)
	if want := []string{"ops", "storage", "sync"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := NeedsRestart(changed); !reflect.DeepEqual(got, []string{"storage"}) {
		t.Fatalf("restart = %v", got)
	}
	if changed, _ := SummarizeConfigChange(a, Default()); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()
	c := Default()
	c.Sync.ProfileTimeout = "x"
	c.Storage.Driver = "nope"
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || !strings.Contains(err.Error(), "storage.driver") {
		t.Fatalf("err = %v", err)
	}
}
