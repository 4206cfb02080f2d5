package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"veactl/internal/task/scheduler"
	logx "veactl/pkg/logx"
)

// Config is the service configuration file (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "1m") or bare seconds. Poll
// cadences also accept cron expressions, "@every" and "HH:MM".
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Sync      SyncConfig      `json:"sync"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Ops       OpsConfig       `json:"ops"`

	// ShutdownGrace bounds how long Stop waits for loops to unwind.
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors WARN+ lines to stderr as compact JSON, rate limited.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./veactl.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SyncConfig struct {
	ProfilePoll     string  `json:"profile_poll,omitempty"`  // default "60s"
	ResourcePoll    string  `json:"resource_poll,omitempty"` // default "1h"
	ProfileTimeout  string  `json:"profile_timeout,omitempty"`
	ResourceTimeout string  `json:"resource_timeout,omitempty"`
	FetchRatePerSec float64 `json:"fetch_rate_per_sec,omitempty"`
	UserAgent       string  `json:"user_agent,omitempty"`
	MaxBodyBytes    int64   `json:"max_body_bytes,omitempty"`
}

// TelemetryConfig tunes the probe. The latency cadence and the on/off switch
// of the latency loop live in the stored settings, not here.
type TelemetryConfig struct {
	// Enabled is a pointer so an omitted section keeps the loop on.
	Enabled       *bool  `json:"enabled,omitempty"`
	ProbeAttempts int    `json:"probe_attempts,omitempty"`
	ProbeTimeout  string `json:"probe_timeout,omitempty"`
	ProbePause    string `json:"probe_pause,omitempty"`
	SpeedTimeout  string `json:"speed_timeout,omitempty"`

	// UplinkSchedule runs the host baseline speedtest; empty disables it.
	UplinkSchedule string `json:"uplink_schedule,omitempty"`
	UplinkServers  int    `json:"uplink_servers,omitempty"`
}

func (t TelemetryConfig) On() bool { return t.Enabled == nil || *t.Enabled }

// OpsConfig controls the local HTTP API.
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:7070").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

const (
	DefaultOpsAddr       = "127.0.0.1:7070"
	DefaultShutdownGrace = 10 * time.Second
)

// Default is the config used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./veactl.db"},
	}
}

func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}
}

// Validate checks everything a reload must not commit.
func (c *Config) Validate() error {
	_, err := c.Resolve()
	errs := []error{err}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory", "mem":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	for path, raw := range map[string]string{
		"sync.profile_poll":         c.Sync.ProfilePoll,
		"sync.resource_poll":        c.Sync.ResourcePoll,
		"telemetry.uplink_schedule": c.Telemetry.UplinkSchedule,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	if c.Sync.FetchRatePerSec < 0 {
		errs = append(errs, errors.New("sync.fetch_rate_per_sec: must be >= 0"))
	}
	if c.Sync.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("sync.max_body_bytes: must be >= 0"))
	}
	if c.Telemetry.ProbeAttempts < 0 || c.Telemetry.UplinkServers < 0 {
		errs = append(errs, errors.New("telemetry: counts must be >= 0"))
	}
	if c.Ops.Enabled {
		if err := c.Ops.checkExposure(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpsAddr returns the configured address or the loopback default.
func (o OpsConfig) OpsAddr() string {
	if a := strings.TrimSpace(o.Addr); a != "" {
		return a
	}
	return DefaultOpsAddr
}

func (o OpsConfig) checkExposure() error {
	host, _, err := net.SplitHostPort(o.OpsAddr())
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if isLoopback(host) || strings.TrimSpace(o.Token) != "" || o.AllowInsecure {
		return nil
	}
	return fmt.Errorf("ops.addr %q is not loopback: set ops.token or ops.allow_insecure", o.OpsAddr())
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
