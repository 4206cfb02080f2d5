package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resolved holds the parsed durations of a Config. Zero means "use the
// component default".
type Resolved struct {
	BusyTimeout     time.Duration
	ProfileTimeout  time.Duration
	ResourceTimeout time.Duration
	ProbeTimeout    time.Duration
	ProbePause      time.Duration
	SpeedTimeout    time.Duration
	OpsRead         time.Duration
	OpsWrite        time.Duration
	OpsIdle         time.Duration
	ShutdownGrace   time.Duration
}

type durationField struct {
	path string
	raw  func(*Config) string
	dst  func(*Resolved) *time.Duration
	def  time.Duration
}

var durationFields = []durationField{
	{path: "storage.busy_timeout", raw: func(c *Config) string { return c.Storage.BusyTimeout }, dst: func(r *Resolved) *time.Duration { return &r.BusyTimeout }},
	{path: "sync.profile_timeout", raw: func(c *Config) string { return c.Sync.ProfileTimeout }, dst: func(r *Resolved) *time.Duration { return &r.ProfileTimeout }},
	{path: "sync.resource_timeout", raw: func(c *Config) string { return c.Sync.ResourceTimeout }, dst: func(r *Resolved) *time.Duration { return &r.ResourceTimeout }},
	{path: "telemetry.probe_timeout", raw: func(c *Config) string { return c.Telemetry.ProbeTimeout }, dst: func(r *Resolved) *time.Duration { return &r.ProbeTimeout }},
	{path: "telemetry.probe_pause", raw: func(c *Config) string { return c.Telemetry.ProbePause }, dst: func(r *Resolved) *time.Duration { return &r.ProbePause }},
	{path: "telemetry.speed_timeout", raw: func(c *Config) string { return c.Telemetry.SpeedTimeout }, dst: func(r *Resolved) *time.Duration { return &r.SpeedTimeout }},
	{path: "ops.read_timeout", raw: func(c *Config) string { return c.Ops.ReadTimeout }, dst: func(r *Resolved) *time.Duration { return &r.OpsRead }},
	{path: "ops.write_timeout", raw: func(c *Config) string { return c.Ops.WriteTimeout }, dst: func(r *Resolved) *time.Duration { return &r.OpsWrite }},
	{path: "ops.idle_timeout", raw: func(c *Config) string { return c.Ops.IdleTimeout }, dst: func(r *Resolved) *time.Duration { return &r.OpsIdle }},
	{path: "shutdown_grace", raw: func(c *Config) string { return c.ShutdownGrace }, dst: func(r *Resolved) *time.Duration { return &r.ShutdownGrace }, def: DefaultShutdownGrace},
}

// Resolve parses every duration field and reports all bad ones at once.
func (c *Config) Resolve() (Resolved, error) {
	var (
		r    Resolved
		errs []error
	)
	for _, f := range durationFields {
		d, err := parseDuration(f.raw(c))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.path, err))
			continue
		}
		if d == 0 {
			d = f.def
		}
		*f.dst(&r) = d
	}
	return r, errors.Join(errs...)
}

// parseDuration reads a Go duration string. A bare integer counts seconds.
func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(secs) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", raw)
	}
	return d, nil
}
