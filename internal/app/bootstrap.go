package app

import (
	"strings"

	"veactl/internal/config"
	"veactl/internal/eventbus"
	"veactl/internal/fetch"
	"veactl/internal/observability/ops"
	"veactl/internal/probe"
	"veactl/internal/storage"
	"veactl/internal/task/scheduler"
	"veactl/internal/telemetry"
	logx "veactl/pkg/logx"
	"veactl/pkg/speedtest"
)

func mapStorageConfig(cfg *config.Config, res config.Resolved) storage.Config {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "sqlite3" {
		driver = "sqlite"
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: res.BusyTimeout,
	}
}

func mapFetchConfig(cfg *config.Config) fetch.Config {
	return fetch.Config{
		UserAgent:    cfg.Sync.UserAgent,
		RatePerSec:   cfg.Sync.FetchRatePerSec,
		MaxBodyBytes: cfg.Sync.MaxBodyBytes,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		ProfilePoll:  cfg.Sync.ProfilePoll,
		ResourcePoll: cfg.Sync.ResourcePoll,
	}
}

func mapOpsConfig(cfg *config.Config, res config.Resolved) ops.Config {
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.OpsAddr(),
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
		ReadTimeout:   res.OpsRead,
		WriteTimeout:  res.OpsWrite,
		IdleTimeout:   res.OpsIdle,
	}
}

func mapProbeOptions(cfg *config.Config, res config.Resolved, f *fetch.Fetcher, log logx.Logger) []probe.Option {
	opts := []probe.Option{
		probe.WithAttempts(cfg.Telemetry.ProbeAttempts),
		probe.WithTimeout(res.ProbeTimeout),
		probe.WithSpeedTimeout(res.SpeedTimeout),
		probe.WithStreamer(f),
		probe.WithLogger(log),
	}
	// "0s" disables the pause; an empty value keeps the default.
	if strings.TrimSpace(cfg.Telemetry.ProbePause) != "" {
		opts = append(opts, probe.WithPause(res.ProbePause))
	}
	return opts
}

// newTelemetry builds the latency prober and, when scheduled, the uplink
// runner. The uplink stays available on demand even without a schedule.
func newTelemetry(cfg *config.Config, res config.Resolved, store storage.Store, f *fetch.Fetcher, bus eventbus.Bus, log logx.Logger) (*telemetry.Prober, error) {
	runner := speedtest.NewRunner(speedtest.Config{Candidates: cfg.Telemetry.UplinkServers})
	return telemetry.New(store, probe.New(mapProbeOptions(cfg, res, f, log)...),
		telemetry.WithLogger(log),
		telemetry.WithBus(bus),
		telemetry.WithUplink(runner, strings.TrimSpace(cfg.Telemetry.UplinkSchedule)),
	)
}
