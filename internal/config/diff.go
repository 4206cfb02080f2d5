package config

import (
	"sort"
	"strings"

	logx "veactl/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{"storage": true, "telemetry": true}

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging. The ops token is reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(o.Driver), strings.TrimSpace(n.Driver)) ||
		strings.TrimSpace(o.Path) != strings.TrimSpace(n.Path) ||
		strings.TrimSpace(o.BusyTimeout) != strings.TrimSpace(n.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Path) != ""),
		)
	}

	if oldCfg.Sync != newCfg.Sync {
		changed = append(changed, "sync")
		attrs = append(attrs,
			logx.String("sync.profile_poll", newCfg.Sync.ProfilePoll),
			logx.String("sync.resource_poll", newCfg.Sync.ResourcePoll),
			logx.Float64("sync.fetch_rate_per_sec", newCfg.Sync.FetchRatePerSec),
		)
	}

	ot, nt := oldCfg.Telemetry, newCfg.Telemetry
	if ot.On() != nt.On() ||
		ot.ProbeAttempts != nt.ProbeAttempts ||
		ot.ProbeTimeout != nt.ProbeTimeout ||
		ot.ProbePause != nt.ProbePause ||
		ot.SpeedTimeout != nt.SpeedTimeout ||
		ot.UplinkSchedule != nt.UplinkSchedule ||
		ot.UplinkServers != nt.UplinkServers {
		changed = append(changed, "telemetry")
		attrs = append(attrs,
			logx.Bool("telemetry.enabled", nt.On()),
			logx.String("telemetry.uplink_schedule", nt.UplinkSchedule),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	tokenSet := func(c OpsConfig) bool { return strings.TrimSpace(c.Token) != "" }
	oo.Token, no.Token = "", ""
	if oo != no || tokenSet(oldCfg.Ops) != tokenSet(newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", newCfg.Ops.OpsAddr()),
			logx.Bool("ops.token_set", tokenSet(newCfg.Ops)),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	if strings.TrimSpace(oldCfg.ShutdownGrace) != strings.TrimSpace(newCfg.ShutdownGrace) {
		changed = append(changed, "shutdown_grace")
		attrs = append(attrs, logx.String("shutdown_grace", newCfg.ShutdownGrace))
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart lists the changed sections a running process cannot apply.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
