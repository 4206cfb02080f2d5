package model

import "time"

const (
	DefaultLatencyIntervalMinutes = 10
	DefaultSpeedTestBytes         = 1_000_000
	DefaultSpeedTestURL           = "https://speed.cloudflare.com/__down?bytes=5000000"
)

// SystemSettings is the process-wide singleton record.
type SystemSettings struct {
	Telemetry TelemetrySettings `json:"telemetry"`
	DNS       DNSSettings       `json:"dns"`
	Routing   RoutingSettings   `json:"routing"`
}

type TelemetrySettings struct {
	AutoLatencyTest        bool   `json:"auto_latency_test"`
	LatencyIntervalMinutes int    `json:"latency_interval_minutes"`
	SpeedTestURL           string `json:"speed_test_url"`
	SpeedTestBytes         int64  `json:"speed_test_bytes"`
}

type DNSSettings struct {
	Servers  []string `json:"servers"`
	Strategy string   `json:"strategy"`
}

// RoutingSettings is the routing sub-document. Rules are opaque to veactl
// and passed through to generated configs as-is.
type RoutingSettings struct {
	DefaultNodeID *int64 `json:"default_node_id"`
	Rules         []any  `json:"rules"`
}

// RoutingPatch is a partial update. A DefaultNodeID of 0 clears the default.
type RoutingPatch struct {
	DefaultNodeID *int64 `json:"default_node_id,omitempty"`
	Rules         *[]any `json:"rules,omitempty"`
}

func (p RoutingPatch) Apply(r RoutingSettings) RoutingSettings {
	if p.DefaultNodeID != nil {
		if *p.DefaultNodeID == 0 {
			r.DefaultNodeID = nil
		} else {
			id := *p.DefaultNodeID
			r.DefaultNodeID = &id
		}
	}
	if p.Rules != nil {
		r.Rules = append([]any{}, (*p.Rules)...)
	}
	return r
}

func DefaultSettings() SystemSettings {
	return SystemSettings{
		Telemetry: TelemetrySettings{
			AutoLatencyTest:        true,
			LatencyIntervalMinutes: DefaultLatencyIntervalMinutes,
			SpeedTestURL:           DefaultSpeedTestURL,
			SpeedTestBytes:         DefaultSpeedTestBytes,
		},
		DNS: DNSSettings{
			Servers:  []string{"https://1.1.1.1/dns-query"},
			Strategy: "prefer_ipv4",
		},
		Routing: RoutingSettings{Rules: []any{}},
	}
}

// EffectiveInterval is the prober wait: latency_interval_minutes floored at 1.
func (t TelemetrySettings) EffectiveInterval() time.Duration {
	return time.Duration(max(t.LatencyIntervalMinutes, 1)) * time.Minute
}

// TelemetryPatch is a partial update; nil fields are left untouched.
type TelemetryPatch struct {
	AutoLatencyTest        *bool   `json:"auto_latency_test,omitempty"`
	LatencyIntervalMinutes *int    `json:"latency_interval_minutes,omitempty"`
	SpeedTestURL           *string `json:"speed_test_url,omitempty"`
	SpeedTestBytes         *int64  `json:"speed_test_bytes,omitempty"`
}

func (p TelemetryPatch) Apply(t TelemetrySettings) TelemetrySettings {
	if p.AutoLatencyTest != nil {
		t.AutoLatencyTest = *p.AutoLatencyTest
	}
	if p.LatencyIntervalMinutes != nil {
		t.LatencyIntervalMinutes = *p.LatencyIntervalMinutes
	}
	if p.SpeedTestURL != nil {
		t.SpeedTestURL = *p.SpeedTestURL
	}
	if p.SpeedTestBytes != nil {
		t.SpeedTestBytes = *p.SpeedTestBytes
	}
	return t
}
