// Package model holds the entities shared by the store, the sync engines and
// the telemetry prober.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Format tags a profile's raw content.
type Format string

const (
	FormatXrayJSON    Format = "xray-json"
	FormatSingBoxJSON Format = "sing-box-json"
	FormatV2RayN      Format = "v2rayn" // base64 subscription links
	FormatClash       Format = "clash"
	FormatRaw         Format = "raw"
)

// Formats lists every supported format tag.
var Formats = []Format{FormatXrayJSON, FormatSingBoxJSON, FormatV2RayN, FormatClash, FormatRaw}

func (f Format) Valid() bool {
	for _, k := range Formats {
		if f == k {
			return true
		}
	}
	return false
}

// ParseFormat normalizes case/whitespace. Unknown tags are returned as-is
// together with an error so callers can still report what they got.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return f, fmt.Errorf("unknown format %q", s)
	}
	return f, nil
}

// Document is a normalized, format-independent configuration document.
type Document map[string]any

const (
	DefaultProfileIntervalMinutes  = 60
	DefaultResourceIntervalMinutes = 1440
)

type ConfigProfile struct {
	ID                    int64      `json:"id"`
	Name                  string     `json:"name"`
	Format                Format     `json:"format"`
	RawContent            string     `json:"raw_content"`
	Normalized            Document   `json:"normalized"`
	SourceURL             string     `json:"source_url,omitempty"`
	AutoUpdate            bool       `json:"auto_update"`
	UpdateIntervalMinutes int        `json:"update_interval_minutes"`
	NextDueAt             *time.Time `json:"next_due_at,omitempty"`
	LastSyncedAt          *time.Time `json:"last_synced_at,omitempty"`
	ExpireAt              *time.Time `json:"expire_at,omitempty"`
	UpstreamBytes         int64      `json:"upstream_bytes"`
	DownstreamBytes       int64      `json:"downstream_bytes"`
	TotalQuota            *int64     `json:"total_quota,omitempty"`
}

// Interval returns the refresh interval, falling back to the profile default.
func (p *ConfigProfile) Interval() time.Duration {
	return intervalOrDefault(p.UpdateIntervalMinutes, DefaultProfileIntervalMinutes)
}

type GeoResource struct {
	ID                    int64      `json:"id"`
	Name                  string     `json:"name"`
	ResourceType          string     `json:"resource_type"`
	SourceURL             string     `json:"source_url"`
	AutoUpdate            bool       `json:"auto_update"`
	UpdateIntervalMinutes int        `json:"update_interval_minutes"`
	NextDueAt             *time.Time `json:"next_due_at,omitempty"`
	LastSyncedAt          *time.Time `json:"last_synced_at,omitempty"`
	Checksum              *string    `json:"checksum,omitempty"`
	SizeBytes             *int64     `json:"size_bytes,omitempty"`
}

func (r *GeoResource) Interval() time.Duration {
	return intervalOrDefault(r.UpdateIntervalMinutes, DefaultResourceIntervalMinutes)
}

func intervalOrDefault(minutes, def int) time.Duration {
	if minutes <= 0 {
		minutes = def
	}
	return time.Duration(minutes) * time.Minute
}

// NextDue returns the due time an entity should carry after an attempt at now.
// Non auto-updating entities never carry one.
func NextDue(auto bool, now time.Time, interval time.Duration) *time.Time {
	if !auto {
		return nil
	}
	t := now.Add(interval).UTC()
	return &t
}

type Node struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Address         string    `json:"address"`
	Port            int       `json:"port"`
	Protocol        string    `json:"protocol,omitempty"`
	Active          bool      `json:"active"`
	Settings        Document  `json:"settings"`
	Tags            []string  `json:"tags"`
	LastLatencyMs   *float64  `json:"last_latency_ms,omitempty"`
	LastSpeedMBps   *float64  `json:"last_speed_mb_s,omitempty"`
	UpstreamBytes   int64     `json:"upstream_bytes"`
	DownstreamBytes int64     `json:"downstream_bytes"`
	TotalQuota      *int64    `json:"total_quota,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NodeSettingHTTPProxy names the settings key holding the proxy speed
// samples of a node are downloaded through.
const NodeSettingHTTPProxy = "http_proxy"

// HTTPProxy returns settings.http_proxy, or "" when unset or not a string.
func (n *Node) HTTPProxy() string {
	v, _ := n.Settings[NodeSettingHTTPProxy].(string)
	return strings.TrimSpace(v)
}

// MatchType selects what a traffic rule matches on.
type MatchType string

const (
	MatchDomain  MatchType = "domain"
	MatchIP      MatchType = "ip"
	MatchPort    MatchType = "port"
	MatchProcess MatchType = "process"
	MatchTag     MatchType = "tag"
)

var MatchTypes = []MatchType{MatchDomain, MatchIP, MatchPort, MatchProcess, MatchTag}

func ParseMatchType(s string) (MatchType, error) {
	m := MatchType(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range MatchTypes {
		if m == k {
			return m, nil
		}
	}
	return m, fmt.Errorf("unknown match type %q", s)
}

const DefaultRulePriority = 100

// TrafficRule routes matching traffic to a node. Lower priority values are
// evaluated first.
type TrafficRule struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	MatchType   MatchType `json:"match_type"`
	MatchValue  string    `json:"match_value"`
	Priority    int       `json:"priority"`
	NodeID      int64     `json:"node_id"`
	Description string    `json:"description,omitempty"`
}

// NodeTarget is the slice of a node the prober needs.
type NodeTarget struct {
	ID      int64
	Address string
	Port    int
}

// ProbeResult is one node measurement. Nil fields leave the stored value as-is.
type ProbeResult struct {
	NodeID    int64    `json:"node_id"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
	SpeedMBps *float64 `json:"speed_mb_s,omitempty"`
}

// UplinkSample is a host-level baseline speedtest result.
type UplinkSample struct {
	ID           int64     `json:"id"`
	At           time.Time `json:"at"`
	DownloadMbps float64   `json:"download_mbps"`
	UploadMbps   float64   `json:"upload_mbps"`
	PingMs       float64   `json:"ping_ms"`
	Server       string    `json:"server,omitempty"`
	ISP          string    `json:"isp,omitempty"`
}
