package scheduler

import "time"

const (
	DefaultProfilePoll  = "60s"
	DefaultResourcePoll = "1h"

	LoopProfiles  = "sync.profiles"
	LoopResources = "sync.resources"
)

// Config holds the poll cadences of the two sync loops. The cadence decides
// how often due entities are looked for, not how often an entity refreshes.
type Config struct {
	ProfilePoll  string
	ResourcePoll string
}

func (c Config) withDefaults() Config {
	if c.ProfilePoll == "" {
		c.ProfilePoll = DefaultProfilePoll
	}
	if c.ResourcePoll == "" {
		c.ResourcePoll = DefaultResourcePoll
	}
	return c
}

// LoopInfo is a best-effort view of one loop for status output.
type LoopInfo struct {
	Name          string        `json:"name"`
	Cadence       string        `json:"cadence"`
	Ticks         uint64        `json:"ticks"`
	LastTickAt    time.Time     `json:"last_tick_at,omitempty"`
	LastTook      time.Duration `json:"last_took"`
	LastRefreshed []int64       `json:"last_refreshed,omitempty"`
	LastErr       string        `json:"last_err,omitempty"`
	NextAt        time.Time     `json:"next_at,omitempty"`
}

type Snapshot struct {
	Loops []LoopInfo `json:"loops"`
}
