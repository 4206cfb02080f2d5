// Package speedtest measures the host uplink against public speedtest.net
// servers. It is the baseline node throughput is compared against.
package speedtest

import "time"

// Result is one uplink measurement.
type Result struct {
	At            time.Time `json:"at"`
	DownloadMbps  float64   `json:"download_mbps"`
	UploadMbps    float64   `json:"upload_mbps"`
	PingMs        float64   `json:"ping_ms"`
	JitterMs      float64   `json:"jitter_ms"`
	ISP           string    `json:"isp"`
	ServerName    string    `json:"server_name"`
	ServerCountry string    `json:"server_country"`

	Took       time.Duration `json:"-"`
	Candidates int           `json:"-"`
	FullTests  int           `json:"-"`
}

// Config controls one run.
type Config struct {
	// Candidates is how many of the nearest servers get a ping test.
	Candidates int
	// FullTests is how many of the lowest-latency candidates get a
	// download and upload test. They run sequentially.
	FullTests int

	MaxConnections  int
	PingConcurrency int
	SavingMode      bool

	// DialTimeout caps connection setup. The run itself is bounded by ctx.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Candidates <= 0 {
		c.Candidates = 3
	}
	if c.FullTests <= 0 {
		c.FullTests = 1
	}
	if c.FullTests > c.Candidates {
		c.FullTests = c.Candidates
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}
