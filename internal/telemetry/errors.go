package telemetry

import "errors"

var ErrUplinkDisabled = errors.New("uplink speedtest is not configured")
