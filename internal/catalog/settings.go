package catalog

import (
	"context"

	"veactl/internal/model"
)

func (c *Catalog) Settings(ctx context.Context) (model.SystemSettings, error) {
	return c.store.GetOrCreateSettings(ctx)
}

func (c *Catalog) Telemetry(ctx context.Context) (model.TelemetrySettings, error) {
	s, err := c.store.GetOrCreateSettings(ctx)
	if err != nil {
		return model.TelemetrySettings{}, err
	}
	return s.Telemetry, nil
}

// UpdateTelemetry merges patch field by field. The prober picks the result
// up on its next tick.
func (c *Catalog) UpdateTelemetry(ctx context.Context, patch model.TelemetryPatch) (model.TelemetrySettings, error) {
	if v := patch.LatencyIntervalMinutes; v != nil && *v < 1 {
		return model.TelemetrySettings{}, invalid("latency_interval_minutes", "must be at least 1")
	}
	if v := patch.SpeedTestBytes; v != nil {
		if err := validSpeedBytes("speed_test_bytes", *v); err != nil {
			return model.TelemetrySettings{}, err
		}
	}
	if v := patch.SpeedTestURL; v != nil {
		if err := validSource("speed_test_url", *v, true); err != nil {
			return model.TelemetrySettings{}, err
		}
	}
	s, err := c.store.GetOrCreateSettings(ctx)
	if err != nil {
		return model.TelemetrySettings{}, err
	}
	s.Telemetry = patch.Apply(s.Telemetry)
	if err := c.store.SaveSettings(ctx, s); err != nil {
		return model.TelemetrySettings{}, err
	}
	return s.Telemetry, nil
}

func (c *Catalog) Routing(ctx context.Context) (model.RoutingSettings, error) {
	s, err := c.store.GetOrCreateSettings(ctx)
	if err != nil {
		return model.RoutingSettings{}, err
	}
	return s.Routing, nil
}

// UpdateRouting merges patch into the routing settings. A non-zero default
// node must exist.
func (c *Catalog) UpdateRouting(ctx context.Context, patch model.RoutingPatch) (model.RoutingSettings, error) {
	if v := patch.DefaultNodeID; v != nil {
		if *v < 0 {
			return model.RoutingSettings{}, invalid("default_node_id", "must not be negative")
		}
		if *v > 0 {
			if err := c.nodeExists(ctx, "default_node_id", *v); err != nil {
				return model.RoutingSettings{}, err
			}
		}
	}
	s, err := c.store.GetOrCreateSettings(ctx)
	if err != nil {
		return model.RoutingSettings{}, err
	}
	s.Routing = patch.Apply(s.Routing)
	if err := c.store.SaveSettings(ctx, s); err != nil {
		return model.RoutingSettings{}, err
	}
	return s.Routing, nil
}

// ValidSpeedTest checks an on-demand speed sample override. Empty testURL
// and zero bytes mean "use the telemetry settings".
func ValidSpeedTest(testURL string, bytes int64) error {
	if testURL != "" {
		if err := validSource("test_url", testURL, true); err != nil {
			return err
		}
	}
	if bytes != 0 {
		return validSpeedBytes("download_bytes", bytes)
	}
	return nil
}

func validSpeedBytes(field string, v int64) error {
	if v < MinSpeedTestBytes || v > MaxSpeedTestBytes {
		return invalid(field, "must be within %d..%d", MinSpeedTestBytes, MaxSpeedTestBytes)
	}
	return nil
}
