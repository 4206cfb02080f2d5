package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"veactl/internal/model"
	logx "veactl/pkg/logx"
)

// Store is the persistence API used by the sync engines, the scheduler, the
// prober and the catalog. Every method is atomic on its own.
type Store interface {
	CreateProfile(ctx context.Context, p *model.ConfigProfile) (*model.ConfigProfile, error)
	GetProfile(ctx context.Context, id int64) (*model.ConfigProfile, error)
	SaveProfile(ctx context.Context, p *model.ConfigProfile) error
	DeleteProfile(ctx context.Context, id int64) error
	ListProfiles(ctx context.Context) ([]*model.ConfigProfile, error)
	// ListDueProfiles returns auto-updating profiles with next_due <= now,
	// ascending by id.
	ListDueProfiles(ctx context.Context, now time.Time) ([]*model.ConfigProfile, error)
	// SetProfileNextDue only touches next_due; it is a no-op when the row is
	// gone or no longer auto-updating.
	SetProfileNextDue(ctx context.Context, id int64, next time.Time) error

	CreateResource(ctx context.Context, r *model.GeoResource) (*model.GeoResource, error)
	GetResource(ctx context.Context, id int64) (*model.GeoResource, error)
	SaveResource(ctx context.Context, r *model.GeoResource) error
	DeleteResource(ctx context.Context, id int64) error
	ListResources(ctx context.Context) ([]*model.GeoResource, error)
	ListDueResources(ctx context.Context, now time.Time) ([]*model.GeoResource, error)
	SetResourceNextDue(ctx context.Context, id int64, next time.Time) error

	CreateNode(ctx context.Context, n *model.Node) (*model.Node, error)
	GetNode(ctx context.Context, id int64) (*model.Node, error)
	ListNodes(ctx context.Context) ([]*model.Node, error)
	// SaveNode writes the editable fields of n and its updated_at. The
	// measurement fields belong to BulkWriteLatency and are left as stored.
	SaveNode(ctx context.Context, n *model.Node) error
	ListActiveNodes(ctx context.Context) ([]model.NodeTarget, error)
	// DeleteNode also removes the traffic rules pointing at the node.
	DeleteNode(ctx context.Context, id int64) error
	// BulkWriteLatency applies all results in one transaction. Nil
	// measurements keep the stored value; updated_at is always set to at.
	// Unknown ids are skipped. It returns the number of rows written.
	BulkWriteLatency(ctx context.Context, results []model.ProbeResult, at time.Time) (int, error)

	CreateRule(ctx context.Context, r *model.TrafficRule) (*model.TrafficRule, error)
	GetRule(ctx context.Context, id int64) (*model.TrafficRule, error)
	SaveRule(ctx context.Context, r *model.TrafficRule) error
	DeleteRule(ctx context.Context, id int64) error
	// ListRules orders by priority, then id.
	ListRules(ctx context.Context) ([]*model.TrafficRule, error)

	GetOrCreateSettings(ctx context.Context) (model.SystemSettings, error)
	SaveSettings(ctx context.Context, s model.SystemSettings) error

	AppendUplinkSample(ctx context.Context, s model.UplinkSample) (model.UplinkSample, error)
	// ListUplinkSamples returns the newest samples first.
	ListUplinkSamples(ctx context.Context, limit int) ([]model.UplinkSample, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return newMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
