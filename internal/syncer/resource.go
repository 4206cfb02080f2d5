package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"veactl/internal/eventbus"
	"veactl/internal/model"
	logx "veactl/pkg/logx"
)

type ResourceStore interface {
	GetResource(ctx context.Context, id int64) (*model.GeoResource, error)
	SaveResource(ctx context.Context, r *model.GeoResource) error
	ListDueResources(ctx context.Context, now time.Time) ([]*model.GeoResource, error)
	SetResourceNextDue(ctx context.Context, id int64, next time.Time) error
}

// ResourceSyncer downloads geo data files and records their checksum.
type ResourceSyncer struct {
	store ResourceStore
	fetch Fetcher
	opts  options
	sf    singleflight.Group
}

func NewResourceSyncer(store ResourceStore, f Fetcher, opts ...Option) *ResourceSyncer {
	return &ResourceSyncer{
		store: store,
		fetch: f,
		opts:  buildOptions("sync.resource", DefaultResourceTimeout, opts),
	}
}

func (s *ResourceSyncer) Now() time.Time { return s.opts.clock() }

func (s *ResourceSyncer) ListDue(ctx context.Context, now time.Time) ([]*model.GeoResource, error) {
	return s.store.ListDueResources(ctx, now)
}

func (s *ResourceSyncer) Refresh(ctx context.Context, r *model.GeoResource) (*model.GeoResource, error) {
	return s.RefreshByID(ctx, r.ID)
}

func (s *ResourceSyncer) RefreshByID(ctx context.Context, id int64) (*model.GeoResource, error) {
	return coalesce(ctx, &s.sf, "resource:"+strconv.FormatInt(id, 10), s.opts.log,
		func(ctx context.Context) (*model.GeoResource, error) { return s.refresh(ctx, id) })
}

func (s *ResourceSyncer) refresh(ctx context.Context, id int64) (*model.GeoResource, error) {
	r, err := s.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(r.SourceURL) == "" {
		return nil, &SyncError{Kind: "resource", ID: id, Err: ErrNoSource}
	}

	resp, err := s.fetch.Get(ctx, r.SourceURL, s.opts.timeout)
	if err != nil {
		s.opts.publish(eventbus.ResourceSyncFailed, eventbus.SyncOutcome{ID: id, URL: r.SourceURL, Err: err.Error()})
		return nil, &SyncError{Kind: "resource", ID: id, URL: r.SourceURL, Err: err}
	}

	sum := sha256.Sum256(resp.Body)
	checksum := hex.EncodeToString(sum[:])
	size := int64(len(resp.Body))
	changed := r.Checksum == nil || *r.Checksum != checksum

	now := s.opts.clock()
	r.Checksum = &checksum
	r.SizeBytes = &size
	r.LastSyncedAt = &now
	r.NextDueAt = model.NextDue(r.AutoUpdate, now, r.Interval())
	if err := s.store.SaveResource(ctx, r); err != nil {
		return nil, fmt.Errorf("save resource %d: %w", id, err)
	}

	s.opts.log.Info("resource refreshed",
		logx.Int64("id", id),
		logx.String("type", r.ResourceType),
		logx.String("size", humanize.IBytes(uint64(size))),
		logx.Bool("changed", changed),
	)
	s.opts.publish(eventbus.ResourceSynced, eventbus.SyncOutcome{ID: id, URL: r.SourceURL, Bytes: len(resp.Body)})
	return r, nil
}

func (s *ResourceSyncer) Reschedule(ctx context.Context, r *model.GeoResource, now time.Time) error {
	next := model.NextDue(r.AutoUpdate, now, r.Interval())
	if next == nil {
		return nil
	}
	return s.store.SetResourceNextDue(ctx, r.ID, *next)
}
