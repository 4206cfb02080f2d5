package scheduler

import (
	"context"
	"time"

	"veactl/internal/model"
	"veactl/internal/syncer"
)

type profileSource struct{ s *syncer.ProfileSyncer }

func (profileSource) Kind() string { return "profile" }

func (p profileSource) Now() time.Time { return p.s.Now() }

func (profileSource) Key(item *model.ConfigProfile) int64 { return item.ID }

func (p profileSource) ListDue(ctx context.Context, now time.Time) ([]*model.ConfigProfile, error) {
	return p.s.ListDue(ctx, now)
}

func (p profileSource) Refresh(ctx context.Context, item *model.ConfigProfile) error {
	_, err := p.s.Refresh(ctx, item)
	return err
}

func (p profileSource) Reschedule(ctx context.Context, item *model.ConfigProfile, now time.Time) error {
	return p.s.Reschedule(ctx, item, now)
}

type resourceSource struct{ s *syncer.ResourceSyncer }

func (resourceSource) Kind() string { return "resource" }

func (r resourceSource) Now() time.Time { return r.s.Now() }

func (resourceSource) Key(item *model.GeoResource) int64 { return item.ID }

func (r resourceSource) ListDue(ctx context.Context, now time.Time) ([]*model.GeoResource, error) {
	return r.s.ListDue(ctx, now)
}

func (r resourceSource) Refresh(ctx context.Context, item *model.GeoResource) error {
	_, err := r.s.Refresh(ctx, item)
	return err
}

func (r resourceSource) Reschedule(ctx context.Context, item *model.GeoResource, now time.Time) error {
	return r.s.Reschedule(ctx, item, now)
}
