package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"veactl/internal/eventbus"
	"veactl/internal/model"
	"veactl/internal/normalize"
	logx "veactl/pkg/logx"
)

// ProfileStore is the storage surface ProfileSyncer needs.
type ProfileStore interface {
	GetProfile(ctx context.Context, id int64) (*model.ConfigProfile, error)
	SaveProfile(ctx context.Context, p *model.ConfigProfile) error
	ListDueProfiles(ctx context.Context, now time.Time) ([]*model.ConfigProfile, error)
	SetProfileNextDue(ctx context.Context, id int64, next time.Time) error
}

type ProfileSyncer struct {
	store ProfileStore
	fetch Fetcher
	norm  *normalize.Normalizer
	opts  options
	sf    singleflight.Group
}

func NewProfileSyncer(store ProfileStore, f Fetcher, norm *normalize.Normalizer, opts ...Option) *ProfileSyncer {
	if norm == nil {
		norm = normalize.New()
	}
	return &ProfileSyncer{
		store: store,
		fetch: f,
		norm:  norm,
		opts:  buildOptions("sync.profile", DefaultProfileTimeout, opts),
	}
}

// Now reports the syncer clock.
func (s *ProfileSyncer) Now() time.Time { return s.opts.clock() }

// ListDue returns due profiles ascending by id.
func (s *ProfileSyncer) ListDue(ctx context.Context, now time.Time) ([]*model.ConfigProfile, error) {
	return s.store.ListDueProfiles(ctx, now)
}

// Refresh fetches p's source and stores the new content. The stored row,
// not p, is the base of the update, so edits made since p was read survive.
// The returned profile may be shared with a concurrent caller.
func (s *ProfileSyncer) Refresh(ctx context.Context, p *model.ConfigProfile) (*model.ConfigProfile, error) {
	return s.RefreshByID(ctx, p.ID)
}

// RefreshByID is the on-demand path; errors go back to the caller.
func (s *ProfileSyncer) RefreshByID(ctx context.Context, id int64) (*model.ConfigProfile, error) {
	return coalesce(ctx, &s.sf, "profile:"+strconv.FormatInt(id, 10), s.opts.log,
		func(ctx context.Context) (*model.ConfigProfile, error) { return s.refresh(ctx, id) })
}

func (s *ProfileSyncer) refresh(ctx context.Context, id int64) (*model.ConfigProfile, error) {
	p, err := s.store.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.SourceURL) == "" {
		return nil, &SyncError{Kind: "profile", ID: id, Err: ErrNoSource}
	}

	started := time.Now()
	resp, err := s.fetch.Get(ctx, p.SourceURL, s.opts.timeout)
	if err != nil {
		serr := &SyncError{Kind: "profile", ID: id, URL: p.SourceURL, Err: err}
		s.opts.publish(eventbus.ProfileSyncFailed, eventbus.SyncOutcome{ID: id, URL: p.SourceURL, Err: err.Error()})
		return nil, serr
	}

	text := string(resp.Body)
	doc, err := s.norm.Normalize(p.Format, text)
	if err != nil {
		// A stored profile with an unknown format is a data defect, not a
		// transient failure.
		return nil, err
	}

	now := s.opts.clock()
	p.RawContent = text
	p.Normalized = doc
	p.LastSyncedAt = &now
	p.NextDueAt = model.NextDue(p.AutoUpdate, now, p.Interval())
	if hint := resp.Header.Get(userinfoHeader); hint != "" {
		if u := parseUserinfo(hint); !u.empty() {
			u.apply(p)
		}
	}
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("save profile %d: %w", id, err)
	}

	s.opts.log.Info("profile refreshed",
		logx.Int64("id", id),
		logx.String("format", string(p.Format)),
		logx.String("size", humanize.IBytes(uint64(len(resp.Body)))),
		logx.Duration("took", time.Since(started)),
	)
	s.opts.publish(eventbus.ProfileSynced, eventbus.SyncOutcome{ID: id, URL: p.SourceURL, Bytes: len(resp.Body)})
	return p, nil
}

// Reschedule moves only next_due to now + interval. Used after a failed
// refresh; a non auto-updating profile is left alone.
func (s *ProfileSyncer) Reschedule(ctx context.Context, p *model.ConfigProfile, now time.Time) error {
	next := model.NextDue(p.AutoUpdate, now, p.Interval())
	if next == nil {
		return nil
	}
	return s.store.SetProfileNextDue(ctx, p.ID, *next)
}
