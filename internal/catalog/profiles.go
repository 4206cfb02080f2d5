package catalog

import (
	"context"
	"strings"
	"time"

	"veactl/internal/model"
	logx "veactl/pkg/logx"
)

type ProfileInput struct {
	Name                  string     `json:"name"`
	Format                string     `json:"format"`
	RawContent            string     `json:"raw_content"`
	SourceURL             string     `json:"source_url,omitempty"`
	AutoUpdate            *bool      `json:"auto_update,omitempty"`
	UpdateIntervalMinutes int        `json:"update_interval_minutes,omitempty"`
	ExpireAt              *time.Time `json:"expire_at,omitempty"`
	TotalQuota            *int64     `json:"total_quota,omitempty"`
}

// ProfilePatch is a partial update; nil fields are left untouched.
type ProfilePatch struct {
	Name                  *string    `json:"name,omitempty"`
	RawContent            *string    `json:"raw_content,omitempty"`
	SourceURL             *string    `json:"source_url,omitempty"`
	AutoUpdate            *bool      `json:"auto_update,omitempty"`
	UpdateIntervalMinutes *int       `json:"update_interval_minutes,omitempty"`
	ExpireAt              *time.Time `json:"expire_at,omitempty"`
	TotalQuota            *int64     `json:"total_quota,omitempty"`
	UpstreamBytes         *int64     `json:"upstream_bytes,omitempty"`
	DownstreamBytes       *int64     `json:"downstream_bytes,omitempty"`
}

func (c *Catalog) ListProfiles(ctx context.Context) ([]*model.ConfigProfile, error) {
	return c.store.ListProfiles(ctx)
}

func (c *Catalog) GetProfile(ctx context.Context, id int64) (*model.ConfigProfile, error) {
	return c.store.GetProfile(ctx, id)
}

// CreateProfile validates in, normalizes the raw content eagerly and stores
// the profile. An unknown format fails with *normalize.UnsupportedFormatError.
func (c *Catalog) CreateProfile(ctx context.Context, in ProfileInput) (*model.ConfigProfile, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, invalid("name", "is required")
	}
	if in.RawContent == "" {
		return nil, invalid("raw_content", "cannot be empty")
	}
	if in.UpdateIntervalMinutes == 0 {
		in.UpdateIntervalMinutes = model.DefaultProfileIntervalMinutes
	}
	if err := validInterval("update_interval_minutes", in.UpdateIntervalMinutes, MinProfileInterval, MaxProfileInterval); err != nil {
		return nil, err
	}
	if err := validSource("source_url", in.SourceURL, false); err != nil {
		return nil, err
	}
	if in.TotalQuota != nil && *in.TotalQuota < 0 {
		return nil, invalid("total_quota", "must not be negative")
	}

	format, _ := model.ParseFormat(in.Format)
	doc, err := c.norm.Normalize(format, in.RawContent)
	if err != nil {
		return nil, err
	}
	p := &model.ConfigProfile{
		Name:                  strings.TrimSpace(in.Name),
		Format:                format,
		RawContent:            in.RawContent,
		Normalized:            doc,
		SourceURL:             strings.TrimSpace(in.SourceURL),
		AutoUpdate:            boolOr(in.AutoUpdate, true),
		UpdateIntervalMinutes: in.UpdateIntervalMinutes,
		ExpireAt:              in.ExpireAt,
		TotalQuota:            in.TotalQuota,
	}
	p.NextDueAt = model.NextDue(p.AutoUpdate, c.clock(), p.Interval())
	created, err := c.store.CreateProfile(ctx, p)
	if err != nil {
		return nil, err
	}
	c.log.Info("profile created", logx.Int64("id", created.ID), logx.String("format", string(format)))
	return created, nil
}

// UpdateProfile applies patch. New raw content is re-normalized and counts as
// a sync. next_due is recomputed from now, or cleared when auto-update is off.
func (c *Catalog) UpdateProfile(ctx context.Context, id int64, patch ProfilePatch) (*model.ConfigProfile, error) {
	p, err := c.store.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	now := c.clock()

	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return nil, invalid("name", "is required")
		}
		p.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.RawContent != nil {
		if *patch.RawContent == "" {
			return nil, invalid("raw_content", "cannot be empty")
		}
		doc, err := c.norm.Normalize(p.Format, *patch.RawContent)
		if err != nil {
			return nil, err
		}
		p.RawContent = *patch.RawContent
		p.Normalized = doc
		p.LastSyncedAt = &now
	}
	if patch.SourceURL != nil {
		if err := validSource("source_url", *patch.SourceURL, false); err != nil {
			return nil, err
		}
		p.SourceURL = strings.TrimSpace(*patch.SourceURL)
	}
	if patch.UpdateIntervalMinutes != nil {
		if err := validInterval("update_interval_minutes", *patch.UpdateIntervalMinutes, MinProfileInterval, MaxProfileInterval); err != nil {
			return nil, err
		}
		p.UpdateIntervalMinutes = *patch.UpdateIntervalMinutes
	}
	for field, v := range map[string]*int64{
		"total_quota":      patch.TotalQuota,
		"upstream_bytes":   patch.UpstreamBytes,
		"downstream_bytes": patch.DownstreamBytes,
	} {
		if v != nil && *v < 0 {
			return nil, invalid(field, "must not be negative")
		}
	}
	if patch.AutoUpdate != nil {
		p.AutoUpdate = *patch.AutoUpdate
	}
	if patch.ExpireAt != nil {
		p.ExpireAt = patch.ExpireAt
	}
	if patch.TotalQuota != nil {
		p.TotalQuota = patch.TotalQuota
	}
	if patch.UpstreamBytes != nil {
		p.UpstreamBytes = *patch.UpstreamBytes
	}
	if patch.DownstreamBytes != nil {
		p.DownstreamBytes = *patch.DownstreamBytes
	}
	p.NextDueAt = model.NextDue(p.AutoUpdate, now, p.Interval())

	if err := c.store.SaveProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Catalog) DeleteProfile(ctx context.Context, id int64) error {
	return c.store.DeleteProfile(ctx, id)
}
