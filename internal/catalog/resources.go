package catalog

import (
	"context"
	"strings"

	"veactl/internal/model"
)

type ResourceInput struct {
	Name                  string `json:"name"`
	ResourceType          string `json:"resource_type"`
	SourceURL             string `json:"source_url"`
	AutoUpdate            *bool  `json:"auto_update,omitempty"`
	UpdateIntervalMinutes int    `json:"update_interval_minutes,omitempty"`
}

type ResourcePatch struct {
	Name                  *string `json:"name,omitempty"`
	SourceURL             *string `json:"source_url,omitempty"`
	AutoUpdate            *bool   `json:"auto_update,omitempty"`
	UpdateIntervalMinutes *int    `json:"update_interval_minutes,omitempty"`
}

func (c *Catalog) ListResources(ctx context.Context) ([]*model.GeoResource, error) {
	return c.store.ListResources(ctx)
}

func (c *Catalog) GetResource(ctx context.Context, id int64) (*model.GeoResource, error) {
	return c.store.GetResource(ctx, id)
}

func (c *Catalog) CreateResource(ctx context.Context, in ResourceInput) (*model.GeoResource, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, invalid("name", "is required")
	}
	if strings.TrimSpace(in.ResourceType) == "" {
		return nil, invalid("resource_type", "is required")
	}
	if err := validSource("source_url", in.SourceURL, true); err != nil {
		return nil, err
	}
	if in.UpdateIntervalMinutes == 0 {
		in.UpdateIntervalMinutes = model.DefaultResourceIntervalMinutes
	}
	if err := validInterval("update_interval_minutes", in.UpdateIntervalMinutes, MinResourceInterval, MaxResourceInterval); err != nil {
		return nil, err
	}
	r := &model.GeoResource{
		Name:                  strings.TrimSpace(in.Name),
		ResourceType:          strings.TrimSpace(in.ResourceType),
		SourceURL:             strings.TrimSpace(in.SourceURL),
		AutoUpdate:            boolOr(in.AutoUpdate, true),
		UpdateIntervalMinutes: in.UpdateIntervalMinutes,
	}
	r.NextDueAt = model.NextDue(r.AutoUpdate, c.clock(), r.Interval())
	return c.store.CreateResource(ctx, r)
}

func (c *Catalog) UpdateResource(ctx context.Context, id int64, patch ResourcePatch) (*model.GeoResource, error) {
	r, err := c.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return nil, invalid("name", "is required")
		}
		r.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.SourceURL != nil {
		if err := validSource("source_url", *patch.SourceURL, true); err != nil {
			return nil, err
		}
		r.SourceURL = strings.TrimSpace(*patch.SourceURL)
	}
	if patch.UpdateIntervalMinutes != nil {
		if err := validInterval("update_interval_minutes", *patch.UpdateIntervalMinutes, MinResourceInterval, MaxResourceInterval); err != nil {
			return nil, err
		}
		r.UpdateIntervalMinutes = *patch.UpdateIntervalMinutes
	}
	if patch.AutoUpdate != nil {
		r.AutoUpdate = *patch.AutoUpdate
	}
	r.NextDueAt = model.NextDue(r.AutoUpdate, c.clock(), r.Interval())
	if err := c.store.SaveResource(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Catalog) DeleteResource(ctx context.Context, id int64) error {
	return c.store.DeleteResource(ctx, id)
}
