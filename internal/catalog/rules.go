package catalog

import (
	"context"
	"strings"

	"veactl/internal/model"
)

const (
	MinRulePriority = 0
	MaxRulePriority = 1000
)

type RuleInput struct {
	Name        string `json:"name"`
	MatchType   string `json:"match_type"`
	MatchValue  string `json:"match_value"`
	Priority    *int   `json:"priority,omitempty"`
	NodeID      int64  `json:"node_id"`
	Description string `json:"description,omitempty"`
}

type RulePatch struct {
	Name        *string `json:"name,omitempty"`
	MatchType   *string `json:"match_type,omitempty"`
	MatchValue  *string `json:"match_value,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	NodeID      *int64  `json:"node_id,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (c *Catalog) ListRules(ctx context.Context) ([]*model.TrafficRule, error) {
	return c.store.ListRules(ctx)
}

func (c *Catalog) GetRule(ctx context.Context, id int64) (*model.TrafficRule, error) {
	return c.store.GetRule(ctx, id)
}

func (c *Catalog) CreateRule(ctx context.Context, in RuleInput) (*model.TrafficRule, error) {
	mt, err := model.ParseMatchType(in.MatchType)
	if err != nil {
		return nil, invalid("match_type", "%v", err)
	}
	r := &model.TrafficRule{
		Name:        strings.TrimSpace(in.Name),
		MatchType:   mt,
		MatchValue:  strings.TrimSpace(in.MatchValue),
		Priority:    model.DefaultRulePriority,
		NodeID:      in.NodeID,
		Description: strings.TrimSpace(in.Description),
	}
	if in.Priority != nil {
		r.Priority = *in.Priority
	}
	if err := c.validRule(ctx, r); err != nil {
		return nil, err
	}
	return c.store.CreateRule(ctx, r)
}

func (c *Catalog) UpdateRule(ctx context.Context, id int64, patch RulePatch) (*model.TrafficRule, error) {
	r, err := c.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		r.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.MatchType != nil {
		mt, err := model.ParseMatchType(*patch.MatchType)
		if err != nil {
			return nil, invalid("match_type", "%v", err)
		}
		r.MatchType = mt
	}
	if patch.MatchValue != nil {
		r.MatchValue = strings.TrimSpace(*patch.MatchValue)
	}
	if patch.Priority != nil {
		r.Priority = *patch.Priority
	}
	if patch.NodeID != nil {
		r.NodeID = *patch.NodeID
	}
	if patch.Description != nil {
		r.Description = strings.TrimSpace(*patch.Description)
	}
	if err := c.validRule(ctx, r); err != nil {
		return nil, err
	}
	if err := c.store.SaveRule(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Catalog) DeleteRule(ctx context.Context, id int64) error {
	return c.store.DeleteRule(ctx, id)
}

func (c *Catalog) validRule(ctx context.Context, r *model.TrafficRule) error {
	if r.Name == "" {
		return invalid("name", "is required")
	}
	if r.MatchValue == "" {
		return invalid("match_value", "is required")
	}
	if r.Priority < MinRulePriority || r.Priority > MaxRulePriority {
		return invalid("priority", "must be within %d..%d, got %d", MinRulePriority, MaxRulePriority, r.Priority)
	}
	return c.nodeExists(ctx, "node_id", r.NodeID)
}
