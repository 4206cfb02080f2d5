package catalog

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"veactl/internal/model"
	"veactl/internal/storage"
	logx "veactl/pkg/logx"
)

type NodeInput struct {
	Name       string         `json:"name"`
	Address    string         `json:"address"`
	Port       int            `json:"port"`
	Protocol   string         `json:"protocol,omitempty"`
	Active     *bool          `json:"active,omitempty"`
	Settings   model.Document `json:"settings,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	TotalQuota *int64         `json:"total_quota,omitempty"`
}

// NodePatch is a partial node update. Settings and Tags replace the stored
// values whole.
type NodePatch struct {
	Name            *string         `json:"name,omitempty"`
	Address         *string         `json:"address,omitempty"`
	Port            *int            `json:"port,omitempty"`
	Protocol        *string         `json:"protocol,omitempty"`
	Active          *bool           `json:"active,omitempty"`
	Settings        *model.Document `json:"settings,omitempty"`
	Tags            *[]string       `json:"tags,omitempty"`
	TotalQuota      *int64          `json:"total_quota,omitempty"`
	UpstreamBytes   *int64          `json:"upstream_bytes,omitempty"`
	DownstreamBytes *int64          `json:"downstream_bytes,omitempty"`
}

// UsageInput is an absolute traffic counter reading.
type UsageInput struct {
	Upstream   int64 `json:"upstream"`
	Downstream int64 `json:"downstream"`
}

func (c *Catalog) ListNodes(ctx context.Context) ([]*model.Node, error) {
	return c.store.ListNodes(ctx)
}

func (c *Catalog) GetNode(ctx context.Context, id int64) (*model.Node, error) {
	return c.store.GetNode(ctx, id)
}

func (c *Catalog) CreateNode(ctx context.Context, in NodeInput) (*model.Node, error) {
	n := &model.Node{
		Name:       strings.TrimSpace(in.Name),
		Address:    strings.TrimSpace(in.Address),
		Port:       in.Port,
		Protocol:   strings.ToLower(strings.TrimSpace(in.Protocol)),
		Active:     boolOr(in.Active, true),
		Settings:   in.Settings,
		Tags:       in.Tags,
		TotalQuota: in.TotalQuota,
	}
	if err := validNode(n); err != nil {
		return nil, err
	}
	now := c.clock()
	n.CreatedAt, n.UpdatedAt = now, now
	return c.store.CreateNode(ctx, n)
}

// UpdateNode applies patch to the stored node. Deactivating a node takes it
// out of the next latency tick.
func (c *Catalog) UpdateNode(ctx context.Context, id int64, patch NodePatch) (*model.Node, error) {
	n, err := c.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		n.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Address != nil {
		n.Address = strings.TrimSpace(*patch.Address)
	}
	if patch.Port != nil {
		n.Port = *patch.Port
	}
	if patch.Protocol != nil {
		n.Protocol = strings.ToLower(strings.TrimSpace(*patch.Protocol))
	}
	if patch.Active != nil {
		n.Active = *patch.Active
	}
	if patch.Settings != nil {
		n.Settings = *patch.Settings
	}
	if patch.Tags != nil {
		n.Tags = *patch.Tags
	}
	if patch.TotalQuota != nil {
		n.TotalQuota = patch.TotalQuota
	}
	if patch.UpstreamBytes != nil {
		n.UpstreamBytes = *patch.UpstreamBytes
	}
	if patch.DownstreamBytes != nil {
		n.DownstreamBytes = *patch.DownstreamBytes
	}
	if err := validNode(n); err != nil {
		return nil, err
	}
	n.UpdatedAt = c.clock()
	if err := c.store.SaveNode(ctx, n); err != nil {
		return nil, err
	}
	if patch.Active != nil {
		c.log.Info("node activity changed", logx.Int64("id", id), logx.Bool("active", n.Active))
	}
	return c.store.GetNode(ctx, id)
}

// RecordUsage overwrites the node's traffic counters.
func (c *Catalog) RecordUsage(ctx context.Context, id int64, in UsageInput) (*model.Node, error) {
	if in.Upstream < 0 {
		return nil, invalid("upstream", "must not be negative")
	}
	if in.Downstream < 0 {
		return nil, invalid("downstream", "must not be negative")
	}
	n, err := c.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	n.UpstreamBytes, n.DownstreamBytes = in.Upstream, in.Downstream
	n.UpdatedAt = c.clock()
	if err := c.store.SaveNode(ctx, n); err != nil {
		return nil, err
	}
	return c.store.GetNode(ctx, id)
}

// DeleteNode removes the node with its traffic rules and clears the routing
// default when it pointed at the node.
func (c *Catalog) DeleteNode(ctx context.Context, id int64) error {
	if err := c.store.DeleteNode(ctx, id); err != nil {
		return err
	}
	s, err := c.store.GetOrCreateSettings(ctx)
	if err != nil {
		return err
	}
	if d := s.Routing.DefaultNodeID; d != nil && *d == id {
		s.Routing.DefaultNodeID = nil
		if err := c.store.SaveSettings(ctx, s); err != nil {
			return err
		}
		c.log.Info("routing default cleared", logx.Int64("node_id", id))
	}
	return nil
}

func validNode(n *model.Node) error {
	if n.Name == "" {
		return invalid("name", "is required")
	}
	if n.Address == "" {
		return invalid("address", "is required")
	}
	if n.Port < 1 || n.Port > 65535 {
		return invalid("port", "must be within 1..65535, got %d", n.Port)
	}
	if n.TotalQuota != nil && *n.TotalQuota < 0 {
		return invalid("total_quota", "must not be negative")
	}
	if n.UpstreamBytes < 0 || n.DownstreamBytes < 0 {
		return invalid("traffic", "counters must not be negative")
	}
	if v, ok := n.Settings[model.NodeSettingHTTPProxy]; ok {
		raw, isStr := v.(string)
		if !isStr {
			return invalid("settings.http_proxy", "must be a string")
		}
		if err := validProxy(raw); err != nil {
			return err
		}
	}
	return nil
}

// validProxy accepts "" or an http, https or socks5 proxy URL with a host.
func validProxy(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return invalid("settings.http_proxy", "must be a proxy URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5", "socks5h":
		return nil
	default:
		return invalid("settings.http_proxy", "unsupported scheme %q", u.Scheme)
	}
}

// nodeExists reports a missing node as a validation error of field.
func (c *Catalog) nodeExists(ctx context.Context, field string, id int64) error {
	if _, err := c.store.GetNode(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return invalid(field, "node %d does not exist", id)
		}
		return err
	}
	return nil
}
