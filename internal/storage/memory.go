package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"veactl/internal/model"
)

type memStore struct {
	mu sync.Mutex

	seq       int64
	profiles  map[int64]*model.ConfigProfile
	resources map[int64]*model.GeoResource
	nodes     map[int64]*model.Node
	rules     map[int64]*model.TrafficRule
	settings  *model.SystemSettings
	uplink    []model.UplinkSample
}

func newMemory() *memStore {
	return &memStore{
		profiles:  map[int64]*model.ConfigProfile{},
		resources: map[int64]*model.GeoResource{},
		nodes:     map[int64]*model.Node{},
		rules:     map[int64]*model.TrafficRule{},
	}
}

func (m *memStore) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *memStore) Close() error { return nil }

// ---- profiles ----

func (m *memStore) CreateProfile(_ context.Context, p *model.ConfigProfile) (*model.ConfigProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneProfile(p)
	cp.ID = m.nextID()
	m.profiles[cp.ID] = cp
	return cloneProfile(cp), nil
}

func (m *memStore) GetProfile(_ context.Context, id int64) (*model.ConfigProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %d: %w", id, ErrNotFound)
	}
	return cloneProfile(p), nil
}

func (m *memStore) SaveProfile(_ context.Context, p *model.ConfigProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.ID]; !ok {
		return fmt.Errorf("profile %d: %w", p.ID, ErrNotFound)
	}
	m.profiles[p.ID] = cloneProfile(p)
	return nil
}

func (m *memStore) DeleteProfile(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[id]; !ok {
		return fmt.Errorf("profile %d: %w", id, ErrNotFound)
	}
	delete(m.profiles, id)
	return nil
}

func (m *memStore) ListProfiles(_ context.Context) ([]*model.ConfigProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedClones(m.profiles, func(*model.ConfigProfile) bool { return true }, cloneProfile), nil
}

func (m *memStore) ListDueProfiles(_ context.Context, now time.Time) ([]*model.ConfigProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedClones(m.profiles, func(p *model.ConfigProfile) bool {
		return isDue(p.AutoUpdate, p.NextDueAt, now)
	}, cloneProfile), nil
}

func (m *memStore) SetProfileNextDue(_ context.Context, id int64, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.profiles[id]; ok && p.AutoUpdate {
		t := next.UTC()
		p.NextDueAt = &t
	}
	return nil
}

// ---- geo resources ----

func (m *memStore) CreateResource(_ context.Context, g *model.GeoResource) (*model.GeoResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneResource(g)
	cp.ID = m.nextID()
	m.resources[cp.ID] = cp
	return cloneResource(cp), nil
}

func (m *memStore) GetResource(_ context.Context, id int64) (*model.GeoResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %d: %w", id, ErrNotFound)
	}
	return cloneResource(g), nil
}

func (m *memStore) SaveResource(_ context.Context, g *model.GeoResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[g.ID]; !ok {
		return fmt.Errorf("resource %d: %w", g.ID, ErrNotFound)
	}
	m.resources[g.ID] = cloneResource(g)
	return nil
}

func (m *memStore) DeleteResource(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[id]; !ok {
		return fmt.Errorf("resource %d: %w", id, ErrNotFound)
	}
	delete(m.resources, id)
	return nil
}

func (m *memStore) ListResources(_ context.Context) ([]*model.GeoResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedClones(m.resources, func(*model.GeoResource) bool { return true }, cloneResource), nil
}

func (m *memStore) ListDueResources(_ context.Context, now time.Time) ([]*model.GeoResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedClones(m.resources, func(g *model.GeoResource) bool {
		return isDue(g.AutoUpdate, g.NextDueAt, now)
	}, cloneResource), nil
}

func (m *memStore) SetResourceNextDue(_ context.Context, id int64, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.resources[id]; ok && g.AutoUpdate {
		t := next.UTC()
		g.NextDueAt = &t
	}
	return nil
}

// ---- nodes ----

func (m *memStore) CreateNode(_ context.Context, n *model.Node) (*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneNode(n)
	cp.ID = m.nextID()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.nodes[cp.ID] = cp
	return cloneNode(cp), nil
}

func (m *memStore) GetNode(_ context.Context, id int64) (*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return cloneNode(n), nil
}

// SaveNode leaves the measurement fields as stored.
func (m *memStore) SaveNode(_ context.Context, n *model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.nodes[n.ID]
	if !ok {
		return fmt.Errorf("node %d: %w", n.ID, ErrNotFound)
	}
	cp := cloneNode(n)
	cp.CreatedAt = cur.CreatedAt
	cp.LastLatencyMs = cur.LastLatencyMs
	cp.LastSpeedMBps = cur.LastSpeedMBps
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	m.nodes[n.ID] = cp
	return nil
}

func (m *memStore) ListNodes(_ context.Context) ([]*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedClones(m.nodes, func(*model.Node) bool { return true }, cloneNode), nil
}

func (m *memStore) ListActiveNodes(_ context.Context) ([]model.NodeTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := sortedClones(m.nodes, func(n *model.Node) bool { return n.Active }, cloneNode)
	out := make([]model.NodeTarget, 0, len(active))
	for _, n := range active {
		out = append(out, model.NodeTarget{ID: n.ID, Address: n.Address, Port: n.Port})
	}
	return out, nil
}

func (m *memStore) DeleteNode(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	delete(m.nodes, id)
	for rid, r := range m.rules {
		if r.NodeID == id {
			delete(m.rules, rid)
		}
	}
	return nil
}

func (m *memStore) BulkWriteLatency(ctx context.Context, results []model.ProbeResult, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	written := 0
	for _, r := range results {
		n, ok := m.nodes[r.NodeID]
		if !ok {
			continue
		}
		if r.LatencyMs != nil {
			n.LastLatencyMs = ptr(*r.LatencyMs)
		}
		if r.SpeedMBps != nil {
			n.LastSpeedMBps = ptr(*r.SpeedMBps)
		}
		n.UpdatedAt = at.UTC()
		written++
	}
	return written, nil
}

// ---- traffic rules ----

func (m *memStore) CreateRule(_ context.Context, r *model.TrafficRule) (*model.TrafficRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[r.NodeID]; !ok {
		return nil, fmt.Errorf("rule references node %d: %w", r.NodeID, ErrNotFound)
	}
	cp := *r
	cp.ID = m.nextID()
	m.rules[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) GetRule(_ context.Context, id int64) (*model.TrafficRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	out := *r
	return &out, nil
}

func (m *memStore) SaveRule(_ context.Context, r *model.TrafficRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return fmt.Errorf("rule %d: %w", r.ID, ErrNotFound)
	}
	if _, ok := m.nodes[r.NodeID]; !ok {
		return fmt.Errorf("rule references node %d: %w", r.NodeID, ErrNotFound)
	}
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *memStore) DeleteRule(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	delete(m.rules, id)
	return nil
}

func (m *memStore) ListRules(_ context.Context) ([]*model.TrafficRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.TrafficRule, 0, len(m.rules))
	for _, r := range m.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ---- settings ----

func (m *memStore) GetOrCreateSettings(_ context.Context) (model.SystemSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		s := model.DefaultSettings()
		m.settings = &s
	}
	return cloneSettings(*m.settings), nil
}

func (m *memStore) SaveSettings(_ context.Context, s model.SystemSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneSettings(s)
	m.settings = &cp
	return nil
}

// ---- uplink samples ----

func (m *memStore) AppendUplinkSample(_ context.Context, u model.UplinkSample) (model.UplinkSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.At.IsZero() {
		u.At = time.Now()
	}
	u.At = u.At.UTC()
	u.ID = m.nextID()
	m.uplink = append(m.uplink, u)
	return u, nil
}

func (m *memStore) ListUplinkSamples(_ context.Context, limit int) ([]model.UplinkSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]model.UplinkSample, len(m.uplink))
	copy(out, m.uplink)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID > out[j].ID
		}
		return out[i].At.After(out[j].At)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- copies ----

func isDue(auto bool, next *time.Time, now time.Time) bool {
	return auto && next != nil && !next.After(now)
}

func sortedClones[T any](m map[int64]T, keep func(T) bool, clone func(T) T) []T {
	ids := make([]int64, 0, len(m))
	for id, v := range m {
		if keep(v) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(m[id]))
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	return ptr(*p)
}

func cloneProfile(p *model.ConfigProfile) *model.ConfigProfile {
	cp := *p
	cp.Normalized = cloneDocument(p.Normalized)
	cp.NextDueAt = clonePtr(p.NextDueAt)
	cp.LastSyncedAt = clonePtr(p.LastSyncedAt)
	cp.ExpireAt = clonePtr(p.ExpireAt)
	cp.TotalQuota = clonePtr(p.TotalQuota)
	return &cp
}

func cloneResource(g *model.GeoResource) *model.GeoResource {
	cp := *g
	cp.NextDueAt = clonePtr(g.NextDueAt)
	cp.LastSyncedAt = clonePtr(g.LastSyncedAt)
	cp.Checksum = clonePtr(g.Checksum)
	cp.SizeBytes = clonePtr(g.SizeBytes)
	return &cp
}

func cloneNode(n *model.Node) *model.Node {
	cp := *n
	cp.Settings = cloneDocument(n.Settings)
	if cp.Settings == nil {
		cp.Settings = model.Document{}
	}
	cp.Tags = append([]string{}, n.Tags...)
	cp.LastLatencyMs = clonePtr(n.LastLatencyMs)
	cp.LastSpeedMBps = clonePtr(n.LastSpeedMBps)
	cp.TotalQuota = clonePtr(n.TotalQuota)
	return &cp
}

func cloneSettings(s model.SystemSettings) model.SystemSettings {
	s.DNS.Servers = append([]string(nil), s.DNS.Servers...)
	s.Routing.DefaultNodeID = clonePtr(s.Routing.DefaultNodeID)
	s.Routing.Rules = cloneValue(append([]any{}, s.Routing.Rules...)).([]any)
	return s
}

func cloneDocument(d model.Document) model.Document {
	if d == nil {
		return nil
	}
	return model.Document(cloneValue(map[string]any(d)).(map[string]any))
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		l := make([]any, len(x))
		for i, e := range x {
			l[i] = cloneValue(e)
		}
		return l
	default:
		return v
	}
}
