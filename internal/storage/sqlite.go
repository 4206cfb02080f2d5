package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"veactl/internal/model"
	logx "veactl/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// ---- profiles ----

const profileCols = `id, name, format, raw_content, normalized, source_url, auto_update,
	update_interval_minutes, next_due_at, last_synced_at, expire_at,
	upstream_bytes, downstream_bytes, total_quota`

func scanProfile(r rowScanner) (*model.ConfigProfile, error) {
	var (
		p                           model.ConfigProfile
		format, normalized          string
		source                      sql.NullString
		nextDue, lastSynced, expire sql.NullInt64
		quota                       sql.NullInt64
	)
	if err := r.Scan(&p.ID, &p.Name, &format, &p.RawContent, &normalized, &source, &p.AutoUpdate,
		&p.UpdateIntervalMinutes, &nextDue, &lastSynced, &expire,
		&p.UpstreamBytes, &p.DownstreamBytes, &quota); err != nil {
		return nil, err
	}
	p.Format = model.Format(format)
	p.SourceURL = source.String
	p.NextDueAt = fromMillis(nextDue)
	p.LastSyncedAt = fromMillis(lastSynced)
	p.ExpireAt = fromMillis(expire)
	if quota.Valid {
		q := quota.Int64
		p.TotalQuota = &q
	}
	doc, err := decodeDocument(normalized)
	if err != nil {
		return nil, fmt.Errorf("profile %d: %w", p.ID, err)
	}
	p.Normalized = doc
	return &p, nil
}

func (s *sqliteStore) CreateProfile(ctx context.Context, p *model.ConfigProfile) (*model.ConfigProfile, error) {
	doc, err := encodeDocument(p.Normalized)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO config_profiles(name, format, raw_content, normalized, source_url, auto_update,
			update_interval_minutes, next_due_at, last_synced_at, expire_at,
			upstream_bytes, downstream_bytes, total_quota)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.Name, string(p.Format), p.RawContent, doc, nullStr(p.SourceURL), p.AutoUpdate,
		p.UpdateIntervalMinutes, toMillis(p.NextDueAt), toMillis(p.LastSyncedAt), toMillis(p.ExpireAt),
		p.UpstreamBytes, p.DownstreamBytes, nullInt(p.TotalQuota),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetProfile(ctx, id)
}

func (s *sqliteStore) GetProfile(ctx context.Context, id int64) (*model.ConfigProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileCols+` FROM config_profiles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %d: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *sqliteStore) SaveProfile(ctx context.Context, p *model.ConfigProfile) error {
	doc, err := encodeDocument(p.Normalized)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE config_profiles SET name=?, format=?, raw_content=?, normalized=?, source_url=?, auto_update=?,
			update_interval_minutes=?, next_due_at=?, last_synced_at=?, expire_at=?,
			upstream_bytes=?, downstream_bytes=?, total_quota=?
		 WHERE id=?`,
		p.Name, string(p.Format), p.RawContent, doc, nullStr(p.SourceURL), p.AutoUpdate,
		p.UpdateIntervalMinutes, toMillis(p.NextDueAt), toMillis(p.LastSyncedAt), toMillis(p.ExpireAt),
		p.UpstreamBytes, p.DownstreamBytes, nullInt(p.TotalQuota), p.ID,
	)
	return affectedOrNotFound(res, err, "profile", p.ID)
}

func (s *sqliteStore) DeleteProfile(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM config_profiles WHERE id = ?`, id)
	return affectedOrNotFound(res, err, "profile", id)
}

func (s *sqliteStore) ListProfiles(ctx context.Context) ([]*model.ConfigProfile, error) {
	return queryAll(ctx, s.db, scanProfile, `SELECT `+profileCols+` FROM config_profiles ORDER BY id`)
}

func (s *sqliteStore) ListDueProfiles(ctx context.Context, now time.Time) ([]*model.ConfigProfile, error) {
	return queryAll(ctx, s.db, scanProfile,
		`SELECT `+profileCols+` FROM config_profiles
		 WHERE auto_update = 1 AND next_due_at IS NOT NULL AND next_due_at <= ?
		 ORDER BY id`, now.UnixMilli())
}

func (s *sqliteStore) SetProfileNextDue(ctx context.Context, id int64, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE config_profiles SET next_due_at = ? WHERE id = ? AND auto_update = 1`, next.UnixMilli(), id)
	return err
}

// ---- geo resources ----

const resourceCols = `id, name, resource_type, source_url, auto_update, update_interval_minutes,
	next_due_at, last_synced_at, checksum, size_bytes`

func scanResource(r rowScanner) (*model.GeoResource, error) {
	var (
		g                   model.GeoResource
		nextDue, lastSynced sql.NullInt64
		checksum            sql.NullString
		size                sql.NullInt64
	)
	if err := r.Scan(&g.ID, &g.Name, &g.ResourceType, &g.SourceURL, &g.AutoUpdate, &g.UpdateIntervalMinutes,
		&nextDue, &lastSynced, &checksum, &size); err != nil {
		return nil, err
	}
	g.NextDueAt = fromMillis(nextDue)
	g.LastSyncedAt = fromMillis(lastSynced)
	if checksum.Valid {
		c := checksum.String
		g.Checksum = &c
	}
	if size.Valid {
		n := size.Int64
		g.SizeBytes = &n
	}
	return &g, nil
}

func (s *sqliteStore) CreateResource(ctx context.Context, g *model.GeoResource) (*model.GeoResource, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO geo_resources(name, resource_type, source_url, auto_update, update_interval_minutes,
			next_due_at, last_synced_at, checksum, size_bytes)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		g.Name, g.ResourceType, g.SourceURL, g.AutoUpdate, g.UpdateIntervalMinutes,
		toMillis(g.NextDueAt), toMillis(g.LastSyncedAt), nullStrPtr(g.Checksum), nullInt(g.SizeBytes),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetResource(ctx, id)
}

func (s *sqliteStore) GetResource(ctx context.Context, id int64) (*model.GeoResource, error) {
	g, err := scanResource(s.db.QueryRowContext(ctx, `SELECT `+resourceCols+` FROM geo_resources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %d: %w", id, ErrNotFound)
	}
	return g, err
}

func (s *sqliteStore) SaveResource(ctx context.Context, g *model.GeoResource) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE geo_resources SET name=?, resource_type=?, source_url=?, auto_update=?, update_interval_minutes=?,
			next_due_at=?, last_synced_at=?, checksum=?, size_bytes=?
		 WHERE id=?`,
		g.Name, g.ResourceType, g.SourceURL, g.AutoUpdate, g.UpdateIntervalMinutes,
		toMillis(g.NextDueAt), toMillis(g.LastSyncedAt), nullStrPtr(g.Checksum), nullInt(g.SizeBytes), g.ID,
	)
	return affectedOrNotFound(res, err, "resource", g.ID)
}

func (s *sqliteStore) DeleteResource(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM geo_resources WHERE id = ?`, id)
	return affectedOrNotFound(res, err, "resource", id)
}

func (s *sqliteStore) ListResources(ctx context.Context) ([]*model.GeoResource, error) {
	return queryAll(ctx, s.db, scanResource, `SELECT `+resourceCols+` FROM geo_resources ORDER BY id`)
}

func (s *sqliteStore) ListDueResources(ctx context.Context, now time.Time) ([]*model.GeoResource, error) {
	return queryAll(ctx, s.db, scanResource,
		`SELECT `+resourceCols+` FROM geo_resources
		 WHERE auto_update = 1 AND next_due_at IS NOT NULL AND next_due_at <= ?
		 ORDER BY id`, now.UnixMilli())
}

func (s *sqliteStore) SetResourceNextDue(ctx context.Context, id int64, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE geo_resources SET next_due_at = ? WHERE id = ? AND auto_update = 1`, next.UnixMilli(), id)
	return err
}

// ---- nodes ----

const nodeCols = `id, name, address, port, protocol, active, settings, tags, last_latency_ms, last_speed_mb_s,
	upstream_bytes, downstream_bytes, total_quota, created_at, updated_at`

func scanNode(r rowScanner) (*model.Node, error) {
	var (
		n                model.Node
		settings, tags   string
		latency, speed   sql.NullFloat64
		quota            sql.NullInt64
		created, updated int64
	)
	if err := r.Scan(&n.ID, &n.Name, &n.Address, &n.Port, &n.Protocol, &n.Active, &settings, &tags, &latency, &speed,
		&n.UpstreamBytes, &n.DownstreamBytes, &quota, &created, &updated); err != nil {
		return nil, err
	}
	if latency.Valid {
		v := latency.Float64
		n.LastLatencyMs = &v
	}
	if speed.Valid {
		v := speed.Float64
		n.LastSpeedMBps = &v
	}
	if quota.Valid {
		v := quota.Int64
		n.TotalQuota = &v
	}
	doc, err := decodeDocument(settings)
	if err != nil {
		return nil, fmt.Errorf("node %d settings: %w", n.ID, err)
	}
	n.Settings = doc
	if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
		return nil, fmt.Errorf("node %d tags: %w", n.ID, err)
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	n.CreatedAt = time.UnixMilli(created).UTC()
	n.UpdatedAt = time.UnixMilli(updated).UTC()
	return &n, nil
}

func encodeNodeExtras(n *model.Node) (settings, tags string, err error) {
	if settings, err = encodeDocument(n.Settings); err != nil {
		return "", "", err
	}
	list := n.Tags
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	return settings, string(b), nil
}

func (s *sqliteStore) CreateNode(ctx context.Context, n *model.Node) (*model.Node, error) {
	now := time.Now()
	if !n.CreatedAt.IsZero() {
		now = n.CreatedAt
	}
	settings, tags, err := encodeNodeExtras(n)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes(name, address, port, protocol, active, settings, tags, last_latency_ms, last_speed_mb_s,
			upstream_bytes, downstream_bytes, total_quota, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.Name, n.Address, n.Port, n.Protocol, n.Active, settings, tags, nullFloat(n.LastLatencyMs), nullFloat(n.LastSpeedMBps),
		n.UpstreamBytes, n.DownstreamBytes, nullInt(n.TotalQuota), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetNode(ctx, id)
}

func (s *sqliteStore) GetNode(ctx context.Context, id int64) (*model.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeCols+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return n, err
}

func (s *sqliteStore) SaveNode(ctx context.Context, n *model.Node) error {
	settings, tags, err := encodeNodeExtras(n)
	if err != nil {
		return err
	}
	updated := n.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET name = ?, address = ?, port = ?, protocol = ?, active = ?, settings = ?, tags = ?,
			upstream_bytes = ?, downstream_bytes = ?, total_quota = ?, updated_at = ?
		 WHERE id = ?`,
		n.Name, n.Address, n.Port, n.Protocol, n.Active, settings, tags,
		n.UpstreamBytes, n.DownstreamBytes, nullInt(n.TotalQuota), updated.UnixMilli(), n.ID,
	)
	return affectedOrNotFound(res, err, "node", n.ID)
}

func (s *sqliteStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	return queryAll(ctx, s.db, scanNode, `SELECT `+nodeCols+` FROM nodes ORDER BY id`)
}

func (s *sqliteStore) ListActiveNodes(ctx context.Context) ([]model.NodeTarget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, address, port FROM nodes WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.NodeTarget
	for rows.Next() {
		var t model.NodeTarget
		if err := rows.Scan(&t.ID, &t.Address, &t.Port); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteNode removes the node and the traffic rules pointing at it.
func (s *sqliteStore) DeleteNode(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM traffic_rules WHERE node_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err := affectedOrNotFound(res, err, "node", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) BulkWriteLatency(ctx context.Context, results []model.ProbeResult, at time.Time) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE nodes SET
			last_latency_ms = COALESCE(?, last_latency_ms),
			last_speed_mb_s = COALESCE(?, last_speed_mb_s),
			updated_at = ?
		 WHERE id = ?`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	written := 0
	for _, r := range results {
		res, err := stmt.ExecContext(ctx, nullFloat(r.LatencyMs), nullFloat(r.SpeedMBps), at.UnixMilli(), r.NodeID)
		if err != nil {
			return 0, fmt.Errorf("node %d: %w", r.NodeID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			written++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// ---- traffic rules ----

const ruleCols = `id, name, match_type, match_value, priority, node_id, description`

func scanRule(r rowScanner) (*model.TrafficRule, error) {
	var (
		t     model.TrafficRule
		match string
	)
	if err := r.Scan(&t.ID, &t.Name, &match, &t.MatchValue, &t.Priority, &t.NodeID, &t.Description); err != nil {
		return nil, err
	}
	t.MatchType = model.MatchType(match)
	return &t, nil
}

func (s *sqliteStore) CreateRule(ctx context.Context, t *model.TrafficRule) (*model.TrafficRule, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO traffic_rules(name, match_type, match_value, priority, node_id, description) VALUES(?,?,?,?,?,?)`,
		t.Name, string(t.MatchType), t.MatchValue, t.Priority, t.NodeID, t.Description,
	)
	if err != nil {
		return nil, ruleNodeErr(err, t.NodeID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetRule(ctx, id)
}

func (s *sqliteStore) GetRule(ctx context.Context, id int64) (*model.TrafficRule, error) {
	t, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM traffic_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) SaveRule(ctx context.Context, t *model.TrafficRule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE traffic_rules SET name = ?, match_type = ?, match_value = ?, priority = ?, node_id = ?, description = ?
		 WHERE id = ?`,
		t.Name, string(t.MatchType), t.MatchValue, t.Priority, t.NodeID, t.Description, t.ID,
	)
	return affectedOrNotFound(res, ruleNodeErr(err, t.NodeID), "rule", t.ID)
}

// ruleNodeErr maps a foreign key failure on traffic_rules.node_id to
// ErrNotFound so both drivers report a dangling node the same way.
func ruleNodeErr(err error, nodeID int64) error {
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("rule references node %d: %w", nodeID, ErrNotFound)
	}
	return err
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM traffic_rules WHERE id = ?`, id)
	return affectedOrNotFound(res, err, "rule", id)
}

func (s *sqliteStore) ListRules(ctx context.Context) ([]*model.TrafficRule, error) {
	return queryAll(ctx, s.db, scanRule, `SELECT `+ruleCols+` FROM traffic_rules ORDER BY priority, id`)
}

// ---- settings ----

func (s *sqliteStore) GetOrCreateSettings(ctx context.Context) (model.SystemSettings, error) {
	var tele, dns, routing string
	err := s.db.QueryRowContext(ctx, `SELECT telemetry, dns, routing FROM system_settings WHERE id = 1`).Scan(&tele, &dns, &routing)
	if errors.Is(err, sql.ErrNoRows) {
		def := model.DefaultSettings()
		if err := s.upsertSettings(ctx, def, true); err != nil {
			return model.SystemSettings{}, err
		}
		return s.GetOrCreateSettings(ctx)
	}
	if err != nil {
		return model.SystemSettings{}, err
	}
	out := model.DefaultSettings()
	if err := json.Unmarshal([]byte(tele), &out.Telemetry); err != nil {
		return model.SystemSettings{}, fmt.Errorf("settings telemetry: %w", err)
	}
	if err := json.Unmarshal([]byte(dns), &out.DNS); err != nil {
		return model.SystemSettings{}, fmt.Errorf("settings dns: %w", err)
	}
	if err := json.Unmarshal([]byte(routing), &out.Routing); err != nil {
		return model.SystemSettings{}, fmt.Errorf("settings routing: %w", err)
	}
	if out.Routing.Rules == nil {
		out.Routing.Rules = []any{}
	}
	return out, nil
}

func (s *sqliteStore) SaveSettings(ctx context.Context, st model.SystemSettings) error {
	return s.upsertSettings(ctx, st, false)
}

// upsertSettings with onlyIfMissing keeps a row written concurrently by
// another caller.
func (s *sqliteStore) upsertSettings(ctx context.Context, st model.SystemSettings, onlyIfMissing bool) error {
	tele, err := json.Marshal(st.Telemetry)
	if err != nil {
		return err
	}
	dns, err := json.Marshal(st.DNS)
	if err != nil {
		return err
	}
	if st.Routing.Rules == nil {
		st.Routing.Rules = []any{}
	}
	routing, err := json.Marshal(st.Routing)
	if err != nil {
		return fmt.Errorf("settings routing: %w", err)
	}
	q := `INSERT INTO system_settings(id, telemetry, dns, routing) VALUES(1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET telemetry = excluded.telemetry, dns = excluded.dns, routing = excluded.routing`
	if onlyIfMissing {
		q = `INSERT INTO system_settings(id, telemetry, dns, routing) VALUES(1, ?, ?, ?) ON CONFLICT(id) DO NOTHING`
	}
	_, err = s.db.ExecContext(ctx, q, string(tele), string(dns), string(routing))
	return err
}

// ---- uplink samples ----

func (s *sqliteStore) AppendUplinkSample(ctx context.Context, u model.UplinkSample) (model.UplinkSample, error) {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO uplink_samples(at, download_mbps, upload_mbps, ping_ms, server, isp) VALUES(?,?,?,?,?,?)`,
		u.At.UnixMilli(), u.DownloadMbps, u.UploadMbps, u.PingMs, u.Server, u.ISP,
	)
	if err != nil {
		return model.UplinkSample{}, err
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return model.UplinkSample{}, err
	}
	u.At = time.UnixMilli(u.At.UnixMilli()).UTC()
	return u, nil
}

func (s *sqliteStore) ListUplinkSamples(ctx context.Context, limit int) ([]model.UplinkSample, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, download_mbps, upload_mbps, ping_ms, server, isp
		 FROM uplink_samples ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.UplinkSample
	for rows.Next() {
		var (
			u  model.UplinkSample
			at int64
		)
		if err := rows.Scan(&u.ID, &at, &u.DownloadMbps, &u.UploadMbps, &u.PingMs, &u.Server, &u.ISP); err != nil {
			return nil, err
		}
		u.At = time.UnixMilli(at).UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---- helpers ----

func queryAll[T any](ctx context.Context, db *sql.DB, scan func(rowScanner) (T, error), q string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func affectedOrNotFound(res sql.Result, err error, kind string, id int64) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func encodeDocument(d model.Document) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(b), nil
}

func decodeDocument(s string) (model.Document, error) {
	if strings.TrimSpace(s) == "" {
		return model.Document{}, nil
	}
	var d model.Document
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
