// Package normalize turns a profile's raw source text into a
// format-independent document.
//
// Only an unknown format tag is an error. Malformed content inside a known
// format degrades to a best-effort document instead:
//   - JSON dialects / subscriptions: {"raw": text} run through generic extraction
//   - Clash YAML: an empty mapping
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"veactl/internal/model"
)

// ErrUnsupportedFormat matches every *UnsupportedFormatError via errors.Is.
var ErrUnsupportedFormat = errors.New("unsupported config format")

type UnsupportedFormatError struct {
	Format model.Format
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported config format: %q", string(e.Format))
}

func (e *UnsupportedFormatError) Is(target error) bool { return target == ErrUnsupportedFormat }

// Normalizer is safe for concurrent use.
type Normalizer struct {
	now func() time.Time
}

type Option func(*Normalizer)

// WithClock overrides the generation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

func New(opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, o := range opts {
		o(n)
	}
	return n
}

var std = New()

// Normalize uses a default Normalizer.
func Normalize(format model.Format, raw string) (model.Document, error) {
	return std.Normalize(format, raw)
}

func (n *Normalizer) Normalize(format model.Format, raw string) (model.Document, error) {
	switch format {
	case model.FormatXrayJSON, model.FormatSingBoxJSON:
		return n.generic(parseObject(raw)), nil
	case model.FormatV2RayN:
		text := raw
		if d := maybeBase64(raw); d.ok {
			text = d.text
		}
		return n.generic(parseObject(text)), nil
	case model.FormatClash:
		return n.clash(parseYAMLMapping(raw)), nil
	case model.FormatRaw:
		return model.Document{"raw": raw}, nil
	default:
		return nil, &UnsupportedFormatError{Format: format}
	}
}

func (n *Normalizer) stamp() string {
	return n.now().UTC().Format(time.RFC3339Nano)
}

// parseObject parses a JSON object; anything else is wrapped as {"raw": text}.
func parseObject(text string) map[string]any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return map[string]any{"raw": text}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{"raw": text}
	}
	return m
}

func (n *Normalizer) generic(data map[string]any) model.Document {
	meta := map[string]any{
		"remark":       data["remark"],
		"generated_at": n.stamp(),
	}
	doc := model.Document{
		"inbounds":  orEmptyList(data, "inbounds"),
		"outbounds": orEmptyList(data, "outbounds"),
		"routing":   orEmptyMap(data, "routing"),
		"dns":       orEmptyMap(data, "dns"),
		"metadata":  meta,
	}
	if raw, ok := data["raw"].(string); ok {
		doc["raw"] = raw
	}
	if v, ok := data["outbounds"]; ok {
		meta["outbound_count"] = length(v)
	}
	if routing, ok := data["routing"].(map[string]any); ok {
		if rules, ok := routing["rules"].([]any); ok {
			meta["rule_count"] = len(rules)
		}
	}
	return doc
}

func (n *Normalizer) clash(data map[string]any) model.Document {
	proxies := listOrEmpty(data["proxies"])
	groups := listOrEmpty(data["proxy-groups"])
	rules := listOrEmpty(data["rules"])
	return model.Document{
		"proxies":      proxies,
		"proxy_groups": groups,
		"rules":        rules,
		"metadata": map[string]any{
			"proxy_count":  len(proxies),
			"group_count":  len(groups),
			"rule_count":   len(rules),
			"generated_at": n.stamp(),
		},
	}
}

// orEmptyList keeps whatever value the key holds (dialects differ on shape)
// and only substitutes an empty list when the key is absent.
func orEmptyList(m map[string]any, key string) any {
	if v, ok := m[key]; ok {
		return v
	}
	return []any{}
}

func orEmptyMap(m map[string]any, key string) any {
	if v, ok := m[key]; ok {
		return v
	}
	return map[string]any{}
}

func listOrEmpty(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return []any{}
}

func length(v any) int {
	switch x := v.(type) {
	case []any:
		return len(x)
	case map[string]any:
		return len(x)
	case string:
		return len(x)
	default:
		return 0
	}
}
