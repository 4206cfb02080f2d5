package normalize

import (
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	yaml "go.yaml.in/yaml/v3"
)

// decoded is the outcome of a best-effort decode; ok=false means "use the
// original text".
type decoded struct {
	text string
	ok   bool
}

var base64Encodings = []*base64.Encoding{base64.StdEncoding, base64.URLEncoding}

// maybeBase64 decodes subscription payloads. Line-wrapped bodies are common,
// so line breaks are dropped before padding to a multiple of 4. Inner spaces
// are not: text containing them is never treated as base64.
func maybeBase64(content string) decoded {
	s := strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, strings.TrimSpace(content))
	if s == "" {
		return decoded{}
	}
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	for _, enc := range base64Encodings {
		b, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if !utf8.Valid(b) {
			return decoded{}
		}
		return decoded{text: string(b), ok: true}
	}
	return decoded{}
}

// parseYAMLMapping never fails: empty, malformed or non-mapping documents
// all become an empty mapping.
func parseYAMLMapping(text string) map[string]any {
	var v any
	if err := yaml.Unmarshal([]byte(text), &v); err != nil {
		return map[string]any{}
	}
	m, ok := StringKeys(v).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return m
}

// StringKeys ensures all map keys are strings so the result can be JSON-marshaled.
// YAML's .inf and .nan have no JSON form and come back as their YAML spelling.
func StringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = StringKeys(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = StringKeys(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = StringKeys(x[i])
		}
		return x
	case float64:
		return finiteOrText(x)
	default:
		return in
	}
}

func finiteOrText(f float64) any {
	switch {
	case math.IsNaN(f):
		return ".nan"
	case math.IsInf(f, 1):
		return ".inf"
	case math.IsInf(f, -1):
		return "-.inf"
	default:
		return f
	}
}
