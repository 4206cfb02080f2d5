// Package catalog is the CRUD side of profiles, geo resources, nodes,
// traffic rules and the settings singleton. It owns the invariants the background loops rely on:
// next_due is set iff auto_update, and stored documents are always the
// normalization of the stored raw content.
package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"veactl/internal/model"
	"veactl/internal/normalize"
	"veactl/internal/storage"
	logx "veactl/pkg/logx"
)

const (
	MinProfileInterval  = 5
	MaxProfileInterval  = 1440
	MinResourceInterval = 30
	MaxResourceInterval = 10080

	MinSpeedTestBytes = 100_000
	MaxSpeedTestBytes = 50_000_000
)

// ErrInvalid is matched by every *ValidationError.
var ErrInvalid = errors.New("invalid input")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type Catalog struct {
	store storage.Store
	norm  *normalize.Normalizer
	now   func() time.Time
	log   logx.Logger
}

type Option func(*Catalog)

func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

func WithNormalizer(n *normalize.Normalizer) Option {
	return func(c *Catalog) {
		if n != nil {
			c.norm = n
		}
	}
}

func WithLogger(l logx.Logger) Option { return func(c *Catalog) { c.log = l } }

func New(store storage.Store, opts ...Option) *Catalog {
	c := &Catalog{store: store, norm: normalize.New(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "catalog"))
	return c
}

func (c *Catalog) clock() time.Time { return c.now().UTC() }

// Normalize runs the normalizer the catalog stores documents with.
func (c *Catalog) Normalize(format string, raw string) (model.Document, error) {
	f, _ := model.ParseFormat(format)
	return c.norm.Normalize(f, raw)
}

func validInterval(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return invalid(field, "must be within %d..%d minutes, got %d", lo, hi, v)
	}
	return nil
}

// validSource accepts "" (no source) or an absolute http(s) URL.
func validSource(field, raw string, required bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return invalid(field, "is required")
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid(field, "must be an http(s) URL")
	}
	return nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
