package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"veactl/internal/catalog"
	"veactl/internal/model"
	"veactl/internal/normalize"
	rtsup "veactl/internal/runtime/supervisor"
	"veactl/internal/storage"
	"veactl/internal/syncer"
	"veactl/internal/task/scheduler"
	"veactl/internal/telemetry"
	logx "veactl/pkg/logx"
)

const (
	maxJSONBody = 1 << 20
	maxRawBody  = 8 << 20

	defaultUplinkLimit = 20
)

// Catalog is the CRUD surface served under /v1. *catalog.Catalog satisfies it.
type Catalog interface {
	Normalize(format, raw string) (model.Document, error)

	ListProfiles(ctx context.Context) ([]*model.ConfigProfile, error)
	GetProfile(ctx context.Context, id int64) (*model.ConfigProfile, error)
	CreateProfile(ctx context.Context, in catalog.ProfileInput) (*model.ConfigProfile, error)
	UpdateProfile(ctx context.Context, id int64, patch catalog.ProfilePatch) (*model.ConfigProfile, error)
	DeleteProfile(ctx context.Context, id int64) error

	ListResources(ctx context.Context) ([]*model.GeoResource, error)
	GetResource(ctx context.Context, id int64) (*model.GeoResource, error)
	CreateResource(ctx context.Context, in catalog.ResourceInput) (*model.GeoResource, error)
	UpdateResource(ctx context.Context, id int64, patch catalog.ResourcePatch) (*model.GeoResource, error)
	DeleteResource(ctx context.Context, id int64) error

	ListNodes(ctx context.Context) ([]*model.Node, error)
	GetNode(ctx context.Context, id int64) (*model.Node, error)
	CreateNode(ctx context.Context, in catalog.NodeInput) (*model.Node, error)
	UpdateNode(ctx context.Context, id int64, patch catalog.NodePatch) (*model.Node, error)
	RecordUsage(ctx context.Context, id int64, in catalog.UsageInput) (*model.Node, error)
	DeleteNode(ctx context.Context, id int64) error

	ListRules(ctx context.Context) ([]*model.TrafficRule, error)
	GetRule(ctx context.Context, id int64) (*model.TrafficRule, error)
	CreateRule(ctx context.Context, in catalog.RuleInput) (*model.TrafficRule, error)
	UpdateRule(ctx context.Context, id int64, patch catalog.RulePatch) (*model.TrafficRule, error)
	DeleteRule(ctx context.Context, id int64) error

	Settings(ctx context.Context) (model.SystemSettings, error)
	Telemetry(ctx context.Context) (model.TelemetrySettings, error)
	UpdateTelemetry(ctx context.Context, patch model.TelemetryPatch) (model.TelemetrySettings, error)
	Routing(ctx context.Context) (model.RoutingSettings, error)
	UpdateRouting(ctx context.Context, patch model.RoutingPatch) (model.RoutingSettings, error)
}

type ProfileRefresher interface {
	RefreshByID(ctx context.Context, id int64) (*model.ConfigProfile, error)
}

type ResourceRefresher interface {
	RefreshByID(ctx context.Context, id int64) (*model.GeoResource, error)
}

// Prober runs on-demand measurements. *telemetry.Prober satisfies it.
type Prober interface {
	ProbeNode(ctx context.Context, id int64, req telemetry.ProbeRequest) (model.ProbeResult, error)
	Uplink(ctx context.Context) (model.UplinkSample, error)
	Snapshot() []scheduler.LoopInfo
}

type UplinkHistory interface {
	ListUplinkSamples(ctx context.Context, limit int) ([]model.UplinkSample, error)
}

type LoopSnapshotter interface {
	Snapshot() scheduler.Snapshot
}

// Deps are the components behind the API. Prober may be nil when telemetry
// is disabled; the probe and uplink routes then answer 503.
type Deps struct {
	Catalog    Catalog
	Profiles   ProfileRefresher
	Resources  ResourceRefresher
	Prober     Prober
	Uplinks    UplinkHistory
	Loops      LoopSnapshotter
	Supervisor *rtsup.Supervisor
	StartedAt  time.Time
}

// Status is the body of GET /v1/status.
type Status struct {
	Now        time.Time            `json:"now"`
	StartedAt  time.Time            `json:"started_at,omitzero"`
	Supervisor rtsup.Snapshot       `json:"supervisor"`
	Loops      []scheduler.LoopInfo `json:"loops"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler builds the routed, authenticated handler for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	d := s.deps
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("POST /v1/normalize", s.normalize)

	mux.HandleFunc("GET /v1/profiles", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, r, 0)(d.Catalog.ListProfiles(r.Context()))
	})
	mux.HandleFunc("POST /v1/profiles", func(w http.ResponseWriter, r *http.Request) {
		var in catalog.ProfileInput
		if s.decode(w, r, &in) {
			s.reply(w, r, http.StatusCreated)(d.Catalog.CreateProfile(r.Context(), in))
		}
	})
	mux.HandleFunc("GET /v1/profiles/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		s.reply(w, r, 0)(d.Catalog.GetProfile(r.Context(), id))
	}))
	mux.HandleFunc("PATCH /v1/profiles/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		var p catalog.ProfilePatch
		if s.decode(w, r, &p) {
			s.reply(w, r, 0)(d.Catalog.UpdateProfile(r.Context(), id, p))
		}
	}))
	mux.HandleFunc("DELETE /v1/profiles/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		s.noContent(w, r, d.Catalog.DeleteProfile(r.Context(), id))
	}))
	mux.HandleFunc("POST /v1/profiles/{id}/refresh", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		s.reply(w, r, 0)(d.Profiles.RefreshByID(r.Context(), id))
	}))

	mux.HandleFunc("GET /v1/resources", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, r, 0)(d.Catalog.ListResources(r.Context()))
	})
	mux.HandleFunc("POST /v1/resources", func(w http.ResponseWriter, r *http.Request) {
		var in catalog.ResourceInput
		if s.decode(w, r, &in) {
			s.reply(w, r, http.StatusCreated)(d.Catalog.CreateResource(r.Context(), in))
		}
	})
	mux.HandleFunc("GET /v1/resources/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		s.reply(w, r, 0)(d.Catalog.GetResource(r.Context(), id))
	}))
	mux.HandleFunc("PATCH /v1/resources/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		var p catalog.ResourcePatch
		if s.decode(w, r, &p) {
			s.reply(w, r, 0)(d.Catalog.UpdateResource(r.Context(), id, p))
		}
	}))
	mux.HandleFunc("DELETE /v1/resources/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		s.noContent(w, r, d.Catalog.DeleteResource(r.Context(), id))
	}))
	mux.HandleFunc("POST /v1/resources/{id}/refresh", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		s.reply(w, r, 0)(d.Resources.RefreshByID(r.Context(), id))
	}))

	mux.HandleFunc("GET /v1/nodes", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, r, 0)(d.Catalog.ListNodes(r.Context()))
	})
	mux.HandleFunc("POST /v1/nodes", func(w http.ResponseWriter, r *http.Request) {
		var in catalog.NodeInput
		if s.decode(w, r, &in) {
			s.reply(w, r, http.StatusCreated)(d.Catalog.CreateNode(r.Context(), in))
		}
	})
	mux.HandleFunc("GET /v1/nodes/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		s.reply(w, r, 0)(d.Catalog.GetNode(r.Context(), id))
	}))
	mux.HandleFunc("PATCH /v1/nodes/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		var p catalog.NodePatch
		if s.decode(w, r, &p) {
			s.reply(w, r, 0)(d.Catalog.UpdateNode(r.Context(), id, p))
		}
	}))
	mux.HandleFunc("DELETE /v1/nodes/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		s.noContent(w, r, d.Catalog.DeleteNode(r.Context(), id))
	}))
	mux.HandleFunc("POST /v1/nodes/{id}/usage", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		var in catalog.UsageInput
		if s.decode(w, r, &in) {
			s.reply(w, r, 0)(d.Catalog.RecordUsage(r.Context(), id, in))
		}
	}))
	mux.HandleFunc("POST /v1/nodes/{id}/probe", s.withID(s.probeNode))

	mux.HandleFunc("GET /v1/rules", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, r, 0)(d.Catalog.ListRules(r.Context()))
	})
	mux.HandleFunc("POST /v1/rules", func(w http.ResponseWriter, r *http.Request) {
		var in catalog.RuleInput
		if s.decode(w, r, &in) {
			s.reply(w, r, http.StatusCreated)(d.Catalog.CreateRule(r.Context(), in))
		}
	})
	mux.HandleFunc("GET /v1/rules/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		s.reply(w, r, 0)(d.Catalog.GetRule(r.Context(), id))
	}))
	mux.HandleFunc("PATCH /v1/rules/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		var p catalog.RulePatch
		if s.decode(w, r, &p) {
			s.reply(w, r, 0)(d.Catalog.UpdateRule(r.Context(), id, p))
		}
	}))
	mux.HandleFunc("DELETE /v1/rules/{id}", s.withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		s.noContent(w, r, d.Catalog.DeleteRule(r.Context(), id))
	}))

	mux.HandleFunc("GET /v1/settings", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, r, 0)(d.Catalog.Settings(r.Context()))
	})
	mux.HandleFunc("GET /v1/settings/routing", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, r, 0)(d.Catalog.Routing(r.Context()))
	})
	mux.HandleFunc("PATCH /v1/settings/routing", func(w http.ResponseWriter, r *http.Request) {
		var p model.RoutingPatch
		if s.decode(w, r, &p) {
			s.reply(w, r, 0)(d.Catalog.UpdateRouting(r.Context(), p))
		}
	})

	mux.HandleFunc("GET /v1/settings/telemetry", func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, r, 0)(d.Catalog.Telemetry(r.Context()))
	})
	mux.HandleFunc("PATCH /v1/settings/telemetry", func(w http.ResponseWriter, r *http.Request) {
		var p model.TelemetryPatch
		if s.decode(w, r, &p) {
			s.reply(w, r, 0)(d.Catalog.UpdateTelemetry(r.Context(), p))
		}
	})

	mux.HandleFunc("GET /v1/uplink", func(w http.ResponseWriter, r *http.Request) {
		limit := defaultUplinkLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		s.reply(w, r, 0)(d.Uplinks.ListUplinkSamples(r.Context(), limit))
	})
	mux.HandleFunc("POST /v1/uplink", func(w http.ResponseWriter, r *http.Request) {
		if d.Prober == nil {
			writeError(w, http.StatusServiceUnavailable, "telemetry is disabled")
			return
		}
		s.reply(w, r, http.StatusCreated)(d.Prober.Uplink(r.Context()))
	})

	if cfg.Pprof {
		mux.HandleFunc("GET /debug/pprof/", hpprof.Index)
		mux.HandleFunc("GET /debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("GET /debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("GET /debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("POST /debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("GET /debug/pprof/trace", hpprof.Trace)
	}

	return withAuth(cfg.Token, mux)
}

func (s *Service) status(w http.ResponseWriter, _ *http.Request) {
	st := Status{
		Now:        time.Now().UTC(),
		StartedAt:  s.deps.StartedAt,
		Supervisor: s.deps.Supervisor.Snapshot(),
	}
	if s.deps.Loops != nil {
		st.Loops = append(st.Loops, s.deps.Loops.Snapshot().Loops...)
	}
	if s.deps.Prober != nil {
		st.Loops = append(st.Loops, s.deps.Prober.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, st)
}

// probeNode takes an optional JSON body; ?speed=true alone also asks for a
// speed sample with the settings' URL and size.
func (s *Service) probeNode(w http.ResponseWriter, r *http.Request, id int64) {
	if s.deps.Prober == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry is disabled")
		return
	}
	var req telemetry.ProbeRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	if speed, _ := strconv.ParseBool(r.URL.Query().Get("speed")); speed {
		req.Speed = true
	}
	if err := catalog.ValidSpeedTest(req.TestURL, req.DownloadBytes); err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, r, 0)(s.deps.Prober.ProbeNode(r.Context(), id, req))
}

func (s *Service) normalize(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRawBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	s.reply(w, r, 0)(s.deps.Catalog.Normalize(r.URL.Query().Get("format"), string(raw)))
}

func (s *Service) withID(h func(http.ResponseWriter, *http.Request, int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		h(w, r, id)
	}
}

// decode reads a strict JSON body into dst; on failure it answers 400 and
// returns false.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

// decodeOptional is decode that accepts an empty body.
func (s *Service) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

// reply returns a sink for a (value, error) pair. ok of 0 means 200.
func (s *Service) reply(w http.ResponseWriter, r *http.Request, ok int) func(any, error) {
	return func(v any, err error) {
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if ok == 0 {
			ok = http.StatusOK
		}
		writeJSON(w, ok, v)
	}
}

func (s *Service) noContent(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	log := s.log.With(logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Int("status", code))
	if code >= http.StatusInternalServerError {
		log.Warn("request failed", logx.Err(err))
	} else {
		log.Debug("request rejected", logx.Err(err))
	}
	writeError(w, code, err.Error())
}

// statusOf maps domain errors to HTTP codes. ErrNoSource is checked before
// SyncError, which wraps it.
func statusOf(err error) int {
	var syncErr *syncer.SyncError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrInvalid), errors.Is(err, normalize.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, syncer.ErrNoSource), errors.Is(err, telemetry.ErrUplinkDisabled):
		return http.StatusConflict
	case errors.As(err, &syncErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}
