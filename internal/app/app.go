// Package app wires the store, the sync and telemetry loops, the ops server
// and config hot-reload under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"veactl/internal/catalog"
	"veactl/internal/config"
	"veactl/internal/eventbus"
	"veactl/internal/fetch"
	"veactl/internal/normalize"
	"veactl/internal/observability/ops"
	"veactl/internal/runtime/supervisor"
	"veactl/internal/storage"
	"veactl/internal/syncer"
	"veactl/internal/task/scheduler"
	"veactl/internal/telemetry"
	logx "veactl/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	fetch *fetch.Fetcher

	catalog   *catalog.Catalog
	profiles  *syncer.ProfileSyncer
	resources *syncer.ResourceSyncer
	sched     *scheduler.Service
	prober    *telemetry.Prober // nil when telemetry is off
	ops       *ops.Service

	opsCfg    ops.Config
	grace     atomic.Int64
	startedAt time.Time
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.String("comp", "app"))

	sc := mapStorageConfig(cfg, res)
	store, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   eventbus.New(),
		store: store,
		fetch: fetch.New(mapFetchConfig(cfg), log),
	}
	a.grace.Store(int64(res.ShutdownGrace))
	if err := a.build(cfg, res); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, res config.Resolved) error {
	norm := normalize.New()
	a.catalog = catalog.New(a.store, catalog.WithNormalizer(norm), catalog.WithLogger(a.log))
	a.profiles = syncer.NewProfileSyncer(a.store, a.fetch, norm,
		syncer.WithTimeout(res.ProfileTimeout), syncer.WithBus(a.bus), syncer.WithLogger(a.log))
	a.resources = syncer.NewResourceSyncer(a.store, a.fetch,
		syncer.WithTimeout(res.ResourceTimeout), syncer.WithBus(a.bus), syncer.WithLogger(a.log))

	sched, err := scheduler.New(mapSchedulerConfig(cfg), a.profiles, a.resources, a.log)
	if err != nil {
		return err
	}
	a.sched = sched

	if cfg.Telemetry.On() {
		p, err := newTelemetry(cfg, res, a.store, a.fetch, a.bus, a.log)
		if err != nil {
			return err
		}
		a.prober = p
	} else {
		a.log.Info("telemetry disabled by config")
	}
	a.opsCfg = mapOpsConfig(cfg, res)
	return nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// OpsAddr is the bound ops address, "" when the server is off.
func (a *App) OpsAddr() string {
	if a.ops == nil {
		return ""
	}
	return a.ops.Addr()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.startedAt = time.Now().UTC()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.sched.Start(a.sup)
	if a.prober != nil {
		a.prober.Start(a.sup)
	}

	deps := ops.Deps{
		Catalog:    a.catalog,
		Profiles:   a.profiles,
		Resources:  a.resources,
		Uplinks:    a.store,
		Loops:      a.sched,
		Supervisor: a.sup,
		StartedAt:  a.startedAt,
	}
	if a.prober != nil {
		deps.Prober = a.prober
	}
	a.ops = ops.New(a.opsCfg, deps, a.log)
	a.ops.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config is applied.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("telemetry", a.prober != nil),
		logx.Bool("ops", a.opsCfg.Enabled),
	)
	return nil
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, attrs := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.NeedsRestart(changed); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(next.Logging.Logx())
	if err := a.sched.Apply(mapSchedulerConfig(next)); err != nil {
		a.log.Warn("invalid sync cadence; keeping previous", logx.Err(err))
	}
	res, err := next.Resolve()
	if err != nil {
		a.log.Warn("invalid durations; keeping previous ops and grace", logx.Err(err))
	} else {
		a.grace.Store(int64(res.ShutdownGrace))
		a.opsCfg = mapOpsConfig(next, res)
		a.ops.Reconfigure(ctx, a.opsCfg)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop cancels every loop and waits up to the shutdown grace. Loops still
// running after that are abandoned and logged.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if limit > 0 {
			// never extend the caller's deadline
			stepCtx, cancel = context.WithTimeout(ctx, limit)
		}
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("loops", time.Duration(a.grace.Load()), func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("abandoning loops after shutdown grace", logx.String("running", strings.Join(a.sup.Running(), ",")))
		}
		return err
	})
	a.fetch.CloseIdleConnections()
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
