package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"veactl/internal/model"
	"veactl/internal/runtime/supervisor"
	"veactl/internal/syncer"
	logx "veactl/pkg/logx"
)

// Service owns the profile and resource sync loops.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	cadences map[string]ParsedSpec
	state    map[string]*LoopInfo

	profiles  profileSource
	resources resourceSource
	log       logx.Logger
}

func New(cfg Config, profiles *syncer.ProfileSyncer, resources *syncer.ResourceSyncer, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		profiles:  profileSource{s: profiles},
		resources: resourceSource{s: resources},
		log:       log.With(logx.String("comp", "scheduler")),
		state: map[string]*LoopInfo{
			LoopProfiles:  {Name: LoopProfiles},
			LoopResources: {Name: LoopResources},
		},
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply validates and swaps the poll cadences. Running loops pick them up
// after their current wait.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	pp, err := ParseSchedule(cfg.ProfilePoll)
	if err != nil {
		return fmt.Errorf("profile_poll: %w", err)
	}
	rp, err := ParseSchedule(cfg.ResourcePoll)
	if err != nil {
		return fmt.Errorf("resource_poll: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.cadences = map[string]ParsedSpec{LoopProfiles: pp, LoopResources: rp}
	for name, st := range s.state {
		st.Cadence = s.cadences[name].String()
	}
	return nil
}

// RefreshDueProfiles runs one pass over due profiles. A zero now means the
// syncer clock.
func (s *Service) RefreshDueProfiles(ctx context.Context, now time.Time) ([]int64, error) {
	if now.IsZero() {
		now = s.profiles.Now()
	}
	return RefreshDue[*model.ConfigProfile](ctx, s.profiles, now, s.log)
}

func (s *Service) RefreshDueResources(ctx context.Context, now time.Time) ([]int64, error) {
	if now.IsZero() {
		now = s.resources.Now()
	}
	return RefreshDue[*model.GeoResource](ctx, s.resources, now, s.log)
}

// Start launches both loops under sup. Each ticks immediately.
func (s *Service) Start(sup *supervisor.Supervisor) {
	s.startLoop(sup, LoopProfiles, s.RefreshDueProfiles)
	s.startLoop(sup, LoopResources, s.RefreshDueResources)
}

func (s *Service) startLoop(sup *supervisor.Supervisor, name string, pass func(context.Context, time.Time) ([]int64, error)) {
	sup.Go0(name, func(ctx context.Context) {
		RunLoop(ctx, name, func(ctx context.Context) time.Duration {
			started := time.Now()
			ids, err := pass(ctx, time.Time{})
			log := s.log.With(logx.String("loop", name), logx.String("tick", TickID(ctx)))
			if err != nil {
				log.Error("due pass failed", logx.Err(err))
			} else if len(ids) > 0 {
				log.Info("due pass refreshed", logx.Int64s("ids", ids))
			}
			return s.finishTick(name, started, ids, err)
		}, WithLoopLogger(s.log))
	})
}

// finishTick records the tick outcome and returns the wait from the current
// cadence.
func (s *Service) finishTick(name string, started time.Time, ids []int64, err error) time.Duration {
	end := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	spec := s.cadences[name]
	wait, werr := spec.Wait(end)
	if werr != nil {
		// Apply validates cadences, so this only trips on a zero Service.
		wait = time.Minute
	}
	st := s.state[name]
	st.Ticks++
	st.LastTickAt = started
	st.LastTook = end.Sub(started)
	st.LastRefreshed = ids
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
	st.NextAt = end.Add(wait)
	return wait
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Loops: make([]LoopInfo, 0, len(s.state))}
	for _, name := range []string{LoopProfiles, LoopResources} {
		st := *s.state[name]
		st.LastRefreshed = append([]int64(nil), st.LastRefreshed...)
		out.Loops = append(out.Loops, st)
	}
	return out
}
