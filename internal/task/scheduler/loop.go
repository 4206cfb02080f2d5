package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	logx "veactl/pkg/logx"
)

// TickFunc performs one tick and returns how long to wait before the next.
type TickFunc func(ctx context.Context) time.Duration

type loopCfg struct {
	log      logx.Logger
	fallback time.Duration
}

type LoopOption func(*loopCfg)

func WithLoopLogger(l logx.Logger) LoopOption { return func(c *loopCfg) { c.log = l } }

// WithFallbackWait is the wait used after a tick panics. Default 60s.
func WithFallbackWait(d time.Duration) LoopOption {
	return func(c *loopCfg) {
		if d > 0 {
			c.fallback = d
		}
	}
}

type tickKey struct{}

// TickID returns the correlation id of the tick running under ctx, or "".
func TickID(ctx context.Context) string {
	id, _ := ctx.Value(tickKey{}).(string)
	return id
}

// RunLoop runs tick immediately, then waits for the duration it returned or
// for ctx to end, and repeats. A panicking tick is logged and the loop goes
// on. RunLoop returns when ctx is done; a tick in progress is not interrupted
// other than through ctx.
func RunLoop(ctx context.Context, name string, tick TickFunc, opts ...LoopOption) {
	cfg := loopCfg{fallback: 60 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log.IsZero() {
		cfg.log = logx.Nop()
	}
	log := cfg.log.With(logx.String("loop", name))
	log.Info("loop started")
	defer log.Info("loop stopped")

	for {
		wait := runTick(ctx, log, tick, cfg.fallback)
		if ctx.Err() != nil {
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func runTick(ctx context.Context, log logx.Logger, tick TickFunc, fallback time.Duration) (wait time.Duration) {
	id := uuid.NewString()
	ctx = context.WithValue(ctx, tickKey{}, id)
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("tick panicked",
				logx.String("tick", id),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			wait = fallback
		}
	}()
	wait = tick(ctx)
	if wait < 0 {
		wait = 0
	}
	log.Debug("tick done",
		logx.String("tick", id),
		logx.Duration("took", time.Since(started)),
		logx.Duration("next", wait),
	)
	return wait
}
