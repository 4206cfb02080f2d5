package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	logx "veactl/pkg/logx"
)

// Source adapts one entity kind to RefreshDue.
type Source[T any] interface {
	Kind() string
	// Now is the clock used for failure rescheduling.
	Now() time.Time
	ListDue(ctx context.Context, now time.Time) ([]T, error)
	Key(item T) int64
	// Refresh performs the kind-specific refresh. On success it advances the
	// entity's next_due itself.
	Refresh(ctx context.Context, item T) error
	// Reschedule sets next_due = now + interval and nothing else.
	Reschedule(ctx context.Context, item T, now time.Time) error
}

// RefreshDue refreshes every entity of src that is due at now, sequentially
// and in ascending key order. It returns the keys refreshed successfully.
//
// A failed or panicking refresh is logged and the entity is rescheduled at
// src.Now() + interval; the pass continues with the next entity. A refresh
// interrupted by cancellation is not a failure: the entity keeps its
// next_due. Only a failure to list the due set is returned.
func RefreshDue[T any](ctx context.Context, src Source[T], now time.Time, log logx.Logger) ([]int64, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	due, err := src.ListDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list due %s: %w", src.Kind(), err)
	}
	sort.SliceStable(due, func(i, j int) bool { return src.Key(due[i]) < src.Key(due[j]) })

	refreshed := make([]int64, 0, len(due))
	for _, item := range due {
		if ctx.Err() != nil {
			// Unprocessed entities stay due for the next tick.
			break
		}
		id := src.Key(item)
		if err := refreshOne(ctx, src, item); err != nil {
			if interrupted(ctx, err) {
				log.Debug("refresh interrupted; left due",
					logx.String("kind", src.Kind()),
					logx.Int64("id", id),
				)
				if ctx.Err() != nil {
					break
				}
				continue
			}
			log.Warn("refresh failed; rescheduled",
				logx.String("kind", src.Kind()),
				logx.Int64("id", id),
				logx.Err(err),
			)
			// The reschedule must land even when the tick is being cancelled.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if rerr := src.Reschedule(rctx, item, src.Now()); rerr != nil {
				log.Error("reschedule failed",
					logx.String("kind", src.Kind()),
					logx.Int64("id", id),
					logx.Err(rerr),
				)
			}
			cancel()
			continue
		}
		refreshed = append(refreshed, id)
	}
	return refreshed, nil
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func refreshOne[T any](ctx context.Context, src Source[T], item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return src.Refresh(ctx, item)
}
