// Package scheduler drives the due-time refresh of profiles and geo
// resources.
//
// Two layers:
//   - RefreshDue: one pass over the entities of a kind whose next_due has
//     passed, in ascending id order, with per-entity failure containment.
//   - RunLoop: a tick-then-wait loop whose cadence is re-read every tick.
//
// A failed refresh is retried no sooner than the entity's own interval; there
// is no backoff and no retry cap.
package scheduler
