package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func stopWithin(t *testing.T, s *Supervisor, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Stop(ctx)
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(context.Context) error { return boom })
	s.Go("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("error did not cancel the supervisor")
	}
	err := stopWithin(t, s, time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("Stop error = %v, want wrapped boom", err)
	}
	snap := s.Snapshot()
	if snap.Counters.Started != 2 || snap.Counters.Active != 0 {
		t.Fatalf("counters = %+v", snap.Counters)
	}
	if !strings.Contains(snap.FirstError, "failing") {
		t.Fatalf("first error = %q", snap.FirstError)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go0("explode", func(context.Context) { panic("kaboom") })
	err := stopWithin(t, s, time.Second)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("err = %v", err)
	}
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "explode" && g.Panics == 1 && g.LastPanic == "kaboom" {
			return
		}
	}
	t.Fatalf("panic not recorded: %+v", s.Snapshot().Goroutines)
}

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := stopWithin(t, s, time.Second); err != nil {
		t.Fatalf("Stop = %v", err)
	}
}

func TestGoRestartBacksOffAndRestarts(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		<-ctx.Done()
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	err := stopWithin(t, s, time.Second)
	if err == nil || !strings.Contains(err.Error(), "not yet") {
		t.Fatalf("published error = %v", err)
	}
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "flaky" {
			if g.Restarts != 2 || g.Started != 3 {
				t.Fatalf("flaky stats = %+v", g)
			}
			return
		}
	}
	t.Fatal("flaky stats missing")
}

func TestGoRestartCleanExitStops(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("once", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	if err := stopWithin(t, s, time.Second); err != nil {
		t.Fatal(err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestWaitTimesOutAndReportsRunning(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	release := make(chan struct{})
	s.Go0("stuck", func(context.Context) { <-release })
	s.Go0("polite", func(ctx context.Context) { <-ctx.Done() })

	err := stopWithin(t, s, 30*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want deadline exceeded", err)
	}
	time.Sleep(10 * time.Millisecond)
	if got := s.Running(); len(got) != 1 || got[0] != "stuck" {
		t.Fatalf("Running = %v", got)
	}
	close(release)
	if err := stopWithin(t, s, time.Second); err != nil {
		t.Fatalf("second Stop = %v", err)
	}
	if got := s.Running(); len(got) != 0 {
		t.Fatalf("Running after release = %v", got)
	}
}
