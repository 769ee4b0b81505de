package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew_InvalidArgs(t *testing.T) {
	t.Parallel()

	if s, err := New(0, func(context.Context) {}); err == nil || s != nil {
		t.Fatalf("expected error for zero interval, got s=%v err=%v", s, err)
	}
	if s, err := New(100*time.Millisecond, nil); err == nil || s != nil {
		t.Fatalf("expected error for nil tickFn, got s=%v err=%v", s, err)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	var calls atomic.Int64

	s, err := New(10*time.Millisecond, func(context.Context) {
		calls.Add(1)
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if s.IsRunning() {
		t.Fatalf("expected scheduler not running initially")
	}
	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true on first call")
	}
	if ok := s.Start(); ok {
		t.Fatalf("expected Start() false when already running")
	}

	// There is an immediate tick on Start().
	waitForAtLeast(t, &calls, 2, 750*time.Millisecond)

	if ok := s.Stop(); !ok {
		t.Fatalf("expected Stop() true on first call")
	}
	if s.IsRunning() {
		t.Fatalf("expected scheduler not running after Stop()")
	}
	if ok := s.Stop(); ok {
		t.Fatalf("expected Stop() false when already stopped")
	}

	beforeStop := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if after := calls.Load(); after != beforeStop {
		t.Fatalf("expected no ticks after Stop; before=%d after=%d", beforeStop, after)
	}
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	var calls atomic.Int64

	s, err := New(time.Hour, func(context.Context) {
		calls.Add(1)
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if ok := s.Start(); !ok {
			t.Fatalf("iteration %d: expected Start() true", i)
		}
		waitForAtLeast(t, &calls, int64(i), 500*time.Millisecond)
		if ok := s.Stop(); !ok {
			t.Fatalf("iteration %d: expected Stop() true", i)
		}
	}
}

func TestScheduler_PanicIsRecoveredAndRecorded(t *testing.T) {
	var calls atomic.Int64
	var panicked atomic.Bool

	s, err := New(10*time.Millisecond, func(context.Context) {
		if panicked.CompareAndSwap(false, true) {
			panic("boom")
		}
		calls.Add(1)
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	info := s.Trigger(context.Background())
	if !info.Panicked {
		t.Fatalf("expected panicked tick info, got %+v", info)
	}

	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true")
	}
	defer s.Stop()

	waitForAtLeast(t, &calls, 1, 750*time.Millisecond)
}

func TestScheduler_TickContextCanceledOnStop(t *testing.T) {
	captured := make(chan context.Context, 1)

	s, err := New(time.Hour, func(ctx context.Context) {
		select {
		case captured <- ctx:
		default:
		}
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true")
	}

	var ctx context.Context
	select {
	case ctx = <-captured:
	case <-time.After(500 * time.Millisecond):
		_ = s.Stop()
		t.Fatalf("did not capture tick context in time")
	}

	s.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected tick context to be canceled after Stop()")
	}
}

func TestScheduler_TriggerNeverOverlapsLoop(t *testing.T) {
	var (
		inFlight atomic.Int64
		overlap  atomic.Bool
		calls    atomic.Int64
	)

	s, err := New(5*time.Millisecond, func(context.Context) {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(3 * time.Millisecond)
		inFlight.Add(-1)
		calls.Add(1)
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Trigger(context.Background())
		}()
	}
	wg.Wait()

	waitForAtLeast(t, &calls, 10, time.Second)
	s.Stop()

	if overlap.Load() {
		t.Fatalf("ticks overlapped")
	}
}

func TestScheduler_LastTick(t *testing.T) {
	t.Parallel()

	s, err := New(time.Hour, func(context.Context) {})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if _, ok := s.LastTick(); ok {
		t.Fatalf("expected no tick info before the first tick")
	}

	s.Trigger(context.Background())
	s.Trigger(context.Background())

	info, ok := s.LastTick()
	if !ok {
		t.Fatalf("expected tick info")
	}
	if !info.OnDemand || info.TotalTicks != 2 || info.StartedAt.IsZero() {
		t.Fatalf("unexpected tick info %+v", info)
	}
	if s.IsRunning() {
		t.Fatalf("Trigger must not start the loop")
	}
}

// waitForAtLeast polls until calls >= n or fails the test after timeout.
func waitForAtLeast(t *testing.T, calls *atomic.Int64, n int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if calls.Load() >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for calls >= %d (got %d)", n, calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
