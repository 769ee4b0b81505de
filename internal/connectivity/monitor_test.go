package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
	n   atomic.Int64
}

func (p *fakeProber) Ping(context.Context) error {
	p.n.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func TestMonitor_OnlineStartsFlushOnce(t *testing.T) {
	t.Parallel()

	var flushes atomic.Int64
	m := New(&fakeProber{}, func(context.Context) { flushes.Add(1) })

	if m.Online() {
		t.Fatalf("expected monitor to start offline")
	}
	if !m.Set(true) {
		t.Fatalf("expected offline->online to report a change")
	}
	if m.Set(true) {
		t.Fatalf("expected repeated online signal to be a no-op")
	}
	m.Wait()

	if got := flushes.Load(); got != 1 {
		t.Fatalf("expected exactly one flush, got %d", got)
	}
}

func TestMonitor_OfflineCancelsRunningFlush(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var cancelled atomic.Bool

	m := New(&fakeProber{}, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})

	m.Set(true)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("flush did not start")
	}

	if !m.Set(false) {
		t.Fatalf("expected online->offline to report a change")
	}
	m.Wait()

	if !cancelled.Load() {
		t.Fatalf("expected flush context to be cancelled")
	}
}

func TestMonitor_ProbeDrivesState(t *testing.T) {
	t.Parallel()

	var flushes atomic.Int64
	p := &fakeProber{}
	m := New(p, func(context.Context) { flushes.Add(1) })

	m.Probe()
	m.Wait()
	if !m.Online() || flushes.Load() != 1 {
		t.Fatalf("expected online with one flush, online=%v flushes=%d", m.Online(), flushes.Load())
	}

	p.setErr(errors.New("connection refused"))
	m.Probe()
	if m.Online() {
		t.Fatalf("expected offline after failed probe")
	}

	p.setErr(nil)
	m.Probe()
	m.Wait()
	if flushes.Load() != 2 {
		t.Fatalf("expected a second flush after reconnect, got %d", flushes.Load())
	}
}

func TestMonitor_StartSchedulesProbe(t *testing.T) {
	t.Parallel()

	p := &fakeProber{}
	m := New(p, func(context.Context) {})

	if err := m.Start("every tuesday-ish"); err == nil {
		t.Fatalf("expected error for invalid cron spec")
	}
	if err := m.Start("@every 1s"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop()

	if err := m.Start("@every 1s"); err == nil {
		t.Fatalf("expected error when already started")
	}

	deadline := time.Now().Add(3 * time.Second)
	for p.n.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("probe was not scheduled")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMonitor_BacklogFlushedWhileOnline(t *testing.T) {
	t.Parallel()

	var (
		flushes atomic.Int64
		backlog atomic.Int64
	)
	p := &fakeProber{}
	m := New(p, func(context.Context) {
		flushes.Add(1)
		backlog.Store(0)
	}).WithBacklog(func(context.Context) (int, error) {
		return int(backlog.Load()), nil
	})

	m.Probe()
	m.Wait()
	if flushes.Load() != 1 {
		t.Fatalf("expected one flush on going online, got %d", flushes.Load())
	}

	m.Probe()
	m.Wait()
	if flushes.Load() != 1 {
		t.Fatalf("expected no flush with an empty backlog, got %d", flushes.Load())
	}

	// A retry was buffered while the platform stayed reachable.
	backlog.Store(1)
	m.Probe()
	m.Wait()
	if flushes.Load() != 2 {
		t.Fatalf("expected backlog to be flushed while online, got %d", flushes.Load())
	}
	if backlog.Load() != 0 {
		t.Fatalf("expected backlog drained, got %d", backlog.Load())
	}

	backlog.Store(1)
	p.setErr(errors.New("connection refused"))
	m.Probe()
	m.Wait()
	if flushes.Load() != 2 {
		t.Fatalf("expected no flush while offline, got %d", flushes.Load())
	}
}

func TestMonitor_FlushesDoNotStack(t *testing.T) {
	t.Parallel()

	var flushes atomic.Int64
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	m := New(&fakeProber{}, func(context.Context) {
		flushes.Add(1)
		started <- struct{}{}
		<-release
	}).WithBacklog(func(context.Context) (int, error) { return 3, nil })

	m.Probe()
	<-started

	m.Probe()
	m.Probe()
	close(release)
	m.Wait()

	if got := flushes.Load(); got != 1 {
		t.Fatalf("expected a single running flush, got %d", got)
	}
}
