package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultProbeTimeout = 5 * time.Second

type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor tracks whether the platform is reachable. Going online starts a
// flush of the offline buffer; going offline cancels the running flush.
// A successful probe while already online flushes again when the backlog
// reports pending actions, so retries buffered between outages still drain.
// The monitor starts offline so the first successful probe drains whatever
// was buffered by a previous run.
type Monitor struct {
	prober       Prober
	flush        func(ctx context.Context)
	backlog      func(ctx context.Context) (int, error)
	probeTimeout time.Duration

	online atomic.Bool

	mu          sync.Mutex
	cancelFlush context.CancelFunc
	flushDone   chan struct{}
	cron        *cron.Cron
}

func New(prober Prober, flush func(ctx context.Context)) *Monitor {
	return &Monitor{
		prober:       prober,
		flush:        flush,
		probeTimeout: defaultProbeTimeout,
	}
}

func (m *Monitor) WithProbeTimeout(d time.Duration) *Monitor {
	if d > 0 {
		m.probeTimeout = d
	}
	return m
}

// WithBacklog reports how many actions wait in the offline buffer.
func (m *Monitor) WithBacklog(fn func(ctx context.Context) (int, error)) *Monitor {
	m.backlog = fn
	return m
}

// Start schedules Probe with a cron spec such as "@every 30s".
func (m *Monitor) Start(spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("connectivity monitor already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, m.Probe); err != nil {
		return fmt.Errorf("schedule connectivity probe %q: %w", spec, err)
	}
	c.Start()
	m.cron = c

	slog.Info("connectivity monitor started", "probe", spec)
	return nil
}

// Stop halts probing, cancels any running flush and waits for both.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	m.mu.Lock()
	m.cancelLocked()
	done := m.flushDone
	m.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (m *Monitor) Online() bool { return m.online.Load() }

func (m *Monitor) Probe() {
	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	defer cancel()

	err := m.prober.Ping(ctx)
	if err != nil {
		slog.Debug("connectivity probe failed", "error", err)
	}
	if m.Set(err == nil) || err != nil {
		return
	}
	m.resume()
}

// resume starts a flush while online when none is running and the backlog
// is not empty.
func (m *Monitor) resume() {
	if m.backlog == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	n, err := m.backlog(ctx)
	cancel()
	if err != nil {
		slog.Warn("failed to read offline backlog", "error", err)
		return
	}
	if n == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online.Load() || m.flushingLocked() {
		return
	}
	slog.Info("offline buffer has pending actions, flushing", "pending", n)
	m.startFlushLocked()
}

// Set records an externally observed connectivity state and reports whether
// it changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online.Swap(online) == online {
		return false
	}

	if !online {
		slog.Warn("platform unreachable, cancelling offline flush")
		m.cancelLocked()
		return true
	}

	slog.Info("platform reachable, flushing offline buffer")
	m.startFlushLocked()
	return true
}

func (m *Monitor) startFlushLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancelFlush = cancel
	m.flushDone = done

	go func() {
		defer close(done)
		defer cancel()
		m.flush(ctx)
	}()
}

func (m *Monitor) flushingLocked() bool {
	if m.flushDone == nil {
		return false
	}
	select {
	case <-m.flushDone:
		return false
	default:
		return true
	}
}

// Wait blocks until the most recently started flush returns.
func (m *Monitor) Wait() {
	m.mu.Lock()
	done := m.flushDone
	m.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (m *Monitor) cancelLocked() {
	if m.cancelFlush != nil {
		m.cancelFlush()
		m.cancelFlush = nil
	}
}
