package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickInfo describes the most recent completed tick.
type TickInfo struct {
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"durationNs"`
	Panicked   bool          `json:"panicked,omitempty"`
	OnDemand   bool          `json:"onDemand,omitempty"`
	TotalTicks int64         `json:"totalTicks"`
}

// Scheduler drives tickFn on a fixed interval. Ticks never overlap: a tick
// due while another is still running waits for it to finish.
type Scheduler struct {
	interval time.Duration
	tickFn   func(context.Context)

	running atomic.Bool
	ticks   atomic.Int64
	last    atomic.Pointer[TickInfo]

	tickMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, tickFn func(context.Context)) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("scheduler started", "interval", s.interval.String())

		s.safeTick(ctx, false)

		for {
			select {
			case <-ctx.Done():
				slog.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx, false)
			}
		}
	}()

	return true
}

// Stop cancels the loop and waits for the in-flight tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Trigger runs one tick now, after any tick already in progress. It works
// whether or not the loop is running.
func (s *Scheduler) Trigger(ctx context.Context) TickInfo {
	return s.safeTick(ctx, true)
}

func (s *Scheduler) LastTick() (TickInfo, bool) {
	info := s.last.Load()
	if info == nil {
		return TickInfo{}, false
	}
	return *info, true
}

func (s *Scheduler) safeTick(ctx context.Context, onDemand bool) (info TickInfo) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	info = TickInfo{StartedAt: time.Now().UTC(), OnDemand: onDemand}
	defer func() {
		if r := recover(); r != nil {
			info.Panicked = true
			slog.Error("scheduler tick panic recovered", "panic", r)
		}
		info.Duration = time.Since(info.StartedAt)
		info.TotalTicks = s.ticks.Add(1)
		s.last.Store(&info)
		slog.Info("scheduler tick completed",
			"duration_ms", info.Duration.Milliseconds(),
			"on_demand", onDemand,
		)
	}()

	s.tickFn(ctx)
	return info
}
