package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"

	"github.com/LeventeLantos/post-scheduler/internal/cache"
	"github.com/LeventeLantos/post-scheduler/internal/model"
	"github.com/LeventeLantos/post-scheduler/internal/repo"
)

const (
	tickLockKey        = "scheduler:tick"
	defaultTickLockTTL = time.Minute
)

// Coordinator runs one scheduling tick at a time: list the due posts,
// dispatch them and publish the summary.
type Coordinator struct {
	repo      repo.PostRepository
	disp      *Dispatcher
	batchSize int
	now       func() time.Time

	locker  *redislock.Client
	lockTTL time.Duration
	cache   cache.ResultCache

	tickMu sync.Mutex
	last   atomic.Pointer[model.TickSummary]
}

func NewCoordinator(r repo.PostRepository, d *Dispatcher, batchSize int) *Coordinator {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Coordinator{
		repo:      r,
		disp:      d,
		batchSize: batchSize,
		now:       time.Now,
		lockTTL:   defaultTickLockTTL,
	}
}

// WithTickLock makes ticks exclusive across every instance sharing the
// Redis behind locker. A tick that cannot take the lock is skipped. The
// lock is refreshed every half ttl for as long as the tick runs.
func (c *Coordinator) WithTickLock(locker *redislock.Client, ttl time.Duration) *Coordinator {
	c.locker = locker
	if ttl > 0 {
		c.lockTTL = ttl
	}
	return c
}

func (c *Coordinator) WithCache(rc cache.ResultCache) *Coordinator {
	c.cache = rc
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func (c *Coordinator) Tick(ctx context.Context) (model.TickSummary, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	now := c.now().UTC()

	if c.locker != nil {
		lock, err := c.locker.Obtain(ctx, tickLockKey, c.lockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			sum := model.TickSummary{StartedAt: now, Skipped: true}
			slog.Info("scheduler tick skipped, another instance holds the lock")
			c.publish(ctx, sum)
			return sum, nil
		}
		if err != nil {
			return model.TickSummary{}, fmt.Errorf("obtain tick lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				slog.Warn("failed to release tick lock", "error", err)
			}
		}()

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		defer c.holdLock(ctx, lock, cancel)()
	}

	due, err := c.repo.ListDue(ctx, now, c.batchSize)
	if err != nil {
		return model.TickSummary{}, fmt.Errorf("list due posts: %w", err)
	}

	sum := c.disp.DispatchDue(ctx, due)
	sum.StartedAt = now

	slog.Info("scheduler tick summary",
		"due", sum.Due,
		"attempted", sum.Attempted,
		"posted", sum.Posted,
		"failed", sum.Failed,
		"deferred", sum.Deferred,
	)
	c.publish(ctx, sum)
	return sum, nil
}

// holdLock refreshes lock until the returned stop func is called. Losing
// the lock cancels the tick before another instance can dispatch alongside.
func (c *Coordinator) holdLock(ctx context.Context, lock *redislock.Lock, lost context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(c.lockTTL / 2)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx, c.lockTTL, nil); err != nil {
					if ctx.Err() != nil {
						return
					}
					slog.Error("tick lock lost, cancelling tick", "error", err)
					lost()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// RunTick adapts Tick to the scheduler's tick function.
func (c *Coordinator) RunTick(ctx context.Context) {
	if _, err := c.Tick(ctx); err != nil {
		slog.Error("scheduler tick failed", "error", err)
	}
}

func (c *Coordinator) LastSummary() (model.TickSummary, bool) {
	s := c.last.Load()
	if s == nil {
		return model.TickSummary{}, false
	}
	return *s, true
}

// DeleteAll is the bulk entry point; confirmed must be true.
func (c *Coordinator) DeleteAll(ctx context.Context, confirmed bool) (repo.DeleteAllResult, error) {
	res, err := c.repo.DeleteAll(ctx, confirmed)
	if err != nil {
		return res, err
	}
	slog.Info("bulk delete completed", "deleted", res.DeletedCount, "errors", len(res.Errors))
	return res, nil
}

func (c *Coordinator) publish(ctx context.Context, sum model.TickSummary) {
	c.last.Store(&sum)
	if c.cache == nil {
		return
	}
	if err := c.cache.StoreSummary(context.WithoutCancel(ctx), sum); err != nil {
		slog.Warn("failed to cache tick summary", "error", err)
	}
}
