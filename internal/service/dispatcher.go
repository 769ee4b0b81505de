package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/post-scheduler/internal/apperr"
	"github.com/LeventeLantos/post-scheduler/internal/cache"
	"github.com/LeventeLantos/post-scheduler/internal/governor"
	"github.com/LeventeLantos/post-scheduler/internal/model"
	"github.com/LeventeLantos/post-scheduler/internal/repo"
)

const defaultPublishTimeout = 10 * time.Second

// Publisher delivers content to the external platform and returns its id.
type Publisher interface {
	Publish(ctx context.Context, content string) (remoteID string, err error)
}

// RetryQueue accepts dispatch retries when the platform is unreachable.
type RetryQueue interface {
	Push(ctx context.Context, kind model.ActionKind, payload model.ActionPayload) (model.OfflineAction, error)
}

type outcome int

const (
	outcomeDeferred outcome = iota
	outcomePosted
	outcomeFailed
	outcomeSkipped
)

// Dispatcher drives a due post through pending -> posted|failed.
// Admission, publishing and recording run under one mutex so the
// governor's budget cannot be overdrawn by a concurrent flush. Each
// attempt claims the post in the store first, which keeps operators from
// editing or deleting it mid-publish and keeps other instances off it.
type Dispatcher struct {
	repo      repo.PostRepository
	gov       *governor.Governor
	publisher Publisher

	retries    RetryQueue
	cache      cache.ResultCache
	timeout    time.Duration
	contentMax int
	now        func() time.Time

	mu sync.Mutex
}

func NewDispatcher(r repo.PostRepository, gov *governor.Governor, p Publisher) *Dispatcher {
	return &Dispatcher{
		repo:      r,
		gov:       gov,
		publisher: p,
		timeout:   defaultPublishTimeout,
		now:       time.Now,
	}
}

func (d *Dispatcher) WithRetryQueue(q RetryQueue) *Dispatcher {
	d.retries = q
	return d
}

func (d *Dispatcher) WithCache(c cache.ResultCache) *Dispatcher {
	d.cache = c
	return d
}

func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

// WithContentMax rejects over-long content before it reaches the platform.
// Zero disables the check.
func (d *Dispatcher) WithContentMax(n int) *Dispatcher {
	d.contentMax = n
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// DispatchDue walks posts in order. The first governor denial leaves that
// post and every later one pending for a future tick.
func (d *Dispatcher) DispatchDue(ctx context.Context, posts []model.ScheduledPost) model.TickSummary {
	sum := model.TickSummary{Due: len(posts)}

	for i, p := range posts {
		if ctx.Err() != nil {
			sum.Deferred += len(posts) - i
			slog.Info("dispatch interrupted", "remaining", len(posts)-i, "error", ctx.Err())
			break
		}

		sent, res, err := d.attempt(ctx, p.ID, model.Pending)
		switch res {
		case outcomeSkipped:
			continue
		case outcomeDeferred:
			sum.Deferred += len(posts) - i
			slog.Info("dispatch deferred by rate governor", "post_id", p.ID, "remaining", len(posts)-i)
			return sum
		case outcomePosted:
			sum.Attempted++
			sum.Posted++
		case outcomeFailed:
			sum.Attempted++
			sum.Failed++
			if apperr.IsTransient(err) && d.retries != nil {
				payload := model.ActionPayload{PostID: sent.ID, Content: sent.Content}
				if _, perr := d.retries.Push(context.WithoutCancel(ctx), model.ActionDispatchRetry, payload); perr != nil {
					slog.Error("failed to buffer dispatch retry", "post_id", p.ID, "error", perr)
				}
			}
		}
	}
	return sum
}

// Redeliver retries a failed post from the offline buffer. It returns
// ErrDenied when the governor refuses admission, and the store's error
// when the post is no longer failed or is claimed elsewhere.
func (d *Dispatcher) Redeliver(ctx context.Context, p model.ScheduledPost) error {
	_, res, err := d.attempt(ctx, p.ID, model.Failed)
	switch res {
	case outcomeDeferred:
		return ErrDenied
	case outcomeFailed, outcomeSkipped:
		return err
	}
	return nil
}

// claimTTL outlives the publish call so the claim cannot lapse while the
// platform still holds the request.
func (d *Dispatcher) claimTTL() time.Duration {
	return 2 * d.timeout
}

func (d *Dispatcher) attempt(ctx context.Context, id string, from model.Status) (model.ScheduledPost, outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ok, err := d.gov.Admit(ctx, model.KindPost)
	if err != nil {
		slog.Error("rate governor unavailable", "post_id", id, "error", err)
		return model.ScheduledPost{}, outcomeDeferred, err
	}
	if !ok {
		return model.ScheduledPost{}, outcomeDeferred, nil
	}

	p, err := d.repo.Claim(ctx, id, d.claimTTL(), from)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrInvalidState) {
			slog.Info("post changed since it was listed, skipping", "post_id", id, "error", err)
		} else {
			slog.Error("failed to claim post", "post_id", id, "error", err)
		}
		return model.ScheduledPost{}, outcomeSkipped, err
	}

	// Bookkeeping after a publish must land even if the tick is cancelled.
	storeCtx := context.WithoutCancel(ctx)

	if d.contentMax > 0 && utf8.RuneCountInString(p.Content) > d.contentMax {
		err := apperr.Permanent(fmt.Errorf("content exceeds %d chars", d.contentMax))
		d.markFailed(storeCtx, p, err)
		return p, outcomeFailed, err
	}

	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	remoteID, err := d.publisher.Publish(pctx, p.Content)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			err = apperr.Transient(err)
		}
		d.markFailed(storeCtx, p, err)
		return p, outcomeFailed, err
	}

	d.markPosted(storeCtx, p, remoteID)
	return p, outcomePosted, nil
}

func (d *Dispatcher) markPosted(ctx context.Context, p model.ScheduledPost, remoteID string) {
	postedAt := d.now().UTC()
	if _, err := d.repo.UpdateStatus(ctx, p.ID, model.StatusUpdate{
		Status:   model.Posted,
		PostedAt: &postedAt,
		RemoteID: remoteID,
	}); err != nil {
		slog.Error("failed to mark post posted", "post_id", p.ID, "remote_id", remoteID, "error", err)
	}

	// The platform has counted the post, so the budget must too.
	if err := d.gov.Record(ctx, model.KindPost); err != nil {
		slog.Error("failed to record post against budget", "post_id", p.ID, "error", err)
	}

	slog.Info("post published", "post_id", p.ID, "remote_id", remoteID)

	if d.cache != nil {
		if err := d.cache.StorePosted(ctx, p.ID, remoteID, postedAt); err != nil {
			slog.Warn("failed to cache posted result", "post_id", p.ID, "error", err)
		}
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, p model.ScheduledPost, cause error) {
	msg := apperr.Tag(cause)
	if _, err := d.repo.UpdateStatus(ctx, p.ID, model.StatusUpdate{
		Status:       model.Failed,
		ErrorMessage: msg,
	}); err != nil {
		slog.Error("failed to mark post failed", "post_id", p.ID, "error", err)
	}
	slog.Warn("post dispatch failed", "post_id", p.ID, "transient", apperr.IsTransient(cause), "error", cause)
}
