package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/post-scheduler/internal/apperr"
	"github.com/LeventeLantos/post-scheduler/internal/model"
	"github.com/LeventeLantos/post-scheduler/internal/offline"
	"github.com/LeventeLantos/post-scheduler/internal/repo"
)

// ErrDenied is returned by Redeliver when the rate governor refuses the post.
var ErrDenied = errors.New("rate governor denied admission")

var _ offline.Replayer = (*Replayer)(nil)

// Replayer turns buffered offline actions back into store and dispatch calls.
type Replayer struct {
	repo repo.PostRepository
	disp *Dispatcher
	now  func() time.Time
}

func NewReplayer(r repo.PostRepository, d *Dispatcher) *Replayer {
	return &Replayer{repo: r, disp: d, now: time.Now}
}

func (r *Replayer) WithClock(now func() time.Time) *Replayer {
	r.now = now
	return r
}

func (r *Replayer) Replay(ctx context.Context, a model.OfflineAction) error {
	switch a.Kind {
	case model.ActionSchedule:
		return r.replaySchedule(ctx, a)
	case model.ActionDispatchRetry:
		return r.replayDispatch(ctx, a)
	}
	return apperr.Permanent(fmt.Errorf("unknown offline action kind %q", a.Kind))
}

func (r *Replayer) replaySchedule(ctx context.Context, a model.OfflineAction) error {
	at := r.now().UTC()
	if sf := a.Payload.ScheduledFor; sf != nil && sf.After(at) {
		at = *sf
	}

	p, err := r.repo.Enqueue(ctx, a.Payload.Content, at)
	if errors.Is(err, apperr.ErrValidation) {
		return apperr.Permanent(err)
	}
	if err != nil {
		return err
	}
	slog.Info("buffered post scheduled", "action_id", a.ID, "post_id", p.ID, "scheduled_for", p.ScheduledFor)
	return nil
}

func (r *Replayer) replayDispatch(ctx context.Context, a model.OfflineAction) error {
	p, err := r.repo.Get(ctx, a.Payload.PostID)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Permanent(err)
	}
	if err != nil {
		return err
	}

	switch p.Status {
	case model.Posted:
		slog.Info("dispatch retry already satisfied", "action_id", a.ID, "post_id", p.ID)
		return nil
	case model.Pending:
		// Reset by an operator; the next tick owns it now.
		slog.Info("dispatch retry dropped for pending post", "action_id", a.ID, "post_id", p.ID)
		return nil
	}

	err = r.disp.Redeliver(ctx, p)
	if errors.Is(err, ErrDenied) {
		return offline.ErrDeferred
	}
	return err
}
