package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/LeventeLantos/post-scheduler/internal/apperr"
	"github.com/LeventeLantos/post-scheduler/internal/model"
)

// ErrDeferred tells Flush that the replayer was refused admission. The
// action keeps its attempt count and the flush stops.
var ErrDeferred = errors.New("replay deferred")

const DefaultMaxAttempts = 5

// Store persists buffered actions in FIFO order plus the dead-letter sink.
type Store interface {
	Append(ctx context.Context, a model.OfflineAction) (model.OfflineAction, error)
	List(ctx context.Context) ([]model.OfflineAction, error)
	Update(ctx context.Context, a model.OfflineAction) error
	Remove(ctx context.Context, id int64) error
	// DeadLetter moves a out of the active buffer in one step.
	DeadLetter(ctx context.Context, a model.OfflineAction, reason string, at time.Time) error
	DeadLetters(ctx context.Context) ([]model.DeadLetter, error)
}

type Replayer interface {
	Replay(ctx context.Context, a model.OfflineAction) error
}

type ReplayFunc func(ctx context.Context, a model.OfflineAction) error

func (f ReplayFunc) Replay(ctx context.Context, a model.OfflineAction) error { return f(ctx, a) }

type FlushResult struct {
	Succeeded    []model.OfflineAction `json:"succeeded"`
	Failed       []model.OfflineAction `json:"failed"`
	DeadLettered []model.OfflineAction `json:"deadLettered"`
	Deferred     int                   `json:"deferred"`
	Interrupted  bool                  `json:"interrupted"`
}

// Buffer accepts actions while the platform is unreachable and replays them
// on demand. It holds no network logic of its own.
type Buffer struct {
	store       Store
	maxAttempts int
	limiter     *rate.Limiter
	now         func() time.Time

	flushMu sync.Mutex
}

type Option func(*Buffer)

func WithMaxAttempts(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithRatePerSec paces replays so a reconnect does not burst the platform.
func WithRatePerSec(rps int) Option {
	return func(b *Buffer) {
		if rps > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

func New(store Store, opts ...Option) *Buffer {
	b := &Buffer{store: store, maxAttempts: DefaultMaxAttempts, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Buffer) MaxAttempts() int { return b.maxAttempts }

func (b *Buffer) Push(ctx context.Context, kind model.ActionKind, payload model.ActionPayload) (model.OfflineAction, error) {
	a, err := b.store.Append(ctx, model.OfflineAction{
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: b.now().UTC(),
	})
	if err != nil {
		return model.OfflineAction{}, fmt.Errorf("buffer %s action: %w", kind, err)
	}
	slog.Info("offline action buffered", "action_id", a.ID, "kind", kind, "post_id", payload.PostID)
	return a, nil
}

func (b *Buffer) Pending(ctx context.Context) ([]model.OfflineAction, error) {
	return b.store.List(ctx)
}

func (b *Buffer) DeadLetters(ctx context.Context) ([]model.DeadLetter, error) {
	return b.store.DeadLetters(ctx)
}

// Flush replays every buffered action in FIFO order. An action leaves the
// buffer only after its replay returned. Cancelling ctx stops the flush and
// leaves the unprocessed actions untouched.
func (b *Buffer) Flush(ctx context.Context, r Replayer) (FlushResult, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	res := FlushResult{}
	actions, err := b.store.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list buffered actions: %w", err)
	}

	// Bookkeeping for an action whose replay already returned must land
	// even if the flush is being cancelled.
	storeCtx := context.WithoutCancel(ctx)

	for i, a := range actions {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				res.Interrupted = true
				break
			}
		}

		replayErr := r.Replay(ctx, a)
		switch {
		case replayErr == nil:
			if err := b.store.Remove(storeCtx, a.ID); err != nil {
				return res, fmt.Errorf("remove action %d: %w", a.ID, err)
			}
			res.Succeeded = append(res.Succeeded, a)
			slog.Info("offline action replayed", "action_id", a.ID, "kind", a.Kind)

		case errors.Is(replayErr, ErrDeferred):
			res.Deferred = len(actions) - i
			slog.Info("offline flush deferred by rate limit", "action_id", a.ID, "remaining", res.Deferred)
			return res, nil

		case ctx.Err() != nil:
			res.Interrupted = true
			slog.Info("offline flush interrupted", "action_id", a.ID, "error", replayErr)
			return res, nil

		default:
			a.Attempts++
			a.LastError = replayErr.Error()
			if errors.Is(replayErr, apperr.ErrPermanent) || a.Attempts >= b.maxAttempts {
				if err := b.store.DeadLetter(storeCtx, a, a.LastError, b.now().UTC()); err != nil {
					return res, fmt.Errorf("dead-letter action %d: %w", a.ID, err)
				}
				res.DeadLettered = append(res.DeadLettered, a)
				slog.Warn("offline action dead-lettered", "action_id", a.ID, "kind", a.Kind, "attempts", a.Attempts, "error", a.LastError)
				continue
			}
			if err := b.store.Update(storeCtx, a); err != nil {
				return res, fmt.Errorf("requeue action %d: %w", a.ID, err)
			}
			res.Failed = append(res.Failed, a)
			slog.Info("offline action requeued", "action_id", a.ID, "attempts", a.Attempts, "error", a.LastError)
		}
	}
	return res, nil
}
