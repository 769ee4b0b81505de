package governor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/post-scheduler/internal/model"
)

// ErrExhausted is returned by Record when a window is already full. Nothing
// is consumed in that case.
var ErrExhausted = errors.New("rate budget exhausted")

type Window struct {
	Scope model.Scope
	Limit int
}

// Tier is the limit table of one platform service tier. Kinds without an
// entry are not rate limited.
type Tier struct {
	Name   string
	Limits map[model.Kind][]Window
}

var FreeTier = Tier{
	Name: "free",
	Limits: map[model.Kind][]Window{
		model.KindPost: {
			{Scope: model.Hourly, Limit: 5},
			{Scope: model.Daily, Limit: 17},
			{Scope: model.Monthly, Limit: 500},
		},
	},
}

var BasicTier = Tier{
	Name: "basic",
	Limits: map[model.Kind][]Window{
		model.KindPost: {
			{Scope: model.Hourly, Limit: 100},
			{Scope: model.Daily, Limit: 1000},
			{Scope: model.Monthly, Limit: 3000},
		},
		model.KindRetweet: {
			{Scope: model.Hourly, Limit: 50},
			{Scope: model.Daily, Limit: 500},
		},
		model.KindSearch: {
			{Scope: model.Hourly, Limit: 240},
			{Scope: model.Monthly, Limit: 10000},
		},
	},
}

func TierByName(name string) (Tier, error) {
	switch name {
	case "", FreeTier.Name:
		return FreeTier, nil
	case BasicTier.Name:
		return BasicTier, nil
	}
	return Tier{}, fmt.Errorf("unknown rate tier %q", name)
}

// BudgetStore persists RateBudget state keyed by (kind, scope).
type BudgetStore interface {
	// Snapshot returns the budgets of kind as seen at now, with window
	// rollover applied. It does not write.
	Snapshot(ctx context.Context, kind model.Kind, windows []Window, now time.Time) ([]model.RateBudget, error)
	// Consume increments every window of kind by one, or none of them if
	// any window is full.
	Consume(ctx context.Context, kind model.Kind, windows []Window, now time.Time) (bool, error)
}

type Governor struct {
	store BudgetStore
	tier  Tier
	now   func() time.Time
}

type Option func(*Governor)

func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

func New(store BudgetStore, tier Tier, opts ...Option) *Governor {
	g := &Governor{store: store, tier: tier, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Governor) Tier() Tier { return g.tier }

// Admit reports whether one more action of kind fits in every window.
// A false answer is backpressure, not an error.
func (g *Governor) Admit(ctx context.Context, kind model.Kind) (bool, error) {
	windows := g.tier.Limits[kind]
	if len(windows) == 0 {
		return true, nil
	}
	budgets, err := g.store.Snapshot(ctx, kind, windows, g.now())
	if err != nil {
		return false, fmt.Errorf("snapshot %s budgets: %w", kind, err)
	}
	for _, b := range budgets {
		if b.Consumed >= b.Limit {
			return false, nil
		}
	}
	return true, nil
}

// Record counts one confirmed action of kind against every window.
func (g *Governor) Record(ctx context.Context, kind model.Kind) error {
	windows := g.tier.Limits[kind]
	if len(windows) == 0 {
		return nil
	}
	ok, err := g.store.Consume(ctx, kind, windows, g.now())
	if err != nil {
		return fmt.Errorf("consume %s budget: %w", kind, err)
	}
	if !ok {
		return ErrExhausted
	}
	return nil
}

func (g *Governor) Budgets(ctx context.Context, kind model.Kind) ([]model.RateBudget, error) {
	windows := g.tier.Limits[kind]
	if len(windows) == 0 {
		return nil, nil
	}
	return g.store.Snapshot(ctx, kind, windows, g.now())
}

// WindowStart anchors scope's window containing now. Windows are aligned to
// the Unix epoch so every process computes the same boundaries.
func WindowStart(now time.Time, scope model.Scope) time.Time {
	length := scope.Length().Milliseconds()
	ms := now.UnixMilli()
	return time.UnixMilli(ms - ms%length).UTC()
}
