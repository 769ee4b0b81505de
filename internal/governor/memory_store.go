package governor

import (
	"context"
	"sync"
	"time"

	"github.com/LeventeLantos/post-scheduler/internal/model"
)

type budgetKey struct {
	kind  model.Kind
	scope model.Scope
}

type MemoryStore struct {
	mu      sync.Mutex
	budgets map[budgetKey]model.RateBudget
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{budgets: make(map[budgetKey]model.RateBudget)}
}

func (s *MemoryStore) Snapshot(_ context.Context, kind model.Kind, windows []Window, now time.Time) ([]model.RateBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.RateBudget, 0, len(windows))
	for _, w := range windows {
		out = append(out, s.rolled(kind, w, now))
	}
	return out, nil
}

func (s *MemoryStore) Consume(_ context.Context, kind model.Kind, windows []Window, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]model.RateBudget, 0, len(windows))
	for _, w := range windows {
		b := s.rolled(kind, w, now)
		if b.Consumed >= b.Limit {
			return false, nil
		}
		b.Consumed++
		next = append(next, b)
	}
	for _, b := range next {
		s.budgets[budgetKey{kind: b.Kind, scope: b.Scope}] = b
	}
	return true, nil
}

// rolled must be called with s.mu held.
func (s *MemoryStore) rolled(kind model.Kind, w Window, now time.Time) model.RateBudget {
	start := WindowStart(now, w.Scope)
	b, ok := s.budgets[budgetKey{kind: kind, scope: w.Scope}]
	if !ok || start.After(b.WindowStart) {
		b = model.RateBudget{Kind: kind, Scope: w.Scope, WindowStart: start}
	}
	b.Limit = w.Limit
	return b
}
