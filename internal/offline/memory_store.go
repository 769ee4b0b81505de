package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LeventeLantos/post-scheduler/internal/model"
)

type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	actions []model.OfflineAction
	dead    []model.DeadLetter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, a model.OfflineAction) (model.OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	a.ID = s.seq
	s.actions = append(s.actions, a)
	return a, nil
}

func (s *MemoryStore) List(_ context.Context) ([]model.OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.OfflineAction, len(s.actions))
	copy(out, s.actions)
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, a model.OfflineAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(a.ID)
	if i < 0 {
		return fmt.Errorf("action %d not buffered", a.ID)
	}
	s.actions[i] = a
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(id); i >= 0 {
		s.actions = append(s.actions[:i], s.actions[i+1:]...)
	}
	return nil
}

func (s *MemoryStore) DeadLetter(_ context.Context, a model.OfflineAction, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(a.ID); i >= 0 {
		s.actions = append(s.actions[:i], s.actions[i+1:]...)
	}
	s.dead = append(s.dead, model.DeadLetter{Action: a, Reason: reason, DeadLetteredAt: at})
	return nil
}

func (s *MemoryStore) DeadLetters(_ context.Context) ([]model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.DeadLetter, len(s.dead))
	copy(out, s.dead)
	return out, nil
}

// indexOf must be called with s.mu held.
func (s *MemoryStore) indexOf(id int64) int {
	for i, a := range s.actions {
		if a.ID == id {
			return i
		}
	}
	return -1
}
