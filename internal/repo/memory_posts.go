package repo

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/post-scheduler/internal/apperr"
	"github.com/LeventeLantos/post-scheduler/internal/model"
)

type memoryEntry struct {
	post         model.ScheduledPost
	seq          int64
	claimedUntil time.Time
}

func (e *memoryEntry) claimed(now time.Time) bool {
	return now.Before(e.claimedUntil)
}

// MemoryPostRepo keeps posts in process memory behind a single mutex.
type MemoryPostRepo struct {
	rules Rules

	mu    sync.RWMutex
	posts map[string]*memoryEntry
	seq   int64
}

func NewMemoryPostRepo(rules Rules) *MemoryPostRepo {
	return &MemoryPostRepo{rules: rules, posts: make(map[string]*memoryEntry)}
}

func (r *MemoryPostRepo) Enqueue(ctx context.Context, content string, scheduledFor time.Time) (model.ScheduledPost, error) {
	if err := r.rules.ValidateContent(content); err != nil {
		return model.ScheduledPost{}, err
	}
	if err := r.rules.ValidateSchedule(scheduledFor); err != nil {
		return model.ScheduledPost{}, err
	}

	now := r.rules.now()
	p := model.ScheduledPost{
		ID:           uuid.NewString(),
		Content:      content,
		ScheduledFor: scheduledFor.UTC(),
		Status:       model.Pending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.posts[p.ID] = &memoryEntry{post: p, seq: r.seq}
	return p, nil
}

func (r *MemoryPostRepo) Get(ctx context.Context, id string) (model.ScheduledPost, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.posts[id]
	if !ok {
		return model.ScheduledPost{}, apperr.NotFound(id)
	}
	return e.post, nil
}

func (r *MemoryPostRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledPost, error) {
	r.mu.RLock()
	entries := make([]*memoryEntry, 0)
	for _, e := range r.posts {
		if e.post.Status == model.Pending && !e.post.ScheduledFor.After(now) {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	sortEntries(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]model.ScheduledPost, len(entries))
	for i, e := range entries {
		out[i] = e.post
	}
	return out, nil
}

func (r *MemoryPostRepo) List(ctx context.Context, status model.Status, limit, offset int) ([]model.ScheduledPost, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	r.mu.RLock()
	entries := make([]*memoryEntry, 0, len(r.posts))
	for _, e := range r.posts {
		if status == "" || e.post.Status == status {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	sortEntries(entries)
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]model.ScheduledPost, len(entries))
	for i, e := range entries {
		out[i] = e.post
	}
	return out, nil
}

func (r *MemoryPostRepo) Claim(ctx context.Context, id string, ttl time.Duration, from ...model.Status) (model.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.posts[id]
	if !ok {
		return model.ScheduledPost{}, apperr.NotFound(id)
	}
	if !slices.Contains(from, e.post.Status) {
		return model.ScheduledPost{}, apperr.InvalidState("post %s is %s, it cannot be claimed", id, e.post.Status)
	}

	now := r.rules.now()
	if e.claimed(now) {
		return model.ScheduledPost{}, apperr.InvalidState("post %s is already being published", id)
	}
	e.claimedUntil = now.Add(ttl)
	return e.post, nil
}

func (r *MemoryPostRepo) UpdateStatus(ctx context.Context, id string, u model.StatusUpdate) (model.ScheduledPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.posts[id]
	if !ok {
		return model.ScheduledPost{}, apperr.NotFound(id)
	}

	next := e.post
	if err := applyStatus(&next, u, r.rules.now()); err != nil {
		return model.ScheduledPost{}, err
	}
	e.post = next
	e.claimedUntil = time.Time{}
	return next, nil
}

func (r *MemoryPostRepo) UpdateContent(ctx context.Context, id, content string) (model.ScheduledPost, error) {
	if err := r.rules.ValidateContent(content); err != nil {
		return model.ScheduledPost{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.posts[id]
	if !ok {
		return model.ScheduledPost{}, apperr.NotFound(id)
	}
	if e.post.Status != model.Pending {
		return model.ScheduledPost{}, apperr.InvalidState("post %s is %s, only pending posts can be edited", id, e.post.Status)
	}
	if e.claimed(r.rules.now()) {
		return model.ScheduledPost{}, apperr.InvalidState("post %s is being published and cannot be edited", id)
	}

	e.post.Content = content
	e.post.UpdatedAt = r.rules.now()
	return e.post, nil
}

func (r *MemoryPostRepo) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.posts[id]
	if !ok {
		return false, nil
	}
	if e.post.Status != model.Pending {
		return false, apperr.InvalidState("post %s is %s, only pending posts can be deleted", id, e.post.Status)
	}
	if e.claimed(r.rules.now()) {
		return false, apperr.InvalidState("post %s is being published and cannot be deleted", id)
	}
	delete(r.posts, id)
	return true, nil
}

func (r *MemoryPostRepo) DeleteAll(ctx context.Context, confirmed bool) (DeleteAllResult, error) {
	if !confirmed {
		return DeleteAllResult{}, apperr.ErrConfirmationRequired
	}

	r.mu.RLock()
	ids := make([]string, 0, len(r.posts))
	for id := range r.posts {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	res := DeleteAllResult{Errors: []ItemError{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, ItemError{ID: id, Error: err.Error()})
			continue
		}
		r.mu.Lock()
		if e, ok := r.posts[id]; ok {
			if e.claimed(r.rules.now()) {
				res.Errors = append(res.Errors, ItemError{ID: id, Error: "post is being published"})
			} else {
				delete(r.posts, id)
				res.DeletedCount++
			}
		}
		r.mu.Unlock()
	}
	return res, nil
}

func sortEntries(entries []*memoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.post.ScheduledFor.Equal(b.post.ScheduledFor) {
			return a.post.ScheduledFor.Before(b.post.ScheduledFor)
		}
		return a.seq < b.seq
	})
}
