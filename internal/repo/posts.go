package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/post-scheduler/internal/model"
)

// PostRepository is the Queue Store. Only pending posts may be edited or
// deleted one by one, and never while a delivery attempt holds a claim.
type PostRepository interface {
	Enqueue(ctx context.Context, content string, scheduledFor time.Time) (model.ScheduledPost, error)
	Get(ctx context.Context, id string) (model.ScheduledPost, error)
	// ListDue returns pending posts with ScheduledFor <= now, oldest first,
	// ties in insertion order. limit <= 0 means no limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledPost, error)
	List(ctx context.Context, status model.Status, limit, offset int) ([]model.ScheduledPost, error)
	// Claim reserves a post in one of the from statuses for a single
	// delivery attempt and returns its current record. The claim lasts
	// until ttl elapses or UpdateStatus settles the post.
	Claim(ctx context.Context, id string, ttl time.Duration, from ...model.Status) (model.ScheduledPost, error)
	UpdateStatus(ctx context.Context, id string, u model.StatusUpdate) (model.ScheduledPost, error)
	UpdateContent(ctx context.Context, id, content string) (model.ScheduledPost, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteAll(ctx context.Context, confirmed bool) (DeleteAllResult, error)
}

type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type DeleteAllResult struct {
	DeletedCount int         `json:"deletedCount"`
	Errors       []ItemError `json:"errors"`
}
