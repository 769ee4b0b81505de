package cache

import (
	"context"
	"time"

	"github.com/LeventeLantos/post-scheduler/internal/model"
)

// ResultCache is the read model the dashboard collaborator consumes.
type ResultCache interface {
	StorePosted(ctx context.Context, postID, remoteID string, postedAt time.Time) error
	StoreSummary(ctx context.Context, s model.TickSummary) error
}
