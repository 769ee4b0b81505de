package model

import "time"

type ActionKind string

const (
	ActionDispatchRetry ActionKind = "dispatch_retry"
	ActionSchedule      ActionKind = "schedule"
)

// ActionPayload describes what to replay once the platform is reachable.
type ActionPayload struct {
	PostID       string     `json:"postId,omitempty"`
	Content      string     `json:"content"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

type OfflineAction struct {
	ID         int64         `json:"id"`
	Kind       ActionKind    `json:"kind"`
	Payload    ActionPayload `json:"payload"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	Attempts   int           `json:"attempts"`
	LastError  string        `json:"lastError,omitempty"`
}

type DeadLetter struct {
	Action         OfflineAction `json:"action"`
	Reason         string        `json:"reason"`
	DeadLetteredAt time.Time     `json:"deadLetteredAt"`
}
