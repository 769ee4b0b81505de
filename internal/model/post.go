package model

import "time"

type Status string

const (
	Pending Status = "pending"
	Posted  Status = "posted"
	Failed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Posted, Failed:
		return true
	}
	return false
}

// transitions lists the allowed status moves. Posted is terminal.
var transitions = map[Status][]Status{
	Pending: {Posted, Failed},
	Failed:  {Pending, Posted, Failed},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type ScheduledPost struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	Status       Status     `json:"status"`
	PostedAt     *time.Time `json:"postedAt,omitempty"`
	RemoteID     *string    `json:"remoteId,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// StatusUpdate carries the optional fields of a status transition.
type StatusUpdate struct {
	Status       Status
	PostedAt     *time.Time
	RemoteID     string
	ErrorMessage string
}

// TickSummary is what one coordinator tick reports to the outside.
type TickSummary struct {
	StartedAt time.Time `json:"startedAt"`
	Due       int       `json:"due"`
	Attempted int       `json:"attempted"`
	Posted    int       `json:"posted"`
	Failed    int       `json:"failed"`
	Deferred  int       `json:"deferred"`
	Skipped   bool      `json:"skipped,omitempty"`
}
