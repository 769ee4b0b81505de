package model

import "time"

// Kind is the class of remote action a budget is tracked for.
type Kind string

const (
	KindPost    Kind = "post"
	KindRetweet Kind = "retweet"
	KindSearch  Kind = "search"
)

type Scope string

const (
	Hourly  Scope = "hour"
	Daily   Scope = "day"
	Monthly Scope = "month"
)

func (s Scope) Length() time.Duration {
	switch s {
	case Hourly:
		return time.Hour
	case Daily:
		return 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

type RateBudget struct {
	Kind        Kind      `json:"kind"`
	Scope       Scope     `json:"scope"`
	Limit       int       `json:"limit"`
	Consumed    int       `json:"consumed"`
	WindowStart time.Time `json:"windowStart"`
}

func (b RateBudget) Remaining() int {
	if b.Consumed >= b.Limit {
		return 0
	}
	return b.Limit - b.Consumed
}
