package repo

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/post-scheduler/internal/apperr"
	"github.com/LeventeLantos/post-scheduler/internal/model"
)

// Rules holds the input constraints shared by every PostRepository.
type Rules struct {
	ContentMax int
	Grace      time.Duration
	Now        func() time.Time
}

func DefaultRules() Rules {
	return Rules{ContentMax: 280, Grace: time.Minute, Now: time.Now}
}

func (r Rules) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func (r Rules) ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("content must not be empty")
	}
	if r.ContentMax > 0 && utf8.RuneCountInString(content) > r.ContentMax {
		return apperr.Validation("content exceeds %d chars", r.ContentMax)
	}
	return nil
}

func (r Rules) ValidateSchedule(scheduledFor time.Time) error {
	if scheduledFor.IsZero() {
		return apperr.Validation("scheduledFor is required")
	}
	if scheduledFor.Before(r.now().Add(-r.Grace)) {
		return apperr.Validation("scheduledFor %s is in the past", scheduledFor.UTC().Format(time.RFC3339))
	}
	return nil
}

// applyStatus moves p to u.Status, enforcing the transition table and
// maintaining postedAt and errorMessage.
func applyStatus(p *model.ScheduledPost, u model.StatusUpdate, now time.Time) error {
	if !u.Status.Valid() {
		return apperr.Validation("unknown status %q", u.Status)
	}
	if !model.CanTransition(p.Status, u.Status) {
		return apperr.InvalidState("post %s cannot move from %s to %s", p.ID, p.Status, u.Status)
	}

	switch u.Status {
	case model.Posted:
		postedAt := now
		if u.PostedAt != nil {
			postedAt = u.PostedAt.UTC()
		}
		p.PostedAt = &postedAt
		if u.RemoteID != "" {
			remoteID := u.RemoteID
			p.RemoteID = &remoteID
		}
		p.ErrorMessage = nil
	case model.Failed:
		msg := u.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}
		p.ErrorMessage = &msg
	case model.Pending:
		p.ErrorMessage = nil
	}

	p.Status = u.Status
	p.UpdatedAt = now
	return nil
}
