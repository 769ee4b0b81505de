package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestPublishError_MatchesClass(t *testing.T) {
	t.Parallel()

	tr := &PublishError{Transient: true, StatusCode: 503, Err: errors.New("unavailable")}
	if !errors.Is(tr, ErrTransient) || errors.Is(tr, ErrPermanent) {
		t.Fatalf("expected transient-only match for %v", tr)
	}

	pe := Permanent(errors.New("bad auth"))
	if !errors.Is(pe, ErrPermanent) || errors.Is(pe, ErrTransient) {
		t.Fatalf("expected permanent-only match for %v", pe)
	}

	wrapped := fmt.Errorf("dispatch: %w", tr)
	if !IsTransient(wrapped) {
		t.Fatalf("expected wrapped transient error to classify as transient")
	}
}

func TestIsTransient_DeadlineExceeded(t *testing.T) {
	t.Parallel()

	if !IsTransient(fmt.Errorf("publish: %w", context.DeadlineExceeded)) {
		t.Fatalf("expected deadline exceeded to be transient")
	}
	if IsTransient(errors.New("boom")) {
		t.Fatalf("expected unclassified error not to be transient")
	}
	if IsTransient(nil) {
		t.Fatalf("expected nil not to be transient")
	}
}

func TestTag(t *testing.T) {
	t.Parallel()

	if got := Tag(Transient(errors.New("timeout"))); !strings.HasPrefix(got, "transient: ") {
		t.Fatalf("unexpected tag %q", got)
	}
	if got := Tag(Permanent(errors.New("401"))); !strings.HasPrefix(got, "permanent: ") {
		t.Fatalf("unexpected tag %q", got)
	}
}

func TestConstructors_KeepSentinels(t *testing.T) {
	t.Parallel()

	if err := Validation("content is empty"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := NotFound("abc"); !errors.Is(err, ErrNotFound) || !strings.Contains(err.Error(), "abc") {
		t.Fatalf("unexpected not found error %v", err)
	}
	if err := InvalidState("post %s is %s", "a", "posted"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
