package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeventeLantos/post-scheduler/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testTier = Tier{
	Name: "test",
	Limits: map[model.Kind][]Window{
		model.KindPost: {
			{Scope: model.Hourly, Limit: 5},
			{Scope: model.Daily, Limit: 12},
		},
	},
}

func TestGovernor_AdmitRecord_StopsAtHourlyLimit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC))
	g := New(NewMemoryStore(), testTier, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := g.Admit(ctx, model.KindPost)
		if err != nil || !ok {
			t.Fatalf("iteration %d: expected admit, got ok=%v err=%v", i, ok, err)
		}
		if err := g.Record(ctx, model.KindPost); err != nil {
			t.Fatalf("iteration %d: Record() error: %v", i, err)
		}
	}

	ok, err := g.Admit(ctx, model.KindPost)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if ok {
		t.Fatalf("expected admit to be denied at the hourly limit")
	}

	if err := g.Record(ctx, model.KindPost); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	budgets, err := g.Budgets(ctx, model.KindPost)
	if err != nil {
		t.Fatalf("Budgets() error: %v", err)
	}
	if budgets[0].Consumed != 5 || budgets[1].Consumed != 5 {
		t.Fatalf("expected consumed 5/5, got %+v", budgets)
	}
}

func TestGovernor_AdmitDoesNotMutate(t *testing.T) {
	t.Parallel()

	g := New(NewMemoryStore(), testTier)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := g.Admit(ctx, model.KindPost); err != nil {
			t.Fatalf("Admit() error: %v", err)
		}
	}

	budgets, _ := g.Budgets(ctx, model.KindPost)
	for _, b := range budgets {
		if b.Consumed != 0 {
			t.Fatalf("expected admit to leave consumed at 0, got %+v", b)
		}
	}
}

func TestGovernor_WindowRollsOver(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC))
	g := New(NewMemoryStore(), testTier, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := g.Record(ctx, model.KindPost); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}
	if ok, _ := g.Admit(ctx, model.KindPost); ok {
		t.Fatalf("expected denial before rollover")
	}

	clock.Advance(2 * time.Minute)

	ok, err := g.Admit(ctx, model.KindPost)
	if err != nil || !ok {
		t.Fatalf("expected admit after hourly rollover, got ok=%v err=%v", ok, err)
	}

	budgets, _ := g.Budgets(ctx, model.KindPost)
	if budgets[0].Consumed != 0 {
		t.Fatalf("expected fresh hourly window, got %+v", budgets[0])
	}
	if !budgets[0].WindowStart.Equal(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected hourly window start %v", budgets[0].WindowStart)
	}
	if budgets[1].Consumed != 5 {
		t.Fatalf("expected daily window to carry over, got %+v", budgets[1])
	}
}

func TestGovernor_DailyLimitBindsAcrossHours(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC))
	g := New(NewMemoryStore(), testTier, WithClock(clock.Now))
	ctx := context.Background()

	recorded := 0
	for hour := 0; hour < 4; hour++ {
		for {
			ok, err := g.Admit(ctx, model.KindPost)
			if err != nil {
				t.Fatalf("Admit() error: %v", err)
			}
			if !ok {
				break
			}
			if err := g.Record(ctx, model.KindPost); err != nil {
				t.Fatalf("Record() error: %v", err)
			}
			recorded++
		}
		clock.Advance(time.Hour)
	}

	if recorded != 12 {
		t.Fatalf("expected daily limit 12 to cap recordings, got %d", recorded)
	}
}

func TestGovernor_UnlimitedKind(t *testing.T) {
	t.Parallel()

	g := New(NewMemoryStore(), testTier)
	ctx := context.Background()

	ok, err := g.Admit(ctx, model.KindSearch)
	if err != nil || !ok {
		t.Fatalf("expected unlimited kind to be admitted, got ok=%v err=%v", ok, err)
	}
	if err := g.Record(ctx, model.KindSearch); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if b, _ := g.Budgets(ctx, model.KindSearch); b != nil {
		t.Fatalf("expected no budgets for unlimited kind, got %+v", b)
	}
}

func TestGovernor_ConcurrentAdmitRecordNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	assertConcurrentCap(t, New(NewMemoryStore(), testTier, WithClock(clock.Now)))
}

func assertConcurrentCap(t *testing.T, g *Governor) {
	t.Helper()

	ctx := context.Background()
	var recorded atomic.Int64
	var wg sync.WaitGroup

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := g.Admit(ctx, model.KindPost)
				if err != nil {
					t.Errorf("Admit() error: %v", err)
					return
				}
				if !ok {
					continue
				}
				if err := g.Record(ctx, model.KindPost); err == nil {
					recorded.Add(1)
				} else if !errors.Is(err, ErrExhausted) {
					t.Errorf("Record() error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := recorded.Load(); got != 5 {
		t.Fatalf("expected exactly 5 successful records, got %d", got)
	}
	budgets, err := g.Budgets(ctx, model.KindPost)
	if err != nil {
		t.Fatalf("Budgets() error: %v", err)
	}
	for _, b := range budgets {
		if b.Consumed > b.Limit {
			t.Fatalf("consumed exceeded limit: %+v", b)
		}
	}
	if budgets[0].Consumed != 5 {
		t.Fatalf("expected hourly consumed 5, got %d", budgets[0].Consumed)
	}
}

func TestTierByName(t *testing.T) {
	t.Parallel()

	if tier, err := TierByName(""); err != nil || tier.Name != "free" {
		t.Fatalf("expected free tier by default, got %+v err=%v", tier, err)
	}
	if tier, err := TierByName("basic"); err != nil || tier.Name != "basic" {
		t.Fatalf("expected basic tier, got %+v err=%v", tier, err)
	}
	if _, err := TierByName("enterprise"); err == nil {
		t.Fatalf("expected error for unknown tier")
	}

	post := FreeTier.Limits[model.KindPost]
	if len(post) != 3 || post[0].Limit != 5 || post[1].Limit != 17 || post[2].Limit != 500 {
		t.Fatalf("unexpected free tier post limits: %+v", post)
	}
}

func TestWindowStart_EpochAligned(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 42, 17, 0, time.UTC)
	if got := WindowStart(now, model.Hourly); !got.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected hourly start %v", got)
	}
	if got := WindowStart(now, model.Daily); !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected daily start %v", got)
	}
	month := WindowStart(now, model.Monthly)
	if month.After(now) || now.Sub(month) >= model.Monthly.Length() {
		t.Fatalf("monthly start %v does not contain %v", month, now)
	}
}
