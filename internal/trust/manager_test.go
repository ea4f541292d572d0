package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"presenceguard/internal/model"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(p Policy) (*Manager, *MemoryStore, *clock) {
	store := NewMemoryStore(100)
	c := &clock{now: t0}
	m := NewManager(store, p, nil).WithClock(c.Now)
	return m, store, c
}

func TestManagerConcurrentSwitchesSerialized(t *testing.T) {
	m, store, _ := newTestManager(DefaultPolicy())
	ctx := context.Background()
	if _, err := m.AttemptLogin(ctx, "s-1", "A"); err != nil {
		t.Fatalf("login: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan model.TransitionOutcome, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.AttemptLogin(ctx, "s-1", fmt.Sprintf("dev-%d", i))
			if err != nil {
				t.Errorf("login: %v", err)
				return
			}
			results <- res.Outcome
		}(i)
	}
	wg.Wait()
	close(results)

	requested := 0
	for outcome := range results {
		switch outcome {
		case model.OutcomeSwitchRequested:
			requested++
		case model.OutcomeSwitchRejected:
		default:
			t.Fatalf("unexpected outcome %s", outcome)
		}
	}
	if requested != 1 {
		t.Fatalf("expected exactly one switch request, got %d", requested)
	}
	if got := len(store.Transitions("s-1")); got != 2 {
		t.Fatalf("expected 2 audit entries, got %d", got)
	}
	if m.locks.size() != 0 {
		t.Fatalf("lock table should be empty after transitions")
	}
}

func TestManagerApproveFlow(t *testing.T) {
	m, store, c := newTestManager(DefaultPolicy())
	ctx := context.Background()
	var seen []model.TransitionOutcome
	m.OnTransition(func(tr model.TrustTransition) { seen = append(seen, tr.Outcome) })

	m.AttemptLogin(ctx, "s-1", "A")
	c.Advance(time.Hour)
	m.AttemptLogin(ctx, "s-1", "B")
	c.Advance(49 * time.Hour)

	st, err := m.Status(ctx, "s-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.StatusCooldownExpiredAwait || st.CanMarkAttendance {
		t.Fatalf("unexpected status %+v", st)
	}
	res, err := m.Approve(ctx, "s-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !res.Status.CanMarkAttendance || res.Status.PrimaryDeviceID != "B" {
		t.Fatalf("unexpected approval %+v", res)
	}
	rec, ok, _ := store.LoadTrustRecord(ctx, "s-1")
	if !ok || rec.PrimaryDeviceID != "B" || rec.Status != model.StatusActive {
		t.Fatalf("stored record %+v", rec)
	}
	want := []model.TransitionOutcome{model.OutcomeActivated, model.OutcomeSwitchRequested, model.OutcomeApproved}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	if _, err := m.Deny(ctx, "s-1"); !errors.Is(err, ErrNoPendingSwitch) {
		t.Fatalf("expected ErrNoPendingSwitch, got %v", err)
	}
}

func TestManagerAutoActivationIsAudited(t *testing.T) {
	m, store, c := newTestManager(Policy{Cooldown: time.Hour, RequireAdminApproval: false})
	ctx := context.Background()
	m.AttemptLogin(ctx, "s-1", "A")
	m.AttemptLogin(ctx, "s-1", "B")
	c.Advance(2 * time.Hour)

	st, err := m.Status(ctx, "s-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.CanMarkAttendance || st.PrimaryDeviceID != "B" {
		t.Fatalf("expected auto activation, got %+v", st)
	}
	trail := store.Transitions("s-1")
	if len(trail) != 3 || trail[2].Outcome != model.OutcomeAutoActivated || !trail[2].At.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected audit trail %+v", trail)
	}
}

func TestManagerUnknownStudent(t *testing.T) {
	m, _, _ := newTestManager(DefaultPolicy())
	st, err := m.Status(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.StatusNoDevice || st.CanMarkAttendance {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, err := m.Status(context.Background(), ""); !errors.Is(err, ErrInvalidStudent) {
		t.Fatalf("expected ErrInvalidStudent, got %v", err)
	}
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (f *failingStore) SaveTransition(ctx context.Context, rec model.DeviceTrustRecord, t model.TrustTransition) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.SaveTransition(ctx, rec, t)
}

func TestManagerSurfacesStoreErrors(t *testing.T) {
	m := NewManager(&failingStore{MemoryStore: NewMemoryStore(0), fail: true}, DefaultPolicy(), nil)
	if _, err := m.AttemptLogin(context.Background(), "s-1", "A"); err == nil {
		t.Fatalf("expected save error")
	}
}

func TestFailedTransitionLeavesNoPartialState(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(0)}
	m := NewManager(store, DefaultPolicy(), nil)
	var observed []model.TrustTransition
	m.OnTransition(func(tr model.TrustTransition) { observed = append(observed, tr) })
	ctx := context.Background()
	if _, err := m.AttemptLogin(ctx, "s-1", "A"); err != nil {
		t.Fatalf("login A: %v", err)
	}

	store.fail = true
	if _, err := m.AttemptLogin(ctx, "s-1", "B"); err == nil {
		t.Fatalf("expected save error")
	}
	store.fail = false

	st, err := m.Status(ctx, "s-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.StatusActive || st.PendingDeviceID != "" || !st.CanMarkAttendance {
		t.Fatalf("failed switch changed the record: %+v", st)
	}
	if trail := store.Transitions("s-1"); len(trail) != 1 || trail[0].Outcome != model.OutcomeActivated {
		t.Fatalf("unexpected audit trail %+v", trail)
	}
	if len(observed) != 1 {
		t.Fatalf("observer saw an unpersisted transition: %+v", observed)
	}
}
