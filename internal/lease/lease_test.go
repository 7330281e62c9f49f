package lease

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testManager(now time.Time) (*Manager, *time.Time) {
	clock := now
	m := NewManager(15*time.Second, 60*time.Second)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestAcquireRelease(t *testing.T) {
	m, _ := testManager(time.Now())

	id, err := m.Acquire("c/blob", 30, "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Expected UUID lease id, got %q", id)
	}

	if m.Status("c/blob") != StateLeased {
		t.Errorf("Expected leased state, got %s", m.Status("c/blob"))
	}

	if err := m.Release("c/blob", id); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if m.Status("c/blob") != StateAvailable {
		t.Errorf("Expected available after release, got %s", m.Status("c/blob"))
	}
}

func TestAcquire_InvalidDuration(t *testing.T) {
	m, _ := testManager(time.Now())

	for _, d := range []int{0, 5, 14, 61, 120} {
		if _, err := m.Acquire("r", d, ""); !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("duration %d: expected invalid duration error, got %v", d, err)
		}
	}

	if _, err := m.Acquire("r", InfiniteDuration, ""); err != nil {
		t.Errorf("infinite duration should be accepted, got %v", err)
	}
}

func TestAcquire_Conflict(t *testing.T) {
	m, _ := testManager(time.Now())

	if _, err := m.Acquire("r", 30, ""); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := m.Acquire("r", 30, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected conflict, got %v", err)
	}
}

func TestAcquire_ProposedIDIdempotent(t *testing.T) {
	m, _ := testManager(time.Now())
	proposed := uuid.NewString()

	id1, err := m.Acquire("r", 30, proposed)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if id1 != proposed {
		t.Errorf("Expected proposed id %s, got %s", proposed, id1)
	}

	// Same proposed ID re-acquires without conflict.
	id2, err := m.Acquire("r", 30, proposed)
	if err != nil {
		t.Fatalf("re-acquire with same id failed: %v", err)
	}
	if id2 != proposed {
		t.Errorf("Expected same id, got %s", id2)
	}

	// Different proposed ID conflicts.
	if _, err := m.Acquire("r", 30, uuid.NewString()); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected conflict for different proposed id, got %v", err)
	}
}

func TestAcquire_BadProposedID(t *testing.T) {
	m, _ := testManager(time.Now())
	if _, err := m.Acquire("r", 30, "not-a-uuid"); !errors.Is(err, ErrInvalidProposedID) {
		t.Errorf("Expected invalid proposed id error, got %v", err)
	}
}

func TestExpiryReclaimed(t *testing.T) {
	m, clock := testManager(time.Now())

	id, err := m.Acquire("r", 15, "")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	*clock = clock.Add(16 * time.Second)

	if m.Status("r") != StateAvailable {
		t.Errorf("Expected expired lease to be reclaimed, got %s", m.Status("r"))
	}
	if err := m.Renew("r", id); !errors.Is(err, ErrNotPresent) {
		t.Errorf("Expected not-present on renew after expiry, got %v", err)
	}
	if _, err := m.Acquire("r", 30, ""); err != nil {
		t.Errorf("Expected acquire after expiry to succeed, got %v", err)
	}
}

func TestRenewExtendsByOriginalDuration(t *testing.T) {
	m, clock := testManager(time.Now())

	id, err := m.Acquire("r", 15, "")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	*clock = clock.Add(10 * time.Second)
	if err := m.Renew("r", id); err != nil {
		t.Fatalf("renew failed: %v", err)
	}

	// 14s past renewal: still held.
	*clock = clock.Add(14 * time.Second)
	if m.Status("r") != StateLeased {
		t.Errorf("Expected lease still held after renew, got %s", m.Status("r"))
	}

	if err := m.Renew("r", uuid.NewString()); !errors.Is(err, ErrMismatch) {
		t.Errorf("Expected mismatch for wrong id, got %v", err)
	}
}

func TestInfiniteLeaseNeverExpires(t *testing.T) {
	m, clock := testManager(time.Now())

	if _, err := m.Acquire("r", InfiniteDuration, ""); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	*clock = clock.Add(24 * time.Hour)
	if m.Status("r") != StateLeased {
		t.Errorf("Expected infinite lease still held, got %s", m.Status("r"))
	}
}

func TestBreak_FiniteLease(t *testing.T) {
	m, clock := testManager(time.Now())

	if _, err := m.Acquire("r", 60, ""); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// Proposed period shorter than remaining wins.
	secs, err := m.Break("r", 10)
	if err != nil {
		t.Fatalf("break failed: %v", err)
	}
	if secs != 10 {
		t.Errorf("Expected 10s break period, got %d", secs)
	}
	if m.Status("r") != StateBreaking {
		t.Errorf("Expected breaking state, got %s", m.Status("r"))
	}

	// Acquire while breaking is rejected.
	if _, err := m.Acquire("r", 30, ""); !errors.Is(err, ErrBreaking) {
		t.Errorf("Expected breaking error, got %v", err)
	}

	*clock = clock.Add(11 * time.Second)
	if m.Status("r") != StateAvailable {
		t.Errorf("Expected available after break period, got %s", m.Status("r"))
	}
	if _, err := m.Acquire("r", 30, ""); err != nil {
		t.Errorf("Expected acquire after break to succeed, got %v", err)
	}
}

func TestBreak_ProposedLongerThanRemainingUsesRemaining(t *testing.T) {
	m, clock := testManager(time.Now())

	if _, err := m.Acquire("r", 15, ""); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	*clock = clock.Add(10 * time.Second) // 5s remaining

	secs, err := m.Break("r", 60)
	if err != nil {
		t.Fatalf("break failed: %v", err)
	}
	if secs != 5 {
		t.Errorf("Expected remaining 5s, got %d", secs)
	}
}

func TestBreak_InfiniteLease(t *testing.T) {
	m, _ := testManager(time.Now())

	if _, err := m.Acquire("r", InfiniteDuration, ""); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// No period: infinite lease breaks immediately.
	secs, err := m.Break("r", -1)
	if err != nil {
		t.Fatalf("break failed: %v", err)
	}
	if secs != 0 {
		t.Errorf("Expected immediate break, got %d", secs)
	}
	if m.Status("r") != StateAvailable {
		t.Errorf("Expected available, got %s", m.Status("r"))
	}
}

func TestBreak_InvalidPeriod(t *testing.T) {
	m, _ := testManager(time.Now())
	if _, err := m.Acquire("r", 30, ""); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := m.Break("r", 61); !errors.Is(err, ErrInvalidBreakPeriod) {
		t.Errorf("Expected invalid break period, got %v", err)
	}
}

func TestChange(t *testing.T) {
	m, _ := testManager(time.Now())

	id, err := m.Acquire("r", 30, "")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	next := uuid.NewString()
	if err := m.Change("r", id, next); err != nil {
		t.Fatalf("change failed: %v", err)
	}

	if err := m.Renew("r", id); !errors.Is(err, ErrMismatch) {
		t.Errorf("Expected old id rejected after change, got %v", err)
	}
	if err := m.Renew("r", next); err != nil {
		t.Errorf("Expected new id accepted, got %v", err)
	}

	if err := m.Change("r", next, "nope"); !errors.Is(err, ErrInvalidProposedID) {
		t.Errorf("Expected invalid proposed id, got %v", err)
	}
}

func TestCheckWrite(t *testing.T) {
	m, _ := testManager(time.Now())

	// No lease, no id: fine.
	if err := m.CheckWrite("r", ""); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	// No lease but id presented: error.
	if err := m.CheckWrite("r", uuid.NewString()); !errors.Is(err, ErrNotPresent) {
		t.Errorf("Expected not-present error, got %v", err)
	}

	id, err := m.Acquire("r", 30, "")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := m.CheckWrite("r", ""); !errors.Is(err, ErrMismatch) {
		t.Errorf("Expected mismatch for missing id, got %v", err)
	}
	if err := m.CheckWrite("r", uuid.NewString()); !errors.Is(err, ErrMismatch) {
		t.Errorf("Expected mismatch for wrong id, got %v", err)
	}
	if err := m.CheckWrite("r", id); err != nil {
		t.Errorf("Expected holder write allowed, got %v", err)
	}
}
