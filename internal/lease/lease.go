// Package lease manages exclusive-write leases on containers and blobs.
//
// A lease can be acquired for 15 to 60 seconds or indefinitely, renewed,
// released, broken, or have its ID changed. While a resource holds an
// active lease, write and delete operations must present the lease ID.
package lease

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// InfiniteDuration requests a lease that never expires.
const InfiniteDuration = -1

var (
	ErrInvalidDuration    = errors.New("lease: duration must be -1 or between the configured bounds")
	ErrInvalidBreakPeriod = errors.New("lease: break period must be between 0 and 60 seconds")
	ErrInvalidProposedID  = errors.New("lease: proposed lease id must be a valid UUID")
	ErrConflict           = errors.New("lease: resource already has an active lease")
	ErrMismatch           = errors.New("lease: lease id does not match")
	ErrNotPresent         = errors.New("lease: no active lease on resource")
	ErrBreaking           = errors.New("lease: lease is being broken")
)

// State describes the lifecycle of a lease on a resource.
type State string

const (
	StateAvailable State = "available"
	StateLeased    State = "leased"
	StateBreaking  State = "breaking"
	StateExpired   State = "expired"
)

type record struct {
	id       string
	infinite bool
	duration time.Duration
	expires  time.Time // meaningful only for finite leases
	breaking bool
	breakAt  time.Time // when a breaking lease becomes available
}

// Manager tracks leases in memory with lazy expiry. Resources are keyed by
// caller-chosen strings ("container" or "container/blob").
type Manager struct {
	mu          sync.Mutex
	leases      map[string]*record
	minDuration time.Duration
	maxDuration time.Duration
	now         func() time.Time
}

// NewManager creates a lease manager with the given finite-duration bounds.
func NewManager(minDuration, maxDuration time.Duration) *Manager {
	if minDuration <= 0 {
		minDuration = 15 * time.Second
	}
	if maxDuration <= 0 {
		maxDuration = 60 * time.Second
	}
	return &Manager{
		leases:      make(map[string]*record),
		minDuration: minDuration,
		maxDuration: maxDuration,
		now:         time.Now,
	}
}

// get returns the live record for a resource, reclaiming expired and
// fully-broken leases. Callers must hold m.mu.
func (m *Manager) get(resource string) *record {
	rec, ok := m.leases[resource]
	if !ok {
		return nil
	}
	now := m.now()
	if rec.breaking && !now.Before(rec.breakAt) {
		delete(m.leases, resource)
		return nil
	}
	if !rec.infinite && !rec.breaking && now.After(rec.expires) {
		delete(m.leases, resource)
		return nil
	}
	return rec
}

// Acquire requests a new lease. durationSeconds is InfiniteDuration or a
// value within the configured bounds. An optional proposed ID (UUID format)
// becomes the lease ID; re-acquiring with the ID of the active lease is
// idempotent.
func (m *Manager) Acquire(resource string, durationSeconds int, proposedID string) (string, error) {
	if durationSeconds != InfiniteDuration {
		d := time.Duration(durationSeconds) * time.Second
		if d < m.minDuration || d > m.maxDuration {
			return "", ErrInvalidDuration
		}
	}
	if proposedID != "" {
		if _, err := uuid.Parse(proposedID); err != nil {
			return "", ErrInvalidProposedID
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec := m.get(resource); rec != nil {
		if rec.breaking {
			return "", ErrBreaking
		}
		if proposedID != "" && rec.id == proposedID {
			// Same holder re-acquiring: treat as renew.
			if !rec.infinite {
				rec.expires = m.now().Add(rec.duration)
			}
			return rec.id, nil
		}
		return "", ErrConflict
	}

	id := proposedID
	if id == "" {
		id = uuid.NewString()
	}

	rec := &record{id: id, infinite: durationSeconds == InfiniteDuration}
	if !rec.infinite {
		rec.duration = time.Duration(durationSeconds) * time.Second
		rec.expires = m.now().Add(rec.duration)
	}
	m.leases[resource] = rec

	logrus.WithFields(logrus.Fields{
		"resource": resource,
		"duration": durationSeconds,
	}).Debug("Lease acquired")

	return id, nil
}

// Renew extends an active lease by its original duration. The lease ID
// must match.
func (m *Manager) Renew(resource, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.get(resource)
	if rec == nil {
		return ErrNotPresent
	}
	if rec.breaking {
		return ErrBreaking
	}
	if rec.id != leaseID {
		return ErrMismatch
	}
	if !rec.infinite {
		rec.expires = m.now().Add(rec.duration)
	}
	return nil
}

// Release frees the lease immediately so another client may acquire.
func (m *Manager) Release(resource, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.get(resource)
	if rec == nil {
		return ErrNotPresent
	}
	if rec.id != leaseID {
		return ErrMismatch
	}
	delete(m.leases, resource)
	return nil
}

// Change swaps the lease ID for a new proposed one. Both IDs are required.
func (m *Manager) Change(resource, leaseID, proposedID string) error {
	if proposedID == "" {
		return ErrInvalidProposedID
	}
	if _, err := uuid.Parse(proposedID); err != nil {
		return ErrInvalidProposedID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.get(resource)
	if rec == nil {
		return ErrNotPresent
	}
	if rec.breaking {
		return ErrBreaking
	}
	if rec.id != leaseID {
		return ErrMismatch
	}
	rec.id = proposedID
	return nil
}

// Break ends the lease without requiring its ID. breakPeriodSeconds
// proposes how long the lease remains unavailable, capped at the time
// remaining; pass a negative value for the default behavior (remaining
// time for finite leases, immediate for infinite ones). Returns the number
// of seconds until the lease becomes available.
func (m *Manager) Break(resource string, breakPeriodSeconds int) (int, error) {
	if breakPeriodSeconds > 60 {
		return 0, ErrInvalidBreakPeriod
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.get(resource)
	if rec == nil {
		return 0, ErrNotPresent
	}

	now := m.now()

	var remaining time.Duration
	switch {
	case rec.breaking:
		remaining = rec.breakAt.Sub(now)
	case rec.infinite:
		remaining = 0
	default:
		remaining = rec.expires.Sub(now)
	}

	if breakPeriodSeconds >= 0 {
		proposed := time.Duration(breakPeriodSeconds) * time.Second
		// The proposed period only shortens the wait, never extends it,
		// except for infinite leases which break after exactly the period.
		if rec.infinite && !rec.breaking {
			remaining = proposed
		} else if proposed < remaining {
			remaining = proposed
		}
	}

	if remaining <= 0 {
		delete(m.leases, resource)
		return 0, nil
	}

	rec.breaking = true
	rec.breakAt = now.Add(remaining)
	return int(remaining.Seconds() + 0.5), nil
}

// Status returns the lease state of a resource.
func (m *Manager) Status(resource string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.get(resource)
	switch {
	case rec == nil:
		return StateAvailable
	case rec.breaking:
		return StateBreaking
	default:
		return StateLeased
	}
}

// CheckWrite guards a write or delete against the resource's lease. With an
// active lease the caller must present the matching ID; without one, a
// presented ID is an error.
func (m *Manager) CheckWrite(resource, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.get(resource)
	if rec == nil {
		if leaseID != "" {
			return fmt.Errorf("%w: %s", ErrNotPresent, resource)
		}
		return nil
	}
	if leaseID == "" {
		return fmt.Errorf("%w: write requires lease id for %s", ErrMismatch, resource)
	}
	if rec.id != leaseID {
		return ErrMismatch
	}
	return nil
}
