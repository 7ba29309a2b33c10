// Package schedule implements the Schedule Store & Daemon: a pluggable
// persistence backend for recurring/one-shot schedules, and a
// single-leader daemon that fires due schedules back into the Run
// Controller. Everything persists to a single `schedules` table whose
// locked_by/lock_token/lock_expires_at columns carry the advisory
// lock.
package schedule

import (
	"context"
	"time"

	"github.com/visor-run/visor/internal/domain"
)

// Stats summarizes the Schedule Store's contents.
type Stats struct {
	Total     int
	Active    int
	Paused    int
	Completed int
	Failed    int
	ByCreator map[string]int
}

// Limits bounds per-creator schedule counts, enforced by
// ValidateLimits before creation.
type Limits struct {
	MaxSchedulesPerCreator int
	MaxRecurringPerCreator int
}

// DefaultLimits mirrors typical per-tenant ceilings; callers override
// via Backend.ValidateLimits's limits argument.
func DefaultLimits() Limits {
	return Limits{MaxSchedulesPerCreator: 100, MaxRecurringPerCreator: 50}
}

// Backend is the Schedule Store's persistence contract:
// initialize/shutdown/create/importSchedule/get/update/delete/
// getByCreator/getActiveSchedules/getDueSchedules/findByWorkflow/
// getStats/validateLimits/tryAcquireLock/releaseLock/renewLock/flush.
type Backend interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	Create(ctx context.Context, def domain.ScheduleDef) (*domain.Schedule, error)
	ImportSchedule(ctx context.Context, s *domain.Schedule) error
	Get(ctx context.Context, id string) (*domain.Schedule, error)
	Update(ctx context.Context, s *domain.Schedule) error
	Delete(ctx context.Context, id string) error

	GetByCreator(ctx context.Context, creatorID string) ([]*domain.Schedule, error)
	GetActiveSchedules(ctx context.Context) ([]*domain.Schedule, error)
	GetDueSchedules(ctx context.Context, now time.Time) ([]*domain.Schedule, error)
	FindByWorkflow(ctx context.Context, workflowRef string) ([]*domain.Schedule, error)

	GetStats(ctx context.Context) (Stats, error)
	ValidateLimits(ctx context.Context, creatorID string, limits Limits) error

	// TryAcquireLock attempts to take the at-most-one advisory lock for
	// schedule id on behalf of nodeID for ttl. It returns the lock token
	// on success, and ok=false (no error) when another live node already
	// holds it: the expected "skip, another node owns it" path, not a
	// failure.
	TryAcquireLock(ctx context.Context, id, nodeID string, ttl time.Duration) (token string, ok bool, err error)
	// RenewLock extends a held lock's TTL; callers renew on a timer well
	// inside ttl so a slow workflow run never loses its lock mid-flight.
	RenewLock(ctx context.Context, id, nodeID, token string, ttl time.Duration) error
	// ReleaseLock clears the lock if nodeID/token still match. Safe to
	// call even if the lock already expired or was never held by us.
	ReleaseLock(ctx context.Context, id, nodeID, token string) error

	Flush(ctx context.Context) error
}
