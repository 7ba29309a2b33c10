package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/internal/domain"
)

func newTestBackend(t *testing.T) Backend {
	t.Helper()
	b, err := NewSQLiteBackend(":memory:")
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func TestBackend_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	s, err := b.Create(ctx, domain.ScheduleDef{
		ID:          "nightly",
		CreatorID:   "alice",
		Kind:        domain.ScheduleKindRecurring,
		Expression:  "0 2 * * *",
		WorkflowRef: "checks.yaml",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleStatusActive, s.Status)
	assert.Equal(t, 2, s.NextRunAt.Hour())

	got, err := b.Get(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.CreatorID)
	assert.Equal(t, "checks.yaml", got.WorkflowRef)
}

func TestBackend_GetDueSchedules(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	past := time.Now().Add(-time.Hour)
	due := &domain.Schedule{
		ScheduleDef: domain.ScheduleDef{ID: "due-one", CreatorID: "a", Kind: domain.ScheduleKindOneTime, Expression: past.Format(time.RFC3339), WorkflowRef: "x.yaml"},
		Status:      domain.ScheduleStatusActive,
		NextRunAt:   past,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, b.ImportSchedule(ctx, due))

	future := time.Now().Add(time.Hour)
	notDue := &domain.Schedule{
		ScheduleDef: domain.ScheduleDef{ID: "not-due", CreatorID: "a", Kind: domain.ScheduleKindOneTime, Expression: future.Format(time.RFC3339), WorkflowRef: "x.yaml"},
		Status:      domain.ScheduleStatusActive,
		NextRunAt:   future,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, b.ImportSchedule(ctx, notDue))

	list, err := b.GetDueSchedules(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "due-one", list[0].ID)
}

func TestBackend_Lock_AtMostOnce(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	s := &domain.Schedule{
		ScheduleDef: domain.ScheduleDef{ID: "race", CreatorID: "a", Kind: domain.ScheduleKindRecurring, Expression: "@every 1m"},
		Status:      domain.ScheduleStatusActive,
		NextRunAt:   time.Now(),
		CreatedAt:   time.Now(),
	}
	require.NoError(t, b.ImportSchedule(ctx, s))

	const nodes = 8
	var wg sync.WaitGroup
	wins := make([]bool, nodes)
	for i := 0; i < nodes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := b.TryAcquireLock(ctx, "race", "node", 30*time.Second)
			require.NoError(t, err)
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	wonCount := 0
	for _, w := range wins {
		if w {
			wonCount++
		}
	}
	assert.Equal(t, 1, wonCount, "exactly one node must win the lock")
}

func TestBackend_RenewAndReleaseLock(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	s := &domain.Schedule{
		ScheduleDef: domain.ScheduleDef{ID: "s1", CreatorID: "a", Kind: domain.ScheduleKindRecurring, Expression: "@every 1m"},
		Status:      domain.ScheduleStatusActive,
		NextRunAt:   time.Now(),
		CreatedAt:   time.Now(),
	}
	require.NoError(t, b.ImportSchedule(ctx, s))

	token, ok, err := b.TryAcquireLock(ctx, "s1", "node-a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.RenewLock(ctx, "s1", "node-a", token, 10*time.Second))

	// A different node/token may not renew or release a lock it doesn't hold.
	assert.Error(t, b.RenewLock(ctx, "s1", "node-b", "wrong-token", 10*time.Second))

	require.NoError(t, b.ReleaseLock(ctx, "s1", "node-a", token))

	// Once released, another node can acquire it.
	_, ok, err = b.TryAcquireLock(ctx, "s1", "node-b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBackend_ValidateLimits(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for i := 0; i < 3; i++ {
		_, err := b.Create(ctx, domain.ScheduleDef{
			ID: "s" + string(rune('a'+i)), CreatorID: "bob",
			Kind: domain.ScheduleKindRecurring, Expression: "@every 1h",
		})
		require.NoError(t, err)
	}

	assert.NoError(t, b.ValidateLimits(ctx, "bob", Limits{MaxSchedulesPerCreator: 5, MaxRecurringPerCreator: 5}))
	assert.Error(t, b.ValidateLimits(ctx, "bob", Limits{MaxSchedulesPerCreator: 2, MaxRecurringPerCreator: 5}))
	assert.Error(t, b.ValidateLimits(ctx, "bob", Limits{MaxSchedulesPerCreator: 5, MaxRecurringPerCreator: 2}))
}
