package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"

	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
)

// scheduleRow is the bun model for the persisted wire shape: one row
// per Schedule, the lock_* columns implementing the at-most-once
// advisory lock.
type scheduleRow struct {
	bun.BaseModel `bun:"table:schedules,alias:s"`

	ID             string     `bun:"id,pk"`
	CreatorID      string     `bun:"creator_id"`
	Kind           string     `bun:"kind"`
	Expression     string     `bun:"expression"`
	WorkflowRef    string     `bun:"workflow_ref"`
	Status         string     `bun:"status"`
	RunCount       int        `bun:"run_count"`
	FailureCount   int        `bun:"failure_count"`
	NextRunAt      int64      `bun:"next_run_at"`
	CreatedAt      int64      `bun:"created_at"`
	LastRunAt      *int64     `bun:"last_run_at"`
	LockedBy       string     `bun:"locked_by"`
	LockToken      string     `bun:"lock_token"`
	LockExpiresAt  *int64     `bun:"lock_expires_at"`
}

func millis(t time.Time) int64 { return t.UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func rowFromDomain(s *domain.Schedule) *scheduleRow {
	row := &scheduleRow{
		ID:           s.ID,
		CreatorID:    s.CreatorID,
		Kind:         string(s.Kind),
		Expression:   s.Expression,
		WorkflowRef:  s.WorkflowRef,
		Status:       string(s.Status),
		RunCount:     s.RunCount,
		FailureCount: s.FailureCount,
		NextRunAt:    millis(s.NextRunAt),
		CreatedAt:    millis(s.CreatedAt),
		LockedBy:     s.LockedBy,
		LockToken:    s.LockToken,
	}
	if s.LastRunAt != nil {
		v := millis(*s.LastRunAt)
		row.LastRunAt = &v
	}
	if s.LockExpiresAt != nil {
		v := millis(*s.LockExpiresAt)
		row.LockExpiresAt = &v
	}
	return row
}

func (row *scheduleRow) toDomain() *domain.Schedule {
	s := &domain.Schedule{
		ScheduleDef: domain.ScheduleDef{
			ID:          row.ID,
			CreatorID:   row.CreatorID,
			Kind:        domain.ScheduleKind(row.Kind),
			Expression:  row.Expression,
			WorkflowRef: row.WorkflowRef,
		},
		Status:       domain.ScheduleStatus(row.Status),
		RunCount:     row.RunCount,
		FailureCount: row.FailureCount,
		NextRunAt:    fromMillis(row.NextRunAt),
		CreatedAt:    fromMillis(row.CreatedAt),
		LockedBy:     row.LockedBy,
		LockToken:    row.LockToken,
	}
	if row.LastRunAt != nil {
		t := fromMillis(*row.LastRunAt)
		s.LastRunAt = &t
	}
	if row.LockExpiresAt != nil {
		t := fromMillis(*row.LockExpiresAt)
		s.LockExpiresAt = &t
	}
	return s
}

// bunBackend implements Backend over any bun.DB, regardless of dialect;
// NewSQLiteBackend and NewPostgresBackend only differ in how they build
// the underlying *bun.DB.
type bunBackend struct {
	db *bun.DB
}

func newBunBackend(sqldb *sql.DB, dialect schema.Dialect) *bunBackend {
	return &bunBackend{db: bun.NewDB(sqldb, dialect)}
}

func (b *bunBackend) Initialize(ctx context.Context) error {
	_, err := b.db.NewCreateTable().Model((*scheduleRow)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return fmt.Errorf("schedule: init schema: %w", err)
	}
	return nil
}

func (b *bunBackend) Shutdown(ctx context.Context) error {
	return b.db.DB.Close()
}

func (b *bunBackend) Flush(ctx context.Context) error {
	return nil
}

func (b *bunBackend) Create(ctx context.Context, def domain.ScheduleDef) (*domain.Schedule, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	next, err := NextRun(def.Kind, def.Expression, time.Now())
	if err != nil {
		return nil, err
	}
	s := &domain.Schedule{
		ScheduleDef: def,
		Status:      domain.ScheduleStatusActive,
		NextRunAt:   next,
		CreatedAt:   time.Now(),
	}
	if err := b.ImportSchedule(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *bunBackend) ImportSchedule(ctx context.Context, s *domain.Schedule) error {
	row := rowFromDomain(s)
	_, err := b.db.NewInsert().Model(row).On("CONFLICT (id) DO UPDATE").Exec(ctx)
	if err != nil {
		return fmt.Errorf("schedule: import %s: %w", s.ID, err)
	}
	return nil
}

func (b *bunBackend) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	row := new(scheduleRow)
	err := b.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("schedule: get %s: %w", id, err)
	}
	return row.toDomain(), nil
}

func (b *bunBackend) Update(ctx context.Context, s *domain.Schedule) error {
	row := rowFromDomain(s)
	_, err := b.db.NewUpdate().Model(row).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("schedule: update %s: %w", s.ID, err)
	}
	return nil
}

func (b *bunBackend) Delete(ctx context.Context, id string) error {
	_, err := b.db.NewDelete().Model((*scheduleRow)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("schedule: delete %s: %w", id, err)
	}
	return nil
}

func (b *bunBackend) selectList(ctx context.Context, build func(*bun.SelectQuery) *bun.SelectQuery) ([]*domain.Schedule, error) {
	var rows []scheduleRow
	q := b.db.NewSelect().Model(&rows)
	q = build(q)
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*domain.Schedule, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

func (b *bunBackend) GetByCreator(ctx context.Context, creatorID string) ([]*domain.Schedule, error) {
	return b.selectList(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("creator_id = ?", creatorID)
	})
}

func (b *bunBackend) GetActiveSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	return b.selectList(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("status = ?", string(domain.ScheduleStatusActive))
	})
}

// GetDueSchedules returns every active schedule whose next_run_at has
// passed and whose lock has either never been held or has expired: the
// candidate set the daemon then races tryAcquireLock over.
func (b *bunBackend) GetDueSchedules(ctx context.Context, now time.Time) ([]*domain.Schedule, error) {
	ms := millis(now)
	return b.selectList(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("status = ?", string(domain.ScheduleStatusActive)).
			Where("next_run_at <= ?", ms).
			Where("(lock_expires_at IS NULL OR lock_expires_at < ?)", ms)
	})
}

func (b *bunBackend) FindByWorkflow(ctx context.Context, workflowRef string) ([]*domain.Schedule, error) {
	return b.selectList(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("workflow_ref = ?", workflowRef)
	})
}

func (b *bunBackend) GetStats(ctx context.Context) (Stats, error) {
	var rows []scheduleRow
	if err := b.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return Stats{}, fmt.Errorf("schedule: stats: %w", err)
	}
	stats := Stats{ByCreator: map[string]int{}}
	for _, row := range rows {
		stats.Total++
		stats.ByCreator[row.CreatorID]++
		switch domain.ScheduleStatus(row.Status) {
		case domain.ScheduleStatusActive:
			stats.Active++
		case domain.ScheduleStatusPaused:
			stats.Paused++
		case domain.ScheduleStatusCompleted:
			stats.Completed++
		case domain.ScheduleStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (b *bunBackend) ValidateLimits(ctx context.Context, creatorID string, limits Limits) error {
	owned, err := b.GetByCreator(ctx, creatorID)
	if err != nil {
		return err
	}
	if limits.MaxSchedulesPerCreator > 0 && len(owned) >= limits.MaxSchedulesPerCreator {
		return domainerrors.NewScheduleError(domainerrors.ScheduleLimitExceeded, "",
			fmt.Sprintf("creator %q at schedule limit (%d)", creatorID, limits.MaxSchedulesPerCreator), nil)
	}
	if limits.MaxRecurringPerCreator > 0 {
		recurring := 0
		for _, s := range owned {
			if s.Kind == domain.ScheduleKindRecurring {
				recurring++
			}
		}
		if recurring >= limits.MaxRecurringPerCreator {
			return domainerrors.NewScheduleError(domainerrors.ScheduleLimitExceeded, "",
				fmt.Sprintf("creator %q at recurring-schedule limit (%d)", creatorID, limits.MaxRecurringPerCreator), nil)
		}
	}
	return nil
}

// TryAcquireLock is a single conditional UPDATE: it only succeeds if no
// other live lock exists, so two daemons racing the same due schedule
// can never both win.
func (b *bunBackend) TryAcquireLock(ctx context.Context, id, nodeID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	now := millis(time.Now())
	expires := millis(time.Now().Add(ttl))

	res, err := b.db.NewUpdate().Model((*scheduleRow)(nil)).
		Set("locked_by = ?", nodeID).
		Set("lock_token = ?", token).
		Set("lock_expires_at = ?", expires).
		Where("id = ?", id).
		Where("(lock_expires_at IS NULL OR lock_expires_at < ?)", now).
		Exec(ctx)
	if err != nil {
		return "", false, fmt.Errorf("schedule: acquire lock %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	return token, n > 0, nil
}

func (b *bunBackend) RenewLock(ctx context.Context, id, nodeID, token string, ttl time.Duration) error {
	expires := millis(time.Now().Add(ttl))
	res, err := b.db.NewUpdate().Model((*scheduleRow)(nil)).
		Set("lock_expires_at = ?", expires).
		Where("id = ?", id).
		Where("locked_by = ?", nodeID).
		Where("lock_token = ?", token).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("schedule: renew lock %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domainerrors.NewScheduleError(domainerrors.ScheduleLockLost, id,
			fmt.Sprintf("lock no longer held by %s", nodeID), nil)
	}
	return nil
}

func (b *bunBackend) ReleaseLock(ctx context.Context, id, nodeID, token string) error {
	_, err := b.db.NewUpdate().Model((*scheduleRow)(nil)).
		Set("locked_by = ''").
		Set("lock_token = ''").
		Set("lock_expires_at = NULL").
		Where("id = ?", id).
		Where("locked_by = ?", nodeID).
		Where("lock_token = ?", token).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("schedule: release lock %s: %w", id, err)
	}
	return nil
}
