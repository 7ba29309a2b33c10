package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/visor-run/visor/internal/domain"
)

// RunFunc invokes the Run Controller for a schedule's workflow
// reference with a synthetic "scheduled" event. internal/runner
// supplies the implementation.
type RunFunc func(ctx context.Context, workflowRef string, inputs map[string]any) error

// Daemon is the single-leader schedule firing loop.
// Every node in a deployment runs an identical Daemon against the same
// Backend; the advisory lock (TryAcquireLock/RenewLock/ReleaseLock)
// ensures only one of them actually executes a given due schedule
// within its lock TTL.
type Daemon struct {
	backend Backend
	nodeID  string
	run     RunFunc
	logger  zerolog.Logger

	tick    time.Duration
	lockTTL time.Duration
}

// Options configures a Daemon. Tick and LockTTL default to 10s and 30s.
type Options struct {
	NodeID  string
	Tick    time.Duration
	LockTTL time.Duration
}

func New(backend Backend, run RunFunc, logger zerolog.Logger, opts Options) *Daemon {
	if opts.Tick <= 0 {
		opts.Tick = 10 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &Daemon{
		backend: backend,
		nodeID:  opts.NodeID,
		run:     run,
		logger:  logger,
		tick:    opts.Tick,
		lockTTL: opts.LockTTL,
	}
}

// Run polls for due schedules every d.tick until ctx is cancelled. Each
// due schedule is handled in its own goroutine so a slow workflow never
// delays the next tick's scan.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tickOnce(ctx)
		}
	}
}

func (d *Daemon) tickOnce(ctx context.Context) {
	due, err := d.backend.GetDueSchedules(ctx, time.Now())
	if err != nil {
		d.logger.Error().Err(err).Msg("schedule: getDueSchedules failed")
		return
	}
	for _, s := range due {
		go d.fire(ctx, s.ID)
	}
}

// fire attempts the lock, and if won and the schedule is still due,
// executes the schedule's workflow once, renewing the lock on a timer for the run's duration and
// releasing it on every exit path.
func (d *Daemon) fire(ctx context.Context, scheduleID string) {
	token, ok, err := d.backend.TryAcquireLock(ctx, scheduleID, d.nodeID, d.lockTTL)
	if err != nil {
		d.logger.Error().Err(err).Str("schedule", scheduleID).Msg("schedule: acquire lock failed")
		return
	}
	if !ok {
		d.logger.Debug().Str("schedule", scheduleID).Msg("schedule: skip, locked by another node")
		return
	}

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go d.renewLoop(renewCtx, scheduleID, token)

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.backend.ReleaseLock(releaseCtx, scheduleID, d.nodeID, token); err != nil {
			d.logger.Warn().Err(err).Str("schedule", scheduleID).Msg("schedule: release lock failed")
		}
	}()

	d.execute(ctx, scheduleID)
}

func (d *Daemon) renewLoop(ctx context.Context, scheduleID, token string) {
	interval := d.lockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.backend.RenewLock(ctx, scheduleID, d.nodeID, token, d.lockTTL); err != nil {
				d.logger.Warn().Err(err).Str("schedule", scheduleID).Msg("schedule: renew lock failed")
				return
			}
		}
	}
}

func (d *Daemon) execute(ctx context.Context, scheduleID string) {
	s, err := d.backend.Get(ctx, scheduleID)
	if err != nil {
		d.logger.Error().Err(err).Str("schedule", scheduleID).Msg("schedule: reload before execute failed")
		return
	}
	// Another node may have run it and advanced NextRunAt before
	// releasing the lock this node now holds.
	if !s.IsDue(time.Now()) {
		d.logger.Debug().Str("schedule", scheduleID).Msg("schedule: skip, no longer due")
		return
	}

	runErr := d.run(ctx, s.WorkflowRef, nil)
	now := time.Now()

	if runErr != nil {
		s.FailureCount++
		d.logger.Error().Err(runErr).Str("schedule", scheduleID).Msg("schedule: workflow run failed")
	} else {
		s.RunCount++
		s.LastRunAt = &now
	}

	if s.Kind == domain.ScheduleKindOneTime {
		if runErr != nil {
			s.Status = domain.ScheduleStatusFailed
		} else {
			s.Status = domain.ScheduleStatusCompleted
		}
	} else {
		next, err := NextRun(s.Kind, s.Expression, now)
		if err != nil {
			d.logger.Error().Err(err).Str("schedule", scheduleID).Msg("schedule: compute next run failed")
		} else {
			s.NextRunAt = next
		}
	}

	if err := d.backend.Update(ctx, s); err != nil {
		d.logger.Error().Err(err).Str("schedule", scheduleID).Msg("schedule: update after run failed")
	}
}
