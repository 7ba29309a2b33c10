package domain

import "time"

// ScheduleDef is the user-authored definition of a recurring or
// one-shot schedule, as it appears in Config.Schedules or a create
// request to the Schedule Store.
type ScheduleDef struct {
	ID          string       `json:"id" yaml:"id"`
	CreatorID   string       `json:"creator_id" yaml:"creator_id"`
	Kind        ScheduleKind `json:"kind" yaml:"kind"`
	Expression  string       `json:"expression" yaml:"expression"` // cron, "@every <dur>", or RFC3339 instant
	WorkflowRef string       `json:"workflow_ref" yaml:"workflow_ref"`
}

// Schedule is the persisted row tracked by the Schedule Store: a
// ScheduleDef plus lifecycle and lock state.
type Schedule struct {
	ScheduleDef

	Status        ScheduleStatus `json:"status"`
	RunCount      int            `json:"run_count"`
	FailureCount  int            `json:"failure_count"`
	NextRunAt     time.Time      `json:"next_run_at"`
	CreatedAt     time.Time      `json:"created_at"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`

	LockedBy      string     `json:"locked_by,omitempty"`
	LockToken     string     `json:"lock_token,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
}

// IsLocked reports whether the schedule currently has a live lock held
// by any node.
func (s *Schedule) IsLocked(now time.Time) bool {
	return s.LockExpiresAt != nil && s.LockExpiresAt.After(now)
}

// IsDue reports whether the schedule is active and its NextRunAt is at
// or before now. Lock state is not considered; see IsLocked.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Status == ScheduleStatusActive && !s.NextRunAt.After(now)
}
