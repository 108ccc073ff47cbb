package muster

import (
	"time"

	"github.com/musterhq/muster/id"
)

// ──────────────────────────────────────────────────
// Session
// ──────────────────────────────────────────────────

// SessionStatus represents the lifecycle state of a worker session.
type SessionStatus string

const (
	// SessionPending means the session registered but has not yet
	// heartbeated.
	SessionPending SessionStatus = "pending"
	// SessionActive means the session is healthy and may claim tasks.
	SessionActive SessionStatus = "active"
	// SessionDegraded means the session missed heartbeats but has not
	// yet been declared failed.
	SessionDegraded SessionStatus = "degraded"
	// SessionFailed means the failure sweep declared the session dead
	// and requeued its claimed tasks.
	SessionFailed SessionStatus = "failed"
	// SessionRetired means the session deregistered or stayed failed
	// long enough to be removed from scheduling permanently.
	SessionRetired SessionStatus = "retired"
)

// Session represents a long-running autonomous worker process registered
// with the cluster. The ID is caller-chosen so that a restarting worker
// can reclaim its identity; when a worker registers without one, the
// coordinator generates a TypeID ("ses_…").
type Session struct {
	Entity

	ID                  string        `json:"id" msgpack:"id"`
	Tier                int           `json:"tier" msgpack:"tier"`
	Status              SessionStatus `json:"status" msgpack:"status"`
	LastHeartbeatAt     time.Time     `json:"last_heartbeat_at" msgpack:"last_heartbeat_at"`
	ConsecutiveFailures int           `json:"consecutive_failures" msgpack:"consecutive_failures"`
	MaxConcurrentTasks  int           `json:"max_concurrent_tasks" msgpack:"max_concurrent_tasks"`
	CurrentTaskCount    int           `json:"current_task_count" msgpack:"current_task_count"`

	// GroupID and AffinityLabels bias candidate selection toward tasks
	// from matching groups. Optional; empty means no affinity.
	GroupID        string   `json:"group_id,omitempty" msgpack:"group_id,omitempty"`
	AffinityLabels []string `json:"affinity_labels,omitempty" msgpack:"affinity_labels,omitempty"`

	// WindowStartHour/WindowEndHour define an optional UTC work window
	// (hours 0–23). Both zero means the session is always in window.
	WindowStartHour int `json:"window_start_hour,omitempty" msgpack:"window_start_hour,omitempty"`
	WindowEndHour   int `json:"window_end_hour,omitempty" msgpack:"window_end_hour,omitempty"`
}

// Schedulable reports whether the session may be offered new work.
func (s *Session) Schedulable() bool {
	return s.Status == SessionActive && s.CurrentTaskCount < s.MaxConcurrentTasks
}

// InWindow reports whether t falls inside the session's work window.
// Windows wrap midnight when end < start.
func (s *Session) InWindow(t time.Time) bool {
	if s.WindowStartHour == 0 && s.WindowEndHour == 0 {
		return true
	}
	h := t.UTC().Hour()
	if s.WindowStartHour <= s.WindowEndHour {
		return h >= s.WindowStartHour && h < s.WindowEndHour
	}
	return h >= s.WindowStartHour || h < s.WindowEndHour
}

// ──────────────────────────────────────────────────
// Task
// ──────────────────────────────────────────────────

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	// TaskPending means the task is waiting to be claimed.
	TaskPending TaskState = "pending"
	// TaskClaimed means exactly one session owns the task under a lease.
	TaskClaimed TaskState = "claimed"
	// TaskCompleted means the task finished successfully (terminal).
	TaskCompleted TaskState = "completed"
	// TaskFailed means the most recent attempt failed; the state machine
	// immediately moves the task to retrying or abandoned, so committed
	// state only holds "failed" transiently inside an apply.
	TaskFailed TaskState = "failed"
	// TaskRetrying means the task failed with attempts remaining and
	// becomes pending again once its backoff delay elapses.
	TaskRetrying TaskState = "retrying"
	// TaskAbandoned means the retry budget is exhausted; the task is
	// kept for operator review, never silently dropped (terminal).
	TaskAbandoned TaskState = "abandoned"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskAbandoned
}

// Task represents one discrete unit of work. Tasks are keyed by their
// caller-chosen idempotency key; the TypeID is a secondary identifier
// for projections and logs. Payloads and results are carried by
// reference — the replicated log never stores large blobs.
type Task struct {
	Entity

	ID                id.TaskID `json:"id" msgpack:"id"`
	IdempotencyKey    string    `json:"idempotency_key" msgpack:"idempotency_key"`
	Priority          int       `json:"priority" msgpack:"priority"`
	PayloadRef        string    `json:"payload_ref,omitempty" msgpack:"payload_ref,omitempty"`
	State             TaskState `json:"state" msgpack:"state"`
	AssignedSessionID string    `json:"assigned_session_id,omitempty" msgpack:"assigned_session_id,omitempty"`
	ClaimExpiresAt    time.Time `json:"claim_expires_at,omitempty" msgpack:"claim_expires_at,omitempty"`
	NextEligibleAt    time.Time `json:"next_eligible_at,omitempty" msgpack:"next_eligible_at,omitempty"`
	AttemptCount      int       `json:"attempt_count" msgpack:"attempt_count"`
	MaxAttempts       int       `json:"max_attempts" msgpack:"max_attempts"`
	ResultRef         string    `json:"result_ref,omitempty" msgpack:"result_ref,omitempty"`
	LastError         string    `json:"last_error,omitempty" msgpack:"last_error,omitempty"`
	GroupID           string    `json:"group_id,omitempty" msgpack:"group_id,omitempty"`
}

// Claimable reports whether the task may be handed to a session at the
// given instant.
func (t *Task) Claimable(now time.Time) bool {
	if t.State != TaskPending && t.State != TaskRetrying {
		return false
	}
	return t.NextEligibleAt.IsZero() || !t.NextEligibleAt.After(now)
}

// ──────────────────────────────────────────────────
// Lock
// ──────────────────────────────────────────────────

// Lock is a short-lived cluster-wide mutual exclusion grant. Expiry is a
// deterministic function of commit time; there is no background reaper.
type Lock struct {
	Name       string    `json:"name" msgpack:"name"`
	Holder     string    `json:"holder" msgpack:"holder"`
	AcquiredAt time.Time `json:"acquired_at" msgpack:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at" msgpack:"expires_at"`
}

// Live reports whether the lock is held (not expired) at the given
// instant.
func (l *Lock) Live(now time.Time) bool {
	return l.Holder != "" && now.Before(l.ExpiresAt)
}

// ──────────────────────────────────────────────────
// Group
// ──────────────────────────────────────────────────

// Group is an optional affinity/grouping record used to bias candidate
// selection. Groups are advisory: they influence scoring, never
// correctness.
type Group struct {
	Entity

	ID             string   `json:"id" msgpack:"id"`
	Label          string   `json:"label" msgpack:"label"`
	Priority       int      `json:"priority" msgpack:"priority"`
	CompletedCount int      `json:"completed_count" msgpack:"completed_count"`
	FailedCount    int      `json:"failed_count" msgpack:"failed_count"`
	Labels         []string `json:"labels,omitempty" msgpack:"labels,omitempty"`
}
