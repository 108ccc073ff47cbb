package bunmirror

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/musterhq/muster"
)

// ── Session model ──────────────────────────────

type sessionModel struct {
	bun.BaseModel `bun:"table:muster_sessions"`

	ID                  string    `bun:"id,pk"`
	Tier                int       `bun:"tier,notnull,default:0"`
	Status              string    `bun:"status,notnull"`
	LastHeartbeatAt     time.Time `bun:"last_heartbeat_at"`
	ConsecutiveFailures int       `bun:"consecutive_failures,notnull,default:0"`
	MaxConcurrentTasks  int       `bun:"max_concurrent_tasks,notnull,default:1"`
	CurrentTaskCount    int       `bun:"current_task_count,notnull,default:0"`
	GroupID             string    `bun:"group_id"`
	AffinityLabels      []string  `bun:"affinity_labels,array"`
	WindowStartHour     int       `bun:"window_start_hour,notnull,default:0"`
	WindowEndHour       int       `bun:"window_end_hour,notnull,default:0"`
	CreatedAt           time.Time `bun:"created_at,notnull"`
	UpdatedAt           time.Time `bun:"updated_at,notnull"`
}

func toSessionModel(s *muster.Session) sessionModel {
	return sessionModel{
		ID:                  s.ID,
		Tier:                s.Tier,
		Status:              string(s.Status),
		LastHeartbeatAt:     s.LastHeartbeatAt,
		ConsecutiveFailures: s.ConsecutiveFailures,
		MaxConcurrentTasks:  s.MaxConcurrentTasks,
		CurrentTaskCount:    s.CurrentTaskCount,
		GroupID:             s.GroupID,
		AffinityLabels:      s.AffinityLabels,
		WindowStartHour:     s.WindowStartHour,
		WindowEndHour:       s.WindowEndHour,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

// ── Task model ─────────────────────────────────

type taskModel struct {
	bun.BaseModel `bun:"table:muster_tasks"`

	IdempotencyKey    string     `bun:"idempotency_key,pk"`
	ID                string     `bun:"id,notnull"`
	Priority          int        `bun:"priority,notnull,default:0"`
	PayloadRef        string     `bun:"payload_ref"`
	State             string     `bun:"state,notnull"`
	AssignedSessionID string     `bun:"assigned_session_id"`
	ClaimExpiresAt    *time.Time `bun:"claim_expires_at"`
	NextEligibleAt    *time.Time `bun:"next_eligible_at"`
	AttemptCount      int        `bun:"attempt_count,notnull,default:0"`
	MaxAttempts       int        `bun:"max_attempts,notnull,default:1"`
	ResultRef         string     `bun:"result_ref"`
	LastError         string     `bun:"last_error"`
	GroupID           string     `bun:"group_id"`
	CreatedAt         time.Time  `bun:"created_at,notnull"`
	UpdatedAt         time.Time  `bun:"updated_at,notnull"`
}

func toTaskModel(t *muster.Task) taskModel {
	return taskModel{
		IdempotencyKey:    t.IdempotencyKey,
		ID:                t.ID.String(),
		Priority:          t.Priority,
		PayloadRef:        t.PayloadRef,
		State:             string(t.State),
		AssignedSessionID: t.AssignedSessionID,
		ClaimExpiresAt:    optionalTime(t.ClaimExpiresAt),
		NextEligibleAt:    optionalTime(t.NextEligibleAt),
		AttemptCount:      t.AttemptCount,
		MaxAttempts:       t.MaxAttempts,
		ResultRef:         t.ResultRef,
		LastError:         t.LastError,
		GroupID:           t.GroupID,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

// ── Lock model ─────────────────────────────────

type lockModel struct {
	bun.BaseModel `bun:"table:muster_locks"`

	Name       string    `bun:"name,pk"`
	Holder     string    `bun:"holder,notnull"`
	AcquiredAt time.Time `bun:"acquired_at,notnull"`
	ExpiresAt  time.Time `bun:"expires_at,notnull"`
}

func toLockModel(l *muster.Lock) lockModel {
	return lockModel{
		Name:       l.Name,
		Holder:     l.Holder,
		AcquiredAt: l.AcquiredAt,
		ExpiresAt:  l.ExpiresAt,
	}
}

// ── Group model ────────────────────────────────

type groupModel struct {
	bun.BaseModel `bun:"table:muster_groups"`

	ID             string    `bun:"id,pk"`
	Label          string    `bun:"label"`
	Priority       int       `bun:"priority,notnull,default:0"`
	CompletedCount int       `bun:"completed_count,notnull,default:0"`
	FailedCount    int       `bun:"failed_count,notnull,default:0"`
	Labels         []string  `bun:"labels,array"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

func toGroupModel(g *muster.Group) groupModel {
	return groupModel{
		ID:             g.ID,
		Label:          g.Label,
		Priority:       g.Priority,
		CompletedCount: g.CompletedCount,
		FailedCount:    g.FailedCount,
		Labels:         g.Labels,
		CreatedAt:      g.CreatedAt,
		UpdatedAt:      g.UpdatedAt,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
