// Package queue implements the distributed task queue: exactly-once
// enqueue by idempotency key, lease-based exclusive claims, retry with
// exponential backoff, and recovery of expired leases.
//
// The queue itself holds no task state. Every operation is a command
// committed through the replicated log; this package shapes commands,
// enforces submission-side rules (idempotency keys, rate limits), and
// translates replicated rejections back into errors.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/command"
	"github.com/musterhq/muster/fsm"
	"github.com/musterhq/muster/id"
)

// Proposer submits a command through the replicated log and returns the
// state machine outcome.
type Proposer interface {
	Propose(ctx context.Context, cmd command.Command) (fsm.Result, error)
}

// Reader exposes the advisory state reads the queue needs.
type Reader interface {
	Task(key string) (muster.Task, bool)
	TasksInState(state muster.TaskState) []muster.Task
	PendingCount(now time.Time) int
	Session(id string) (muster.Session, bool)
}

// Queue is the task queue service.
type Queue struct {
	proposer Proposer
	reader   Reader
	limits   *TierLimiter
	cfg      muster.Config
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a queue service. limits may be nil to disable claim rate
// limiting.
func New(p Proposer, r Reader, limits *TierLimiter, cfg muster.Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		proposer: p,
		reader:   r,
		limits:   limits,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue submits a task. The idempotency key is mandatory: it is the
// task's identity, and re-driving the same key after an unknown outcome
// returns the existing task unchanged instead of creating a duplicate.
func (q *Queue) Enqueue(ctx context.Context, task muster.Task) (muster.Task, error) {
	if task.IdempotencyKey == "" {
		return muster.Task{}, muster.ErrMissingIdempotency
	}
	if task.ID.IsNil() {
		task.ID = id.NewTaskID()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = q.cfg.MaxAttempts
	}

	cmd := command.New(command.KindEnqueue, q.now())
	cmd.Enqueue = &command.EnqueuePayload{Task: task}

	res, err := q.proposer.Propose(ctx, cmd)
	if err != nil {
		return muster.Task{}, err
	}
	if rejErr := res.Rejection.Err(); rejErr != nil {
		return muster.Task{}, fmt.Errorf("queue: enqueue %q: %w", task.IdempotencyKey, rejErr)
	}

	if res.AlreadySatisfied {
		q.logger.Debug("duplicate enqueue absorbed",
			slog.String("idempotency_key", task.IdempotencyKey),
		)
	}
	return *res.Task, nil
}

// Claim hands the session up to maxCount claimable tasks under a lease;
// a maxCount at or below zero claims up to the session's full remaining
// capacity. An empty result is not an error — there was simply nothing
// eligible.
func (q *Queue) Claim(ctx context.Context, sessionID string, maxCount int) ([]muster.Task, error) {
	if q.limits != nil {
		tier := 0
		if ses, ok := q.reader.Session(sessionID); ok {
			tier = ses.Tier
		}
		if !q.limits.Allow(tier) {
			return nil, muster.ErrClaimRateLimited
		}
	}

	cmd := command.New(command.KindClaim, q.now())
	cmd.Claim = &command.ClaimPayload{
		SessionID: sessionID,
		MaxCount:  maxCount,
		Lease:     q.cfg.ClaimLease,
	}

	res, err := q.proposer.Propose(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if rejErr := res.Rejection.Err(); rejErr != nil {
		return nil, fmt.Errorf("queue: claim for %q: %w", sessionID, rejErr)
	}

	if len(res.Tasks) > 0 {
		q.logger.Debug("tasks claimed",
			slog.String("session_id", sessionID),
			slog.Int("count", len(res.Tasks)),
		)
	}
	return res.Tasks, nil
}

// Complete records a terminal success. Completing an already terminal
// task returns the recorded result: exactly one completion per key.
func (q *Queue) Complete(ctx context.Context, key, sessionID, resultRef string) (muster.Task, error) {
	cmd := command.New(command.KindComplete, q.now())
	cmd.Complete = &command.CompletePayload{
		IdempotencyKey: key,
		SessionID:      sessionID,
		ResultRef:      resultRef,
	}

	res, err := q.proposer.Propose(ctx, cmd)
	if err != nil {
		return muster.Task{}, err
	}
	if rejErr := res.Rejection.Err(); rejErr != nil {
		return muster.Task{}, fmt.Errorf("queue: complete %q: %w", key, rejErr)
	}
	return *res.Task, nil
}

// Fail records a failed attempt. With attempts remaining the task moves
// to retrying behind an exponential backoff delay; with the budget
// exhausted it is abandoned and kept for operator review.
func (q *Queue) Fail(ctx context.Context, key, sessionID, reason string) (muster.Task, error) {
	cmd := command.New(command.KindFail, q.now())
	cmd.Fail = &command.FailPayload{
		IdempotencyKey: key,
		SessionID:      sessionID,
		Reason:         reason,
		BackoffBase:    q.cfg.RetryBackoffBase,
		BackoffMax:     q.cfg.RetryBackoffMax,
	}

	res, err := q.proposer.Propose(ctx, cmd)
	if err != nil {
		return muster.Task{}, err
	}
	if rejErr := res.Rejection.Err(); rejErr != nil {
		return muster.Task{}, fmt.Errorf("queue: fail %q: %w", key, rejErr)
	}

	if res.Task.State == muster.TaskAbandoned {
		q.logger.Warn("task abandoned",
			slog.String("idempotency_key", key),
			slog.Int("attempts", res.Task.AttemptCount),
			slog.String("last_error", res.Task.LastError),
		)
	}
	return *res.Task, nil
}

// Renew extends the claim lease for legitimately long-running work.
func (q *Queue) Renew(ctx context.Context, key, sessionID string) (muster.Task, error) {
	cmd := command.New(command.KindRenew, q.now())
	cmd.Renew = &command.RenewPayload{
		IdempotencyKey: key,
		SessionID:      sessionID,
		Lease:          q.cfg.ClaimLease,
	}

	res, err := q.proposer.Propose(ctx, cmd)
	if err != nil {
		return muster.Task{}, err
	}
	if rejErr := res.Rejection.Err(); rejErr != nil {
		return muster.Task{}, fmt.Errorf("queue: renew %q: %w", key, rejErr)
	}
	return *res.Task, nil
}

// Sweep requeues every claimed task whose lease expired. It catches
// silent claim stalls that never trip session failure detection, and
// runs from the leader's maintenance ticker.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	cmd := command.New(command.KindLeaseSweep, q.now())
	cmd.LeaseSweep = &command.LeaseSweepPayload{}

	res, err := q.proposer.Propose(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if res.Requeued > 0 {
		q.logger.Info("expired claims requeued", slog.Int("count", res.Requeued))
	}
	return res.Requeued, nil
}

// Get returns a copy of the task with the given idempotency key.
func (q *Queue) Get(key string) (muster.Task, error) {
	task, ok := q.reader.Task(key)
	if !ok {
		return muster.Task{}, muster.ErrTaskNotFound
	}
	return task, nil
}

// Abandoned lists tasks whose retry budget ran out, for operator
// review. Advisory read.
func (q *Queue) Abandoned() []muster.Task {
	return q.reader.TasksInState(muster.TaskAbandoned)
}

// PendingCount reports how many tasks are claimable right now.
func (q *Queue) PendingCount() int {
	return q.reader.PendingCount(q.now())
}
