// Package session implements the session coordinator: registration and
// lifecycle of worker sessions, heartbeat-driven failure detection, and
// advisory session selection for dispatching work.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/command"
	"github.com/musterhq/muster/fsm"
	"github.com/musterhq/muster/id"
)

// MaintenanceLock is the cluster-wide lock name serializing the failure
// sweep so that overlapping leader transitions never run it twice.
const MaintenanceLock = "session.maintenance"

// retireMultiplier sets how long a session may stay silent before the
// sweep retires it outright: retireMultiplier × the session lease. Up to
// that point a failed session can still heal itself by heartbeating.
const retireMultiplier = 3

// Proposer submits a command through the replicated log and returns the
// state machine outcome.
type Proposer interface {
	Propose(ctx context.Context, cmd command.Command) (fsm.Result, error)
}

// Reader exposes the advisory state reads the coordinator needs.
type Reader interface {
	Session(id string) (muster.Session, bool)
	Sessions() []muster.Session
	Group(id string) (muster.Group, bool)
}

// Locker serializes the failure sweep across the cluster.
type Locker interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (muster.Lock, error)
	Release(ctx context.Context, name, owner string) error
}

// Coordinator manages worker session lifecycle.
type Coordinator struct {
	proposer Proposer
	reader   Reader
	locks    Locker
	nodeID   string
	cfg      muster.Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator builds a session coordinator. nodeID identifies this
// node as the sweep lock owner.
func NewCoordinator(p Proposer, r Reader, locks Locker, nodeID string, cfg muster.Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		proposer: p,
		reader:   r,
		locks:    locks,
		nodeID:   nodeID,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Register creates a session. An empty ID gets a generated one; a
// caller-chosen ID lets a restarting worker reclaim its identity, which
// succeeds only when the previous incarnation is retired or failed.
func (c *Coordinator) Register(ctx context.Context, ses muster.Session) (muster.Session, error) {
	if ses.ID == "" {
		ses.ID = id.NewSessionID().String()
	}

	cmd := command.New(command.KindRegister, c.now())
	cmd.Register = &command.RegisterPayload{Session: ses}

	res, err := c.proposer.Propose(ctx, cmd)
	if err != nil {
		return muster.Session{}, err
	}
	if rejErr := res.Rejection.Err(); rejErr != nil {
		return muster.Session{}, fmt.Errorf("session: register %q: %w", ses.ID, rejErr)
	}

	c.logger.Info("session registered",
		slog.String("session_id", res.Session.ID),
		slog.Int("tier", res.Session.Tier),
	)
	return *res.Session, nil
}

// Deregister retires a session and requeues everything it had claimed.
// Deregistering an unknown session is a no-op.
func (c *Coordinator) Deregister(ctx context.Context, sessionID string) (int, error) {
	cmd := command.New(command.KindDeregister, c.now())
	cmd.Deregister = &command.DeregisterPayload{SessionID: sessionID}

	res, err := c.proposer.Propose(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if rejErr := res.Rejection.Err(); rejErr != nil {
		return 0, fmt.Errorf("session: deregister %q: %w", sessionID, rejErr)
	}

	if res.Requeued > 0 {
		c.logger.Info("session deregistered with claims requeued",
			slog.String("session_id", sessionID),
			slog.Int("requeued", res.Requeued),
		)
	}
	return res.Requeued, nil
}

// Heartbeat refreshes a session's liveness. A degraded or failed session
// that heartbeats again becomes active; only retirement is permanent.
func (c *Coordinator) Heartbeat(ctx context.Context, sessionID string) (muster.Session, error) {
	cmd := command.New(command.KindHeartbeat, c.now())
	cmd.Heartbeat = &command.HeartbeatPayload{SessionID: sessionID}

	res, err := c.proposer.Propose(ctx, cmd)
	if err != nil {
		return muster.Session{}, err
	}
	if rejErr := res.Rejection.Err(); rejErr != nil {
		return muster.Session{}, fmt.Errorf("session: heartbeat %q: %w", sessionID, rejErr)
	}
	return *res.Session, nil
}

// UpsertGroup creates or replaces an affinity group record.
func (c *Coordinator) UpsertGroup(ctx context.Context, g muster.Group) (muster.Group, error) {
	if g.ID == "" {
		g.ID = id.NewGroupID().String()
	}

	cmd := command.New(command.KindGroupUpsert, c.now())
	cmd.GroupUpsert = &command.GroupUpsertPayload{Group: g}

	res, err := c.proposer.Propose(ctx, cmd)
	if err != nil {
		return muster.Group{}, err
	}
	if rejErr := res.Rejection.Err(); rejErr != nil {
		return muster.Group{}, fmt.Errorf("session: upsert group %q: %w", g.ID, rejErr)
	}
	return *res.Group, nil
}

// Get returns a copy of the session, advisory.
func (c *Coordinator) Get(sessionID string) (muster.Session, error) {
	ses, ok := c.reader.Session(sessionID)
	if !ok {
		return muster.Session{}, muster.ErrSessionNotFound
	}
	return ses, nil
}

// List returns copies of all sessions, advisory.
func (c *Coordinator) List() []muster.Session {
	return c.reader.Sessions()
}

// SelectSessionForTask picks the best schedulable session for a task.
// This is an advisory read over local state — the recommendation can go
// stale, and exclusivity is only ever granted by a committed claim.
func (c *Coordinator) SelectSessionForTask(task *muster.Task) (muster.Session, error) {
	now := c.now()

	var group *muster.Group
	if task.GroupID != "" {
		if g, ok := c.reader.Group(task.GroupID); ok {
			group = &g
		}
	}

	var (
		best      muster.Session
		bestScore int
		found     bool
	)
	for _, ses := range c.reader.Sessions() {
		if !ses.Schedulable() {
			continue
		}
		// A session overdue for its heartbeat is effectively degraded
		// even before the sweep commits the failure.
		if c.heartbeatAge(&ses, now) > c.cfg.SessionLease {
			continue
		}

		s := score(&ses, task, group, now)
		if !found || s > bestScore || (s == bestScore && tieBreak(&ses, &best)) {
			best = ses
			bestScore = s
			found = true
		}
	}
	if !found {
		return muster.Session{}, muster.ErrNoAvailableSession
	}
	return best, nil
}

// DetectAndHandleFailures finds sessions whose heartbeat lease lapsed
// and commits a failure for each, requeueing their claimed tasks. The
// whole sweep runs under the cluster maintenance lock so concurrent
// leaders in transition never double-sweep; losing the lock race is not
// an error, just someone else's turn.
func (c *Coordinator) DetectAndHandleFailures(ctx context.Context) (int, error) {
	if _, err := c.locks.Acquire(ctx, MaintenanceLock, c.nodeID, c.cfg.SweepInterval); err != nil {
		if errors.Is(err, muster.ErrLockHeld) {
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		if err := c.locks.Release(context.WithoutCancel(ctx), MaintenanceLock, c.nodeID); err != nil {
			c.logger.Warn("maintenance lock release failed", slog.String("error", err.Error()))
		}
	}()

	now := c.now()
	failed := 0
	for _, ses := range c.reader.Sessions() {
		if ses.Status == muster.SessionRetired {
			continue
		}
		age := c.heartbeatAge(&ses, now)
		if age <= c.cfg.SessionLease {
			continue
		}
		retire := age > time.Duration(retireMultiplier)*c.cfg.SessionLease
		if ses.Status == muster.SessionFailed && !retire {
			// Already failed and still inside the grace period: a
			// heartbeat can yet revive it.
			continue
		}

		cmd := command.New(command.KindSessionFailure, now)
		cmd.SessionFailure = &command.SessionFailurePayload{
			SessionID: ses.ID,
			Retire:    retire,
		}
		res, err := c.proposer.Propose(ctx, cmd)
		if err != nil {
			return failed, fmt.Errorf("session: fail %q: %w", ses.ID, err)
		}

		failed++
		c.logger.Warn("session declared failed",
			slog.String("session_id", ses.ID),
			slog.Duration("heartbeat_age", age),
			slog.Int("requeued", res.Requeued),
			slog.Bool("retired", retire),
		)
	}
	return failed, nil
}

func (c *Coordinator) heartbeatAge(ses *muster.Session, now time.Time) time.Duration {
	if ses.LastHeartbeatAt.IsZero() {
		return now.Sub(ses.CreatedAt)
	}
	return now.Sub(ses.LastHeartbeatAt)
}
