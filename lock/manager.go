// Package lock provides the distributed lock manager: short-lived named
// leases for serializing cluster-wide maintenance work.
//
// Acquire and Release are single commit round-trips; there is no queue
// of waiters and no blocking acquire. Expiry is lazy — an expired lock
// is reclaimed by the next acquire that observes it, never by a reaper.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/command"
	"github.com/musterhq/muster/fsm"
)

// Proposer submits a command through the replicated log and returns the
// state machine outcome.
type Proposer interface {
	Propose(ctx context.Context, cmd command.Command) (fsm.Result, error)
}

// Reader exposes the advisory lock read the manager needs.
type Reader interface {
	Lock(name string) (muster.Lock, bool)
}

// Manager coordinates named TTL locks.
type Manager struct {
	proposer Proposer
	reader   Reader
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager builds a lock manager.
func NewManager(p Proposer, r Reader, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		proposer: p,
		reader:   r,
		logger:   logger,
		now:      time.Now,
	}
}

// Acquire attempts to take the named lock for ttl. It does not block on
// contention: a lock held by another owner fails immediately with
// ErrLockHeld. Re-acquiring a lock already held by owner renews it.
func (m *Manager) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (muster.Lock, error) {
	cmd := command.New(command.KindLockAcquire, m.now())
	cmd.LockAcquire = &command.LockAcquirePayload{Name: name, Owner: owner, TTL: ttl}

	res, err := m.proposer.Propose(ctx, cmd)
	if err != nil {
		return muster.Lock{}, err
	}
	if rejErr := res.Rejection.Err(); rejErr != nil {
		return muster.Lock{}, rejErr
	}

	m.logger.Debug("lock acquired",
		slog.String("name", name),
		slog.String("owner", owner),
		slog.Duration("ttl", ttl),
	)
	return *res.Lock, nil
}

// Release gives the named lock up. Releasing a lock that is free or
// already expired is an idempotent no-op; releasing a lock held by
// someone else fails with ErrLockNotOwner.
func (m *Manager) Release(ctx context.Context, name, owner string) error {
	cmd := command.New(command.KindLockRelease, m.now())
	cmd.LockRelease = &command.LockReleasePayload{Name: name, Owner: owner}

	res, err := m.proposer.Propose(ctx, cmd)
	if err != nil {
		return err
	}
	if rejErr := res.Rejection.Err(); rejErr != nil {
		return rejErr
	}

	m.logger.Debug("lock released",
		slog.String("name", name),
		slog.String("owner", owner),
	)
	return nil
}

// IsHeld reports whether the named lock is currently live, and by whom.
// This is an advisory read: it can go stale immediately, so callers must
// never treat it as permission — only a successful Acquire grants that.
func (m *Manager) IsHeld(name string) (muster.Lock, bool) {
	l, ok := m.reader.Lock(name)
	if !ok || !l.Live(m.now()) {
		return muster.Lock{}, false
	}
	return l, true
}
