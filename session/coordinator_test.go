package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/command"
	"github.com/musterhq/muster/fsm"
	"github.com/musterhq/muster/lock"
)

// localProposer applies commands straight to an FSM, standing in for
// the consensus round-trip.
type localProposer struct {
	mu    sync.Mutex
	sm    *fsm.FSM
	index uint64
}

func (p *localProposer) Propose(_ context.Context, cmd command.Command) (fsm.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index++
	return p.sm.Apply(p.index, 1, &cmd), nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T) (*Coordinator, *fsm.FSM, *localProposer, *time.Time) {
	t.Helper()
	sm := fsm.New()
	prop := &localProposer{sm: sm}
	logger := slog.New(slog.DiscardHandler)
	locks := lock.NewManager(prop, sm, logger)

	c := NewCoordinator(prop, sm, locks, "node-test", muster.DefaultConfig(), logger)
	now := t0
	clock := &now
	c.now = func() time.Time { return *clock }
	return c, sm, prop, clock
}

func register(t *testing.T, c *Coordinator, ses muster.Session) muster.Session {
	t.Helper()
	out, err := c.Register(context.Background(), ses)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return out
}

func heartbeat(t *testing.T, c *Coordinator, id string) muster.Session {
	t.Helper()
	out, err := c.Heartbeat(context.Background(), id)
	if err != nil {
		t.Fatalf("Heartbeat(%s): %v", id, err)
	}
	return out
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

func TestRegisterGeneratesID(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	ses := register(t, c, muster.Session{Tier: 2, MaxConcurrentTasks: 4})
	if !strings.HasPrefix(ses.ID, "ses_") {
		t.Fatalf("generated id = %q, want ses_ prefix", ses.ID)
	}
	if ses.Status != muster.SessionPending {
		t.Fatalf("status = %s, want pending", ses.Status)
	}
}

func TestRegisterLiveDuplicateRejected(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	register(t, c, muster.Session{ID: "worker-1"})
	_, err := c.Register(context.Background(), muster.Session{ID: "worker-1"})
	if !errors.Is(err, muster.ErrAlreadyRegistered) {
		t.Fatalf("duplicate register = %v, want ErrAlreadyRegistered", err)
	}
}

func TestRegisterReclaimsRetiredIdentity(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	register(t, c, muster.Session{ID: "worker-1"})
	if _, err := c.Deregister(context.Background(), "worker-1"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	ses := register(t, c, muster.Session{ID: "worker-1", Tier: 3})
	if ses.Tier != 3 || ses.Status != muster.SessionPending {
		t.Fatalf("reclaimed session = %+v", ses)
	}
}

func TestHeartbeatLifecycle(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	ses := register(t, c, muster.Session{ID: "worker-1"})
	if ses.Status != muster.SessionPending {
		t.Fatalf("status = %s", ses.Status)
	}

	ses = heartbeat(t, c, "worker-1")
	if ses.Status != muster.SessionActive {
		t.Fatalf("status after heartbeat = %s, want active", ses.Status)
	}

	if _, err := c.Heartbeat(context.Background(), "ghost"); !errors.Is(err, muster.ErrSessionNotFound) {
		t.Fatalf("unknown heartbeat = %v, want ErrSessionNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Selection
// ──────────────────────────────────────────────────

func TestSelectPrefersGroupAffinity(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	register(t, c, muster.Session{ID: "plain", Tier: 5, MaxConcurrentTasks: 4})
	register(t, c, muster.Session{ID: "affine", Tier: 1, MaxConcurrentTasks: 4, GroupID: "grp-a"})
	heartbeat(t, c, "plain")
	heartbeat(t, c, "affine")

	// Group match (100) dominates the tier gap (40).
	got, err := c.SelectSessionForTask(&muster.Task{GroupID: "grp-a"})
	if err != nil {
		t.Fatalf("SelectSessionForTask: %v", err)
	}
	if got.ID != "affine" {
		t.Fatalf("selected %s, want affine", got.ID)
	}

	// Without a group the higher tier wins.
	got, err = c.SelectSessionForTask(&muster.Task{})
	if err != nil {
		t.Fatalf("SelectSessionForTask: %v", err)
	}
	if got.ID != "plain" {
		t.Fatalf("selected %s, want plain", got.ID)
	}
}

func TestSelectScoresSharedLabels(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	if _, err := c.UpsertGroup(context.Background(), muster.Group{ID: "grp-ml", Labels: []string{"gpu", "large"}}); err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}

	register(t, c, muster.Session{ID: "cpu", Tier: 4, MaxConcurrentTasks: 2})
	register(t, c, muster.Session{ID: "gpu", Tier: 1, MaxConcurrentTasks: 2, AffinityLabels: []string{"gpu"}})
	heartbeat(t, c, "cpu")
	heartbeat(t, c, "gpu")

	got, err := c.SelectSessionForTask(&muster.Task{GroupID: "grp-ml"})
	if err != nil {
		t.Fatalf("SelectSessionForTask: %v", err)
	}
	if got.ID != "gpu" {
		t.Fatalf("selected %s, want gpu", got.ID)
	}
}

func TestSelectSpreadsLoadOnTies(t *testing.T) {
	c, sm, prop, _ := newTestCoordinator(t)

	register(t, c, muster.Session{ID: "a", MaxConcurrentTasks: 4})
	register(t, c, muster.Session{ID: "b", MaxConcurrentTasks: 4})
	heartbeat(t, c, "a")
	heartbeat(t, c, "b")

	// Load session a with one claimed task.
	enq := command.New(command.KindEnqueue, t0)
	enq.Enqueue = &command.EnqueuePayload{Task: muster.Task{IdempotencyKey: "k1"}}
	prop.Propose(context.Background(), enq)
	claim := command.New(command.KindClaim, t0)
	claim.Claim = &command.ClaimPayload{SessionID: "a", MaxCount: 1, Lease: time.Minute}
	prop.Propose(context.Background(), claim)

	if ses, _ := sm.Session("a"); ses.CurrentTaskCount != 1 {
		t.Fatalf("setup: session a task count = %d", ses.CurrentTaskCount)
	}

	got, err := c.SelectSessionForTask(&muster.Task{})
	if err != nil {
		t.Fatalf("SelectSessionForTask: %v", err)
	}
	if got.ID != "b" {
		t.Fatalf("selected %s, want the less loaded b", got.ID)
	}
}

func TestSelectNoAvailableSession(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	// Registered but never heartbeated: pending, not schedulable.
	register(t, c, muster.Session{ID: "idle"})

	_, err := c.SelectSessionForTask(&muster.Task{})
	if !errors.Is(err, muster.ErrNoAvailableSession) {
		t.Fatalf("SelectSessionForTask = %v, want ErrNoAvailableSession", err)
	}
}

func TestSelectSkipsOverdueSessions(t *testing.T) {
	c, _, _, clock := newTestCoordinator(t)

	register(t, c, muster.Session{ID: "stale", MaxConcurrentTasks: 2})
	heartbeat(t, c, "stale")

	// Still marked active in committed state, but its heartbeat lease
	// has lapsed locally.
	*clock = clock.Add(2 * muster.DefaultConfig().SessionLease)

	_, err := c.SelectSessionForTask(&muster.Task{})
	if !errors.Is(err, muster.ErrNoAvailableSession) {
		t.Fatalf("SelectSessionForTask = %v, want ErrNoAvailableSession", err)
	}
}

func TestSelectHonorsWorkWindow(t *testing.T) {
	c, _, _, clock := newTestCoordinator(t)

	// t0 is 12:00 UTC: in-window for day, out for night.
	register(t, c, muster.Session{ID: "day", MaxConcurrentTasks: 2, WindowStartHour: 8, WindowEndHour: 18})
	register(t, c, muster.Session{ID: "night", MaxConcurrentTasks: 2, WindowStartHour: 20, WindowEndHour: 6})
	heartbeat(t, c, "day")
	heartbeat(t, c, "night")

	got, err := c.SelectSessionForTask(&muster.Task{})
	if err != nil {
		t.Fatalf("SelectSessionForTask: %v", err)
	}
	if got.ID != "day" {
		t.Fatalf("selected %s at noon, want day", got.ID)
	}

	// Keep both fresh, move to 23:00: the night worker gets the bonus.
	*clock = clock.Add(11 * time.Hour)
	heartbeat(t, c, "day")
	heartbeat(t, c, "night")

	got, err = c.SelectSessionForTask(&muster.Task{})
	if err != nil {
		t.Fatalf("SelectSessionForTask: %v", err)
	}
	if got.ID != "night" {
		t.Fatalf("selected %s at 23:00, want night", got.ID)
	}
}

// ──────────────────────────────────────────────────
// Failure sweep
// ──────────────────────────────────────────────────

func TestFailureSweepRequeuesClaims(t *testing.T) {
	c, sm, prop, clock := newTestCoordinator(t)
	ctx := context.Background()

	register(t, c, muster.Session{ID: "doomed", MaxConcurrentTasks: 2})
	register(t, c, muster.Session{ID: "healthy", MaxConcurrentTasks: 2})
	heartbeat(t, c, "doomed")
	heartbeat(t, c, "healthy")

	enq := command.New(command.KindEnqueue, *clock)
	enq.Enqueue = &command.EnqueuePayload{Task: muster.Task{IdempotencyKey: "work-1"}}
	prop.Propose(ctx, enq)
	claim := command.New(command.KindClaim, *clock)
	claim.Claim = &command.ClaimPayload{SessionID: "doomed", MaxCount: 1, Lease: time.Hour}
	prop.Propose(ctx, claim)

	// Only the healthy session keeps heartbeating.
	*clock = clock.Add(30 * time.Second)
	heartbeat(t, c, "healthy")
	*clock = clock.Add(30 * time.Second)

	failed, err := c.DetectAndHandleFailures(ctx)
	if err != nil {
		t.Fatalf("DetectAndHandleFailures: %v", err)
	}
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}

	ses, _ := sm.Session("doomed")
	if ses.Status != muster.SessionFailed {
		t.Fatalf("doomed status = %s, want failed", ses.Status)
	}
	ses, _ = sm.Session("healthy")
	if ses.Status != muster.SessionActive {
		t.Fatalf("healthy status = %s, want active", ses.Status)
	}

	task, _ := sm.Task("work-1")
	if task.State != muster.TaskPending || task.AssignedSessionID != "" {
		t.Fatalf("task after sweep = %+v, want requeued pending", task)
	}
}

func TestFailureSweepEscalatesToRetired(t *testing.T) {
	c, sm, _, clock := newTestCoordinator(t)
	ctx := context.Background()
	lease := muster.DefaultConfig().SessionLease

	register(t, c, muster.Session{ID: "silent"})
	heartbeat(t, c, "silent")

	// First lapse: failed, still revivable.
	*clock = clock.Add(2 * lease)
	if _, err := c.DetectAndHandleFailures(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	ses, _ := sm.Session("silent")
	if ses.Status != muster.SessionFailed {
		t.Fatalf("status = %s, want failed", ses.Status)
	}

	// Within the grace period a repeat sweep is a no-op.
	failed, err := c.DetectAndHandleFailures(ctx)
	if err != nil {
		t.Fatalf("repeat sweep: %v", err)
	}
	if failed != 0 {
		t.Fatalf("repeat sweep failed %d sessions, want 0", failed)
	}

	// Silent past the grace period: retired permanently.
	*clock = clock.Add(time.Duration(retireMultiplier) * lease)
	if _, err := c.DetectAndHandleFailures(ctx); err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	ses, _ = sm.Session("silent")
	if ses.Status != muster.SessionRetired {
		t.Fatalf("final status = %s, want retired", ses.Status)
	}

	if _, err := c.Heartbeat(ctx, "silent"); !errors.Is(err, muster.ErrSessionInactive) {
		t.Fatalf("heartbeat after retirement = %v, want ErrSessionInactive", err)
	}
}

func TestFailureSweepSkipsWhenLockHeld(t *testing.T) {
	c, sm, prop, clock := newTestCoordinator(t)
	ctx := context.Background()

	register(t, c, muster.Session{ID: "stale"})
	heartbeat(t, c, "stale")
	*clock = clock.Add(time.Minute)

	// Another node holds the maintenance lock.
	other := lock.NewManager(prop, sm, slog.New(slog.DiscardHandler))
	if _, err := other.Acquire(ctx, MaintenanceLock, "node-other", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	failed, err := c.DetectAndHandleFailures(ctx)
	if err != nil {
		t.Fatalf("DetectAndHandleFailures: %v", err)
	}
	if failed != 0 {
		t.Fatalf("failed = %d, want 0 when lock contended", failed)
	}
	ses, _ := sm.Session("stale")
	if ses.Status != muster.SessionActive {
		t.Fatalf("status = %s, sweep should not have run", ses.Status)
	}
}
