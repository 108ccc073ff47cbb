package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/projection/memory"
	"github.com/musterhq/muster/raft"
	"github.com/musterhq/muster/wire"
)

func testConfig() muster.Config {
	cfg := muster.DefaultConfig()
	cfg.ClaimLease = 150 * time.Millisecond
	cfg.SessionLease = 10 * time.Second
	cfg.SweepInterval = 50 * time.Millisecond
	cfg.ApplyTimeout = 2 * time.Second
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startSingleNode(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithNodeID("node-1"),
		WithConfig(testConfig()),
		WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)

	e, err := Build(opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Stop() })

	waitFor(t, 3*time.Second, e.node.IsLeader, "single node never became leader")
	return e
}

// ── Single node ────────────────────────────────

func TestEngineWorkerLifecycle(t *testing.T) {
	mir := memory.New()
	e := startSingleNode(t, WithMirror(mir))
	ctx := context.Background()

	c, err := wire.Dial(ctx, "ws://"+e.WireAddr()+"/wire")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var ses muster.Session
	if err := c.Call(ctx, wire.MethodSessionRegister, wire.SessionRegisterRequest{
		MaxConcurrentTasks: 2,
	}, &ses); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Call(ctx, wire.MethodSessionHeartbeat, wire.SessionHeartbeatRequest{
		SessionID: ses.ID,
	}, &ses); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	var task muster.Task
	if err := c.Call(ctx, wire.MethodTaskEnqueue, wire.TaskEnqueueRequest{
		IdempotencyKey: "order-1",
	}, &task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var claimed wire.TaskClaimResponse
	if err := c.Call(ctx, wire.MethodTaskClaim, wire.TaskClaimRequest{
		SessionID: ses.ID, MaxCount: 1,
	}, &claimed); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed.Tasks) != 1 {
		t.Fatalf("claimed %d tasks, want 1", len(claimed.Tasks))
	}

	if err := c.Call(ctx, wire.MethodTaskComplete, wire.TaskCompleteRequest{
		Key: "order-1", SessionID: ses.ID, ResultRef: "ref-1",
	}, &task); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.State != muster.TaskCompleted {
		t.Errorf("State = %q, want completed", task.State)
	}

	// The mirror catches up asynchronously.
	waitFor(t, 2*time.Second, func() bool {
		mirrored, ok := mir.Task("order-1")
		return ok && mirrored.State == muster.TaskCompleted
	}, "mirror never saw completed task")
}

func TestEngineEnqueueIsExactlyOnce(t *testing.T) {
	e := startSingleNode(t)
	ctx := context.Background()

	first, err := e.Tasks().Enqueue(ctx, muster.Task{IdempotencyKey: "order-1", Priority: 9})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := e.Tasks().Enqueue(ctx, muster.Task{IdempotencyKey: "order-1", Priority: 1})
	if err != nil {
		t.Fatalf("repeat enqueue: %v", err)
	}
	if second.ID != first.ID || second.Priority != 9 {
		t.Errorf("repeat enqueue returned %+v, want original task", second)
	}
}

func TestEngineLeaseSweepRequeues(t *testing.T) {
	e := startSingleNode(t)
	ctx := context.Background()

	ses, err := e.Sessions().Register(ctx, muster.Session{MaxConcurrentTasks: 1})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := e.Sessions().Heartbeat(ctx, ses.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := e.Tasks().Enqueue(ctx, muster.Task{IdempotencyKey: "order-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := e.Tasks().Claim(ctx, ses.ID, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim = %v, %v", claimed, err)
	}

	// Never renew: the maintenance loop must requeue after the lease.
	waitFor(t, 3*time.Second, func() bool {
		task, getErr := e.Tasks().Get("order-1")
		return getErr == nil && task.State == muster.TaskPending
	}, "expired claim never requeued")

	task, _ := e.Tasks().Get("order-1")
	if task.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1 preserved across requeue", task.AttemptCount)
	}
}

// ── Multi node ─────────────────────────────────

func startCluster(t *testing.T, ids ...string) map[string]*Engine {
	t.Helper()
	net := raft.NewInmemNetwork()
	engines := make(map[string]*Engine, len(ids))

	for _, nodeID := range ids {
		peers := make(map[string]string)
		for _, other := range ids {
			if other != nodeID {
				peers[other] = ""
			}
		}
		e, err := Build(
			WithNodeID(nodeID),
			WithConfig(testConfig()),
			WithLogger(slog.New(slog.DiscardHandler)),
			WithPeers(peers, nil),
			WithTransport(net.Transport(nodeID)),
		)
		if err != nil {
			t.Fatalf("Build %s: %v", nodeID, err)
		}
		engines[nodeID] = e
	}
	for nodeID, e := range engines {
		if err := e.Start(context.Background()); err != nil {
			t.Fatalf("Start %s: %v", nodeID, err)
		}
	}
	t.Cleanup(func() {
		for _, e := range engines {
			e.Stop()
		}
	})
	return engines
}

func waitLeader(t *testing.T, engines map[string]*Engine) *Engine {
	t.Helper()
	var leader *Engine
	waitFor(t, 5*time.Second, func() bool {
		for _, e := range engines {
			if e.node.IsLeader() {
				leader = e
				return true
			}
		}
		return false
	}, "no leader elected")
	return leader
}

func TestEngineClusterReplicatesState(t *testing.T) {
	engines := startCluster(t, "n1", "n2", "n3")
	leader := waitLeader(t, engines)
	ctx := context.Background()

	ses, err := leader.Sessions().Register(ctx, muster.Session{ID: "ses-1", MaxConcurrentTasks: 1})
	if err != nil {
		t.Fatalf("register on leader: %v", err)
	}

	// Followers converge on the same committed state.
	for nodeID, e := range engines {
		eng := e
		waitFor(t, 3*time.Second, func() bool {
			got, getErr := eng.Sessions().Get(ses.ID)
			return getErr == nil && got.ID == "ses-1"
		}, "session never replicated to "+nodeID)
	}
}

func TestEngineFollowerRejectsWrites(t *testing.T) {
	engines := startCluster(t, "n1", "n2", "n3")
	leader := waitLeader(t, engines)
	ctx := context.Background()

	var follower *Engine
	for _, e := range engines {
		if e != leader {
			follower = e
			break
		}
	}

	_, err := follower.Tasks().Enqueue(ctx, muster.Task{IdempotencyKey: "order-1"})
	if !errors.Is(err, muster.ErrNotLeader) {
		t.Fatalf("follower enqueue = %v, want ErrNotLeader", err)
	}
	var notLeader *raft.NotLeaderError
	if !errors.As(err, &notLeader) || notLeader.LeaderID != leader.nodeID {
		t.Errorf("leader hint = %+v, want %s", notLeader, leader.nodeID)
	}
}

func TestEngineFailoverPreservesCommitted(t *testing.T) {
	engines := startCluster(t, "n1", "n2", "n3")
	leader := waitLeader(t, engines)
	ctx := context.Background()

	if _, err := leader.Tasks().Enqueue(ctx, muster.Task{IdempotencyKey: "order-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Wait for full replication, then kill the leader outright.
	for _, e := range engines {
		eng := e
		waitFor(t, 3*time.Second, func() bool {
			_, getErr := eng.Tasks().Get("order-1")
			return getErr == nil
		}, "task never replicated")
	}
	leader.Stop()
	delete(engines, leader.nodeID)

	newLeader := waitLeader(t, engines)
	if task, err := newLeader.Tasks().Get("order-1"); err != nil || task.IdempotencyKey != "order-1" {
		t.Fatalf("committed task lost after failover: %v", err)
	}

	// The survivor cluster keeps accepting writes.
	if _, err := newLeader.Tasks().Enqueue(ctx, muster.Task{IdempotencyKey: "order-2"}); err != nil {
		t.Fatalf("enqueue after failover: %v", err)
	}
}
