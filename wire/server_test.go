package wire

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/command"
	"github.com/musterhq/muster/fsm"
	"github.com/musterhq/muster/lock"
	"github.com/musterhq/muster/middleware"
	"github.com/musterhq/muster/queue"
	"github.com/musterhq/muster/raft"
	"github.com/musterhq/muster/session"
)

func startTestServer(t *testing.T, h *Handler) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", h, slog.New(slog.DiscardHandler))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialTestClient(t *testing.T, srv *Server, opts ...ClientOption) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws://"+srv.Addr()+"/wire", opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// ── Round trips ────────────────────────────────

func TestServerClientRoundTrip(t *testing.T) {
	h := newTestHandler(t)
	srv := startTestServer(t, h)
	c := dialTestClient(t, srv)
	ctx := context.Background()

	var ses muster.Session
	if err := c.Call(ctx, MethodSessionRegister, SessionRegisterRequest{
		MaxConcurrentTasks: 2,
	}, &ses); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Call(ctx, MethodSessionHeartbeat, SessionHeartbeatRequest{
		SessionID: ses.ID,
	}, &ses); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	var task muster.Task
	if err := c.Call(ctx, MethodTaskEnqueue, TaskEnqueueRequest{
		IdempotencyKey: "order-1",
	}, &task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var claimed TaskClaimResponse
	if err := c.Call(ctx, MethodTaskClaim, TaskClaimRequest{
		SessionID: ses.ID, MaxCount: 1,
	}, &claimed); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed.Tasks) != 1 {
		t.Fatalf("claimed %d tasks, want 1", len(claimed.Tasks))
	}

	if err := c.Call(ctx, MethodTaskComplete, TaskCompleteRequest{
		Key: "order-1", SessionID: ses.ID, ResultRef: "ref-1",
	}, &task); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.State != muster.TaskCompleted {
		t.Errorf("State = %q, want completed", task.State)
	}
}

func TestServerClientMsgpackCodec(t *testing.T) {
	h := newTestHandler(t)
	srv := startTestServer(t, h)
	c := dialTestClient(t, srv, WithClientCodec(&MsgpackCodec{}))

	var st raft.Status
	if err := c.Call(context.Background(), MethodClusterStatus, struct{}{}, &st); err != nil {
		t.Fatalf("status over msgpack: %v", err)
	}
	if st.ID != "node-a" {
		t.Errorf("status = %+v", st)
	}
}

func TestClientPing(t *testing.T) {
	h := newTestHandler(t)
	srv := startTestServer(t, h)
	c := dialTestClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestServerHandlesRequestsConcurrently(t *testing.T) {
	h := newTestHandler(t)

	// Hold one request open and verify the connection keeps serving.
	release := make(chan struct{})
	entered := make(chan struct{})
	h.Use(func(ctx context.Context, c *middleware.Call, next middleware.Handler) error {
		if c.Method == MethodTaskEnqueue {
			close(entered)
			<-release
		}
		return next(ctx)
	})

	srv := startTestServer(t, h)
	c := dialTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Call(ctx, MethodTaskEnqueue, TaskEnqueueRequest{IdempotencyKey: "order-1"}, nil)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue never reached the handler")
	}

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping while request in flight: %v", err)
	}
	var st raft.Status
	if err := c.Call(ctx, MethodClusterStatus, struct{}{}, &st); err != nil {
		t.Fatalf("status while request in flight: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestClientCallError(t *testing.T) {
	h := newTestHandler(t)
	srv := startTestServer(t, h)
	c := dialTestClient(t, srv)

	err := c.Call(context.Background(), MethodSessionHeartbeat,
		SessionHeartbeatRequest{SessionID: "ghost"}, nil)

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("err = %v, want *CallError", err)
	}
	if callErr.Code != ErrCodeNotFound {
		t.Errorf("Code = %d, want 404", callErr.Code)
	}
}

// ── Leader redirect ────────────────────────────

// notLeaderProposer rejects every proposal with a leader hint, the way
// a follower's consensus node does.
type notLeaderProposer struct {
	leaderAddr string
}

func (p *notLeaderProposer) Propose(context.Context, command.Command) (fsm.Result, error) {
	return fsm.Result{}, &raft.NotLeaderError{LeaderID: "node-leader", LeaderAddr: p.leaderAddr}
}

func TestClientFollowsLeaderHint(t *testing.T) {
	// Leader node with working services.
	leaderHandler := newTestHandler(t)
	leaderSrv := startTestServer(t, leaderHandler)

	// Follower node that rejects proposals with a hint at the leader.
	sm := fsm.New()
	cfg := muster.DefaultConfig()
	logger := slog.New(slog.DiscardHandler)
	prop := &notLeaderProposer{leaderAddr: leaderSrv.Addr()}
	locks := lock.NewManager(prop, sm, logger)
	sessions := session.NewCoordinator(prop, sm, locks, "node-follower", cfg, logger)
	tasks := queue.New(prop, sm, nil, cfg, logger)
	status := staticStatus{raft.Status{ID: "node-follower", Role: raft.RoleFollower}}
	followerSrv := startTestServer(t, NewHandler(sessions, tasks, locks, status, logger))

	// The client dials the follower; enqueue must land on the leader.
	c := dialTestClient(t, followerSrv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var task muster.Task
	if err := c.Call(ctx, MethodTaskEnqueue, TaskEnqueueRequest{
		IdempotencyKey: "order-1",
	}, &task); err != nil {
		t.Fatalf("enqueue via follower: %v", err)
	}
	if task.IdempotencyKey != "order-1" || task.State != muster.TaskPending {
		t.Errorf("task = %+v", task)
	}

	// The leader's state machine holds the task; the follower's does not.
	if _, err := leaderHandler.tasks.Get("order-1"); err != nil {
		t.Errorf("task missing on leader: %v", err)
	}
}

func TestClientGivesUpAfterMaxRedirects(t *testing.T) {
	sm := fsm.New()
	cfg := muster.DefaultConfig()
	logger := slog.New(slog.DiscardHandler)
	prop := &notLeaderProposer{} // no hint, election never settles
	locks := lock.NewManager(prop, sm, logger)
	sessions := session.NewCoordinator(prop, sm, locks, "node-follower", cfg, logger)
	tasks := queue.New(prop, sm, nil, cfg, logger)
	status := staticStatus{raft.Status{ID: "node-follower", Role: raft.RoleFollower}}
	srv := startTestServer(t, NewHandler(sessions, tasks, locks, status, logger))

	c := dialTestClient(t, srv, WithRedirectRetry(testRetry{}, 2))

	err := c.Call(context.Background(), MethodTaskEnqueue, TaskEnqueueRequest{
		IdempotencyKey: "order-1",
	}, nil)

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("err = %v, want *CallError", err)
	}
	if callErr.Code != ErrCodeNotLeader {
		t.Errorf("Code = %d, want 421", callErr.Code)
	}
}

// testRetry keeps redirect tests fast.
type testRetry struct{}

func (testRetry) Delay(int) time.Duration { return time.Millisecond }
