package wire

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
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

// staticStatus satisfies StatusReporter with a fixed snapshot.
type staticStatus struct {
	st raft.Status
}

func (s staticStatus) Status() raft.Status { return s.st }

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	sm := fsm.New()
	cfg := muster.DefaultConfig()
	logger := slog.New(slog.DiscardHandler)
	prop := &localProposer{sm: sm}

	locks := lock.NewManager(prop, sm, logger)
	sessions := session.NewCoordinator(prop, sm, locks, "node-a", cfg, logger)
	tasks := queue.New(prop, sm, nil, cfg, logger)
	status := staticStatus{raft.Status{ID: "node-a", Role: raft.RoleLeader, Term: 1, LeaderID: "node-a"}}

	return NewHandler(sessions, tasks, locks, status, logger)
}

func request(t *testing.T, method string, payload any) *Frame {
	t.Helper()
	frame, err := NewRequestFrame(GenerateFrameID(), method, payload)
	if err != nil {
		t.Fatalf("build %s request: %v", method, err)
	}
	return frame
}

func decodeResponse(t *testing.T, frame *Frame, out any) {
	t.Helper()
	if frame == nil {
		t.Fatal("nil response frame")
	}
	if frame.Type != FrameResponse {
		t.Fatalf("Type = %q, error = %+v", frame.Type, frame.Error)
	}
	if err := json.Unmarshal(frame.Data, out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// registerActive registers a session and heartbeats it into the active
// claimable state.
func registerActive(t *testing.T, h *Handler, sessionID string, capacity int) muster.Session {
	t.Helper()
	ctx := context.Background()

	var ses muster.Session
	decodeResponse(t, h.Handle(ctx, request(t, MethodSessionRegister, SessionRegisterRequest{
		SessionID:          sessionID,
		MaxConcurrentTasks: capacity,
	}), "test"), &ses)

	decodeResponse(t, h.Handle(ctx, request(t, MethodSessionHeartbeat, SessionHeartbeatRequest{
		SessionID: ses.ID,
	}), "test"), &ses)
	return ses
}

// ── Session methods ────────────────────────────

func TestHandleSessionRegisterGeneratesID(t *testing.T) {
	h := newTestHandler(t)

	var ses muster.Session
	decodeResponse(t, h.Handle(context.Background(),
		request(t, MethodSessionRegister, SessionRegisterRequest{Tier: 2}), "test"), &ses)

	if ses.ID == "" {
		t.Error("expected generated session ID")
	}
	if ses.Tier != 2 {
		t.Errorf("Tier = %d, want 2", ses.Tier)
	}
}

func TestHandleSessionDeregister(t *testing.T) {
	h := newTestHandler(t)
	ses := registerActive(t, h, "", 2)

	var resp SessionDeregisterResponse
	decodeResponse(t, h.Handle(context.Background(),
		request(t, MethodSessionDeregister, SessionDeregisterRequest{SessionID: ses.ID}), "test"), &resp)

	if resp.Requeued != 0 {
		t.Errorf("Requeued = %d, want 0", resp.Requeued)
	}
}

func TestHandleSessionHeartbeatUnknownSession(t *testing.T) {
	h := newTestHandler(t)

	resp := h.Handle(context.Background(),
		request(t, MethodSessionHeartbeat, SessionHeartbeatRequest{SessionID: "ghost"}), "test")

	if resp.Type != FrameErr || resp.Error.Code != ErrCodeNotFound {
		t.Fatalf("response = %+v, want 404 error", resp)
	}
}

func TestHandleSessionSelect(t *testing.T) {
	h := newTestHandler(t)
	ses := registerActive(t, h, "", 2)

	var task muster.Task
	decodeResponse(t, h.Handle(context.Background(),
		request(t, MethodTaskEnqueue, TaskEnqueueRequest{IdempotencyKey: "order-1"}), "test"), &task)

	var picked muster.Session
	decodeResponse(t, h.Handle(context.Background(),
		request(t, MethodSessionSelect, SessionSelectRequest{TaskKey: "order-1"}), "test"), &picked)

	if picked.ID != ses.ID {
		t.Errorf("selected %q, want %q", picked.ID, ses.ID)
	}
}

// ── Task methods ───────────────────────────────

func TestHandleTaskLifecycle(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	ses := registerActive(t, h, "", 2)

	var task muster.Task
	decodeResponse(t, h.Handle(ctx, request(t, MethodTaskEnqueue, TaskEnqueueRequest{
		IdempotencyKey: "order-1",
		Priority:       5,
	}), "test"), &task)
	if task.State != muster.TaskPending {
		t.Fatalf("State = %q, want pending", task.State)
	}

	var claimed TaskClaimResponse
	decodeResponse(t, h.Handle(ctx, request(t, MethodTaskClaim, TaskClaimRequest{
		SessionID: ses.ID,
		MaxCount:  1,
	}), "test"), &claimed)
	if len(claimed.Tasks) != 1 || claimed.Tasks[0].IdempotencyKey != "order-1" {
		t.Fatalf("claimed = %+v, want order-1", claimed.Tasks)
	}

	decodeResponse(t, h.Handle(ctx, request(t, MethodTaskComplete, TaskCompleteRequest{
		Key:       "order-1",
		SessionID: ses.ID,
		ResultRef: "s3://results/1",
	}), "test"), &task)
	if task.State != muster.TaskCompleted || task.ResultRef != "s3://results/1" {
		t.Fatalf("completed task = %+v", task)
	}
}

func TestHandleTaskEnqueueMissingKey(t *testing.T) {
	h := newTestHandler(t)

	resp := h.Handle(context.Background(),
		request(t, MethodTaskEnqueue, TaskEnqueueRequest{}), "test")

	if resp.Type != FrameErr || resp.Error.Code != ErrCodeBadRequest {
		t.Fatalf("response = %+v, want 400 error", resp)
	}
}

func TestHandleTaskCompleteByNonOwner(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	ses := registerActive(t, h, "", 2)
	registerActive(t, h, "ses-intruder", 2)

	var task muster.Task
	decodeResponse(t, h.Handle(ctx, request(t, MethodTaskEnqueue, TaskEnqueueRequest{
		IdempotencyKey: "order-1",
	}), "test"), &task)

	var claimed TaskClaimResponse
	decodeResponse(t, h.Handle(ctx, request(t, MethodTaskClaim, TaskClaimRequest{
		SessionID: ses.ID, MaxCount: 1,
	}), "test"), &claimed)

	resp := h.Handle(ctx, request(t, MethodTaskComplete, TaskCompleteRequest{
		Key:       "order-1",
		SessionID: "ses-intruder",
	}), "test")
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeConflict {
		t.Fatalf("response = %+v, want 409 error", resp)
	}
}

func TestHandleTaskAbandonedEmpty(t *testing.T) {
	h := newTestHandler(t)

	var resp TaskAbandonedResponse
	decodeResponse(t, h.Handle(context.Background(),
		request(t, MethodTaskAbandoned, struct{}{}), "test"), &resp)

	if len(resp.Tasks) != 0 {
		t.Errorf("Tasks = %+v, want empty", resp.Tasks)
	}
}

// ── Lock methods ───────────────────────────────

func TestHandleLockAcquireConflict(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	var lk muster.Lock
	decodeResponse(t, h.Handle(ctx, request(t, MethodLockAcquire, LockAcquireRequest{
		Name: "migrations", Owner: "ses-a", TTL: time.Minute,
	}), "test"), &lk)
	if lk.Holder != "ses-a" {
		t.Fatalf("Holder = %q, want ses-a", lk.Holder)
	}

	resp := h.Handle(ctx, request(t, MethodLockAcquire, LockAcquireRequest{
		Name: "migrations", Owner: "ses-b", TTL: time.Minute,
	}), "test")
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeConflict {
		t.Fatalf("response = %+v, want 409 error", resp)
	}

	var held LockHeldResponse
	decodeResponse(t, h.Handle(ctx, request(t, MethodLockHeld, LockHeldRequest{
		Name: "migrations",
	}), "test"), &held)
	if !held.Held || held.Lock == nil || held.Lock.Holder != "ses-a" {
		t.Fatalf("held = %+v", held)
	}

	decodeResponse(t, h.Handle(ctx, request(t, MethodLockRelease, LockReleaseRequest{
		Name: "migrations", Owner: "ses-a",
	}), "test"), &map[string]string{})
}

// ── Cluster and dispatch ───────────────────────

func TestHandleClusterStatus(t *testing.T) {
	h := newTestHandler(t)

	var st raft.Status
	decodeResponse(t, h.Handle(context.Background(),
		request(t, MethodClusterStatus, struct{}{}), "test"), &st)

	if st.ID != "node-a" || st.Role != raft.RoleLeader {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	h := newTestHandler(t)

	resp := h.Handle(context.Background(),
		request(t, "nonexistent.method", struct{}{}), "test")

	if resp.Type != FrameErr || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("response = %+v, want 405 error", resp)
	}
}

func TestHandleInvalidPayload(t *testing.T) {
	h := newTestHandler(t)

	frame := &Frame{
		ID:     GenerateFrameID(),
		Type:   FrameRequest,
		Method: MethodTaskEnqueue,
		Data:   json.RawMessage(`{not json`),
	}
	resp := h.Handle(context.Background(), frame, "test")

	if resp.Type != FrameErr || resp.Error.Code != ErrCodeBadRequest {
		t.Fatalf("response = %+v, want 400 error", resp)
	}
}

func TestHandlerRunsMiddleware(t *testing.T) {
	h := newTestHandler(t)

	var seen []string
	h.Use(func(ctx context.Context, c *middleware.Call, next middleware.Handler) error {
		seen = append(seen, c.Method)
		return next(ctx)
	})

	var st raft.Status
	decodeResponse(t, h.Handle(context.Background(),
		request(t, MethodClusterStatus, struct{}{}), "test"), &st)

	if len(seen) != 1 || seen[0] != MethodClusterStatus {
		t.Errorf("middleware saw %v", seen)
	}
}

func TestHandlerMiddlewareRecoversPanic(t *testing.T) {
	h := newTestHandler(t)
	h.Use(middleware.Recover(slog.New(slog.DiscardHandler)))

	// A nil tasks service would panic inside dispatch; simulate with a
	// middleware that panics downstream instead.
	h.chain = middleware.Chain(
		middleware.Recover(slog.New(slog.DiscardHandler)),
		func(ctx context.Context, _ *middleware.Call, _ middleware.Handler) error {
			panic("boom")
		},
	)

	resp := h.Handle(context.Background(),
		request(t, MethodClusterStatus, struct{}{}), "test")
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeInternal {
		t.Fatalf("response = %+v, want 500 error", resp)
	}
}
