package wire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/lock"
	"github.com/musterhq/muster/middleware"
	"github.com/musterhq/muster/queue"
	"github.com/musterhq/muster/raft"
	"github.com/musterhq/muster/session"
)

// StatusReporter exposes cluster membership state for cluster.status.
type StatusReporter interface {
	Status() raft.Status
}

// Handler dispatches wire frames to the coordination services.
type Handler struct {
	sessions *session.Coordinator
	tasks    *queue.Queue
	locks    *lock.Manager
	cluster  StatusReporter
	chain    middleware.Middleware
	logger   *slog.Logger
}

// NewHandler creates a wire method handler.
func NewHandler(sessions *session.Coordinator, tasks *queue.Queue, locks *lock.Manager, cluster StatusReporter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		tasks:    tasks,
		locks:    locks,
		cluster:  cluster,
		logger:   logger,
	}
}

// Use installs a middleware chain around method dispatch.
func (h *Handler) Use(mws ...middleware.Middleware) {
	h.chain = middleware.Chain(mws...)
}

// Handle processes a single request frame and returns a response.
// Remote is the calling connection's address, for logging and tracing.
func (h *Handler) Handle(ctx context.Context, frame *Frame, remote string) *Frame {
	if h.chain == nil {
		return h.dispatch(ctx, frame)
	}

	call := &middleware.Call{
		Method:  frame.Method,
		FrameID: frame.ID,
		Remote:  remote,
	}
	var resp *Frame
	err := h.chain(ctx, call, func(ctx context.Context) error {
		resp = h.dispatch(ctx, frame)
		if resp != nil && resp.Type == FrameErr && resp.Error != nil {
			return errors.New(resp.Error.Message)
		}
		return nil
	})
	if resp == nil && err != nil {
		// A middleware short-circuited (panic recovery, timeout).
		return NewErrorFrame(frame.ID, ErrCodeInternal, err.Error())
	}
	return resp
}

func (h *Handler) dispatch(ctx context.Context, frame *Frame) *Frame {
	switch frame.Method {
	case MethodSessionRegister:
		return h.handleSessionRegister(ctx, frame)
	case MethodSessionDeregister:
		return h.handleSessionDeregister(ctx, frame)
	case MethodSessionHeartbeat:
		return h.handleSessionHeartbeat(ctx, frame)
	case MethodSessionSelect:
		return h.handleSessionSelect(frame)
	case MethodTaskEnqueue:
		return h.handleTaskEnqueue(ctx, frame)
	case MethodTaskClaim:
		return h.handleTaskClaim(ctx, frame)
	case MethodTaskComplete:
		return h.handleTaskComplete(ctx, frame)
	case MethodTaskFail:
		return h.handleTaskFail(ctx, frame)
	case MethodTaskRenew:
		return h.handleTaskRenew(ctx, frame)
	case MethodTaskAbandoned:
		return h.handleTaskAbandoned(frame)
	case MethodLockAcquire:
		return h.handleLockAcquire(ctx, frame)
	case MethodLockRelease:
		return h.handleLockRelease(ctx, frame)
	case MethodLockHeld:
		return h.handleLockHeld(frame)
	case MethodClusterStatus:
		return h.handleClusterStatus(frame)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame
// on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// errorFrameFor maps service errors onto wire error codes. Not-leader
// errors are annotated with the current leader hint so clients can
// redirect immediately.
func errorFrameFor(frameID string, err error) *Frame {
	var notLeader *raft.NotLeaderError
	if errors.As(err, &notLeader) {
		f := NewErrorFrame(frameID, ErrCodeNotLeader, err.Error())
		f.Error.LeaderID = notLeader.LeaderID
		f.Error.LeaderAddr = notLeader.LeaderAddr
		return f
	}

	code := ErrCodeInternal
	switch {
	case errors.Is(err, muster.ErrNotLeader), errors.Is(err, muster.ErrNoLeader):
		code = ErrCodeNotLeader
	case errors.Is(err, muster.ErrSessionNotFound),
		errors.Is(err, muster.ErrTaskNotFound),
		errors.Is(err, muster.ErrNoAvailableSession):
		code = ErrCodeNotFound
	case errors.Is(err, muster.ErrAlreadyRegistered),
		errors.Is(err, muster.ErrNotClaimOwner),
		errors.Is(err, muster.ErrLockHeld),
		errors.Is(err, muster.ErrLockNotOwner),
		errors.Is(err, muster.ErrSessionInactive),
		errors.Is(err, muster.ErrCapacityExceeded):
		code = ErrCodeConflict
	case errors.Is(err, muster.ErrClaimRateLimited):
		code = ErrCodeRateLimited
	case errors.Is(err, muster.ErrMissingIdempotency):
		code = ErrCodeBadRequest
	case errors.Is(err, muster.ErrApplyTimeout), errors.Is(err, muster.ErrNodeStopped):
		code = ErrCodeUnavailable
	}
	return NewErrorFrame(frameID, code, err.Error())
}

// ── Session methods ────────────────────────────────

func (h *Handler) handleSessionRegister(ctx context.Context, frame *Frame) *Frame {
	var req SessionRegisterRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	ses, err := h.sessions.Register(ctx, muster.Session{
		ID:                 req.SessionID,
		Tier:               req.Tier,
		GroupID:            req.GroupID,
		AffinityLabels:     req.AffinityLabels,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		WindowStartHour:    req.WindowStartHour,
		WindowEndHour:      req.WindowEndHour,
	})
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, ses)
}

func (h *Handler) handleSessionDeregister(ctx context.Context, frame *Frame) *Frame {
	var req SessionDeregisterRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	requeued, err := h.sessions.Deregister(ctx, req.SessionID)
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, SessionDeregisterResponse{Requeued: requeued})
}

func (h *Handler) handleSessionHeartbeat(ctx context.Context, frame *Frame) *Frame {
	var req SessionHeartbeatRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	ses, err := h.sessions.Heartbeat(ctx, req.SessionID)
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, ses)
}

func (h *Handler) handleSessionSelect(frame *Frame) *Frame {
	var req SessionSelectRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	task, err := h.tasks.Get(req.TaskKey)
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}
	ses, err := h.sessions.SelectSessionForTask(&task)
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, ses)
}

// ── Task methods ───────────────────────────────────

func (h *Handler) handleTaskEnqueue(ctx context.Context, frame *Frame) *Frame {
	var req TaskEnqueueRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	task, err := h.tasks.Enqueue(ctx, muster.Task{
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		PayloadRef:     req.PayloadRef,
		GroupID:        req.GroupID,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, task)
}

func (h *Handler) handleTaskClaim(ctx context.Context, frame *Frame) *Frame {
	var req TaskClaimRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	tasks, err := h.tasks.Claim(ctx, req.SessionID, req.MaxCount)
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, TaskClaimResponse{Tasks: tasks})
}

func (h *Handler) handleTaskComplete(ctx context.Context, frame *Frame) *Frame {
	var req TaskCompleteRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	task, err := h.tasks.Complete(ctx, req.Key, req.SessionID, req.ResultRef)
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, task)
}

func (h *Handler) handleTaskFail(ctx context.Context, frame *Frame) *Frame {
	var req TaskFailRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	task, err := h.tasks.Fail(ctx, req.Key, req.SessionID, req.Reason)
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, task)
}

func (h *Handler) handleTaskRenew(ctx context.Context, frame *Frame) *Frame {
	var req TaskRenewRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	task, err := h.tasks.Renew(ctx, req.Key, req.SessionID)
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, task)
}

func (h *Handler) handleTaskAbandoned(frame *Frame) *Frame {
	return mustResponseFrame(frame.ID, TaskAbandonedResponse{Tasks: h.tasks.Abandoned()})
}

// ── Lock methods ───────────────────────────────────

func (h *Handler) handleLockAcquire(ctx context.Context, frame *Frame) *Frame {
	var req LockAcquireRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	lk, err := h.locks.Acquire(ctx, req.Name, req.Owner, req.TTL)
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, lk)
}

func (h *Handler) handleLockRelease(ctx context.Context, frame *Frame) *Frame {
	var req LockReleaseRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	if err := h.locks.Release(ctx, req.Name, req.Owner); err != nil {
		return errorFrameFor(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "released"})
}

func (h *Handler) handleLockHeld(frame *Frame) *Frame {
	var req LockHeldRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	lk, held := h.locks.IsHeld(req.Name)
	resp := LockHeldResponse{Held: held}
	if held {
		resp.Lock = &lk
	}
	return mustResponseFrame(frame.ID, resp)
}

// ── Cluster methods ────────────────────────────────

func (h *Handler) handleClusterStatus(frame *Frame) *Frame {
	return mustResponseFrame(frame.ID, h.cluster.Status())
}
