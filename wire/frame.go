// Package wire implements the worker-facing RPC surface — a
// message-based protocol for worker↔cluster communication transported
// over WebSocket. Every message exchanged is a Frame; JSON is the
// default codec and msgpack can be negotiated at connect time.
package wire

import (
	"encoding/json"
	"time"

	"github.com/musterhq/muster"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the wire message envelope.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g. "task.claim").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
// Not-leader errors carry the current leader's identity and address so
// the caller can redirect without a discovery round-trip.
type ErrorDetail struct {
	Code       int    `json:"code" msgpack:"code"`
	Message    string `json:"message" msgpack:"message"`
	LeaderID   string `json:"leader_id,omitempty" msgpack:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty" msgpack:"leader_addr,omitempty"`
}

// ── Well-known methods ──────────────────────────────

const (
	// Session methods.
	MethodSessionRegister   = "session.register"
	MethodSessionDeregister = "session.deregister"
	MethodSessionHeartbeat  = "session.heartbeat"
	MethodSessionSelect     = "session.select"

	// Task methods.
	MethodTaskEnqueue   = "task.enqueue"
	MethodTaskClaim     = "task.claim"
	MethodTaskComplete  = "task.complete"
	MethodTaskFail      = "task.fail"
	MethodTaskRenew     = "task.renew"
	MethodTaskAbandoned = "task.abandoned"

	// Lock methods.
	MethodLockAcquire = "lock.acquire"
	MethodLockRelease = "lock.release"
	MethodLockHeld    = "lock.held"

	// Cluster methods.
	MethodClusterStatus = "cluster.status"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest     = 400
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeConflict       = 409
	ErrCodeNotLeader      = 421
	ErrCodeRateLimited    = 429
	ErrCodeInternal       = 500
	ErrCodeUnavailable    = 503
)

// ── Request/Response payloads ───────────────────────

// SessionRegisterRequest announces a worker session to the cluster.
type SessionRegisterRequest struct {
	SessionID          string   `json:"session_id,omitempty"`
	Tier               int      `json:"tier,omitempty"`
	GroupID            string   `json:"group_id,omitempty"`
	AffinityLabels     []string `json:"affinity_labels,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty"`
	WindowStartHour    int      `json:"window_start_hour,omitempty"`
	WindowEndHour      int      `json:"window_end_hour,omitempty"`
}

// SessionDeregisterRequest retires a session.
type SessionDeregisterRequest struct {
	SessionID string `json:"session_id"`
}

// SessionDeregisterResponse reports how many claims were requeued.
type SessionDeregisterResponse struct {
	Requeued int `json:"requeued"`
}

// SessionHeartbeatRequest renews a session's liveness lease.
type SessionHeartbeatRequest struct {
	SessionID string `json:"session_id"`
}

// SessionSelectRequest asks for the best-fit session for a task.
type SessionSelectRequest struct {
	TaskKey string `json:"task_key"`
}

// TaskEnqueueRequest submits a task for execution.
type TaskEnqueueRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Priority       int    `json:"priority,omitempty"`
	PayloadRef     string `json:"payload_ref,omitempty"`
	GroupID        string `json:"group_id,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
}

// TaskClaimRequest claims up to MaxCount pending tasks for a session.
// Omitting MaxCount (or sending zero) claims up to the session's full
// remaining capacity.
type TaskClaimRequest struct {
	SessionID string `json:"session_id"`
	MaxCount  int    `json:"max_count,omitempty"`
}

// TaskClaimResponse lists the claimed tasks.
type TaskClaimResponse struct {
	Tasks []muster.Task `json:"tasks"`
}

// TaskCompleteRequest finishes a claimed task.
type TaskCompleteRequest struct {
	Key       string `json:"key"`
	SessionID string `json:"session_id"`
	ResultRef string `json:"result_ref,omitempty"`
}

// TaskFailRequest reports a failed attempt.
type TaskFailRequest struct {
	Key       string `json:"key"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// TaskRenewRequest extends a claim lease.
type TaskRenewRequest struct {
	Key       string `json:"key"`
	SessionID string `json:"session_id"`
}

// TaskAbandonedResponse lists tasks whose retry budget is exhausted.
type TaskAbandonedResponse struct {
	Tasks []muster.Task `json:"tasks"`
}

// LockAcquireRequest acquires or renews a named TTL lock.
type LockAcquireRequest struct {
	Name  string        `json:"name"`
	Owner string        `json:"owner"`
	TTL   time.Duration `json:"ttl"`
}

// LockReleaseRequest releases a held lock.
type LockReleaseRequest struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

// LockHeldRequest asks whether a lock is currently held.
type LockHeldRequest struct {
	Name string `json:"name"`
}

// LockHeldResponse reports the advisory holder, if any.
type LockHeldResponse struct {
	Held bool         `json:"held"`
	Lock *muster.Lock `json:"lock,omitempty"`
}

// ── Frame constructors ──────────────────────────────

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// GenerateFrameID returns a new unique frame ID.
// Uses a timestamp + counter approach for performance.
func GenerateFrameID() string {
	return "frm_" + time.Now().UTC().Format("20060102150405.000000000")
}
