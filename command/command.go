// Package command defines the typed command union replicated through the
// consensus log. A Command is the only input the state machine accepts:
// every mutation of session, task, lock, or group state is expressed as
// one of the kinds below, serialized, committed in a single global order,
// and applied identically on every replica.
//
// Commands embed their own timestamp at submission time. The state
// machine never reads the wall clock, so lease expiry and backoff
// eligibility are deterministic functions of committed data.
package command

import (
	"time"

	"github.com/musterhq/muster"
)

// Kind tags the command union.
type Kind string

const (
	// KindNoOp commits without mutating state. Leaders append one on
	// election to establish commit progress in the new term.
	KindNoOp Kind = "noop"

	// Session lifecycle.
	KindRegister       Kind = "session.register"
	KindDeregister     Kind = "session.deregister"
	KindHeartbeat      Kind = "session.heartbeat"
	KindSessionFailure Kind = "session.failure"

	// Task lifecycle.
	KindEnqueue    Kind = "task.enqueue"
	KindClaim      Kind = "task.claim"
	KindComplete   Kind = "task.complete"
	KindFail       Kind = "task.fail"
	KindRenew      Kind = "task.renew"
	KindLeaseSweep Kind = "task.lease_sweep"

	// Lock lifecycle.
	KindLockAcquire Kind = "lock.acquire"
	KindLockRelease Kind = "lock.release"

	// Affinity groups.
	KindGroupUpsert Kind = "group.upsert"
)

// Command is the tagged union carried by every log entry. Exactly one
// payload pointer matching Kind is set; the rest stay nil and are
// omitted from the encoding.
type Command struct {
	Kind      Kind      `json:"kind" msgpack:"kind"`
	Timestamp time.Time `json:"ts" msgpack:"ts"`

	Register       *RegisterPayload       `json:"register,omitempty" msgpack:"register,omitempty"`
	Deregister     *DeregisterPayload     `json:"deregister,omitempty" msgpack:"deregister,omitempty"`
	Heartbeat      *HeartbeatPayload      `json:"heartbeat,omitempty" msgpack:"heartbeat,omitempty"`
	SessionFailure *SessionFailurePayload `json:"session_failure,omitempty" msgpack:"session_failure,omitempty"`
	Enqueue        *EnqueuePayload        `json:"enqueue,omitempty" msgpack:"enqueue,omitempty"`
	Claim          *ClaimPayload          `json:"claim,omitempty" msgpack:"claim,omitempty"`
	Complete       *CompletePayload       `json:"complete,omitempty" msgpack:"complete,omitempty"`
	Fail           *FailPayload           `json:"fail,omitempty" msgpack:"fail,omitempty"`
	Renew          *RenewPayload          `json:"renew,omitempty" msgpack:"renew,omitempty"`
	LeaseSweep     *LeaseSweepPayload     `json:"lease_sweep,omitempty" msgpack:"lease_sweep,omitempty"`
	LockAcquire    *LockAcquirePayload    `json:"lock_acquire,omitempty" msgpack:"lock_acquire,omitempty"`
	LockRelease    *LockReleasePayload    `json:"lock_release,omitempty" msgpack:"lock_release,omitempty"`
	GroupUpsert    *GroupUpsertPayload    `json:"group_upsert,omitempty" msgpack:"group_upsert,omitempty"`
}

// RegisterPayload creates a session. The session carries its
// caller-chosen ID; registration against a live duplicate is rejected.
type RegisterPayload struct {
	Session muster.Session `json:"session" msgpack:"session"`
}

// DeregisterPayload retires a session explicitly.
type DeregisterPayload struct {
	SessionID string `json:"session_id" msgpack:"session_id"`
}

// HeartbeatPayload refreshes a session's liveness. Heartbeats reset the
// failure counter and reactivate degraded or failed sessions.
type HeartbeatPayload struct {
	SessionID string `json:"session_id" msgpack:"session_id"`
}

// SessionFailurePayload declares a session failed after its heartbeat
// lease lapsed. The state machine requeues every task it had claimed.
type SessionFailurePayload struct {
	SessionID string `json:"session_id" msgpack:"session_id"`

	// Retire moves the session straight to retired instead of failed,
	// used after prolonged failure.
	Retire bool `json:"retire,omitempty" msgpack:"retire,omitempty"`
}

// EnqueuePayload creates a task keyed by its idempotency key. A repeat
// enqueue with the same key is a no-op returning the existing task.
type EnqueuePayload struct {
	Task muster.Task `json:"task" msgpack:"task"`
}

// ClaimPayload asks for up to MaxCount pending tasks for a session.
// MaxCount at or below zero requests the session's full remaining
// capacity. Lease is carried in the command so claim_expires_at is a
// pure function of committed data.
type ClaimPayload struct {
	SessionID string        `json:"session_id" msgpack:"session_id"`
	MaxCount  int           `json:"max_count" msgpack:"max_count"`
	Lease     time.Duration `json:"lease" msgpack:"lease"`
}

// CompletePayload records a terminal success for a claimed task.
type CompletePayload struct {
	IdempotencyKey string `json:"idempotency_key" msgpack:"idempotency_key"`
	SessionID      string `json:"session_id" msgpack:"session_id"`
	ResultRef      string `json:"result_ref,omitempty" msgpack:"result_ref,omitempty"`
}

// FailPayload records a failed attempt. Backoff parameters ride along so
// the retry delay computed inside the state machine does not depend on
// per-node configuration.
type FailPayload struct {
	IdempotencyKey string        `json:"idempotency_key" msgpack:"idempotency_key"`
	SessionID      string        `json:"session_id" msgpack:"session_id"`
	Reason         string        `json:"reason,omitempty" msgpack:"reason,omitempty"`
	BackoffBase    time.Duration `json:"backoff_base" msgpack:"backoff_base"`
	BackoffMax     time.Duration `json:"backoff_max" msgpack:"backoff_max"`
}

// RenewPayload extends the claim lease for legitimately long-running work.
type RenewPayload struct {
	IdempotencyKey string        `json:"idempotency_key" msgpack:"idempotency_key"`
	SessionID      string        `json:"session_id" msgpack:"session_id"`
	Lease          time.Duration `json:"lease" msgpack:"lease"`
}

// LeaseSweepPayload requeues every claimed task whose lease expired
// before the command timestamp. Covers silent stalls that never trip
// session failure detection.
type LeaseSweepPayload struct{}

// LockAcquirePayload attempts to take a named lock for TTL.
type LockAcquirePayload struct {
	Name  string        `json:"name" msgpack:"name"`
	Owner string        `json:"owner" msgpack:"owner"`
	TTL   time.Duration `json:"ttl" msgpack:"ttl"`
}

// LockReleasePayload releases a named lock if the caller holds it.
type LockReleasePayload struct {
	Name  string `json:"name" msgpack:"name"`
	Owner string `json:"owner" msgpack:"owner"`
}

// GroupUpsertPayload creates or replaces an affinity group record.
type GroupUpsertPayload struct {
	Group muster.Group `json:"group" msgpack:"group"`
}

// New returns a Command of the given kind stamped with ts. The caller
// fills in the matching payload.
func New(kind Kind, ts time.Time) Command {
	return Command{Kind: kind, Timestamp: ts.UTC()}
}
