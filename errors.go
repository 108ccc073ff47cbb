package muster

import "errors"

var (
	// Consensus errors.
	ErrNotLeader      = errors.New("muster: not the leader")
	ErrNoLeader       = errors.New("muster: no leader elected")
	ErrApplyTimeout   = errors.New("muster: apply timed out before commit")
	ErrNodeStopped    = errors.New("muster: node stopped")
	ErrLogCorrupt     = errors.New("muster: log entry checksum mismatch")
	ErrSnapshotStale  = errors.New("muster: snapshot older than applied state")
	ErrUnknownCommand = errors.New("muster: unknown command kind")

	// Session errors.
	ErrSessionNotFound    = errors.New("muster: session not found")
	ErrAlreadyRegistered  = errors.New("muster: session already registered")
	ErrSessionInactive    = errors.New("muster: session not active")
	ErrNoAvailableSession = errors.New("muster: no available session")

	// Task errors.
	ErrTaskNotFound       = errors.New("muster: task not found")
	ErrNotClaimOwner      = errors.New("muster: session does not own the claim")
	ErrCapacityExceeded   = errors.New("muster: session at claim capacity")
	ErrClaimRateLimited   = errors.New("muster: claim rate limit exceeded")
	ErrMissingIdempotency = errors.New("muster: idempotency key required")

	// Lock errors.
	ErrLockHeld     = errors.New("muster: lock held by another owner")
	ErrLockNotOwner = errors.New("muster: lock not held by caller")

	// Projection errors.
	ErrMirrorClosed = errors.New("muster: projection mirror closed")
)
