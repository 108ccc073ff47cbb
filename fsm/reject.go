package fsm

import "github.com/musterhq/muster"

// Err maps a rejection to its sentinel error, or nil when the command
// was not rejected. The services layer uses it to turn replicated
// rejection data back into caller-facing errors.
func (r Rejection) Err() error {
	switch r {
	case RejectionNone:
		return nil
	case RejectionAlreadyRegistered:
		return muster.ErrAlreadyRegistered
	case RejectionUnknownSession:
		return muster.ErrSessionNotFound
	case RejectionSessionInactive:
		return muster.ErrSessionInactive
	case RejectionCapacityExceeded:
		return muster.ErrCapacityExceeded
	case RejectionUnknownTask:
		return muster.ErrTaskNotFound
	case RejectionNotClaimOwner:
		return muster.ErrNotClaimOwner
	case RejectionLockHeld:
		return muster.ErrLockHeld
	case RejectionLockNotOwner:
		return muster.ErrLockNotOwner
	case RejectionUnknownKind:
		return muster.ErrUnknownCommand
	default:
		return muster.ErrUnknownCommand
	}
}
