package muster

import "time"

// Entity carries the audit timestamps shared by all persisted entities.
type Entity struct {
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

// NewEntity returns an Entity stamped with the given creation time.
// The caller supplies the time so that replicated state machines stay
// deterministic: the timestamp always comes from the command, never
// from the local clock.
func NewEntity(now time.Time) Entity {
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch updates the modification timestamp.
func (e *Entity) Touch(now time.Time) { e.UpdatedAt = now }
