package fsm

import (
	"sort"
	"time"

	"github.com/musterhq/muster"
)

// Advisory readers. Everything here returns copies: a read can go stale
// the moment the lock is dropped, which is fine — exclusivity is only
// ever granted by a committed command, never by a read.

// Session returns a copy of the session with the given id.
func (f *FSM) Session(id string) (muster.Session, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s, ok := f.sessions[id]
	if !ok {
		return muster.Session{}, false
	}
	return *s, true
}

// Sessions returns copies of all sessions, ordered by id.
func (f *FSM) Sessions() []muster.Session {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]muster.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Task returns a copy of the task with the given idempotency key.
func (f *FSM) Task(key string) (muster.Task, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	t, ok := f.tasks[key]
	if !ok {
		return muster.Task{}, false
	}
	return *t, true
}

// TasksInState returns copies of all tasks in the given state, ordered
// by (priority desc, created_at asc, key asc) — the same order the claim
// path uses.
func (f *FSM) TasksInState(state muster.TaskState) []muster.Task {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]muster.Task, 0)
	for _, t := range f.tasks {
		if t.State == state {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.IdempotencyKey < b.IdempotencyKey
	})
	return out
}

// PendingCount reports how many tasks are currently claimable at the
// given instant.
func (f *FSM) PendingCount(now time.Time) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n := 0
	for _, t := range f.tasks {
		if t.Claimable(now) {
			n++
		}
	}
	return n
}

// Lock returns a copy of the named lock record, expired or not.
func (f *FSM) Lock(name string) (muster.Lock, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	l, ok := f.locks[name]
	if !ok {
		return muster.Lock{}, false
	}
	return *l, true
}

// Group returns a copy of the group with the given id.
func (f *FSM) Group(id string) (muster.Group, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	g, ok := f.groups[id]
	if !ok {
		return muster.Group{}, false
	}
	return *g, true
}

// Groups returns copies of all groups, ordered by priority desc.
func (f *FSM) Groups() []muster.Group {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]muster.Group, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
