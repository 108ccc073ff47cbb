// Package memory provides an in-memory projection mirror for tests and
// single-process development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/musterhq/muster"
)

// Mirror keeps mirrored state in maps guarded by a mutex.
type Mirror struct {
	mu       sync.RWMutex
	sessions map[string]muster.Session
	tasks    map[string]muster.Task
	locks    map[string]muster.Lock
	groups   map[string]muster.Group
	closed   bool
}

// New returns an empty in-memory mirror.
func New() *Mirror {
	return &Mirror{
		sessions: make(map[string]muster.Session),
		tasks:    make(map[string]muster.Task),
		locks:    make(map[string]muster.Lock),
		groups:   make(map[string]muster.Group),
	}
}

func (m *Mirror) MirrorSessions(_ context.Context, sessions []muster.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return muster.ErrMirrorClosed
	}
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	return nil
}

func (m *Mirror) MirrorTasks(_ context.Context, tasks []muster.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return muster.ErrMirrorClosed
	}
	for _, t := range tasks {
		m.tasks[t.IdempotencyKey] = t
	}
	return nil
}

func (m *Mirror) MirrorLocks(_ context.Context, locks []muster.Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return muster.ErrMirrorClosed
	}
	for _, l := range locks {
		m.locks[l.Name] = l
	}
	return nil
}

func (m *Mirror) MirrorGroups(_ context.Context, groups []muster.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return muster.ErrMirrorClosed
	}
	for _, g := range groups {
		m.groups[g.ID] = g
	}
	return nil
}

func (m *Mirror) RemoveLocks(_ context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return muster.ErrMirrorClosed
	}
	for _, n := range names {
		delete(m.locks, n)
	}
	return nil
}

// Close marks the mirror closed; further writes fail.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ── Read accessors ─────────────────────────────

// Session returns the mirrored session, if present.
func (m *Mirror) Session(id string) (muster.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Task returns the mirrored task, if present.
func (m *Mirror) Task(key string) (muster.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[key]
	return t, ok
}

// Lock returns the mirrored lock, if present.
func (m *Mirror) Lock(name string) (muster.Lock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locks[name]
	return l, ok
}

// Group returns the mirrored group, if present.
func (m *Mirror) Group(id string) (muster.Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	return g, ok
}

// Tasks returns all mirrored tasks ordered by idempotency key.
func (m *Mirror) Tasks() []muster.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]muster.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdempotencyKey < out[j].IdempotencyKey })
	return out
}
