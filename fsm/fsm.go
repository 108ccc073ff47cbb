// Package fsm implements the replicated state machine: the sole mutator
// of the authoritative session, task, lock, and group maps.
//
// Apply is a deterministic function of (state, command) — no I/O, no
// wall-clock reads. Every timestamp used for lease expiry, backoff
// eligibility, or entity stamping comes from the command itself, so
// every replica that applies the same committed log reaches the same
// state.
//
// Cross-entity references are stored as id strings in flat maps, never
// embedded pointers, which keeps snapshots a straight serialization of
// four maps.
//
// The maps are mutated exclusively by the single-threaded apply loop of
// the consensus node. The internal RWMutex exists only so that advisory
// readers (candidate selection, lock inspection, projections of
// abandoned tasks) can take consistent copies; it never coordinates
// writers.
package fsm

import (
	"sort"
	"sync"
	"time"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/backoff"
	"github.com/musterhq/muster/command"
)

// Rejection is a typed business-rule outcome. Rejections are data, not
// errors: they replicate like any other result so that every node agrees
// on why a command did nothing.
type Rejection string

const (
	RejectionNone              Rejection = ""
	RejectionAlreadyRegistered Rejection = "already_registered"
	RejectionUnknownSession    Rejection = "unknown_session"
	RejectionSessionInactive   Rejection = "session_inactive"
	RejectionCapacityExceeded  Rejection = "capacity_exceeded"
	RejectionUnknownTask       Rejection = "unknown_task"
	RejectionNotClaimOwner     Rejection = "not_claim_owner"
	RejectionLockHeld          Rejection = "lock_held"
	RejectionLockNotOwner      Rejection = "lock_not_owner"
	RejectionUnknownKind       Rejection = "unknown_kind"
)

// Result is the outcome of applying one command. At most one of the
// entity fields is populated, always with copies — callers never see
// live map values.
type Result struct {
	Rejection Rejection

	// AlreadySatisfied marks idempotent no-ops: duplicate enqueue,
	// repeat complete, double lock release. The entity fields carry the
	// prior state.
	AlreadySatisfied bool

	Session  *muster.Session
	Task     *muster.Task
	Tasks    []muster.Task
	Lock     *muster.Lock
	Group    *muster.Group
	Acquired bool
	Requeued int
}

// Effect describes the entities a committed command touched. The
// projection adapter consumes effects asynchronously to mirror state
// into external stores.
type Effect struct {
	Index    uint64
	Kind     command.Kind
	Sessions []muster.Session
	Tasks    []muster.Task
	Locks    []muster.Lock
	Groups   []muster.Group

	// Released lists lock names deleted by this command.
	Released []string
}

// Sink receives effects for committed commands, in commit order.
type Sink func(Effect)

// FSM is the replicated state machine.
type FSM struct {
	mu sync.RWMutex

	sessions map[string]*muster.Session // by session id
	tasks    map[string]*muster.Task    // by idempotency key
	locks    map[string]*muster.Lock    // by name
	groups   map[string]*muster.Group   // by group id

	appliedIndex uint64
	appliedTerm  uint64

	sink Sink
}

// New returns an empty FSM.
func New() *FSM {
	return &FSM{
		sessions: make(map[string]*muster.Session),
		tasks:    make(map[string]*muster.Task),
		locks:    make(map[string]*muster.Lock),
		groups:   make(map[string]*muster.Group),
	}
}

// SetSink installs the effect sink. Must be called before the node
// starts applying entries.
func (f *FSM) SetSink(s Sink) { f.sink = s }

// AppliedIndex returns the index of the last applied log entry.
func (f *FSM) AppliedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.appliedIndex
}

// applyFunc mutates state for one command kind and records touched
// entities on the effect.
type applyFunc func(f *FSM, cmd *command.Command, eff *Effect) Result

// dispatch is the command dispatch table. Adding a kind means adding a
// row here and a payload to the command package — there is no
// reflection anywhere on the apply path.
var dispatch = map[command.Kind]applyFunc{
	command.KindNoOp:           (*FSM).applyNoOp,
	command.KindRegister:       (*FSM).applyRegister,
	command.KindDeregister:     (*FSM).applyDeregister,
	command.KindHeartbeat:      (*FSM).applyHeartbeat,
	command.KindSessionFailure: (*FSM).applySessionFailure,
	command.KindEnqueue:        (*FSM).applyEnqueue,
	command.KindClaim:          (*FSM).applyClaim,
	command.KindComplete:       (*FSM).applyComplete,
	command.KindFail:           (*FSM).applyFail,
	command.KindRenew:          (*FSM).applyRenew,
	command.KindLeaseSweep:     (*FSM).applyLeaseSweep,
	command.KindLockAcquire:    (*FSM).applyLockAcquire,
	command.KindLockRelease:    (*FSM).applyLockRelease,
	command.KindGroupUpsert:    (*FSM).applyGroupUpsert,
}

// Apply executes one committed command against the state. It is called
// only from the consensus node's apply loop, in commit order. Entries
// at or below the applied index are skipped: a restored snapshot
// already contains their outcome, and re-applying them would diverge
// this node from replicas that applied each entry once.
func (f *FSM) Apply(index, term uint64, cmd *command.Command) Result {
	f.mu.Lock()

	if index <= f.appliedIndex {
		f.mu.Unlock()
		return Result{AlreadySatisfied: true}
	}

	eff := Effect{Index: index, Kind: cmd.Kind}

	fn, ok := dispatch[cmd.Kind]
	var res Result
	if !ok {
		res = Result{Rejection: RejectionUnknownKind}
	} else {
		res = fn(f, cmd, &eff)
	}

	f.appliedIndex = index
	f.appliedTerm = term
	sink := f.sink
	f.mu.Unlock()

	if sink != nil && !eff.empty() {
		sink(eff)
	}
	return res
}

func (e *Effect) empty() bool {
	return len(e.Sessions) == 0 && len(e.Tasks) == 0 &&
		len(e.Locks) == 0 && len(e.Groups) == 0 && len(e.Released) == 0
}

// ──────────────────────────────────────────────────
// Session commands
// ──────────────────────────────────────────────────

func (f *FSM) applyNoOp(_ *command.Command, _ *Effect) Result { return Result{} }

func (f *FSM) applyRegister(cmd *command.Command, eff *Effect) Result {
	ts := cmd.Timestamp
	ses := cmd.Register.Session

	if existing, ok := f.sessions[ses.ID]; ok {
		// Retired and failed sessions may be replaced: a restarting
		// worker reclaims its identity. Live sessions conflict.
		if existing.Status != muster.SessionRetired && existing.Status != muster.SessionFailed {
			cp := *existing
			return Result{Rejection: RejectionAlreadyRegistered, Session: &cp}
		}
	}

	ses.Entity = muster.NewEntity(ts)
	ses.Status = muster.SessionPending
	ses.LastHeartbeatAt = ts
	ses.ConsecutiveFailures = 0
	ses.CurrentTaskCount = 0
	if ses.MaxConcurrentTasks <= 0 {
		ses.MaxConcurrentTasks = 1
	}

	f.sessions[ses.ID] = &ses
	eff.Sessions = append(eff.Sessions, ses)
	cp := ses
	return Result{Session: &cp}
}

func (f *FSM) applyDeregister(cmd *command.Command, eff *Effect) Result {
	ses, ok := f.sessions[cmd.Deregister.SessionID]
	if !ok {
		return Result{AlreadySatisfied: true}
	}

	requeued := f.requeueSessionTasks(ses.ID, cmd.Timestamp, eff)
	ses.Status = muster.SessionRetired
	ses.CurrentTaskCount = 0
	ses.Touch(cmd.Timestamp)

	eff.Sessions = append(eff.Sessions, *ses)
	cp := *ses
	return Result{Session: &cp, Requeued: requeued}
}

func (f *FSM) applyHeartbeat(cmd *command.Command, eff *Effect) Result {
	ses, ok := f.sessions[cmd.Heartbeat.SessionID]
	if !ok {
		return Result{Rejection: RejectionUnknownSession}
	}
	if ses.Status == muster.SessionRetired {
		return Result{Rejection: RejectionSessionInactive}
	}

	// Heartbeats are self-healing: a degraded or failed session that
	// resumes heartbeating becomes active again.
	ses.LastHeartbeatAt = cmd.Timestamp
	ses.ConsecutiveFailures = 0
	ses.Status = muster.SessionActive
	ses.Touch(cmd.Timestamp)

	eff.Sessions = append(eff.Sessions, *ses)
	cp := *ses
	return Result{Session: &cp}
}

func (f *FSM) applySessionFailure(cmd *command.Command, eff *Effect) Result {
	p := cmd.SessionFailure
	ses, ok := f.sessions[p.SessionID]
	if !ok {
		return Result{AlreadySatisfied: true}
	}
	if ses.Status == muster.SessionRetired {
		return Result{AlreadySatisfied: true}
	}

	requeued := f.requeueSessionTasks(ses.ID, cmd.Timestamp, eff)
	ses.ConsecutiveFailures++
	ses.CurrentTaskCount = 0
	if p.Retire {
		ses.Status = muster.SessionRetired
	} else {
		ses.Status = muster.SessionFailed
	}
	ses.Touch(cmd.Timestamp)

	eff.Sessions = append(eff.Sessions, *ses)
	cp := *ses
	return Result{Session: &cp, Requeued: requeued}
}

// requeueSessionTasks returns every task claimed by the session to the
// pending state. Attempt counts are preserved: a claim that died with
// its session still consumed an attempt.
func (f *FSM) requeueSessionTasks(sessionID string, ts time.Time, eff *Effect) int {
	n := 0
	for _, t := range f.tasks {
		if t.State != muster.TaskClaimed || t.AssignedSessionID != sessionID {
			continue
		}
		t.State = muster.TaskPending
		t.AssignedSessionID = ""
		t.ClaimExpiresAt = time.Time{}
		t.Touch(ts)
		eff.Tasks = append(eff.Tasks, *t)
		n++
	}
	return n
}

// ──────────────────────────────────────────────────
// Task commands
// ──────────────────────────────────────────────────

func (f *FSM) applyEnqueue(cmd *command.Command, eff *Effect) Result {
	task := cmd.Enqueue.Task

	if existing, ok := f.tasks[task.IdempotencyKey]; ok {
		cp := *existing
		return Result{Task: &cp, AlreadySatisfied: true}
	}

	task.Entity = muster.NewEntity(cmd.Timestamp)
	task.State = muster.TaskPending
	task.AssignedSessionID = ""
	task.AttemptCount = 0
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 1
	}

	f.tasks[task.IdempotencyKey] = &task
	eff.Tasks = append(eff.Tasks, task)
	cp := task
	return Result{Task: &cp}
}

func (f *FSM) applyClaim(cmd *command.Command, eff *Effect) Result {
	p := cmd.Claim
	ts := cmd.Timestamp

	ses, ok := f.sessions[p.SessionID]
	if !ok {
		return Result{Rejection: RejectionUnknownSession}
	}
	if ses.Status != muster.SessionActive {
		return Result{Rejection: RejectionSessionInactive}
	}

	capacity := ses.MaxConcurrentTasks - ses.CurrentTaskCount
	if capacity <= 0 {
		return Result{Rejection: RejectionCapacityExceeded}
	}
	want := p.MaxCount
	if want <= 0 || want > capacity {
		want = capacity
	}

	// Deterministic claim order: priority desc, created_at asc, then
	// idempotency key as the total-order tiebreak.
	candidates := make([]*muster.Task, 0, want)
	for _, t := range f.tasks {
		if t.Claimable(ts) {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.IdempotencyKey < b.IdempotencyKey
	})
	if len(candidates) > want {
		candidates = candidates[:want]
	}

	claimed := make([]muster.Task, 0, len(candidates))
	for _, t := range candidates {
		t.State = muster.TaskClaimed
		t.AssignedSessionID = ses.ID
		t.ClaimExpiresAt = ts.Add(p.Lease)
		t.AttemptCount++
		t.Touch(ts)
		claimed = append(claimed, *t)
	}
	ses.CurrentTaskCount += len(claimed)
	ses.Touch(ts)

	eff.Tasks = append(eff.Tasks, claimed...)
	eff.Sessions = append(eff.Sessions, *ses)
	return Result{Tasks: claimed, Session: copySession(ses)}
}

func (f *FSM) applyComplete(cmd *command.Command, eff *Effect) Result {
	p := cmd.Complete
	task, ok := f.tasks[p.IdempotencyKey]
	if !ok {
		return Result{Rejection: RejectionUnknownTask}
	}

	// Repeat completion returns the recorded result, not the new one:
	// exactly one terminal completion per idempotency key.
	if task.State.Terminal() {
		cp := *task
		return Result{Task: &cp, AlreadySatisfied: true}
	}
	if task.State == muster.TaskClaimed && task.AssignedSessionID != p.SessionID {
		return Result{Rejection: RejectionNotClaimOwner}
	}

	f.releaseClaim(task, cmd.Timestamp, eff)
	task.State = muster.TaskCompleted
	task.ResultRef = p.ResultRef
	task.LastError = ""
	task.Touch(cmd.Timestamp)

	f.bumpGroup(task.GroupID, cmd.Timestamp, eff, true)

	eff.Tasks = append(eff.Tasks, *task)
	cp := *task
	return Result{Task: &cp}
}

func (f *FSM) applyFail(cmd *command.Command, eff *Effect) Result {
	p := cmd.Fail
	task, ok := f.tasks[p.IdempotencyKey]
	if !ok {
		return Result{Rejection: RejectionUnknownTask}
	}
	if task.State.Terminal() {
		cp := *task
		return Result{Task: &cp, AlreadySatisfied: true}
	}
	if task.State == muster.TaskClaimed && task.AssignedSessionID != p.SessionID {
		return Result{Rejection: RejectionNotClaimOwner}
	}

	f.releaseClaim(task, cmd.Timestamp, eff)
	task.LastError = p.Reason

	if task.AttemptCount < task.MaxAttempts {
		task.State = muster.TaskRetrying
		task.NextEligibleAt = cmd.Timestamp.Add(backoff.Exp(task.AttemptCount, p.BackoffBase, p.BackoffMax))
	} else {
		// Retry budget exhausted: abandoned, surfaced for operator
		// review, never dropped.
		task.State = muster.TaskAbandoned
		f.bumpGroup(task.GroupID, cmd.Timestamp, eff, false)
	}
	task.Touch(cmd.Timestamp)

	eff.Tasks = append(eff.Tasks, *task)
	cp := *task
	return Result{Task: &cp}
}

func (f *FSM) applyRenew(cmd *command.Command, eff *Effect) Result {
	p := cmd.Renew
	task, ok := f.tasks[p.IdempotencyKey]
	if !ok {
		return Result{Rejection: RejectionUnknownTask}
	}
	if task.State.Terminal() {
		cp := *task
		return Result{Task: &cp, AlreadySatisfied: true}
	}
	if task.State != muster.TaskClaimed || task.AssignedSessionID != p.SessionID {
		return Result{Rejection: RejectionNotClaimOwner}
	}

	task.ClaimExpiresAt = cmd.Timestamp.Add(p.Lease)
	task.Touch(cmd.Timestamp)

	eff.Tasks = append(eff.Tasks, *task)
	cp := *task
	return Result{Task: &cp}
}

func (f *FSM) applyLeaseSweep(cmd *command.Command, eff *Effect) Result {
	ts := cmd.Timestamp
	n := 0
	for _, t := range f.tasks {
		if t.State != muster.TaskClaimed || t.ClaimExpiresAt.After(ts) {
			continue
		}
		f.releaseClaim(t, ts, eff)
		t.State = muster.TaskPending
		t.ClaimExpiresAt = time.Time{}
		t.Touch(ts)
		eff.Tasks = append(eff.Tasks, *t)
		n++
	}
	return Result{Requeued: n}
}

// releaseClaim detaches a claimed task from its session and keeps the
// session's task count consistent.
func (f *FSM) releaseClaim(task *muster.Task, ts time.Time, eff *Effect) {
	if task.State != muster.TaskClaimed {
		return
	}
	if ses, ok := f.sessions[task.AssignedSessionID]; ok && ses.CurrentTaskCount > 0 {
		ses.CurrentTaskCount--
		ses.Touch(ts)
		eff.Sessions = append(eff.Sessions, *ses)
	}
	task.AssignedSessionID = ""
}

func (f *FSM) bumpGroup(groupID string, ts time.Time, eff *Effect, completed bool) {
	if groupID == "" {
		return
	}
	g, ok := f.groups[groupID]
	if !ok {
		return
	}
	if completed {
		g.CompletedCount++
	} else {
		g.FailedCount++
	}
	g.Touch(ts)
	eff.Groups = append(eff.Groups, *g)
}

// ──────────────────────────────────────────────────
// Lock commands
// ──────────────────────────────────────────────────

func (f *FSM) applyLockAcquire(cmd *command.Command, eff *Effect) Result {
	p := cmd.LockAcquire
	ts := cmd.Timestamp

	if l, ok := f.locks[p.Name]; ok && l.Live(ts) && l.Holder != p.Owner {
		cp := *l
		return Result{Rejection: RejectionLockHeld, Lock: &cp}
	}

	// Free, expired, or re-acquired by the current holder (renewal).
	l := &muster.Lock{
		Name:       p.Name,
		Holder:     p.Owner,
		AcquiredAt: ts,
		ExpiresAt:  ts.Add(p.TTL),
	}
	f.locks[p.Name] = l

	eff.Locks = append(eff.Locks, *l)
	cp := *l
	return Result{Lock: &cp, Acquired: true}
}

func (f *FSM) applyLockRelease(cmd *command.Command, eff *Effect) Result {
	p := cmd.LockRelease
	l, ok := f.locks[p.Name]
	if !ok || !l.Live(cmd.Timestamp) {
		// Releasing a free or expired lock is an idempotent no-op.
		delete(f.locks, p.Name)
		eff.Released = append(eff.Released, p.Name)
		return Result{AlreadySatisfied: true}
	}
	if l.Holder != p.Owner {
		return Result{Rejection: RejectionLockNotOwner}
	}

	delete(f.locks, p.Name)
	eff.Released = append(eff.Released, p.Name)
	return Result{Acquired: false}
}

// ──────────────────────────────────────────────────
// Group commands
// ──────────────────────────────────────────────────

func (f *FSM) applyGroupUpsert(cmd *command.Command, eff *Effect) Result {
	g := cmd.GroupUpsert.Group
	if existing, ok := f.groups[g.ID]; ok {
		g.Entity = existing.Entity
		g.CompletedCount = existing.CompletedCount
		g.FailedCount = existing.FailedCount
		g.Touch(cmd.Timestamp)
	} else {
		g.Entity = muster.NewEntity(cmd.Timestamp)
	}
	f.groups[g.ID] = &g

	eff.Groups = append(eff.Groups, g)
	cp := g
	return Result{Group: &cp}
}

func copySession(s *muster.Session) *muster.Session {
	cp := *s
	return &cp
}
