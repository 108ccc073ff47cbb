package raft

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/musterhq/muster"
)

// Role is the consensus role a node currently plays.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// StateMachine is the deterministic state the log drives. Apply is
// called exactly once per committed entry, in index order, from a
// single goroutine.
type StateMachine interface {
	Apply(index, term uint64, data []byte) any
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// NotLeaderError is returned by Apply on a non-leader node. It carries
// a hint so clients can re-dial the current leader directly instead of
// probing the cluster.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "raft: not the leader, current leader unknown"
	}
	return fmt.Sprintf("raft: not the leader, try %s", e.LeaderID)
}

func (e *NotLeaderError) Unwrap() error { return muster.ErrNotLeader }

// Status is a point-in-time snapshot of node state for operators.
type Status struct {
	ID           string `json:"id"`
	Role         Role   `json:"role"`
	Term         uint64 `json:"term"`
	LeaderID     string `json:"leader_id"`
	CommitIndex  uint64 `json:"commit_index"`
	AppliedIndex uint64 `json:"applied_index"`
	LastLogIndex uint64 `json:"last_log_index"`
	Peers        int    `json:"peers"`
}

// NodeConfig assembles the dependencies of a consensus node.
type NodeConfig struct {
	// ID is this node's identity within the cluster.
	ID string

	// Peers lists the other members' IDs. An empty list runs a
	// single-node cluster that self-elects immediately.
	Peers []string

	// Advertise maps node IDs to their client-facing endpoints, used
	// to build the leader hint in NotLeaderError. Optional.
	Advertise map[string]string

	Storage      Storage
	Transport    Transport
	StateMachine StateMachine
	Logger       *slog.Logger
	Config       muster.Config
}

type applyWaiter struct {
	term uint64
	ch   chan applyOutcome
}

type applyOutcome struct {
	value any
	err   error
}

// Node is one member of the replicated cluster. All shared state is
// guarded by mu; the tick loop, the apply loop, and RPC handlers all
// contend on it.
type Node struct {
	id        string
	peers     []string
	advertise map[string]string
	storage   Storage
	transport Transport
	sm        StateMachine
	logger    *slog.Logger
	cfg       muster.Config

	mu               sync.Mutex
	role             Role
	term             uint64
	votedFor         string
	leaderID         string
	log              *raftLog
	commitIndex      uint64
	lastApplied      uint64
	nextIndex        map[string]uint64
	matchIndex       map[string]uint64
	electionDeadline time.Time
	lastHeartbeat    time.Time
	pending          map[uint64]applyWaiter
	stopped          bool

	leaderChange func(leader bool, term uint64)

	applySignal chan struct{}
	snapSignal  chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewNode builds a node and recovers its durable state. A checksum
// failure anywhere in the stored log makes recovery fail with
// ErrLogCorrupt; the node will not serve from a log it cannot trust.
func NewNode(nc NodeConfig) (*Node, error) {
	if nc.Logger == nil {
		nc.Logger = slog.Default()
	}
	n := &Node{
		id:          nc.ID,
		peers:       nc.Peers,
		advertise:   nc.Advertise,
		storage:     nc.Storage,
		transport:   nc.Transport,
		sm:          nc.StateMachine,
		logger:      nc.Logger.With(slog.String("node_id", nc.ID)),
		cfg:         nc.Config,
		role:        RoleFollower,
		log:         newRaftLog(),
		nextIndex:   make(map[string]uint64),
		matchIndex:  make(map[string]uint64),
		pending:     make(map[uint64]applyWaiter),
		applySignal: make(chan struct{}, 1),
		snapSignal:  make(chan struct{}, 1),
	}

	if err := n.recover(); err != nil {
		return nil, err
	}
	return n, nil
}

// recover reloads hard state, snapshot, and log from storage.
func (n *Node) recover() error {
	hs, ok, err := n.storage.LoadHardState()
	if err != nil {
		return err
	}
	if ok {
		n.term = hs.Term
		n.votedFor = hs.VotedFor
	}

	meta, data, ok, err := n.storage.LoadSnapshot()
	if err != nil {
		return err
	}
	if ok {
		if err := n.sm.Restore(data); err != nil {
			return fmt.Errorf("raft: restore snapshot: %w", err)
		}
		n.log.compact(meta.Index, meta.Term)
		n.commitIndex = meta.Index
		n.lastApplied = meta.Index
	}

	entries, err := n.storage.Entries()
	if err != nil {
		return err
	}
	n.log.append(entries...)
	if err := n.log.verifyAll(); err != nil {
		return err
	}

	n.logger.Info("node recovered",
		slog.Uint64("term", n.term),
		slog.Uint64("snapshot_index", n.log.snapIndex),
		slog.Uint64("last_log_index", n.log.lastIndex()),
	)
	return nil
}

// Start connects the transport and launches the tick and apply loops.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	n.transport.SetHandler(n)
	if err := n.transport.Start(ctx); err != nil {
		return err
	}

	n.mu.Lock()
	n.resetElectionDeadline()
	n.mu.Unlock()

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.tickLoop(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.applyLoop(ctx)
	}()
	return nil
}

// Stop shuts the node down and fails every in-flight Apply with
// ErrNodeStopped.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	n.mu.Lock()
	n.stopped = true
	n.failPendingLocked(applyOutcome{err: muster.ErrNodeStopped})
	n.mu.Unlock()

	if err := n.transport.Close(); err != nil {
		return err
	}
	return n.storage.Close()
}

// OnLeaderChange registers a callback invoked whenever this node gains
// or loses leadership. The callback runs on its own goroutine.
func (n *Node) OnLeaderChange(fn func(leader bool, term uint64)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.leaderChange = fn
}

// Status reports current node state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:           n.id,
		Role:         n.role,
		Term:         n.term,
		LeaderID:     n.leaderID,
		CommitIndex:  n.commitIndex,
		AppliedIndex: n.lastApplied,
		LastLogIndex: n.log.lastIndex(),
		Peers:        len(n.peers),
	}
}

// IsLeader reports whether this node currently leads.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

// LeaderHint returns the current leader's ID and advertised address.
func (n *Node) LeaderHint() (string, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID, n.advertise[n.leaderID]
}

// ── Apply ──────────────────────────────────────

// Apply appends data to the replicated log and blocks until the entry
// commits and the local state machine has applied it, returning the
// state machine's result. On a non-leader it fails fast with a
// NotLeaderError hint. A deadline expiry means the outcome is unknown,
// not failed: the entry may still commit, and the caller must re-drive
// with the same idempotency key.
func (n *Node) Apply(ctx context.Context, data []byte) (any, error) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil, muster.ErrNodeStopped
	}
	if n.role != RoleLeader {
		err := n.notLeaderLocked()
		n.mu.Unlock()
		return nil, err
	}

	index := n.log.lastIndex() + 1
	entry := NewEntry(index, n.term, data)
	n.log.append(entry)
	if err := n.storage.AppendEntries([]Entry{entry}); err != nil {
		n.log.truncateFrom(index)
		n.mu.Unlock()
		return nil, fmt.Errorf("raft: persist entry: %w", err)
	}

	ch := make(chan applyOutcome, 1)
	n.pending[index] = applyWaiter{term: n.term, ch: ch}
	n.mu.Unlock()

	n.broadcast()

	timeout := n.cfg.ApplyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		n.dropWaiter(index)
		return nil, ctx.Err()
	case <-timer.C:
		n.dropWaiter(index)
		return nil, muster.ErrApplyTimeout
	}
}

func (n *Node) notLeaderLocked() error {
	if n.leaderID == "" {
		return muster.ErrNoLeader
	}
	return &NotLeaderError{LeaderID: n.leaderID, LeaderAddr: n.advertise[n.leaderID]}
}

func (n *Node) dropWaiter(index uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.pending, index)
}

func (n *Node) failPendingLocked(out applyOutcome) {
	for index, w := range n.pending {
		w.ch <- out
		delete(n.pending, index)
	}
}

// ── Tick loop ──────────────────────────────────

const tickGranularity = 10 * time.Millisecond

func (n *Node) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickGranularity)
	defer ticker.Stop()

	var snapTicker <-chan time.Time
	if n.cfg.SnapshotInterval > 0 {
		st := time.NewTicker(n.cfg.SnapshotInterval)
		defer st.Stop()
		snapTicker = st.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapTicker:
			// Snapshots must capture state on the apply goroutine, or
			// a concurrent apply could run the captured state past the
			// recorded index. Hand the request over instead of
			// snapshotting here.
			select {
			case n.snapSignal <- struct{}{}:
			default:
			}
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

func (n *Node) tick(ctx context.Context) {
	n.mu.Lock()
	now := time.Now()
	switch n.role {
	case RoleLeader:
		if now.Sub(n.lastHeartbeat) >= n.cfg.HeartbeatInterval {
			n.lastHeartbeat = now
			n.mu.Unlock()
			n.broadcast()
			return
		}
		n.mu.Unlock()
	case RoleFollower, RoleCandidate:
		if now.After(n.electionDeadline) {
			n.startElectionLocked(ctx)
			return // startElectionLocked unlocks
		}
		n.mu.Unlock()
	}
}

// resetElectionDeadline pushes the deadline a randomized interval into
// the future. Randomization breaks split-vote livelock.
func (n *Node) resetElectionDeadline() {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	timeout := n.cfg.ElectionTimeoutMin
	if span > 0 {
		timeout += time.Duration(rand.Int64N(int64(span)))
	}
	n.electionDeadline = time.Now().Add(timeout)
}

// ── Elections ──────────────────────────────────

// startElectionLocked moves to candidate, votes for itself, and
// solicits votes. Caller holds mu; this releases it.
func (n *Node) startElectionLocked(ctx context.Context) {
	n.role = RoleCandidate
	n.term++
	n.votedFor = n.id
	n.leaderID = ""
	n.resetElectionDeadline()

	term := n.term
	req := &RequestVoteRequest{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}
	peers := n.peers

	if err := n.storage.SaveHardState(HardState{Term: n.term, VotedFor: n.votedFor}); err != nil {
		n.logger.Error("persist hard state failed", slog.String("error", err.Error()))
		n.mu.Unlock()
		return
	}

	if len(peers) == 0 {
		n.becomeLeaderLocked()
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.logger.Info("election started", slog.Uint64("term", term))

	var voteMu sync.Mutex
	votes := 1 // own vote
	quorum := len(peers)/2 + 1

	for _, peerID := range peers {
		go func(peerID string) {
			rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.ElectionTimeoutMin)
			defer cancel()

			resp, err := n.transport.RequestVote(rpcCtx, peerID, req)
			if err != nil {
				return
			}

			n.mu.Lock()
			if resp.Term > n.term {
				n.stepDownLocked(resp.Term)
				n.mu.Unlock()
				return
			}
			stale := n.role != RoleCandidate || n.term != term
			n.mu.Unlock()
			if stale || !resp.Granted {
				return
			}

			voteMu.Lock()
			votes++
			won := votes == quorum
			voteMu.Unlock()

			if won {
				n.mu.Lock()
				if n.role == RoleCandidate && n.term == term {
					n.becomeLeaderLocked()
					n.mu.Unlock()
					n.broadcast()
					return
				}
				n.mu.Unlock()
			}
		}(peerID)
	}
}

// becomeLeaderLocked transitions to leader and appends the no-op entry
// that lets entries from earlier terms commit under this term's quorum
// rule. Caller holds mu.
func (n *Node) becomeLeaderLocked() {
	n.role = RoleLeader
	n.leaderID = n.id
	n.lastHeartbeat = time.Now()

	last := n.log.lastIndex()
	for _, p := range n.peers {
		n.nextIndex[p] = last + 1
		n.matchIndex[p] = 0
	}

	noop := NewEntry(last+1, n.term, nil)
	n.log.append(noop)
	if err := n.storage.AppendEntries([]Entry{noop}); err != nil {
		n.logger.Error("persist no-op failed", slog.String("error", err.Error()))
	}

	n.logger.Info("became leader", slog.Uint64("term", n.term))
	n.notifyLeaderChangeLocked(true)

	// Single-node cluster: the no-op commits immediately.
	if len(n.peers) == 0 {
		n.commitIndex = n.log.lastIndex()
		n.signalApply()
	}
}

// stepDownLocked drops to follower at term. Caller holds mu.
func (n *Node) stepDownLocked(term uint64) {
	wasLeader := n.role == RoleLeader
	n.role = RoleFollower
	if term > n.term {
		n.term = term
		n.votedFor = ""
		if err := n.storage.SaveHardState(HardState{Term: n.term}); err != nil {
			n.logger.Error("persist hard state failed", slog.String("error", err.Error()))
		}
	}
	n.resetElectionDeadline()

	if wasLeader {
		n.logger.Info("stepped down", slog.Uint64("term", n.term))
		// Waiters can never resolve here: this node no longer decides
		// commit. The entries may still commit under the new leader.
		n.failPendingLocked(applyOutcome{err: n.notLeaderLocked()})
		n.notifyLeaderChangeLocked(false)
	}
}

func (n *Node) notifyLeaderChangeLocked(leader bool) {
	if n.leaderChange == nil {
		return
	}
	fn := n.leaderChange
	term := n.term
	go fn(leader, term)
}

// ── Replication ────────────────────────────────

// broadcast replicates to every peer in parallel. With no peers the
// local node is the whole quorum and entries commit immediately.
func (n *Node) broadcast() {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return
	}
	peers := n.peers
	if len(peers) == 0 {
		if last := n.log.lastIndex(); last > n.commitIndex {
			n.commitIndex = last
			n.signalApply()
		}
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	for _, peerID := range peers {
		go n.replicateTo(peerID)
	}
}

func (n *Node) replicateTo(peerID string) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return
	}
	term := n.term
	next := n.nextIndex[peerID]
	if next == 0 {
		next = n.log.lastIndex() + 1
		n.nextIndex[peerID] = next
	}

	// Follower is behind the compacted log; ship the snapshot.
	if next <= n.log.snapIndex {
		n.mu.Unlock()
		n.sendSnapshot(peerID, term)
		return
	}

	prevIndex := next - 1
	prevTerm, ok := n.log.term(prevIndex)
	if !ok && prevIndex != 0 {
		n.mu.Unlock()
		n.sendSnapshot(peerID, term)
		return
	}

	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      n.log.slice(next),
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
	defer cancel()

	resp, err := n.transport.AppendEntries(ctx, peerID, req)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.term {
		n.stepDownLocked(resp.Term)
		return
	}
	if n.role != RoleLeader || n.term != term {
		return
	}

	if resp.Success {
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > n.matchIndex[peerID] {
			n.matchIndex[peerID] = match
		}
		n.nextIndex[peerID] = match + 1
		n.advanceCommitLocked()
		return
	}

	// Rejected: back up using the conflict hint.
	if resp.ConflictIndex > 0 && resp.ConflictIndex < n.nextIndex[peerID] {
		n.nextIndex[peerID] = resp.ConflictIndex
	} else if n.nextIndex[peerID] > 1 {
		n.nextIndex[peerID]--
	}
}

func (n *Node) sendSnapshot(peerID string, term uint64) {
	meta, data, ok, err := n.storage.LoadSnapshot()
	if err != nil || !ok {
		return
	}

	req := &InstallSnapshotRequest{
		Term:      term,
		LeaderID:  n.id,
		SnapIndex: meta.Index,
		SnapTerm:  meta.Term,
		Data:      data,
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ApplyTimeout)
	defer cancel()

	resp, err := n.transport.InstallSnapshot(ctx, peerID, req)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.term {
		n.stepDownLocked(resp.Term)
		return
	}
	if n.role != RoleLeader || n.term != term {
		return
	}
	if meta.Index > n.matchIndex[peerID] {
		n.matchIndex[peerID] = meta.Index
	}
	n.nextIndex[peerID] = meta.Index + 1
}

// advanceCommitLocked moves the commit index to the highest entry a
// majority stores. Only entries from the current term commit by count;
// earlier-term entries commit transitively. Caller holds mu.
func (n *Node) advanceCommitLocked() {
	quorum := (len(n.peers)+1)/2 + 1
	for candidate := n.log.lastIndex(); candidate > n.commitIndex; candidate-- {
		t, ok := n.log.term(candidate)
		if !ok || t != n.term {
			break
		}
		count := 1 // self
		for _, p := range n.peers {
			if n.matchIndex[p] >= candidate {
				count++
			}
		}
		if count >= quorum {
			n.commitIndex = candidate
			n.signalApply()
			return
		}
	}
}

// ── RPC handlers ───────────────────────────────

// HandleRequestVote answers a vote solicitation. A vote is granted at
// most once per term, and only to candidates whose log is at least as
// up to date as ours.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.term {
		n.stepDownLocked(req.Term)
	}
	if req.Term < n.term {
		return &RequestVoteResponse{Term: n.term}
	}

	upToDate := req.LastLogTerm > n.log.lastTerm() ||
		(req.LastLogTerm == n.log.lastTerm() && req.LastLogIndex >= n.log.lastIndex())
	canVote := n.votedFor == "" || n.votedFor == req.CandidateID

	if !canVote || !upToDate {
		return &RequestVoteResponse{Term: n.term}
	}

	n.votedFor = req.CandidateID
	n.resetElectionDeadline()
	if err := n.storage.SaveHardState(HardState{Term: n.term, VotedFor: n.votedFor}); err != nil {
		n.logger.Error("persist hard state failed", slog.String("error", err.Error()))
		return &RequestVoteResponse{Term: n.term}
	}
	return &RequestVoteResponse{Term: n.term, Granted: true}
}

// HandleAppendEntries accepts replicated entries from the leader.
// Receipt of a valid request from the current term resets the election
// deadline and, for a candidate or stale leader, forces follower role.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return &AppendEntriesResponse{Term: n.term}
	}
	if req.Term > n.term || n.role != RoleFollower {
		n.stepDownLocked(req.Term)
	}
	n.leaderID = req.LeaderID
	n.resetElectionDeadline()

	// Consistency check on the entry preceding the batch.
	if req.PrevLogIndex > 0 {
		prevTerm, ok := n.log.term(req.PrevLogIndex)
		if !ok {
			return &AppendEntriesResponse{
				Term:          n.term,
				ConflictIndex: n.log.lastIndex() + 1,
			}
		}
		if prevTerm != req.PrevLogTerm {
			// Hint the first index of the conflicting term so the
			// leader skips the whole run.
			conflict := req.PrevLogIndex
			for conflict > n.log.firstIndex() {
				t, ok := n.log.term(conflict - 1)
				if !ok || t != prevTerm {
					break
				}
				conflict--
			}
			return &AppendEntriesResponse{Term: n.term, ConflictIndex: conflict}
		}
	}

	// Append new entries, truncating any divergent suffix first.
	for i, e := range req.Entries {
		if !e.Verify() {
			n.logger.Error("corrupt entry received", slog.Uint64("index", e.Index))
			return &AppendEntriesResponse{Term: n.term, ConflictIndex: e.Index}
		}
		existing, ok := n.log.entry(e.Index)
		if ok && existing.Term == e.Term {
			continue
		}
		if ok {
			n.log.truncateFrom(e.Index)
			if err := n.storage.TruncateFrom(e.Index); err != nil {
				n.logger.Error("truncate log failed", slog.String("error", err.Error()))
				return &AppendEntriesResponse{Term: n.term, ConflictIndex: e.Index}
			}
		}
		rest := req.Entries[i:]
		n.log.append(rest...)
		if err := n.storage.AppendEntries(rest); err != nil {
			n.logger.Error("persist entries failed", slog.String("error", err.Error()))
			return &AppendEntriesResponse{Term: n.term, ConflictIndex: e.Index}
		}
		break
	}

	if req.LeaderCommit > n.commitIndex {
		n.commitIndex = min(req.LeaderCommit, n.log.lastIndex())
		n.signalApply()
	}

	return &AppendEntriesResponse{
		Term:       n.term,
		Success:    true,
		MatchIndex: n.log.lastIndex(),
	}
}

// HandleInstallSnapshot installs a leader snapshot on a trailing
// follower.
func (n *Node) HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return &InstallSnapshotResponse{Term: n.term}
	}
	if req.Term > n.term || n.role != RoleFollower {
		n.stepDownLocked(req.Term)
	}
	n.leaderID = req.LeaderID
	n.resetElectionDeadline()

	if req.SnapIndex <= n.commitIndex {
		return &InstallSnapshotResponse{Term: n.term}
	}

	if err := n.sm.Restore(req.Data); err != nil {
		n.logger.Error("install snapshot failed", slog.String("error", err.Error()))
		return &InstallSnapshotResponse{Term: n.term}
	}
	if err := n.storage.SaveSnapshot(SnapshotMeta{Index: req.SnapIndex, Term: req.SnapTerm}, req.Data); err != nil {
		n.logger.Error("persist snapshot failed", slog.String("error", err.Error()))
	}
	if err := n.storage.Compact(req.SnapIndex); err != nil {
		n.logger.Error("compact log failed", slog.String("error", err.Error()))
	}
	n.log.compact(req.SnapIndex, req.SnapTerm)
	n.commitIndex = req.SnapIndex
	n.lastApplied = req.SnapIndex

	n.logger.Info("snapshot installed",
		slog.Uint64("index", req.SnapIndex),
		slog.Uint64("term", req.SnapTerm),
	)
	return &InstallSnapshotResponse{Term: n.term}
}

// ── Apply loop ─────────────────────────────────

func (n *Node) signalApply() {
	select {
	case n.applySignal <- struct{}{}:
	default:
	}
}

// applyLoop is the single consumer of committed entries. It applies
// them to the state machine in index order and resolves Apply waiters.
// Snapshots are taken here too, so the captured state is always exactly
// the state at lastApplied.
func (n *Node) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.applySignal:
			n.drainCommitted()
			n.maybeSnapshot(false)
		case <-n.snapSignal:
			n.drainCommitted()
			n.maybeSnapshot(true)
		}
	}
}

func (n *Node) drainCommitted() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		index := n.lastApplied + 1
		entry, ok := n.log.entry(index)
		if !ok {
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()

		// Leader no-ops carry no command.
		var value any
		if len(entry.Data) > 0 {
			value = n.sm.Apply(entry.Index, entry.Term, entry.Data)
		}

		n.mu.Lock()
		n.lastApplied = index
		if w, ok := n.pending[index]; ok {
			delete(n.pending, index)
			if w.term == entry.Term {
				w.ch <- applyOutcome{value: value}
			} else {
				// The slot was overwritten after a leadership change;
				// the original proposal never committed.
				w.ch <- applyOutcome{err: n.notLeaderLocked()}
			}
		}
		n.mu.Unlock()
	}
}

// maybeSnapshot compacts the log once enough entries have accumulated
// past the last snapshot, or unconditionally when forced by the
// snapshot timer. Runs only on the apply goroutine: nothing applies
// between reading lastApplied and capturing the state, so the saved
// meta index matches the captured state exactly.
func (n *Node) maybeSnapshot(force bool) {
	n.mu.Lock()
	applied := n.lastApplied
	behind := applied - n.log.snapIndex
	threshold := uint64(n.cfg.SnapshotThreshold)
	if applied == 0 || behind == 0 || (!force && (threshold == 0 || behind < threshold)) {
		n.mu.Unlock()
		return
	}
	term, ok := n.log.term(applied)
	n.mu.Unlock()
	if !ok {
		return
	}

	data, err := n.sm.Snapshot()
	if err != nil {
		n.logger.Error("snapshot failed", slog.String("error", err.Error()))
		return
	}

	if err := n.storage.SaveSnapshot(SnapshotMeta{Index: applied, Term: term}, data); err != nil {
		n.logger.Error("persist snapshot failed", slog.String("error", err.Error()))
		return
	}
	if err := n.storage.Compact(applied); err != nil {
		n.logger.Error("compact storage failed", slog.String("error", err.Error()))
		return
	}

	n.mu.Lock()
	n.log.compact(applied, term)
	n.mu.Unlock()

	n.logger.Info("snapshot taken",
		slog.Uint64("index", applied),
		slog.Uint64("entries_compacted", behind),
	)
}
