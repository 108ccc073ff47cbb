package raft

import (
	"context"
)

// RequestVoteRequest asks a peer for its vote in an election.
type RequestVoteRequest struct {
	Term         uint64 `msgpack:"term"`
	CandidateID  string `msgpack:"candidate_id"`
	LastLogIndex uint64 `msgpack:"last_log_index"`
	LastLogTerm  uint64 `msgpack:"last_log_term"`
}

// RequestVoteResponse carries a peer's vote decision.
type RequestVoteResponse struct {
	Term    uint64 `msgpack:"term"`
	Granted bool   `msgpack:"granted"`
}

// AppendEntriesRequest replicates log entries and doubles as the leader
// heartbeat when Entries is empty.
type AppendEntriesRequest struct {
	Term         uint64  `msgpack:"term"`
	LeaderID     string  `msgpack:"leader_id"`
	PrevLogIndex uint64  `msgpack:"prev_log_index"`
	PrevLogTerm  uint64  `msgpack:"prev_log_term"`
	Entries      []Entry `msgpack:"entries"`
	LeaderCommit uint64  `msgpack:"leader_commit"`
}

// AppendEntriesResponse reports whether the follower accepted the
// entries. On rejection ConflictIndex hints where the leader should
// back up to, skipping the one-index-at-a-time probe.
type AppendEntriesResponse struct {
	Term          uint64 `msgpack:"term"`
	Success       bool   `msgpack:"success"`
	ConflictIndex uint64 `msgpack:"conflict_index"`
	MatchIndex    uint64 `msgpack:"match_index"`
}

// InstallSnapshotRequest ships a full state snapshot to a follower that
// has fallen behind the leader's compacted log.
type InstallSnapshotRequest struct {
	Term      uint64 `msgpack:"term"`
	LeaderID  string `msgpack:"leader_id"`
	SnapIndex uint64 `msgpack:"snap_index"`
	SnapTerm  uint64 `msgpack:"snap_term"`
	Data      []byte `msgpack:"data"`
}

// InstallSnapshotResponse acknowledges a snapshot install.
type InstallSnapshotResponse struct {
	Term uint64 `msgpack:"term"`
}

// RPCHandler is implemented by the node to answer incoming peer RPCs.
// Handlers are synchronous; the transport delivers one RPC at a time
// per peer connection.
type RPCHandler interface {
	HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse
	HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse
	HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse
}

// Transport carries RPCs between nodes. Implementations must be safe
// for concurrent use; the node issues RPCs to all peers in parallel.
type Transport interface {
	// SetHandler installs the local RPC handler. Must be called before
	// Start.
	SetHandler(h RPCHandler)

	Start(ctx context.Context) error

	RequestVote(ctx context.Context, peerID string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peerID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, peerID string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)

	Close() error
}
