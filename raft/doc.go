// Package raft implements the consensus core: an append-only,
// term/index-numbered command log replicated across 3 or 5 nodes with a
// single elected leader.
//
// The design is the standard leader-based consensus construction: each
// node runs a role state machine {follower, candidate, leader} driven by
// randomized election timeouts and leader heartbeats; a candidate wins
// with a majority vote (floor(n/2)+1) granted only to candidates whose
// log is at least as up to date; the leader replicates entries and
// advances the commit index once a majority of match indexes cover an
// entry from its own term. A healed former leader steps down the moment
// it observes a higher term.
//
// Apply is valid only on the leader. It blocks until the entry is
// committed by a quorum and applied to the local state machine, or fails
// with a typed not-leader error carrying a leader hint, or with a
// timeout. A timeout means "unknown outcome", never "failed": the entry
// may still commit, and callers must re-drive with the same idempotency
// key.
//
// Log entries carry a CRC32 checksum; a node that reads a corrupt entry
// refuses to serve rather than risk divergent state. Snapshots bound
// recovery time: the state machine serializes itself, the covered log
// prefix is truncated, and a trailing node installs the snapshot before
// replaying the remaining suffix.
package raft
