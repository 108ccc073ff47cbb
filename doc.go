// Package muster provides a replicated coordination core for fleets of
// long-running autonomous worker sessions. It combines a leader-elected
// consensus log, a deterministic state machine, an exactly-once task
// claim protocol, and TTL-based distributed locks.
//
// Muster is designed as a library plus a small daemon. A cluster of 3 or 5
// musterd nodes replicates every state change through an ordered command
// log; worker processes register, heartbeat, and claim tasks through a
// frame-based WebSocket RPC surface against the current leader.
//
// # Architecture
//
// Muster follows a composable subsystem pattern: each concern (command,
// raft, fsm, session, queue, lock, projection, wire) lives in its own
// package. The fsm package is the sole mutator of authoritative state;
// everything else either submits commands through the raft node or reads
// advisory copies.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package muster
