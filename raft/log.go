package raft

import (
	"github.com/musterhq/muster"
	"github.com/musterhq/muster/command"
)

// Entry is one record in the replicated log. Data holds an encoded
// command; nil data marks the internal no-op a new leader appends to
// commit entries from earlier terms. Checksum covers Data, computed by
// the command package so the log and the command layer agree on one
// checksum definition.
type Entry struct {
	Index    uint64 `msgpack:"index"`
	Term     uint64 `msgpack:"term"`
	Data     []byte `msgpack:"data"`
	Checksum uint32 `msgpack:"checksum"`
}

// NewEntry builds an entry with its checksum filled in.
func NewEntry(index, term uint64, data []byte) Entry {
	return Entry{Index: index, Term: term, Data: data, Checksum: command.Checksum(data)}
}

// Verify recomputes the entry checksum.
func (e *Entry) Verify() bool {
	return command.Verify(e.Data, e.Checksum)
}

// raftLog is the in-memory view of the replicated log. After a snapshot
// the covered prefix is dropped and snapIndex/snapTerm anchor the
// remaining suffix. Not safe for concurrent use; the node serializes
// access under its own mutex.
type raftLog struct {
	entries   []Entry
	snapIndex uint64
	snapTerm  uint64
}

func newRaftLog() *raftLog { return &raftLog{} }

// lastIndex returns the index of the newest entry, or the snapshot
// index when the suffix is empty.
func (l *raftLog) lastIndex() uint64 {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Index
	}
	return l.snapIndex
}

// lastTerm returns the term of the newest entry, or the snapshot term.
func (l *raftLog) lastTerm() uint64 {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Term
	}
	return l.snapTerm
}

// firstIndex returns the index of the oldest retained entry, or zero
// when the log is empty.
func (l *raftLog) firstIndex() uint64 {
	if len(l.entries) > 0 {
		return l.entries[0].Index
	}
	return 0
}

// term returns the term of the entry at index. The snapshot boundary
// counts: term(snapIndex) is known even though the entry is gone.
func (l *raftLog) term(index uint64) (uint64, bool) {
	if index == l.snapIndex {
		return l.snapTerm, true
	}
	e, ok := l.entry(index)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

// entry returns the entry at index.
func (l *raftLog) entry(index uint64) (Entry, bool) {
	first := l.firstIndex()
	if first == 0 || index < first || index > l.lastIndex() {
		return Entry{}, false
	}
	return l.entries[index-first], true
}

// slice returns entries in [from, lastIndex].
func (l *raftLog) slice(from uint64) []Entry {
	first := l.firstIndex()
	if first == 0 || from > l.lastIndex() {
		return nil
	}
	if from < first {
		from = first
	}
	out := make([]Entry, l.lastIndex()-from+1)
	copy(out, l.entries[from-first:])
	return out
}

// append adds entries to the tail. Entries must be contiguous with the
// existing log; the node guarantees that.
func (l *raftLog) append(entries ...Entry) {
	l.entries = append(l.entries, entries...)
}

// truncateFrom drops the entry at index and everything after it,
// resolving a divergent suffix during replication conflicts.
func (l *raftLog) truncateFrom(index uint64) {
	first := l.firstIndex()
	if first == 0 || index > l.lastIndex() {
		return
	}
	if index < first {
		l.entries = nil
		return
	}
	l.entries = l.entries[:index-first]
}

// compact drops everything up to and including index, recording the
// snapshot boundary.
func (l *raftLog) compact(index, term uint64) {
	if index <= l.snapIndex {
		return
	}
	if last := l.lastIndex(); index >= last {
		l.entries = nil
	} else if first := l.firstIndex(); first > 0 && index >= first {
		kept := make([]Entry, last-index)
		copy(kept, l.entries[index-first+1:])
		l.entries = kept
	}
	l.snapIndex = index
	l.snapTerm = term
}

// verifyAll checks every retained entry checksum, used when loading
// from storage.
func (l *raftLog) verifyAll() error {
	for i := range l.entries {
		if !l.entries[i].Verify() {
			return muster.ErrLogCorrupt
		}
	}
	return nil
}
