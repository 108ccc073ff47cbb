package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/musterhq/muster"
)

// HardState is the durable per-node consensus state. It must be fsynced
// before a node answers a vote or appends to its log, otherwise a
// restart could double-vote within a term.
type HardState struct {
	Term     uint64 `msgpack:"term"`
	VotedFor string `msgpack:"voted_for"`
}

// SnapshotMeta describes a stored snapshot.
type SnapshotMeta struct {
	Index uint64 `msgpack:"index"`
	Term  uint64 `msgpack:"term"`
}

// Storage persists log entries, hard state, and snapshots for one node.
type Storage interface {
	// AppendEntries durably appends entries to the log tail.
	AppendEntries(entries []Entry) error

	// TruncateFrom discards the entry at index and everything after it.
	TruncateFrom(index uint64) error

	// Compact discards entries up to and including index after a
	// snapshot covers them.
	Compact(index uint64) error

	// Entries loads the retained log suffix at startup.
	Entries() ([]Entry, error)

	// SaveHardState durably records term and vote.
	SaveHardState(hs HardState) error

	// LoadHardState returns the recorded hard state, reporting whether
	// one exists.
	LoadHardState() (HardState, bool, error)

	// SaveSnapshot durably stores a snapshot, replacing any previous one.
	SaveSnapshot(meta SnapshotMeta, data []byte) error

	// LoadSnapshot returns the latest snapshot, reporting whether one
	// exists.
	LoadSnapshot() (SnapshotMeta, []byte, bool, error)

	Close() error
}

// ──────────────────────────────────────────────────
// MemoryStorage
// ──────────────────────────────────────────────────

// MemoryStorage keeps everything in memory. Intended for tests and
// single-process experiments.
type MemoryStorage struct {
	mu       sync.Mutex
	entries  []Entry
	hs       HardState
	hasHS    bool
	snapMeta SnapshotMeta
	snapData []byte
	hasSnap  bool
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

func (s *MemoryStorage) AppendEntries(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemoryStorage) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.Index < index {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (s *MemoryStorage) Compact(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Index > index {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (s *MemoryStorage) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemoryStorage) SaveHardState(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hs, s.hasHS = hs, true
	return nil
}

func (s *MemoryStorage) LoadHardState() (HardState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hs, s.hasHS, nil
}

func (s *MemoryStorage) SaveSnapshot(meta SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapMeta = meta
	s.snapData = append([]byte(nil), data...)
	s.hasSnap = true
	return nil
}

func (s *MemoryStorage) LoadSnapshot() (SnapshotMeta, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSnap {
		return SnapshotMeta{}, nil, false, nil
	}
	return s.snapMeta, append([]byte(nil), s.snapData...), true, nil
}

func (s *MemoryStorage) Close() error { return nil }

// ──────────────────────────────────────────────────
// FileStorage
// ──────────────────────────────────────────────────

// FileStorage persists state under a directory:
//
//	wal.log        — framed log records: [len u32][crc u32][msgpack Entry]
//	hardstate.bin  — msgpack HardState, written atomically via rename
//	snapshot.bin   — [crc u32][msgpack snapshotFile], written atomically
//
// Truncation and compaction rewrite the WAL through a temp file and
// rename; the record-level CRC catches torn or corrupted writes and
// surfaces them as ErrLogCorrupt so the node refuses to serve instead
// of replaying garbage.
type FileStorage struct {
	mu  sync.Mutex
	dir string
	wal *os.File
}

type snapshotFile struct {
	Meta SnapshotMeta `msgpack:"meta"`
	Data []byte       `msgpack:"data"`
}

// NewFileStorage opens (or creates) node storage in dir.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("raft: create storage dir: %w", err)
	}
	wal, err := os.OpenFile(filepath.Join(dir, "wal.log"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("raft: open wal: %w", err)
	}
	return &FileStorage{dir: dir, wal: wal}, nil
}

func (s *FileStorage) AppendEntries(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range entries {
		if err := writeRecord(s.wal, &entries[i]); err != nil {
			return err
		}
	}
	return s.wal.Sync()
}

func writeRecord(w io.Writer, e *Entry) error {
	payload, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("raft: encode wal record: %w", err)
	}

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("raft: write wal header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("raft: write wal record: %w", err)
	}
	return nil
}

func readRecords(r io.Reader) ([]Entry, error) {
	var out []Entry
	var header [8]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			// A torn header at the tail means the last write never
			// completed; everything before it is intact.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return nil, fmt.Errorf("raft: read wal header: %w", err)
		}
		size := binary.BigEndian.Uint32(header[0:4])
		sum := binary.BigEndian.Uint32(header[4:8])

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return nil, fmt.Errorf("raft: read wal record: %w", err)
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return nil, muster.ErrLogCorrupt
		}

		var e Entry
		if err := msgpack.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("raft: decode wal record: %w", err)
		}
		if !e.Verify() {
			return nil, muster.ErrLogCorrupt
		}
		out = append(out, e)
	}
}

func (s *FileStorage) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, "wal.log"))
	if err != nil {
		return nil, fmt.Errorf("raft: open wal for read: %w", err)
	}
	defer f.Close()

	return readRecords(f)
}

func (s *FileStorage) TruncateFrom(index uint64) error {
	return s.rewriteWAL(func(e Entry) bool { return e.Index < index })
}

func (s *FileStorage) Compact(index uint64) error {
	return s.rewriteWAL(func(e Entry) bool { return e.Index > index })
}

// rewriteWAL rebuilds the log file keeping only entries for which keep
// returns true, then atomically replaces the old file.
func (s *FileStorage) rewriteWAL(keep func(Entry) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "wal.log")
	old, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("raft: open wal: %w", err)
	}
	entries, err := readRecords(old)
	old.Close()
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("raft: open wal temp: %w", err)
	}
	for i := range entries {
		if !keep(entries[i]) {
			continue
		}
		if err := writeRecord(tmp, &entries[i]); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("raft: sync wal temp: %w", err)
	}
	tmp.Close()

	if err := s.wal.Close(); err != nil {
		return fmt.Errorf("raft: close wal: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("raft: replace wal: %w", err)
	}
	s.wal, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("raft: reopen wal: %w", err)
	}
	return nil
}

func (s *FileStorage) SaveHardState(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := msgpack.Marshal(&hs)
	if err != nil {
		return fmt.Errorf("raft: encode hard state: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, "hardstate.bin"), data)
}

func (s *FileStorage) LoadHardState() (HardState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, "hardstate.bin"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return HardState{}, false, nil
		}
		return HardState{}, false, fmt.Errorf("raft: read hard state: %w", err)
	}
	var hs HardState
	if err := msgpack.Unmarshal(data, &hs); err != nil {
		return HardState{}, false, fmt.Errorf("raft: decode hard state: %w", err)
	}
	return hs, true, nil
}

func (s *FileStorage) SaveSnapshot(meta SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := msgpack.Marshal(&snapshotFile{Meta: meta, Data: data})
	if err != nil {
		return fmt.Errorf("raft: encode snapshot: %w", err)
	}
	framed := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(framed[0:4], crc32.ChecksumIEEE(payload))
	copy(framed[4:], payload)
	return atomicWrite(filepath.Join(s.dir, "snapshot.bin"), framed)
}

func (s *FileStorage) LoadSnapshot() (SnapshotMeta, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	framed, err := os.ReadFile(filepath.Join(s.dir, "snapshot.bin"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SnapshotMeta{}, nil, false, nil
		}
		return SnapshotMeta{}, nil, false, fmt.Errorf("raft: read snapshot: %w", err)
	}
	if len(framed) < 4 {
		return SnapshotMeta{}, nil, false, muster.ErrLogCorrupt
	}
	sum := binary.BigEndian.Uint32(framed[0:4])
	payload := framed[4:]
	if crc32.ChecksumIEEE(payload) != sum {
		return SnapshotMeta{}, nil, false, muster.ErrLogCorrupt
	}

	var sf snapshotFile
	if err := msgpack.Unmarshal(payload, &sf); err != nil {
		return SnapshotMeta{}, nil, false, fmt.Errorf("raft: decode snapshot: %w", err)
	}
	return sf.Meta, sf.Data, true, nil
}

func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}

// atomicWrite writes data to a temp file and renames it into place.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("raft: write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("raft: replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
