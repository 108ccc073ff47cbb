package raft

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/musterhq/muster"
)

func openFileStorage(t *testing.T) (*FileStorage, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, dir
}

func TestFileStorageWALRoundTrip(t *testing.T) {
	st, dir := openFileStorage(t)

	want := []Entry{
		NewEntry(1, 1, []byte("one")),
		NewEntry(2, 1, []byte("two")),
		NewEntry(3, 2, nil),
	}
	if err := st.AppendEntries(want); err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	st.Close()

	reopened, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("reloaded %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Index != want[i].Index || got[i].Term != want[i].Term || string(got[i].Data) != string(want[i].Data) {
			t.Fatalf("entry %d mismatch: %+v vs %+v", i, got[i], want[i])
		}
	}
}

func TestFileStorageTruncateAndCompact(t *testing.T) {
	st, _ := openFileStorage(t)

	var batch []Entry
	for i := uint64(1); i <= 6; i++ {
		batch = append(batch, NewEntry(i, 1, []byte{byte(i)}))
	}
	if err := st.AppendEntries(batch); err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}

	if err := st.TruncateFrom(5); err != nil {
		t.Fatalf("TruncateFrom: %v", err)
	}
	if err := st.Compact(2); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	got, err := st.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != 2 || got[0].Index != 3 || got[1].Index != 4 {
		t.Fatalf("retained entries = %+v, want indexes 3 and 4", got)
	}

	// The WAL stays appendable after a rewrite.
	if err := st.AppendEntries([]Entry{NewEntry(5, 2, []byte("after"))}); err != nil {
		t.Fatalf("append after rewrite: %v", err)
	}
	got, _ = st.Entries()
	if len(got) != 3 || got[2].Index != 5 {
		t.Fatalf("expected appended entry at index 5, have %+v", got)
	}
}

func TestFileStorageCorruptRecordRefused(t *testing.T) {
	st, dir := openFileStorage(t)

	if err := st.AppendEntries([]Entry{NewEntry(1, 1, []byte("intact"))}); err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	st.Close()

	// Flip a byte in the record payload, past the 8-byte header.
	path := filepath.Join(dir, "wal.log")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wal: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	reopened, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Entries(); !errors.Is(err, muster.ErrLogCorrupt) {
		t.Fatalf("Entries on corrupt wal = %v, want ErrLogCorrupt", err)
	}
}

func TestFileStorageTornTailTolerated(t *testing.T) {
	st, dir := openFileStorage(t)

	if err := st.AppendEntries([]Entry{NewEntry(1, 1, []byte("complete"))}); err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	st.Close()

	// Simulate a crash mid-write: a dangling partial header.
	path := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	if _, err := f.Write([]byte{0x00, 0x00, 0x01}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	f.Close()

	reopened, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Entries()
	if err != nil {
		t.Fatalf("Entries with torn tail: %v", err)
	}
	if len(got) != 1 || got[0].Index != 1 {
		t.Fatalf("expected the intact entry to survive, have %+v", got)
	}
}

func TestFileStorageHardState(t *testing.T) {
	st, dir := openFileStorage(t)

	if _, ok, err := st.LoadHardState(); err != nil || ok {
		t.Fatalf("LoadHardState on empty storage = ok=%v err=%v", ok, err)
	}

	if err := st.SaveHardState(HardState{Term: 7, VotedFor: "node-b"}); err != nil {
		t.Fatalf("SaveHardState: %v", err)
	}
	st.Close()

	reopened, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	hs, ok, err := reopened.LoadHardState()
	if err != nil || !ok {
		t.Fatalf("LoadHardState = ok=%v err=%v", ok, err)
	}
	if hs.Term != 7 || hs.VotedFor != "node-b" {
		t.Fatalf("hard state = %+v", hs)
	}
}

func TestFileStorageSnapshot(t *testing.T) {
	st, dir := openFileStorage(t)

	meta := SnapshotMeta{Index: 42, Term: 3}
	if err := st.SaveSnapshot(meta, []byte("state")); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	gotMeta, data, ok, err := st.LoadSnapshot()
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot = ok=%v err=%v", ok, err)
	}
	if gotMeta != meta || string(data) != "state" {
		t.Fatalf("snapshot = %+v %q", gotMeta, data)
	}

	// Corrupt the snapshot payload; the load must refuse it.
	path := filepath.Join(dir, "snapshot.bin")
	raw, _ := os.ReadFile(path)
	raw[len(raw)-1] ^= 0xff
	os.WriteFile(path, raw, 0o644)

	if _, _, _, err := st.LoadSnapshot(); !errors.Is(err, muster.ErrLogCorrupt) {
		t.Fatalf("LoadSnapshot on corrupt file = %v, want ErrLogCorrupt", err)
	}
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	st := NewMemoryStorage()

	if err := st.AppendEntries([]Entry{NewEntry(1, 1, []byte("a")), NewEntry(2, 1, []byte("b"))}); err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	if err := st.TruncateFrom(2); err != nil {
		t.Fatalf("TruncateFrom: %v", err)
	}

	got, _ := st.Entries()
	if len(got) != 1 || got[0].Index != 1 {
		t.Fatalf("entries after truncate = %+v", got)
	}
}
