package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/procledger/internal/record"
)

func newRecord(op string) *record.OperationRecord {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := record.New(op, "p1", now)
	rec.PushFrame(record.CallFrame{
		ParticipantID: "p1", CallID: "call-1", PID: 100,
		StartTime: now, LastHeartbeat: now, State: record.FrameActive, FailOnCrash: true,
	})
	return rec
}

func TestReadMissing(t *testing.T) {
	s := New(t.TempDir(), 3)
	rec, err := s.Read("op-missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := New(t.TempDir(), 3)
	rec := newRecord("op-1")
	require.NoError(t, s.Write(rec))

	got, err := s.Read("op-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestBackupRotation(t *testing.T) {
	s := New(t.TempDir(), 2)
	var backups []string
	s.OnBackupCreated = func(path string) { backups = append(backups, path) }

	rec := newRecord("op-1")
	for i := 0; i < 4; i++ {
		rec.CallFrames[0].Description = string(rune('a' + i))
		require.NoError(t, s.Write(rec))
	}

	// bak.0 holds the previous record (generation 'c'), bak.1 the one before.
	assertGen := func(path, want string) {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var r record.OperationRecord
		require.NoError(t, json.Unmarshal(data, &r))
		assert.Equal(t, want, r.CallFrames[0].Description)
	}
	assertGen(s.backupPath("op-1", 0), "c")
	assertGen(s.backupPath("op-1", 1), "b")

	_, err := os.Stat(s.backupPath("op-1", 2))
	assert.True(t, os.IsNotExist(err), "backups past maxBackups are pruned")
	assert.Len(t, backups, 3, "first write has no previous record to back up")
}

func TestCorruptRecoversFromBackup(t *testing.T) {
	s := New(t.TempDir(), 3)
	rec := newRecord("op-1")
	require.NoError(t, s.Write(rec))
	rec2 := rec.Clone()
	rec2.Aborted = true
	require.NoError(t, s.Write(rec2))

	require.NoError(t, os.WriteFile(s.RecordPath("op-1"), []byte("{garbage"), 0o644))

	got, err := s.Read("op-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Aborted, "recovery uses the newest backup, which predates the corrupt write")
}

func TestCorruptWithoutBackup(t *testing.T) {
	s := New(t.TempDir(), 3)
	require.NoError(t, os.WriteFile(s.RecordPath("op-1"), []byte("{garbage"), 0o644))

	_, err := s.Read("op-1")
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))
}

func TestSchemaInvalidIsCorrupt(t *testing.T) {
	s := New(t.TempDir(), 3)
	// Valid JSON, invalid record: missing operationId.
	require.NoError(t, os.WriteFile(s.RecordPath("op-1"), []byte(`{"initiatorId":"p1"}`), 0o644))

	_, err := s.Read("op-1")
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))
}

func TestRemoveIdempotent(t *testing.T) {
	s := New(t.TempDir(), 2)
	rec := newRecord("op-1")
	require.NoError(t, s.Write(rec))
	require.NoError(t, s.Write(rec))

	require.NoError(t, s.Remove("op-1"))
	require.NoError(t, s.Remove("op-1"))

	got, err := s.Read("op-1")
	require.NoError(t, err)
	assert.Nil(t, got, "backups are removed along with the record")
}

func TestListOperations(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 2)
	require.NoError(t, s.Write(newRecord("op-a")))
	require.NoError(t, s.Write(newRecord("op-b")))
	require.NoError(t, s.Write(newRecord("op-b"))) // produces op-b.json.bak.0
	require.NoError(t, os.WriteFile(filepath.Join(dir, "op-a.lock"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "op-a.log"), []byte(""), 0o644))

	ids, err := s.ListOperations()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"op-a", "op-b"}, ids)
}
