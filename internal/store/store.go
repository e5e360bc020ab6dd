// Package store reads and writes operation records on disk. Writes are
// atomic (temp file + fsync + rename via renameio) and every successful
// write rotates rolling backups, so a record mangled by a crashed writer
// can be recovered from `.bak.0`.
//
// The store does no locking of its own; callers hold the operation's lock
// file around every Read/Write pair.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/joao-brasil/procledger/internal/metrics"
	"github.com/joao-brasil/procledger/internal/record"
)

// Store manages the record files of all operations under one base directory.
type Store struct {
	dir        string
	maxBackups int

	// OnBackupCreated, when set, is invoked with the path of each backup
	// file produced by a write.
	OnBackupCreated func(path string)
}

// New creates a Store rooted at dir keeping up to maxBackups backup files
// per operation.
func New(dir string, maxBackups int) *Store {
	if maxBackups <= 0 {
		maxBackups = 3
	}
	return &Store{dir: dir, maxBackups: maxBackups}
}

// Dir returns the base directory.
func (s *Store) Dir() string { return s.dir }

// RecordPath returns the path of an operation's record file.
func (s *Store) RecordPath(operationID string) string {
	return filepath.Join(s.dir, operationID+".json")
}

// LockPath returns the path of an operation's lock file.
func (s *Store) LockPath(operationID string) string {
	return filepath.Join(s.dir, operationID+".lock")
}

// LogPath returns the path of an operation's sidecar log.
func (s *Store) LogPath(operationID string) string {
	return filepath.Join(s.dir, operationID+".log")
}

func (s *Store) backupPath(operationID string, n int) string {
	return fmt.Sprintf("%s.bak.%d", s.RecordPath(operationID), n)
}

// Read loads and validates an operation record. A missing record returns
// (nil, nil). A corrupt record triggers recovery from the newest backup
// that still decodes; when none does, a CorruptError is returned.
func (s *Store) Read(operationID string) (*record.OperationRecord, error) {
	path := s.RecordPath(operationID)
	rec, err := decodeFile(path)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if !errors.Is(err, errDecode) {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}

	log.Printf("[store] Record %s corrupt, attempting backup recovery: %v", path, err)
	for n := 0; n < s.maxBackups; n++ {
		bak := s.backupPath(operationID, n)
		rec, berr := decodeFile(bak)
		if berr != nil {
			continue
		}
		log.Printf("[store] Recovered record %s from %s", operationID, bak)
		return rec, nil
	}
	return nil, &CorruptError{Path: path, Err: err}
}

// errDecode marks a record that failed to parse or validate; it is what
// distinguishes corruption from plain I/O faults.
var errDecode = errors.New("record decode failed")

func decodeFile(path string) (*record.OperationRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec record.OperationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errDecode, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errDecode, err)
	}
	return &rec, nil
}

// Write persists the record atomically and rotates backups: the previous
// on-disk record becomes `.bak.0`, older backups shift up, and anything
// past maxBackups is deleted.
func (s *Store) Write(rec *record.OperationRecord) error {
	path := s.RecordPath(rec.OperationID)

	data, err := json.Marshal(rec)
	if err != nil {
		metrics.RecordWrites.WithLabelValues("error").Inc()
		return &IOError{Op: "encode", Path: path, Err: err}
	}

	prev, rerr := os.ReadFile(path)
	hadPrev := rerr == nil

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		metrics.RecordWrites.WithLabelValues("error").Inc()
		return &IOError{Op: "write", Path: path, Err: err}
	}
	metrics.RecordWrites.WithLabelValues("ok").Inc()

	if hadPrev {
		s.rotateBackups(rec.OperationID, prev)
	}
	return nil
}

// rotateBackups shifts .bak.{N-1} → .bak.{N} and writes prev as .bak.0.
// Backup failures are logged, never fatal: the primary write already
// succeeded.
func (s *Store) rotateBackups(operationID string, prev []byte) {
	oldest := s.backupPath(operationID, s.maxBackups-1)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[store] Failed to drop oldest backup %s: %v", oldest, err)
	}
	for n := s.maxBackups - 2; n >= 0; n-- {
		from := s.backupPath(operationID, n)
		to := s.backupPath(operationID, n+1)
		if err := os.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[store] Failed to rotate backup %s → %s: %v", from, to, err)
		}
	}
	bak0 := s.backupPath(operationID, 0)
	if err := os.WriteFile(bak0, prev, 0o644); err != nil {
		log.Printf("[store] Failed to write backup %s: %v", bak0, err)
		return
	}
	metrics.BackupRotations.Inc()
	if s.OnBackupCreated != nil {
		s.OnBackupCreated(bak0)
	}
}

// Remove deletes the record file and all its backups. Idempotent; the
// sidecar log is left in place.
func (s *Store) Remove(operationID string) error {
	var firstErr error
	paths := []string{s.RecordPath(operationID)}
	for n := 0; n < s.maxBackups; n++ {
		paths = append(paths, s.backupPath(operationID, n))
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = &IOError{Op: "remove", Path: p, Err: err}
			}
		}
	}
	return firstErr
}

// ListOperations returns the ids of every operation with a record file
// under the base directory.
func (s *Store) ListOperations() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &IOError{Op: "list", Path: s.dir, Err: err}
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".json.bak.") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// ── Errors ──────────────────────────────────────────────────────────────

// CorruptError means the record and every backup failed to decode.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("record %s is corrupt and no backup is recoverable: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err is a CorruptError.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}

// IOError wraps an underlying I/O fault on a record operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("record %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIO reports whether err is an IOError.
func IsIO(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}
