package store

import (
	"os"

	"github.com/GSejas/health-watch-sub004/internal/domain"
)

// WriteLockRecord and ReadLockRecord expose the atomic file primitives to
// internal/coordinate without that package reaching into store
// internals. The lock and shared-state files live alongside the rest of
// a Store's documents but are owned by the coordinator, not the Store
// type, since leadership can be acquired before a Store has finished
// replaying its own documents.

// WriteLockRecord atomically persists a leader lock record.
func WriteLockRecord(path string, rec domain.LockRecord) error {
	return writeJSONAtomic(path, rec)
}

// ReadLockRecord reads a leader lock record. exists is false if the file
// is absent or unreadable/corrupt (treated as "no current leader").
func ReadLockRecord(path string) (domain.LockRecord, bool, error) {
	var rec domain.LockRecord
	exists, err := readJSONAtomic(path, &rec)
	return rec, exists, err
}

// DeleteLockRecord removes the lock file outright, releasing leadership.
// A missing file is not an error.
func DeleteLockRecord(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteSharedState atomically persists the leader's published shared-state
// snapshot.
func WriteSharedState(path string, snap domain.SharedState) error {
	return writeJSONAtomic(path, snap)
}

// ReadSharedState reads the current shared-state snapshot. exists is false
// if no leader has ever published one, or the file is corrupt.
func ReadSharedState(path string) (domain.SharedState, bool, error) {
	var snap domain.SharedState
	exists, err := readJSONAtomic(path, &snap)
	return snap, exists, err
}
