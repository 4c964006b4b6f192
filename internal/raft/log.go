package raft

import (
	"errors"

	"raft-engine/internal/raft/proto"
)

// ErrNoSnapshot is returned by SnapshotStore.Load when no snapshot has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot available")

// StateStore persists the election state of a server: the latest term it has seen and the candidate it voted
// for in that term ("" when it has not voted).
type StateStore interface {
	// LoadState returns the persisted term and vote, or (0, "") on first boot.
	LoadState() (term uint64, votedFor string, err error)

	// SaveState atomically persists term and vote.
	SaveState(term uint64, votedFor string) error
}

/*
LogStore persists the replicated log.

Log entries are immutable once appended. A conflicting suffix is removed with TruncateSuffix and replaced with
new entries, never patched in place (Section 5.3). TruncatePrefix removes entries covered by a snapshot.
*/
type LogStore interface {
	// GetAll returns every stored entry in index order.
	GetAll() ([]*proto.LogEntry, error)

	// Append stores entries. Indices must continue the stored log.
	Append(entries []*proto.LogEntry) error

	// TruncateSuffix deletes every entry with index >= fromIndex.
	TruncateSuffix(fromIndex uint64) error

	// TruncatePrefix deletes every entry with index <= throughIndex.
	TruncatePrefix(throughIndex uint64) error
}

// Snapshot is a compacted image of the state machine together with its watermark: the index and term of the
// last entry it includes and the cluster membership in force at that index.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Configuration     *proto.Configuration
	Data              []byte
}

// SnapshotStore persists the most recent snapshot.
type SnapshotStore interface {
	// LoadSnapshot returns the latest snapshot, or ErrNoSnapshot.
	LoadSnapshot() (*Snapshot, error)

	// SaveSnapshot replaces the stored snapshot.
	SaveSnapshot(snap *Snapshot) error
}
