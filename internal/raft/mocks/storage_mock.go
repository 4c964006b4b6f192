package mocks

import (
	"fmt"
	"slices"
	"sync"

	"raft-engine/internal/raft"
	"raft-engine/internal/raft/proto"
)

var (
	_ raft.StateStore    = (*MemoryStore)(nil)
	_ raft.LogStore      = (*MemoryStore)(nil)
	_ raft.SnapshotStore = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory implementation of the three raft stores for tests. Setting one of the error fields
// makes the matching method fail without touching the stored data.
type MemoryStore struct {
	mu       sync.RWMutex
	term     uint64
	votedFor string
	entries  []*proto.LogEntry
	snapshot *raft.Snapshot

	SaveStateError     error
	AppendError        error
	TruncateError      error
	SaveSnapshotError  error
	LoadError          error
	SaveStateCallCount int
	AppendCallCount    int
	TruncateCallCount  int
	SnapshotSaveCount  int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadState() (uint64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.LoadError != nil {
		return 0, "", m.LoadError
	}
	return m.term, m.votedFor, nil
}

func (m *MemoryStore) SaveState(term uint64, votedFor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveStateCallCount++
	if m.SaveStateError != nil {
		return m.SaveStateError
	}
	m.term, m.votedFor = term, votedFor
	return nil
}

func (m *MemoryStore) GetAll() ([]*proto.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	return slices.Clone(m.entries), nil
}

func (m *MemoryStore) Append(entries []*proto.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCallCount++
	if m.AppendError != nil {
		return m.AppendError
	}
	for _, e := range entries {
		if n := len(m.entries); n > 0 && e.Index != m.entries[n-1].Index+1 {
			return fmt.Errorf("append of index %d does not continue the log at %d", e.Index, m.entries[n-1].Index)
		}
		m.entries = append(m.entries, e)
	}
	return nil
}

func (m *MemoryStore) TruncateSuffix(fromIndex uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TruncateCallCount++
	if m.TruncateError != nil {
		return m.TruncateError
	}
	m.entries = slices.DeleteFunc(m.entries, func(e *proto.LogEntry) bool { return e.Index >= fromIndex })
	return nil
}

func (m *MemoryStore) TruncatePrefix(throughIndex uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TruncateCallCount++
	if m.TruncateError != nil {
		return m.TruncateError
	}
	m.entries = slices.DeleteFunc(m.entries, func(e *proto.LogEntry) bool { return e.Index <= throughIndex })
	return nil
}

func (m *MemoryStore) LoadSnapshot() (*raft.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	if m.snapshot == nil {
		return nil, raft.ErrNoSnapshot
	}
	snap := *m.snapshot
	return &snap, nil
}

func (m *MemoryStore) SaveSnapshot(snap *raft.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotSaveCount++
	if m.SaveSnapshotError != nil {
		return m.SaveSnapshotError
	}
	cp := *snap
	cp.Data = slices.Clone(snap.Data)
	m.snapshot = &cp
	return nil
}

// Entries returns a copy of the stored log.
func (m *MemoryStore) Entries() []*proto.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.entries)
}

// State returns the stored term and vote.
func (m *MemoryStore) State() (uint64, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term, m.votedFor
}
