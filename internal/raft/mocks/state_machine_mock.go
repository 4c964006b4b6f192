package mocks

import (
	"slices"
	"sync"

	"raft-engine/internal/raft/proto"
)

// MockStateMachine records applied entries and treats the list of applied indices as its state.
type MockStateMachine struct {
	mu             sync.RWMutex
	AppliedLogs    []*proto.LogEntry
	ApplyCallCount int
	Restored       [][]byte
	ShouldPanic    bool

	SnapshotData  []byte
	SnapshotError error
	RestoreError  error
}

// NewMockStateMachine creates a new mock state machine
func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{}
}

func (m *MockStateMachine) Apply(entries []*proto.LogEntry) {
	if m.ShouldPanic {
		panic("mock state machine panic")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppliedLogs = append(m.AppliedLogs, entries...)
	m.ApplyCallCount++
}

func (m *MockStateMachine) CreateSnapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.SnapshotError != nil {
		return nil, m.SnapshotError
	}
	if m.SnapshotData != nil {
		return slices.Clone(m.SnapshotData), nil
	}
	return []byte("snapshot"), nil
}

func (m *MockStateMachine) RestoreSnapshot(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RestoreError != nil {
		return m.RestoreError
	}
	m.Restored = append(m.Restored, slices.Clone(data))
	m.AppliedLogs = nil
	return nil
}

// GetAppliedLogs returns a copy of all applied entries
func (m *MockStateMachine) GetAppliedLogs() []*proto.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.AppliedLogs)
}

// GetRestored returns every snapshot restored so far
func (m *MockStateMachine) GetRestored() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.Restored)
}
