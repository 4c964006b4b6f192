package mocks

import (
	"sync"
	"time"
)

// MockMetricsCollector is a mock implementation of server.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                     sync.RWMutex
	CommandLatencies       []time.Duration
	CommandsCommittedCount int
	AppendEntriesCount     int
	RequestVoteCount       int
	HeartbeatCount         int
	InstallSnapshotCount   int
	ReadIndexCount         int
	ElectionCount          int
	ElectionDurations      []time.Duration
	SnapshotsTaken         int
	SnapshotsRestored      int
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{}
}

func (m *MockMetricsCollector) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandLatencies = append(m.CommandLatencies, latency)
}

func (m *MockMetricsCollector) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionDurations = append(m.ElectionDurations, duration)
}

func (m *MockMetricsCollector) incr(counter *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*counter++
}

func (m *MockMetricsCollector) RecordCommandCommitted() { m.incr(&m.CommandsCommittedCount) }
func (m *MockMetricsCollector) RecordAppendEntries()    { m.incr(&m.AppendEntriesCount) }
func (m *MockMetricsCollector) RecordRequestVote()      { m.incr(&m.RequestVoteCount) }
func (m *MockMetricsCollector) RecordHeartbeat()        { m.incr(&m.HeartbeatCount) }
func (m *MockMetricsCollector) RecordInstallSnapshot()  { m.incr(&m.InstallSnapshotCount) }
func (m *MockMetricsCollector) RecordReadIndex()        { m.incr(&m.ReadIndexCount) }
func (m *MockMetricsCollector) RecordElection()         { m.incr(&m.ElectionCount) }
func (m *MockMetricsCollector) RecordSnapshotTaken()    { m.incr(&m.SnapshotsTaken) }
func (m *MockMetricsCollector) RecordSnapshotRestored() { m.incr(&m.SnapshotsRestored) }

// Snapshot returns a copy of the counters, safe to read while the server runs
func (m *MockMetricsCollector) Snapshot() MockMetricsCollector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MockMetricsCollector{
		CommandLatencies:       append([]time.Duration(nil), m.CommandLatencies...),
		CommandsCommittedCount: m.CommandsCommittedCount,
		AppendEntriesCount:     m.AppendEntriesCount,
		RequestVoteCount:       m.RequestVoteCount,
		HeartbeatCount:         m.HeartbeatCount,
		InstallSnapshotCount:   m.InstallSnapshotCount,
		ReadIndexCount:         m.ReadIndexCount,
		ElectionCount:          m.ElectionCount,
		ElectionDurations:      append([]time.Duration(nil), m.ElectionDurations...),
		SnapshotsTaken:         m.SnapshotsTaken,
		SnapshotsRestored:      m.SnapshotsRestored,
	}
}
