package metrics

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	assert.NotNil(t, m.commandLatencies)
	assert.NotNil(t, m.electionDurations)
	assert.False(t, m.startTime.IsZero())
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordCommandCommitted()
	m.RecordCommandCommitted()
	for i := 0; i < 11; i++ {
		m.RecordAppendEntries()
	}
	m.RecordRequestVote()
	m.RecordHeartbeat()
	m.RecordHeartbeat()
	m.RecordInstallSnapshot()
	m.RecordReadIndex()
	m.RecordElection()
	m.RecordSnapshotTaken()
	m.RecordSnapshotRestored()
	m.RecordSnapshotRestored()

	r := m.GetReport("n1")
	assert.Equal(t, "n1", r.NodeID)
	assert.Equal(t, uint64(2), r.CommandsCommitted)
	assert.Equal(t, uint64(11), r.AppendEntriesCount)
	assert.Equal(t, uint64(1), r.RequestVoteCount)
	assert.Equal(t, uint64(2), r.HeartbeatCount)
	assert.Equal(t, uint64(1), r.InstallSnapshotCount)
	assert.Equal(t, uint64(1), r.ReadIndexCount)
	assert.Equal(t, uint64(1), r.ElectionCount)
	assert.Equal(t, uint64(1), r.SnapshotsTaken)
	assert.Equal(t, uint64(2), r.SnapshotsRestored)
}

func TestMetrics_RecordElectionDuration(t *testing.T) {
	m := NewMetrics()

	m.RecordElectionDuration(200 * time.Millisecond)
	m.RecordElectionDuration(150 * time.Millisecond)

	stats := m.GetElectionStats()
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 150.0, stats.Min, 0.01)
	assert.InDelta(t, 200.0, stats.Max, 0.01)
}

func TestMetrics_GetThroughput(t *testing.T) {
	m := NewMetrics()

	t.Run("returns 0 for no commands", func(t *testing.T) {
		assert.Equal(t, 0.0, m.GetThroughput())
	})

	t.Run("calculates throughput", func(t *testing.T) {
		m.startTime = time.Now().Add(-1 * time.Second)

		m.RecordCommandCommitted()
		m.RecordCommandCommitted()

		throughput := m.GetThroughput()
		assert.Greater(t, throughput, 0.0)
		assert.LessOrEqual(t, throughput, 3.0)
	})
}

func TestMetrics_GetLatencyStats(t *testing.T) {
	t.Run("returns empty stats for no latencies", func(t *testing.T) {
		assert.Equal(t, LatencyStats{}, NewMetrics().GetLatencyStats())
	})

	t.Run("calculates statistics", func(t *testing.T) {
		m := NewMetrics()
		m.RecordCommandLatency(300 * time.Millisecond)
		m.RecordCommandLatency(100 * time.Millisecond)
		m.RecordCommandLatency(200 * time.Millisecond)

		stats := m.GetLatencyStats()
		assert.Equal(t, 3, stats.Count)
		assert.InDelta(t, 200.0, stats.Mean, 1.0)
		assert.InDelta(t, 200.0, stats.P50, 1.0)
		assert.InDelta(t, 100.0, stats.Min, 1.0)
		assert.InDelta(t, 300.0, stats.Max, 1.0)
		assert.Greater(t, stats.StdDev, 0.0)
	})

	t.Run("calculates percentiles", func(t *testing.T) {
		m := NewMetrics()
		for i := 1; i <= 100; i++ {
			m.RecordCommandLatency(time.Duration(i) * time.Millisecond)
		}

		stats := m.GetLatencyStats()
		assert.InDelta(t, 50.0, stats.P50, 5.0)
		assert.InDelta(t, 95.0, stats.P95, 5.0)
		assert.InDelta(t, 99.0, stats.P99, 5.0)
	})
}

func TestReport_Output(t *testing.T) {
	m := NewMetrics()
	m.RecordCommandLatency(100 * time.Millisecond)
	m.RecordCommandCommitted()
	m.RecordElection()
	m.RecordElectionDuration(180 * time.Millisecond)
	report := m.GetReport("n2")

	t.Run("prints a readable summary", func(t *testing.T) {
		var buf bytes.Buffer
		report.Print(&buf)
		assert.Contains(t, buf.String(), "RAFT REPORT (n2)")
		assert.Contains(t, buf.String(), "Committed: 1")
		assert.Contains(t, buf.String(), "Elections: 1")
	})

	t.Run("saves JSON to disk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.json")
		require.NoError(t, report.SaveJSON(path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)

		var decoded Report
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, "n2", decoded.NodeID)
		assert.Equal(t, uint64(1), decoded.CommandsCommitted)
		assert.Equal(t, 1, decoded.CommandLatency.Count)
	})

	t.Run("reports unwritable paths", func(t *testing.T) {
		err := report.SaveJSON(filepath.Join(t.TempDir(), "missing", "report.json"))
		assert.Error(t, err)
	})
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()
	m.RecordCommandLatency(100 * time.Millisecond)
	m.RecordCommandCommitted()
	m.RecordAppendEntries()
	m.RecordRequestVote()
	m.RecordElection()
	m.RecordElectionDuration(200 * time.Millisecond)
	m.RecordSnapshotTaken()

	m.Reset()

	r := m.GetReport("n1")
	assert.Zero(t, r.CommandsCommitted)
	assert.Zero(t, r.AppendEntriesCount)
	assert.Zero(t, r.RequestVoteCount)
	assert.Zero(t, r.ElectionCount)
	assert.Zero(t, r.SnapshotsTaken)
	assert.Zero(t, r.CommandLatency.Count)
	assert.Zero(t, r.ElectionStats.Count)
}

func TestMetrics_Concurrency(t *testing.T) {
	m := NewMetrics()
	iterations := 500

	var wg sync.WaitGroup
	for i := 0; i < iterations; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			m.RecordCommandLatency(100 * time.Millisecond)
			m.RecordCommandCommitted()
		}()
		go func() {
			defer wg.Done()
			m.RecordAppendEntries()
			m.RecordElectionDuration(time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			m.GetLatencyStats()
			m.GetReport("n1")
		}()
	}
	wg.Wait()

	r := m.GetReport("n1")
	assert.Equal(t, uint64(iterations), r.CommandsCommitted)
	assert.Equal(t, uint64(iterations), r.AppendEntriesCount)
	assert.Equal(t, iterations, r.CommandLatency.Count)
	assert.Equal(t, iterations, r.ElectionStats.Count)
}
