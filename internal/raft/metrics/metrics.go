package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects performance metrics for a Raft server. All methods are safe for concurrent use.
type Metrics struct {
	mu sync.RWMutex

	// Command latencies (time from proposal to commit)
	commandLatencies []time.Duration
	// Leader election durations (time from first candidacy to winning)
	electionDurations []time.Duration

	// RPC counters
	appendEntriesCount   atomic.Uint64
	requestVoteCount     atomic.Uint64
	heartbeatCount       atomic.Uint64
	installSnapshotCount atomic.Uint64
	readIndexCount       atomic.Uint64

	commandsCommitted atomic.Uint64
	electionCount     atomic.Uint64
	snapshotsTaken    atomic.Uint64
	snapshotsRestored atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		commandLatencies:  make([]time.Duration, 0, 1024),
		electionDurations: make([]time.Duration, 0, 16),
		startTime:         time.Now(),
	}
}

// RecordCommandLatency records the latency of a single command from submission to commit
func (m *Metrics) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	m.commandLatencies = append(m.commandLatencies, latency)
	m.mu.Unlock()
}

func (m *Metrics) RecordCommandCommitted() { m.commandsCommitted.Add(1) }
func (m *Metrics) RecordAppendEntries()    { m.appendEntriesCount.Add(1) }
func (m *Metrics) RecordRequestVote()      { m.requestVoteCount.Add(1) }
func (m *Metrics) RecordHeartbeat()        { m.heartbeatCount.Add(1) }
func (m *Metrics) RecordInstallSnapshot()  { m.installSnapshotCount.Add(1) }
func (m *Metrics) RecordReadIndex()        { m.readIndexCount.Add(1) }
func (m *Metrics) RecordElection()         { m.electionCount.Add(1) }
func (m *Metrics) RecordSnapshotTaken()    { m.snapshotsTaken.Add(1) }
func (m *Metrics) RecordSnapshotRestored() { m.snapshotsRestored.Add(1) }

// RecordElectionDuration records how long an election took
func (m *Metrics) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	m.electionDurations = append(m.electionDurations, duration)
	m.mu.Unlock()
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetLatencyStats computes percentile statistics from recorded command latencies
func (m *Metrics) GetLatencyStats() LatencyStats {
	m.mu.RLock()
	samples := slices.Clone(m.commandLatencies)
	m.mu.RUnlock()
	return computeStats(samples)
}

// GetElectionStats returns statistics about leader elections
func (m *Metrics) GetElectionStats() LatencyStats {
	m.mu.RLock()
	samples := slices.Clone(m.electionDurations)
	m.mu.RUnlock()
	return computeStats(samples)
}

func computeStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	slices.Sort(samples)

	ms := make([]float64, len(samples))
	var sum float64
	for i, d := range samples {
		ms[i] = float64(d.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		variance += (v - mean) * (v - mean)
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the nth percentile from sorted data using linear interpolation
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// GetThroughput returns the number of committed commands per second since the collector started
func (m *Metrics) GetThroughput() float64 {
	m.mu.RLock()
	elapsed := time.Since(m.startTime).Seconds()
	m.mu.RUnlock()
	if elapsed == 0 {
		return 0
	}
	return float64(m.commandsCommitted.Load()) / elapsed
}

// Report is a point-in-time summary of everything collected
type Report struct {
	NodeID    string    `json:"node_id"`
	Uptime    float64   `json:"uptime_seconds"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	CommandsCommitted uint64       `json:"commands_committed"`
	ThroughputCmdSec  float64      `json:"throughput_cmd_per_sec"`
	CommandLatency    LatencyStats `json:"command_latency"`

	AppendEntriesCount   uint64 `json:"append_entries_count"`
	RequestVoteCount     uint64 `json:"request_vote_count"`
	HeartbeatCount       uint64 `json:"heartbeat_count"`
	InstallSnapshotCount uint64 `json:"install_snapshot_count"`
	ReadIndexCount       uint64 `json:"read_index_count"`

	ElectionCount uint64       `json:"election_count"`
	ElectionStats LatencyStats `json:"election_stats"`

	SnapshotsTaken    uint64 `json:"snapshots_taken"`
	SnapshotsRestored uint64 `json:"snapshots_restored"`
}

// GetReport generates a report for the server nodeID
func (m *Metrics) GetReport(nodeID string) Report {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()
	end := time.Now()

	return Report{
		NodeID:               nodeID,
		Uptime:               end.Sub(start).Seconds(),
		StartTime:            start,
		EndTime:              end,
		CommandsCommitted:    m.commandsCommitted.Load(),
		ThroughputCmdSec:     m.GetThroughput(),
		CommandLatency:       m.GetLatencyStats(),
		AppendEntriesCount:   m.appendEntriesCount.Load(),
		RequestVoteCount:     m.requestVoteCount.Load(),
		HeartbeatCount:       m.heartbeatCount.Load(),
		InstallSnapshotCount: m.installSnapshotCount.Load(),
		ReadIndexCount:       m.readIndexCount.Load(),
		ElectionCount:        m.electionCount.Load(),
		ElectionStats:        m.GetElectionStats(),
		SnapshotsTaken:       m.snapshotsTaken.Load(),
		SnapshotsRestored:    m.snapshotsRestored.Load(),
	}
}

// Print writes the report in a human-readable format
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "\nRAFT REPORT (%s)\n", r.NodeID)
	fmt.Fprintf(w, "  Uptime: %.2f seconds (%s - %s)\n", r.Uptime,
		r.StartTime.Format(time.DateTime), r.EndTime.Format(time.DateTime))

	fmt.Fprintf(w, "\nCommands:\n")
	fmt.Fprintf(w, "  Committed: %d (%.2f cmd/sec)\n", r.CommandsCommitted, r.ThroughputCmdSec)
	if r.CommandLatency.Count > 0 {
		fmt.Fprintf(w, "  Latency: mean %.3f ms, p50 %.3f ms, p95 %.3f ms, p99 %.3f ms, max %.3f ms\n",
			r.CommandLatency.Mean, r.CommandLatency.P50, r.CommandLatency.P95, r.CommandLatency.P99, r.CommandLatency.Max)
	}

	fmt.Fprintf(w, "\nRPCs:\n")
	fmt.Fprintf(w, "  AppendEntries: %d\n", r.AppendEntriesCount)
	fmt.Fprintf(w, "  Heartbeats: %d\n", r.HeartbeatCount)
	fmt.Fprintf(w, "  RequestVote: %d\n", r.RequestVoteCount)
	fmt.Fprintf(w, "  InstallSnapshot: %d\n", r.InstallSnapshotCount)
	fmt.Fprintf(w, "  ReadIndex: %d\n", r.ReadIndexCount)

	fmt.Fprintf(w, "\nElections: %d\n", r.ElectionCount)
	if r.ElectionStats.Count > 0 {
		fmt.Fprintf(w, "  Duration: mean %.3f ms, p95 %.3f ms\n", r.ElectionStats.Mean, r.ElectionStats.P95)
	}
	fmt.Fprintf(w, "\nSnapshots: %d taken, %d restored\n", r.SnapshotsTaken, r.SnapshotsRestored)
}

// SaveJSON writes the report to filename, replacing any previous content
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", filename, err)
	}
	return nil
}

// Reset clears all collected metrics and restarts the uptime clock
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.commandLatencies = m.commandLatencies[:0]
	m.electionDurations = m.electionDurations[:0]
	m.startTime = time.Now()
	m.mu.Unlock()

	for _, c := range []*atomic.Uint64{
		&m.appendEntriesCount, &m.requestVoteCount, &m.heartbeatCount, &m.installSnapshotCount,
		&m.readIndexCount, &m.commandsCommitted, &m.electionCount, &m.snapshotsTaken, &m.snapshotsRestored,
	} {
		c.Store(0)
	}
}
