package server

import (
	"context"
	"time"

	"raft-engine/internal/pubsub"
	"raft-engine/internal/raft"
	"raft-engine/internal/raft/engine"
	"raft-engine/internal/raft/proto"
)

const (
	// ServerShutDown event is sent when the server is shutting down. The payload for this event is an empty struct.
	ServerShutDown pubsub.EventType = iota
	// ElectionTimeoutExpired is sent when the election timer fires. The payload is the timer generation.
	ElectionTimeoutExpired
	// HeartbeatTimeoutExpired is sent when the heartbeat timer of a leader fires. The payload is the timer
	// generation.
	HeartbeatTimeoutExpired
	// StateChanged is sent after the role, term or known leader of the server changed. The payload is a
	// StateChange.
	StateChanged
)

// StateChange travels with StateChanged events.
type StateChange struct {
	ID       raft.ServerID
	Role     engine.Role
	Term     uint64
	LeaderID string
}

// Transport sends outbound requests to peers. transport.GRPCTransport is the production implementation.
type Transport interface {
	RequestVote(ctx context.Context, peer raft.ServerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer raft.ServerID, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, peer raft.ServerID, req *proto.InstallSnapshotRequest) (*proto.InstallSnapshotResponse, error)
	AddPeer(id raft.ServerID, addr raft.ServerAddress) error
	RemovePeer(id raft.ServerID)
	Close()
}

// MetricsCollector is an optional interface for collecting performance metrics
type MetricsCollector interface {
	RecordCommandLatency(latency time.Duration)
	RecordCommandCommitted()
	RecordAppendEntries()
	RecordRequestVote()
	RecordHeartbeat()
	RecordInstallSnapshot()
	RecordReadIndex()
	RecordElection()
	RecordElectionDuration(duration time.Duration)
	RecordSnapshotTaken()
	RecordSnapshotRestored()
}

// noopMetrics is used when no collector is configured.
type noopMetrics struct{}

func (noopMetrics) RecordCommandLatency(time.Duration)   {}
func (noopMetrics) RecordCommandCommitted()              {}
func (noopMetrics) RecordAppendEntries()                 {}
func (noopMetrics) RecordRequestVote()                   {}
func (noopMetrics) RecordHeartbeat()                     {}
func (noopMetrics) RecordInstallSnapshot()               {}
func (noopMetrics) RecordReadIndex()                     {}
func (noopMetrics) RecordElection()                      {}
func (noopMetrics) RecordElectionDuration(time.Duration) {}
func (noopMetrics) RecordSnapshotTaken()                 {}
func (noopMetrics) RecordSnapshotRestored()              {}
