package engine

import "raft-engine/internal/raft/proto"

// Event is an input to Engine.Handle. The set is closed: only the types in this file implement it.
type Event interface {
	isEvent()
}

// ElectionTimeoutElapsed fires when no valid leader contact was seen for a randomized election timeout.
type ElectionTimeoutElapsed struct{}

// HeartbeatTimeoutElapsed fires on the leader every heartbeat interval.
type HeartbeatTimeoutElapsed struct{}

type RequestVoteReceived struct {
	Req *proto.RequestVoteRequest
}

type RequestVoteResponseReceived struct {
	From string
	Req  *proto.RequestVoteRequest
	Resp *proto.RequestVoteResponse
}

type AppendEntriesReceived struct {
	Req *proto.AppendEntriesRequest
}

// AppendEntriesResponseReceived pairs a response with the request it answers so the leader knows which range
// the follower acknowledged.
type AppendEntriesResponseReceived struct {
	From string
	Req  *proto.AppendEntriesRequest
	Resp *proto.AppendEntriesResponse
}

// InstallSnapshotReceived carries one snapshot chunk. Data holds the fully assembled snapshot and is only set
// together with Req.Done.
type InstallSnapshotReceived struct {
	Req  *proto.InstallSnapshotRequest
	Data []byte
}

type InstallSnapshotResponseReceived struct {
	From string
	Req  *proto.InstallSnapshotRequest
	Resp *proto.InstallSnapshotResponse
}

// SnapshotPushFailed reports that a SendSnapshotToPeer transfer gave up, so the peer can be retried.
type SnapshotPushFailed struct {
	PeerID string
}

type ReadIndexRequested struct {
	RequestID string
}

type ConfigurationChangeRequested struct {
	RequestID string
	Change    *proto.ConfigurationChangeRequest
}

type ProposalReceived struct {
	RequestID string
	Command   []byte
}

func (ElectionTimeoutElapsed) isEvent()          {}
func (HeartbeatTimeoutElapsed) isEvent()         {}
func (RequestVoteReceived) isEvent()             {}
func (RequestVoteResponseReceived) isEvent()     {}
func (AppendEntriesReceived) isEvent()           {}
func (AppendEntriesResponseReceived) isEvent()   {}
func (InstallSnapshotReceived) isEvent()         {}
func (InstallSnapshotResponseReceived) isEvent() {}
func (SnapshotPushFailed) isEvent()              {}
func (ReadIndexRequested) isEvent()              {}
func (ConfigurationChangeRequested) isEvent()    {}
func (ProposalReceived) isEvent()                {}
