package engine

import "raft-engine/internal/raft/proto"

// Action is an output of Engine.Handle. Actions must be executed in the order they were returned: everything that
// has to be durable precedes the message that depends on it.
type Action interface {
	isAction()
}

// PersistState must be durable before any message emitted after it is sent.
type PersistState struct {
	Term     uint64
	VotedFor string
}

type PersistEntries struct {
	Entries []*proto.LogEntry
}

// TruncateLogSuffix removes every entry with Index >= FromIndex.
type TruncateLogSuffix struct {
	FromIndex uint64
}

// TruncateLogPrefix removes every entry with Index <= ThroughIndex after a snapshot covers them.
type TruncateLogPrefix struct {
	ThroughIndex uint64
}

// SendMessage delivers Message to server To. Responses addressed to the sender of the request being handled are
// the reply to that request.
type SendMessage struct {
	To      string
	Message proto.Message
}

// ApplyToStateMachine carries committed entries in index order.
type ApplyToStateMachine struct {
	Entries []*proto.LogEntry
}

// TakeSnapshot asks the runtime to capture the state machine as of Index and store it with Configuration.
type TakeSnapshot struct {
	Index         uint64
	Term          uint64
	Configuration *proto.Configuration
}

// RestoreSnapshot asks the runtime to store a snapshot received from the leader and load it into the state
// machine.
type RestoreSnapshot struct {
	Index         uint64
	Term          uint64
	Configuration *proto.Configuration
	Data          []byte
}

type ResetElectionTimer struct{}

type ResetHeartbeatTimer struct{}

type StopHeartbeatTimer struct{}

// SendSnapshotToPeer asks the runtime to stream the latest stored snapshot to PeerID in chunks. The outcome comes
// back as InstallSnapshotResponseReceived or SnapshotPushFailed.
type SendSnapshotToPeer struct {
	PeerID string
	Term   uint64
}

// UpdatePeers lists every peer the server must be able to reach after a membership transition.
type UpdatePeers struct {
	Peers []*proto.ServerConfig
}

type ReadIndexResult struct {
	RequestID string
	Success   bool
	ReadIndex uint64
	LeaderID  string
}

type ProposalResult struct {
	RequestID string
	Success   bool
	Index     uint64
	Term      uint64
	LeaderID  string
}

type ConfigurationChangeResult struct {
	RequestID string
	Status    proto.ConfigChangeStatus
	LeaderID  string
	Reason    string
}

func (PersistState) isAction()              {}
func (PersistEntries) isAction()            {}
func (TruncateLogSuffix) isAction()         {}
func (TruncateLogPrefix) isAction()         {}
func (SendMessage) isAction()               {}
func (ApplyToStateMachine) isAction()       {}
func (TakeSnapshot) isAction()              {}
func (RestoreSnapshot) isAction()           {}
func (ResetElectionTimer) isAction()        {}
func (ResetHeartbeatTimer) isAction()       {}
func (StopHeartbeatTimer) isAction()        {}
func (SendSnapshotToPeer) isAction()        {}
func (UpdatePeers) isAction()               {}
func (ReadIndexResult) isAction()           {}
func (ProposalResult) isAction()            {}
func (ConfigurationChangeResult) isAction() {}
