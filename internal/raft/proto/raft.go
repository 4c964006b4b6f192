// Package proto holds the messages exchanged between Raft servers and their clients, together with the gRPC
// service definition used to carry them. Messages are encoded with the protobuf wire format (see wire.go) so the
// bytes on the wire are compatible with an equivalent .proto schema.
package proto

// LogEntryType distinguishes client commands from entries the consensus module appends for itself.
type LogEntryType int32

const (
	LogEntryType_LOG_COMMAND LogEntryType = iota
	LogEntryType_LOG_CONFIGURATION
	// LogEntryType_LOG_NOOP is appended by a new leader so entries from earlier terms can be committed.
	LogEntryType_LOG_NOOP
)

func (t LogEntryType) String() string {
	switch t {
	case LogEntryType_LOG_COMMAND:
		return "LOG_COMMAND"
	case LogEntryType_LOG_CONFIGURATION:
		return "LOG_CONFIGURATION"
	case LogEntryType_LOG_NOOP:
		return "LOG_NOOP"
	default:
		return "LOG_UNKNOWN"
	}
}

// ServerConfig identifies a voting member of the cluster.
type ServerConfig struct {
	Id      string
	Address string
}

// Configuration is the membership carried by LOG_CONFIGURATION entries and snapshots. While IsJoint is set the
// entry is C_old,new: OldServers is C_old and Servers is C_new. A finalizing entry (IsJoint false) still carries
// OldServers so a follower can tell which membership was in force before it.
type Configuration struct {
	Servers    []*ServerConfig
	OldServers []*ServerConfig
	IsJoint    bool
}

// LogEntry is a single entry of the replicated log. Entries are immutable once appended.
type LogEntry struct {
	Index         uint64
	Term          uint64
	Type          LogEntryType
	Command       []byte
	Configuration *Configuration
}

// RequestVoteRequest is sent by candidates (and pre-candidates when IsPreVote is set) to gather votes.
type RequestVoteRequest struct {
	Term         uint64
	CandidateId  string
	LastLogIndex uint64
	LastLogTerm  uint64
	IsPreVote    bool
}

type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
	IsPreVote   bool
	VoterId     string
}

// AppendEntriesRequest replicates log entries; an empty Entries slice is a heartbeat. Seq identifies the
// broadcast round the request belongs to and is used by the leader to confirm read indexes.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderId     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*LogEntry
	LeaderCommit uint64
	Seq          uint64
}

// AppendEntriesResponse carries ConflictIndex/ConflictTerm hints when Success is false so the leader can skip
// whole terms while backing up NextIndex.
type AppendEntriesResponse struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
	FollowerId    string
}

// InstallSnapshotRequest carries one chunk of a snapshot. Chunks are addressed by Offset and the final one has
// Done set.
type InstallSnapshotRequest struct {
	Term              uint64
	LeaderId          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Configuration     *Configuration
	Offset            uint64
	Data              []byte
	Done              bool
}

type InstallSnapshotResponse struct {
	Term       uint64
	Success    bool
	FollowerId string
}

type ReadIndexRequest struct{}

type ReadIndexResponse struct {
	Success   bool
	ReadIndex uint64
	LeaderId  string
}

// ConfigChangeType is the kind of membership change requested.
type ConfigChangeType int32

const (
	ConfigChangeType_ADD_SERVER ConfigChangeType = iota
	ConfigChangeType_REMOVE_SERVER
)

func (t ConfigChangeType) String() string {
	if t == ConfigChangeType_REMOVE_SERVER {
		return "REMOVE_SERVER"
	}
	return "ADD_SERVER"
}

// ConfigChangeStatus is the outcome of a membership change.
type ConfigChangeStatus int32

const (
	ConfigChangeStatus_OK ConfigChangeStatus = iota
	ConfigChangeStatus_NOT_LEADER
	ConfigChangeStatus_IN_PROGRESS
	ConfigChangeStatus_TIMEOUT
	ConfigChangeStatus_REJECTED
)

func (s ConfigChangeStatus) String() string {
	switch s {
	case ConfigChangeStatus_OK:
		return "OK"
	case ConfigChangeStatus_NOT_LEADER:
		return "NOT_LEADER"
	case ConfigChangeStatus_IN_PROGRESS:
		return "IN_PROGRESS"
	case ConfigChangeStatus_TIMEOUT:
		return "TIMEOUT"
	case ConfigChangeStatus_REJECTED:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

type ConfigurationChangeRequest struct {
	Type          ConfigChangeType
	ServerId      string
	ServerAddress string
}

type ConfigurationChangeResponse struct {
	Status   ConfigChangeStatus
	LeaderId string
	Reason   string
}

type ProposeRequest struct {
	Command []byte
}

type ProposeResponse struct {
	Success  bool
	Index    uint64
	Term     uint64
	LeaderId string
}

type StatusRequest struct{}

type StatusResponse struct {
	NodeId      string
	Role        string
	Term        uint64
	LeaderId    string
	CommitIndex uint64
	LastApplied uint64
	Members     []*ServerConfig
}
