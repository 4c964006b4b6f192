package engine

import (
	"sort"

	"raft-engine/internal/raft/proto"
)

// A Role is the role a server plays at any given point, as per Section 5.1 from the
// [Raft paper](https://raft.github.io/raft.pdf), extended with the PreCandidate role of Section 9.6.
type Role uint8

const (
	Follower Role = iota
	PreCandidate
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case PreCandidate:
		return "PreCandidate"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// ConfigPhase tracks an in-flight membership change (Section 6).
type ConfigPhase uint8

const (
	// ConfigNone means Members is the only configuration in force.
	ConfigNone ConfigPhase = iota
	// ConfigJoint means C_old,new has been appended: decisions need a majority of Members and of PendingMembers.
	ConfigJoint
	// ConfigFinalizing means C_new has been appended: decisions need a majority of PendingMembers.
	ConfigFinalizing
)

func (p ConfigPhase) String() string {
	switch p {
	case ConfigNone:
		return "None"
	case ConfigJoint:
		return "Joint"
	case ConfigFinalizing:
		return "Finalizing"
	default:
		return "Unknown"
	}
}

// NodeState is the complete consensus state of one server, as defined in Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf) plus the snapshot watermark and membership bookkeeping.
//
// A NodeState is owned by exactly one caller and is only ever mutated by Engine.Handle.
type NodeState struct {
	ID string

	// Persistent state. CurrentTerm never decreases and VotedFor is cleared whenever it grows.
	CurrentTerm uint64
	VotedFor    string
	Role        Role

	// Log holds the entries after the snapshot watermark: Log[i].Index == LastIncludedIndex+1+i.
	Log               []*proto.LogEntry
	LastIncludedIndex uint64
	LastIncludedTerm  uint64

	// LastApplied <= CommitIndex <= last log index.
	CommitIndex uint64
	LastApplied uint64

	LeaderID string

	// Members maps the id of every voting member to its address. It only changes when a C_new entry commits.
	Members map[string]string
	// PendingMembers is C_new while ConfigPhase != ConfigNone.
	PendingMembers     map[string]string
	ConfigPhase        ConfigPhase
	PendingConfigIndex uint64

	// NextIndex and MatchIndex are non-nil iff Role == Leader.
	NextIndex  map[string]uint64
	MatchIndex map[string]uint64

	// votes granted in the current (pre-)election, self included
	votes map[string]bool
	// what the current pre-vote round asked with, to tell its grants from those of earlier rounds
	preVoteRound voteRound
	// index of the C_old,new entry while a change is in flight
	jointConfigIndex uint64

	// leader bookkeeping
	heartbeatSeq     uint64
	heartbeatTicks   uint64
	ackedSeq         map[string]uint64
	snapshotInFlight map[string]bool
	pendingReads     []*pendingRead
	pendingProposals map[uint64]string
	pendingConfigReq string
}

type pendingRead struct {
	requestID string
	index     uint64
	seq       uint64
	tick      uint64
}

// Bootstrap is what a server knows when it (re)starts: the persisted term and vote, the snapshot watermark, the
// persisted log, and the initial membership used when neither the snapshot nor the log carries one.
type Bootstrap struct {
	ID                string
	Members           map[string]string
	CurrentTerm       uint64
	VotedFor          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Configuration     *proto.Configuration
	Log               []*proto.LogEntry
}

// NewNodeState builds the state of a server from what it persisted. Entries already covered by the snapshot are
// dropped, as is anything that does not continue the watermark contiguously. The server starts as a Follower with
// CommitIndex and LastApplied at the watermark.
func NewNodeState(b Bootstrap) *NodeState {
	s := &NodeState{
		ID:                b.ID,
		CurrentTerm:       b.CurrentTerm,
		VotedFor:          b.VotedFor,
		Role:              Follower,
		LastIncludedIndex: b.LastIncludedIndex,
		LastIncludedTerm:  b.LastIncludedTerm,
		CommitIndex:       b.LastIncludedIndex,
		LastApplied:       b.LastIncludedIndex,
		Members:           copyMembers(b.Members),
	}

	st := &step{s: s}
	if b.Configuration != nil {
		st.restoreConfiguration(b.Configuration, b.LastIncludedIndex)
	}

	expected := b.LastIncludedIndex + 1
	for _, e := range b.Log {
		if e.Index < expected {
			continue
		}
		if e.Index != expected {
			break
		}
		s.Log = append(s.Log, e)
		if e.Type == proto.LogEntryType_LOG_CONFIGURATION && e.Configuration != nil {
			st.observeConfigEntry(e)
		}
		expected++
	}
	return s
}

// LastLogIndex returns the index of the last entry, or the snapshot watermark when the log is empty.
func (s *NodeState) LastLogIndex() uint64 {
	if n := len(s.Log); n > 0 {
		return s.Log[n-1].Index
	}
	return s.LastIncludedIndex
}

// LastLogTerm returns the term of the last entry, or the snapshot term when the log is empty.
func (s *NodeState) LastLogTerm() uint64 {
	if n := len(s.Log); n > 0 {
		return s.Log[n-1].Term
	}
	return s.LastIncludedTerm
}

// TermAt returns the term of the entry at index. ok is false when the entry was compacted or does not exist.
func (s *NodeState) TermAt(index uint64) (uint64, bool) {
	switch {
	case index == s.LastIncludedIndex:
		return s.LastIncludedTerm, true
	case index < s.LastIncludedIndex || index > s.LastLogIndex():
		return 0, false
	default:
		return s.Log[index-s.LastIncludedIndex-1].Term, true
	}
}

// Entry returns the entry at index, or nil when it is compacted or missing.
func (s *NodeState) Entry(index uint64) *proto.LogEntry {
	if index <= s.LastIncludedIndex || index > s.LastLogIndex() {
		return nil
	}
	return s.Log[index-s.LastIncludedIndex-1]
}

// entries returns a copy of the entries in [from, to], clamped to what the log holds.
func (s *NodeState) entries(from, to uint64) []*proto.LogEntry {
	if from <= s.LastIncludedIndex {
		from = s.LastIncludedIndex + 1
	}
	if last := s.LastLogIndex(); to > last {
		to = last
	}
	if from > to {
		return nil
	}
	out := make([]*proto.LogEntry, to-from+1)
	copy(out, s.Log[from-s.LastIncludedIndex-1:to-s.LastIncludedIndex])
	return out
}

// lastIndexOfTerm returns the highest index whose entry has the given term.
func (s *NodeState) lastIndexOfTerm(term uint64) (uint64, bool) {
	for i := len(s.Log) - 1; i >= 0; i-- {
		if s.Log[i].Term == term {
			return s.Log[i].Index, true
		}
		if s.Log[i].Term < term {
			break
		}
	}
	if s.LastIncludedTerm == term && s.LastIncludedIndex > 0 {
		return s.LastIncludedIndex, true
	}
	return 0, false
}

// IsMember reports whether id votes in any configuration currently in force.
func (s *NodeState) IsMember(id string) bool {
	if _, ok := s.Members[id]; ok {
		return true
	}
	_, ok := s.PendingMembers[id]
	return ok
}

// Peers returns the ids of every other server in the configurations in force, sorted.
func (s *NodeState) Peers() []string {
	ids := make([]string, 0, len(s.Members)+len(s.PendingMembers))
	for id := range s.Members {
		if id != s.ID {
			ids = append(ids, id)
		}
	}
	for id := range s.PendingMembers {
		if _, ok := s.Members[id]; !ok && id != s.ID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// PeerAddresses returns the address of every peer returned by Peers.
func (s *NodeState) PeerAddresses() []*proto.ServerConfig {
	peers := s.Peers()
	out := make([]*proto.ServerConfig, 0, len(peers))
	for _, id := range peers {
		addr, ok := s.PendingMembers[id]
		if !ok {
			addr = s.Members[id]
		}
		out = append(out, &proto.ServerConfig{Id: id, Address: addr})
	}
	return out
}

// Quorum returns the number of votes a majority of n members needs: floor(n/2) + 1.
func Quorum(n int) int {
	return n/2 + 1
}

func majority(members map[string]string, acked func(id string) bool) bool {
	if len(members) == 0 {
		return false
	}
	count := 0
	for id := range members {
		if acked(id) {
			count++
		}
	}
	return count >= Quorum(len(members))
}

// hasQuorum applies the agreement rule of the current configuration phase: a single majority outside of a
// membership change, separate majorities of C_old and C_new during the joint phase, and a majority of C_new
// once C_new has been appended.
func (s *NodeState) hasQuorum(acked func(id string) bool) bool {
	switch s.ConfigPhase {
	case ConfigJoint:
		return majority(s.Members, acked) && majority(s.PendingMembers, acked)
	case ConfigFinalizing:
		return majority(s.PendingMembers, acked)
	default:
		return majority(s.Members, acked)
	}
}

func copyMembers(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func membersFromServers(servers []*proto.ServerConfig) map[string]string {
	out := make(map[string]string, len(servers))
	for _, srv := range servers {
		out[srv.Id] = srv.Address
	}
	return out
}

// ServersFromMembers converts a membership map into a list sorted by id.
func ServersFromMembers(m map[string]string) []*proto.ServerConfig {
	out := make([]*proto.ServerConfig, 0, len(m))
	for id, addr := range m {
		out = append(out, &proto.ServerConfig{Id: id, Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

type voteRound struct {
	term         uint64
	lastLogIndex uint64
	lastLogTerm  uint64
}

func (r voteRound) askedBy(req *proto.RequestVoteRequest) bool {
	return req != nil && req.Term == r.term && req.LastLogIndex == r.lastLogIndex && req.LastLogTerm == r.lastLogTerm
}
