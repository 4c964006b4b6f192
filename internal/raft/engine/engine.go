// Package engine implements the Raft consensus rules as a pure transition function.
//
// Engine.Handle takes the current NodeState and one Event, updates the state and returns the Actions the caller
// must carry out: persistence, messages, timer changes, state machine application and client results. The engine
// never performs I/O, never reads a clock and never blocks, so the same inputs always produce the same outputs.
package engine

import (
	"sort"

	"raft-engine/internal/raft/proto"
)

// Config tunes the engine. The zero value is usable: pre-vote off, unbounded AppendEntries batches and no
// automatic snapshots.
type Config struct {
	// PreVote makes a follower ask a majority before incrementing its term (Section 9.6).
	PreVote bool
	// MaxEntriesPerAppend bounds the entries carried by one AppendEntries request. 0 means no bound.
	MaxEntriesPerAppend int
	// SnapshotThreshold is the number of applied entries past the last snapshot that triggers a new one.
	// 0 disables automatic snapshots.
	SnapshotThreshold uint64
}

// Engine applies the Raft rules. It holds only configuration and is safe to share between servers.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Handle applies ev to s in place and returns the actions that follow from it, in the order they must be
// executed. Unknown events leave s untouched and return nothing.
func (e *Engine) Handle(s *NodeState, ev Event) []Action {
	st := &step{s: s, cfg: e.cfg}

	switch ev := ev.(type) {
	case ElectionTimeoutElapsed:
		st.onElectionTimeout()
	case HeartbeatTimeoutElapsed:
		st.onHeartbeatTimeout()
	case RequestVoteReceived:
		st.onRequestVote(ev.Req)
	case RequestVoteResponseReceived:
		st.onRequestVoteResponse(ev.From, ev.Req, ev.Resp)
	case AppendEntriesReceived:
		st.onAppendEntries(ev.Req)
	case AppendEntriesResponseReceived:
		st.onAppendEntriesResponse(ev.From, ev.Req, ev.Resp)
	case InstallSnapshotReceived:
		st.onInstallSnapshot(ev.Req, ev.Data)
	case InstallSnapshotResponseReceived:
		st.onInstallSnapshotResponse(ev.From, ev.Req, ev.Resp)
	case SnapshotPushFailed:
		delete(s.snapshotInFlight, ev.PeerID)
	case ReadIndexRequested:
		st.onReadIndex(ev.RequestID)
	case ConfigurationChangeRequested:
		st.onConfigurationChange(ev.RequestID, ev.Change)
	case ProposalReceived:
		st.onProposal(ev.RequestID, ev.Command)
	}

	return st.actions
}

// step accumulates the actions produced while handling a single event.
type step struct {
	s       *NodeState
	cfg     Config
	actions []Action
}

func (st *step) emit(a Action) {
	st.actions = append(st.actions, a)
}

func (st *step) send(to string, msg proto.Message) {
	st.emit(SendMessage{To: to, Message: msg})
}

func (st *step) persistState() {
	st.emit(PersistState{Term: st.s.CurrentTerm, VotedFor: st.s.VotedFor})
}

// becomeFollower steps down to Follower, adopting term when it is newer. Leader-only bookkeeping is dropped and
// every client request waiting on this leader is failed.
func (st *step) becomeFollower(term uint64, leaderID string) {
	s := st.s
	wasLeader := s.Role == Leader

	if term > s.CurrentTerm {
		s.CurrentTerm = term
		s.VotedFor = ""
		st.persistState()
	}
	s.Role = Follower
	s.LeaderID = leaderID
	s.votes = nil

	if !wasLeader {
		return
	}
	s.NextIndex = nil
	s.MatchIndex = nil
	s.ackedSeq = nil
	s.snapshotInFlight = nil
	st.emit(StopHeartbeatTimer{})
	st.emit(ResetElectionTimer{})
	st.failPendingRequests()
}

func (st *step) failPendingRequests() {
	s := st.s
	for _, r := range s.pendingReads {
		st.emit(ReadIndexResult{RequestID: r.requestID, LeaderID: s.LeaderID})
	}
	s.pendingReads = nil

	for _, idx := range sortedKeys(s.pendingProposals) {
		st.emit(ProposalResult{RequestID: s.pendingProposals[idx], LeaderID: s.LeaderID})
	}
	s.pendingProposals = nil

	if s.pendingConfigReq != "" {
		st.emit(ConfigurationChangeResult{
			RequestID: s.pendingConfigReq,
			Status:    proto.ConfigChangeStatus_TIMEOUT,
			LeaderID:  s.LeaderID,
			Reason:    "leadership lost before the change completed",
		})
		s.pendingConfigReq = ""
	}
}

// appendLocal appends a new entry at the end of the leader's log in the current term.
func (st *step) appendLocal(typ proto.LogEntryType, command []byte, cfg *proto.Configuration) *proto.LogEntry {
	e := &proto.LogEntry{
		Index:         st.s.LastLogIndex() + 1,
		Term:          st.s.CurrentTerm,
		Type:          typ,
		Command:       command,
		Configuration: cfg,
	}
	st.appendEntries([]*proto.LogEntry{e})
	return e
}

// appendEntries adds entries that continue the log and persists them. Configuration entries take effect as
// soon as they are appended.
func (st *step) appendEntries(entries []*proto.LogEntry) {
	st.s.Log = append(st.s.Log, entries...)
	st.emit(PersistEntries{Entries: entries})
	for _, e := range entries {
		if e.Type == proto.LogEntryType_LOG_CONFIGURATION && e.Configuration != nil {
			st.observeConfigEntry(e)
		}
	}
}

// truncateSuffix drops every entry from index on, rolling back any membership transition they introduced.
func (st *step) truncateSuffix(index uint64) {
	s := st.s
	if index <= s.LastIncludedIndex || index > s.LastLogIndex() {
		return
	}
	s.Log = s.Log[:index-s.LastIncludedIndex-1]
	st.emit(TruncateLogSuffix{FromIndex: index})
	st.rollbackConfiguration(index)
}

// commitTo advances CommitIndex to index, applies the newly committed entries and reacts to what they commit.
func (st *step) commitTo(index uint64) {
	s := st.s
	if last := s.LastLogIndex(); index > last {
		index = last
	}
	if index <= s.CommitIndex {
		return
	}
	s.CommitIndex = index

	if s.CommitIndex > s.LastApplied {
		st.emit(ApplyToStateMachine{Entries: s.entries(s.LastApplied+1, s.CommitIndex)})
		s.LastApplied = s.CommitIndex
	}

	st.completeProposals()
	st.advanceConfiguration()
	st.maybeSnapshot()
}

func (st *step) completeProposals() {
	s := st.s
	for _, idx := range sortedKeys(s.pendingProposals) {
		if idx > s.CommitIndex {
			break
		}
		term, _ := s.TermAt(idx)
		st.emit(ProposalResult{
			RequestID: s.pendingProposals[idx],
			Success:   true,
			Index:     idx,
			Term:      term,
			LeaderID:  s.ID,
		})
		delete(s.pendingProposals, idx)
	}
}

// logUpToDate implements the election restriction of Section 5.4.1.
func (s *NodeState) logUpToDate(lastLogIndex, lastLogTerm uint64) bool {
	myTerm := s.LastLogTerm()
	if lastLogTerm != myTerm {
		return lastLogTerm > myTerm
	}
	return lastLogIndex >= s.LastLogIndex()
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
