package engine

import "raft-engine/internal/raft/proto"

func (st *step) onElectionTimeout() {
	s := st.s
	if s.Role == Leader {
		return
	}
	// Servers outside the configuration never campaign.
	if !s.IsMember(s.ID) {
		st.emit(ResetElectionTimer{})
		return
	}
	s.LeaderID = ""
	if st.cfg.PreVote && s.Role != Candidate {
		st.startPreVote()
		return
	}
	st.startElection()
}

// startPreVote asks the cluster whether it would grant a vote without touching the term, so a partitioned server
// cannot disrupt a healthy leader when it rejoins.
func (st *step) startPreVote() {
	s := st.s
	s.Role = PreCandidate
	s.votes = map[string]bool{s.ID: true}
	s.preVoteRound = voteRound{term: s.CurrentTerm, lastLogIndex: s.LastLogIndex(), lastLogTerm: s.LastLogTerm()}
	st.emit(ResetElectionTimer{})

	if st.wonVote() {
		st.startElection()
		return
	}
	st.broadcastVoteRequest(true)
}

func (st *step) startElection() {
	s := st.s
	s.Role = Candidate
	s.CurrentTerm++
	s.VotedFor = s.ID
	s.LeaderID = ""
	s.votes = map[string]bool{s.ID: true}
	st.persistState()
	st.emit(ResetElectionTimer{})

	if st.wonVote() {
		st.becomeLeader()
		return
	}
	st.broadcastVoteRequest(false)
}

func (st *step) broadcastVoteRequest(preVote bool) {
	s := st.s
	for _, peer := range s.Peers() {
		st.send(peer, &proto.RequestVoteRequest{
			Term:         s.CurrentTerm,
			CandidateId:  s.ID,
			LastLogIndex: s.LastLogIndex(),
			LastLogTerm:  s.LastLogTerm(),
			IsPreVote:    preVote,
		})
	}
}

func (st *step) wonVote() bool {
	return st.s.hasQuorum(func(id string) bool { return st.s.votes[id] })
}

func (st *step) onRequestVote(req *proto.RequestVoteRequest) {
	s := st.s
	resp := &proto.RequestVoteResponse{IsPreVote: req.IsPreVote, VoterId: s.ID}

	if req.IsPreVote {
		// A pre-vote is judged against the term the candidate would campaign in, in which this server has not
		// voted yet. Servers that still hear from a leader refuse, and nothing here is persisted.
		resp.Term = s.CurrentTerm
		resp.VoteGranted = req.Term >= s.CurrentTerm &&
			s.LeaderID == "" &&
			s.logUpToDate(req.LastLogIndex, req.LastLogTerm)
		st.send(req.CandidateId, resp)
		return
	}

	if req.Term > s.CurrentTerm {
		st.becomeFollower(req.Term, "")
	}
	resp.Term = s.CurrentTerm

	if req.Term == s.CurrentTerm &&
		(s.VotedFor == "" || s.VotedFor == req.CandidateId) &&
		s.logUpToDate(req.LastLogIndex, req.LastLogTerm) {
		if s.VotedFor == "" {
			s.VotedFor = req.CandidateId
			st.persistState()
		}
		resp.VoteGranted = true
		st.emit(ResetElectionTimer{})
	}
	st.send(req.CandidateId, resp)
}

func (st *step) onRequestVoteResponse(from string, req *proto.RequestVoteRequest, resp *proto.RequestVoteResponse) {
	s := st.s
	if resp.Term > s.CurrentTerm {
		st.becomeFollower(resp.Term, "")
		return
	}
	if !resp.VoteGranted {
		return
	}

	if resp.IsPreVote {
		// A late grant answers an earlier round, asked with another term or log.
		if s.Role != PreCandidate || !s.preVoteRound.askedBy(req) {
			return
		}
		s.votes[from] = true
		if st.wonVote() {
			st.startElection()
		}
		return
	}

	if s.Role != Candidate || resp.Term != s.CurrentTerm {
		return
	}
	s.votes[from] = true
	if st.wonVote() {
		st.becomeLeader()
	}
}

// becomeLeader initializes replication state for every peer and appends a no-op entry of the new term, so that
// entries of earlier terms can be committed through it (Section 8).
func (st *step) becomeLeader() {
	s := st.s
	s.Role = Leader
	s.LeaderID = s.ID
	s.votes = nil

	next := s.LastLogIndex() + 1
	s.NextIndex = make(map[string]uint64)
	s.MatchIndex = make(map[string]uint64)
	for _, peer := range s.Peers() {
		s.NextIndex[peer] = next
		s.MatchIndex[peer] = 0
	}
	s.ackedSeq = make(map[string]uint64)
	s.snapshotInFlight = make(map[string]bool)
	s.pendingProposals = make(map[uint64]string)
	s.pendingReads = nil

	st.appendLocal(proto.LogEntryType_LOG_NOOP, nil, nil)
	st.broadcastAppend()
	st.emit(ResetHeartbeatTimer{})
	st.maybeCommit()
}
