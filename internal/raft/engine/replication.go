package engine

import "raft-engine/internal/raft/proto"

func (st *step) onHeartbeatTimeout() {
	s := st.s
	if s.Role != Leader {
		return
	}
	s.heartbeatTicks++
	st.expireReads()
	st.broadcastAppend()
	st.emit(ResetHeartbeatTimer{})
}

// broadcastAppend starts a new replication round: every peer gets the entries it is missing, or an empty
// heartbeat when it is up to date.
func (st *step) broadcastAppend() {
	s := st.s
	s.heartbeatSeq++
	for _, peer := range s.Peers() {
		st.sendAppend(peer)
	}
}

func (st *step) sendAppend(peer string) {
	s := st.s
	if s.snapshotInFlight[peer] {
		return
	}

	next := s.NextIndex[peer]
	if last := s.LastLogIndex(); next == 0 || next > last+1 {
		next = last + 1
		s.NextIndex[peer] = next
	}
	if next <= s.LastIncludedIndex {
		st.sendSnapshot(peer)
		return
	}

	to := s.LastLogIndex()
	if limit := st.cfg.MaxEntriesPerAppend; limit > 0 && to-next+1 > uint64(limit) {
		to = next + uint64(limit) - 1
	}
	prevTerm, _ := s.TermAt(next - 1)
	st.send(peer, &proto.AppendEntriesRequest{
		Term:         s.CurrentTerm,
		LeaderId:     s.ID,
		PrevLogIndex: next - 1,
		PrevLogTerm:  prevTerm,
		Entries:      s.entries(next, to),
		LeaderCommit: s.CommitIndex,
		Seq:          s.heartbeatSeq,
	})
}

func (st *step) sendSnapshot(peer string) {
	st.s.snapshotInFlight[peer] = true
	st.emit(SendSnapshotToPeer{PeerID: peer, Term: st.s.CurrentTerm})
}

func (st *step) onAppendEntries(req *proto.AppendEntriesRequest) {
	s := st.s
	resp := &proto.AppendEntriesResponse{FollowerId: s.ID}

	if req.Term < s.CurrentTerm {
		resp.Term = s.CurrentTerm
		st.send(req.LeaderId, resp)
		return
	}
	if req.Term > s.CurrentTerm || s.Role != Follower {
		st.becomeFollower(req.Term, req.LeaderId)
	}
	s.LeaderID = req.LeaderId
	st.emit(ResetElectionTimer{})
	resp.Term = s.CurrentTerm

	// Entries covered by our snapshot are committed and therefore match the leader.
	prevIndex, prevTerm, entries := req.PrevLogIndex, req.PrevLogTerm, req.Entries
	if prevIndex < s.LastIncludedIndex {
		skip := s.LastIncludedIndex - prevIndex
		if skip > uint64(len(entries)) {
			skip = uint64(len(entries))
		}
		entries = entries[skip:]
		prevIndex, prevTerm = s.LastIncludedIndex, s.LastIncludedTerm
	}

	if last := s.LastLogIndex(); prevIndex > last {
		resp.ConflictIndex = last + 1
		st.send(req.LeaderId, resp)
		return
	}
	if term, _ := s.TermAt(prevIndex); term != prevTerm {
		resp.ConflictTerm = term
		first := prevIndex
		for first > s.LastIncludedIndex+1 {
			t, _ := s.TermAt(first - 1)
			if t != term {
				break
			}
			first--
		}
		resp.ConflictIndex = first
		st.send(req.LeaderId, resp)
		return
	}

	for i, e := range entries {
		if e.Index > s.LastLogIndex() {
			st.appendEntries(entries[i:])
			break
		}
		if term, _ := s.TermAt(e.Index); term != e.Term {
			st.truncateSuffix(e.Index)
			st.appendEntries(entries[i:])
			break
		}
	}

	resp.Success = true
	st.send(req.LeaderId, resp)

	if req.LeaderCommit > s.CommitIndex {
		lastNew := req.PrevLogIndex + uint64(len(req.Entries))
		st.commitTo(min(req.LeaderCommit, lastNew))
	}
}

func (st *step) onAppendEntriesResponse(from string, req *proto.AppendEntriesRequest, resp *proto.AppendEntriesResponse) {
	s := st.s
	if resp.Term > s.CurrentTerm {
		st.becomeFollower(resp.Term, "")
		return
	}
	if s.Role != Leader || req.Term != s.CurrentTerm || resp.Term != s.CurrentTerm {
		return
	}
	if _, ok := s.NextIndex[from]; !ok {
		return
	}

	// Any answer in our term confirms we were still leader for that round.
	if req.Seq > s.ackedSeq[from] {
		s.ackedSeq[from] = req.Seq
	}

	if resp.Success {
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > s.MatchIndex[from] {
			s.MatchIndex[from] = match
		}
		if match+1 > s.NextIndex[from] {
			s.NextIndex[from] = match + 1
		}
		st.maybeCommit()
		if s.Role == Leader && s.NextIndex[from] <= s.LastLogIndex() {
			st.sendAppend(from)
		}
	} else {
		next := st.backoff(from, resp)
		if next < s.NextIndex[from] {
			s.NextIndex[from] = next
		}
		st.sendAppend(from)
	}

	st.confirmReads()
}

// backoff computes where replication to a peer resumes after a rejected AppendEntries, skipping whole terms
// using the follower's conflict hints. It never goes below what the peer has already acknowledged.
func (st *step) backoff(peer string, resp *proto.AppendEntriesResponse) uint64 {
	s := st.s
	var next uint64
	switch {
	case resp.ConflictTerm != 0:
		if idx, ok := s.lastIndexOfTerm(resp.ConflictTerm); ok {
			next = idx + 1
		} else {
			next = resp.ConflictIndex
		}
	case resp.ConflictIndex != 0:
		next = resp.ConflictIndex
	default:
		next = s.NextIndex[peer] - 1
	}
	if floor := s.MatchIndex[peer] + 1; next < floor {
		next = floor
	}
	return next
}

// maybeCommit advances CommitIndex to the highest entry of the current term stored on a quorum. Entries of earlier
// terms are never committed by counting replicas (Section 5.4.2).
func (st *step) maybeCommit() {
	s := st.s
	if s.Role != Leader {
		return
	}
	for n := s.LastLogIndex(); n > s.CommitIndex; n-- {
		term, ok := s.TermAt(n)
		if !ok || term != s.CurrentTerm {
			return
		}
		if s.hasQuorum(func(id string) bool { return id == s.ID || s.MatchIndex[id] >= n }) {
			st.commitTo(n)
			return
		}
	}
}

func (st *step) onProposal(requestID string, command []byte) {
	s := st.s
	if s.Role != Leader {
		st.emit(ProposalResult{RequestID: requestID, LeaderID: s.LeaderID})
		return
	}
	e := st.appendLocal(proto.LogEntryType_LOG_COMMAND, command, nil)
	s.pendingProposals[e.Index] = requestID
	st.broadcastAppend()
	st.maybeCommit()
}
