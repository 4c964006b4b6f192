package engine

import "raft-engine/internal/raft/proto"

func (st *step) onInstallSnapshot(req *proto.InstallSnapshotRequest, data []byte) {
	s := st.s
	resp := &proto.InstallSnapshotResponse{FollowerId: s.ID}

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
	resp.Success = true

	// Intermediate chunks and snapshots we already cover need nothing beyond the acknowledgement.
	if !req.Done || req.LastIncludedIndex <= s.LastApplied {
		st.send(req.LeaderId, resp)
		return
	}

	index, term := req.LastIncludedIndex, req.LastIncludedTerm
	st.emit(RestoreSnapshot{Index: index, Term: term, Configuration: req.Configuration, Data: data})

	// Keep the suffix that follows the snapshot if our log agrees with it (Section 7), otherwise start over.
	if t, ok := s.TermAt(index); ok && t == term {
		st.compact(index, term)
	} else {
		if len(s.Log) > 0 {
			st.emit(TruncateLogSuffix{FromIndex: s.Log[0].Index})
		}
		s.Log = nil
		s.LastIncludedIndex, s.LastIncludedTerm = index, term
	}
	st.emit(TruncateLogPrefix{ThroughIndex: index})
	if index > s.CommitIndex {
		s.CommitIndex = index
	}
	s.LastApplied = index

	if req.Configuration != nil {
		st.restoreConfiguration(req.Configuration, index)
		for _, e := range s.Log {
			if e.Type == proto.LogEntryType_LOG_CONFIGURATION && e.Configuration != nil {
				st.observeConfigEntry(e)
			}
		}
		st.emit(UpdatePeers{Peers: s.PeerAddresses()})
	}

	st.send(req.LeaderId, resp)

	if s.CommitIndex > s.LastApplied {
		st.emit(ApplyToStateMachine{Entries: s.entries(s.LastApplied+1, s.CommitIndex)})
		s.LastApplied = s.CommitIndex
	}
}

func (st *step) onInstallSnapshotResponse(from string, req *proto.InstallSnapshotRequest, resp *proto.InstallSnapshotResponse) {
	s := st.s
	if resp.Term > s.CurrentTerm {
		st.becomeFollower(resp.Term, "")
		return
	}
	if s.Role != Leader {
		return
	}
	// The push that just ended held the peer's transfer slot, whichever term it was started in.
	delete(s.snapshotInFlight, from)
	if req.Term != s.CurrentTerm {
		return
	}
	if _, ok := s.NextIndex[from]; !ok {
		return
	}
	if !resp.Success {
		return
	}

	if req.LastIncludedIndex > s.MatchIndex[from] {
		s.MatchIndex[from] = req.LastIncludedIndex
	}
	if req.LastIncludedIndex+1 > s.NextIndex[from] {
		s.NextIndex[from] = req.LastIncludedIndex + 1
	}
	st.maybeCommit()
	if s.Role == Leader && s.NextIndex[from] <= s.LastLogIndex() {
		st.sendAppend(from)
	}
}

// maybeSnapshot compacts the log once enough entries have been applied since the last snapshot.
func (st *step) maybeSnapshot() {
	s := st.s
	if st.cfg.SnapshotThreshold == 0 || s.LastApplied-s.LastIncludedIndex < st.cfg.SnapshotThreshold {
		return
	}
	index := s.LastApplied
	term, ok := s.TermAt(index)
	if !ok {
		return
	}
	st.emit(TakeSnapshot{Index: index, Term: term, Configuration: s.configurationAt(index)})
	st.compact(index, term)
	st.emit(TruncateLogPrefix{ThroughIndex: index})
}

// compact drops the in-memory entries up to index and moves the watermark there.
func (st *step) compact(index, term uint64) {
	s := st.s
	if index <= s.LastIncludedIndex {
		return
	}
	if index >= s.LastLogIndex() {
		s.Log = nil
	} else {
		s.Log = append([]*proto.LogEntry(nil), s.Log[index-s.LastIncludedIndex:]...)
	}
	s.LastIncludedIndex, s.LastIncludedTerm = index, term
}

// configurationAt returns the membership in force once every entry up to index has been applied.
func (s *NodeState) configurationAt(index uint64) *proto.Configuration {
	old := ServersFromMembers(s.Members)
	switch {
	case s.ConfigPhase == ConfigJoint && s.jointConfigIndex <= index:
		return &proto.Configuration{Servers: ServersFromMembers(s.PendingMembers), OldServers: old, IsJoint: true}
	case s.ConfigPhase == ConfigFinalizing && s.PendingConfigIndex <= index:
		return &proto.Configuration{Servers: ServersFromMembers(s.PendingMembers)}
	case s.ConfigPhase == ConfigFinalizing && s.jointConfigIndex <= index:
		return &proto.Configuration{Servers: ServersFromMembers(s.PendingMembers), OldServers: old, IsJoint: true}
	default:
		return &proto.Configuration{Servers: old}
	}
}
