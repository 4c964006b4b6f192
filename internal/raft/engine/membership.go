package engine

import "raft-engine/internal/raft/proto"

// ReasonConfigChangeInProgress is reported when a membership change arrives while another is in flight.
const ReasonConfigChangeInProgress = "configuration change in progress"

// onConfigurationChange starts a two-phase membership change (Section 6): C_old,new is appended now, C_new once
// C_old,new commits, and Members switches when C_new commits.
func (st *step) onConfigurationChange(requestID string, change *proto.ConfigurationChangeRequest) {
	s := st.s
	result := ConfigurationChangeResult{RequestID: requestID, LeaderID: s.LeaderID}

	if s.Role != Leader {
		result.Status = proto.ConfigChangeStatus_NOT_LEADER
		st.emit(result)
		return
	}
	if s.ConfigPhase != ConfigNone || s.pendingConfigReq != "" {
		result.Status = proto.ConfigChangeStatus_IN_PROGRESS
		result.Reason = ReasonConfigChangeInProgress
		st.emit(result)
		return
	}
	if change == nil || change.ServerId == "" {
		result.Status = proto.ConfigChangeStatus_REJECTED
		result.Reason = "server id is required"
		st.emit(result)
		return
	}

	next := copyMembers(s.Members)
	switch change.Type {
	case proto.ConfigChangeType_ADD_SERVER:
		if change.ServerAddress == "" {
			result.Status = proto.ConfigChangeStatus_REJECTED
			result.Reason = "server address is required"
			st.emit(result)
			return
		}
		if addr, ok := next[change.ServerId]; ok && addr == change.ServerAddress {
			st.emit(result)
			return
		}
		next[change.ServerId] = change.ServerAddress
	case proto.ConfigChangeType_REMOVE_SERVER:
		if _, ok := next[change.ServerId]; !ok {
			st.emit(result)
			return
		}
		delete(next, change.ServerId)
		if len(next) == 0 {
			result.Status = proto.ConfigChangeStatus_REJECTED
			result.Reason = "cannot remove the last member"
			st.emit(result)
			return
		}
	}

	s.pendingConfigReq = requestID
	st.appendLocal(proto.LogEntryType_LOG_CONFIGURATION, nil, &proto.Configuration{
		Servers:    ServersFromMembers(next),
		OldServers: ServersFromMembers(s.Members),
		IsJoint:    true,
	})
	st.broadcastAppend()
	st.maybeCommit()
}

// observeConfigEntry puts the configuration carried by an appended entry in force. Servers use the latest
// configuration in their log whether or not it is committed.
func (st *step) observeConfigEntry(e *proto.LogEntry) {
	s := st.s
	c := e.Configuration
	if c.IsJoint {
		if len(c.OldServers) > 0 {
			s.Members = membersFromServers(c.OldServers)
		}
		s.PendingMembers = membersFromServers(c.Servers)
		s.ConfigPhase = ConfigJoint
		s.jointConfigIndex = e.Index
		s.PendingConfigIndex = e.Index
	} else {
		s.PendingMembers = membersFromServers(c.Servers)
		s.ConfigPhase = ConfigFinalizing
		s.PendingConfigIndex = e.Index
	}
	st.syncPeers()
}

// rollbackConfiguration undoes the transitions introduced by entries at or after index when they are truncated.
func (st *step) rollbackConfiguration(index uint64) {
	s := st.s
	changed := false
	if s.ConfigPhase == ConfigFinalizing && s.PendingConfigIndex >= index {
		s.ConfigPhase = ConfigJoint
		s.PendingConfigIndex = s.jointConfigIndex
		changed = true
	}
	if s.ConfigPhase == ConfigJoint && (s.jointConfigIndex == 0 || s.jointConfigIndex >= index) {
		s.ConfigPhase = ConfigNone
		s.PendingMembers = nil
		s.PendingConfigIndex = 0
		s.jointConfigIndex = 0
		changed = true
	}
	if changed {
		st.syncPeers()
	}
}

// advanceConfiguration reacts to a commit: the leader follows a committed C_old,new with C_new, and every server
// switches Members once C_new is committed. A leader that is not part of C_new steps down at that point.
func (st *step) advanceConfiguration() {
	s := st.s
	switch {
	case s.ConfigPhase == ConfigJoint && s.Role == Leader && s.CommitIndex >= s.PendingConfigIndex:
		st.appendLocal(proto.LogEntryType_LOG_CONFIGURATION, nil, &proto.Configuration{
			Servers:    ServersFromMembers(s.PendingMembers),
			OldServers: ServersFromMembers(s.Members),
		})
		st.broadcastAppend()
		st.maybeCommit()

	case s.ConfigPhase == ConfigFinalizing && s.CommitIndex >= s.PendingConfigIndex:
		s.Members = s.PendingMembers
		s.PendingMembers = nil
		s.ConfigPhase = ConfigNone
		s.PendingConfigIndex = 0
		s.jointConfigIndex = 0
		st.syncPeers()

		if s.pendingConfigReq != "" {
			st.emit(ConfigurationChangeResult{
				RequestID: s.pendingConfigReq,
				Status:    proto.ConfigChangeStatus_OK,
				LeaderID:  s.LeaderID,
			})
			s.pendingConfigReq = ""
		}
		if s.Role == Leader && !s.IsMember(s.ID) {
			st.becomeFollower(s.CurrentTerm, "")
		}
	}
}

// restoreConfiguration replaces the membership with the one stored in a snapshot taken at index.
func (st *step) restoreConfiguration(c *proto.Configuration, index uint64) {
	s := st.s
	if len(c.Servers) == 0 {
		return
	}
	if c.IsJoint {
		s.Members = membersFromServers(c.OldServers)
		s.PendingMembers = membersFromServers(c.Servers)
		s.ConfigPhase = ConfigJoint
		s.jointConfigIndex = index
		s.PendingConfigIndex = index
		return
	}
	s.Members = membersFromServers(c.Servers)
	s.PendingMembers = nil
	s.ConfigPhase = ConfigNone
	s.jointConfigIndex = 0
	s.PendingConfigIndex = 0
}

// syncPeers aligns the leader's replication state with the configurations in force and tells the runtime which
// peers to keep connections to.
func (st *step) syncPeers() {
	s := st.s
	if s.Role == Leader {
		for _, peer := range s.Peers() {
			if _, ok := s.NextIndex[peer]; !ok {
				s.NextIndex[peer] = s.LastLogIndex() + 1
				s.MatchIndex[peer] = 0
			}
		}
		for peer := range s.NextIndex {
			if peer == s.ID || !s.IsMember(peer) {
				delete(s.NextIndex, peer)
				delete(s.MatchIndex, peer)
				delete(s.ackedSeq, peer)
				delete(s.snapshotInFlight, peer)
			}
		}
	}
	st.emit(UpdatePeers{Peers: s.PeerAddresses()})
}
