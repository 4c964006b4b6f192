package engine

// readTimeoutTicks is the number of heartbeat intervals a read may wait for confirmation.
const readTimeoutTicks = 2

// onReadIndex registers a linearizable read (Section 8). The leader records its commit index and confirms it is
// still leader with a round of heartbeats before answering.
func (st *step) onReadIndex(requestID string) {
	s := st.s
	if s.Role != Leader {
		st.emit(ReadIndexResult{RequestID: requestID, LeaderID: s.LeaderID})
		return
	}
	// Until an entry of its own term commits the leader does not know the latest commit index.
	if term, _ := s.TermAt(s.CommitIndex); term != s.CurrentTerm {
		st.emit(ReadIndexResult{RequestID: requestID, LeaderID: s.ID})
		return
	}

	r := &pendingRead{
		requestID: requestID,
		index:     s.CommitIndex,
		seq:       s.heartbeatSeq + 1,
		tick:      s.heartbeatTicks,
	}
	s.pendingReads = append(s.pendingReads, r)
	if st.readConfirmed(r) {
		st.confirmReads()
		return
	}
	st.broadcastAppend()
}

// readConfirmed reports whether a quorum answered a round at or after the read's own and stores the read index.
func (st *step) readConfirmed(r *pendingRead) bool {
	s := st.s
	return s.hasQuorum(func(id string) bool {
		if id == s.ID {
			return true
		}
		return s.ackedSeq[id] >= r.seq && s.MatchIndex[id] >= r.index
	})
}

func (st *step) confirmReads() {
	s := st.s
	if s.Role != Leader || len(s.pendingReads) == 0 {
		return
	}
	remaining := s.pendingReads[:0]
	for _, r := range s.pendingReads {
		if st.readConfirmed(r) {
			st.emit(ReadIndexResult{RequestID: r.requestID, Success: true, ReadIndex: r.index, LeaderID: s.ID})
			continue
		}
		remaining = append(remaining, r)
	}
	s.pendingReads = remaining
}

func (st *step) expireReads() {
	s := st.s
	remaining := s.pendingReads[:0]
	for _, r := range s.pendingReads {
		if s.heartbeatTicks-r.tick >= readTimeoutTicks {
			st.emit(ReadIndexResult{RequestID: r.requestID, LeaderID: s.ID})
			continue
		}
		remaining = append(remaining, r)
	}
	s.pendingReads = remaining
}
