package state_machine

import "raft-engine/internal/raft/proto"

// StateMachine is the replicated state machine of a Server, Section 2 of the
// [Raft paper](https://raft.github.io/raft.pdf). It is inspired from the FSM interface defined in
// [Hashicorp's Raft impl](https://github.com/hashicorp/raft/blob/main/fsm.go).
//
// Apply is only ever called with committed entries, in log order, each index at most once.
type StateMachine interface {
	Apply(entries []*proto.LogEntry)
	// CreateSnapshot serializes the whole state. The result must reflect every entry applied so far.
	CreateSnapshot() ([]byte, error)
	// RestoreSnapshot replaces the whole state with a previously created snapshot.
	RestoreSnapshot(data []byte) error
}
