package transport

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"raft-engine/internal/raft"
	"raft-engine/internal/raft/proto"
)

var (
	// ErrUnexpectedOffset is returned for a chunk that does not continue the snapshot being assembled.
	ErrUnexpectedOffset = errors.New("unexpected snapshot chunk offset")
	// ErrInvalidChunkSize is returned by SplitSnapshot for a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("snapshot chunk size must be positive")
)

// SplitSnapshot cuts snap into InstallSnapshot requests of at most chunkSize bytes each. Offsets are contiguous
// from 0 and only the last request has Done set. An empty snapshot still yields one (empty, Done) request.
func SplitSnapshot(snap *raft.Snapshot, term uint64, leaderID string, chunkSize int) ([]*proto.InstallSnapshotRequest, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}

	var reqs []*proto.InstallSnapshotRequest
	for offset := 0; ; offset += chunkSize {
		end := min(offset+chunkSize, len(snap.Data))
		reqs = append(reqs, &proto.InstallSnapshotRequest{
			Term:              term,
			LeaderId:          leaderID,
			LastIncludedIndex: snap.LastIncludedIndex,
			LastIncludedTerm:  snap.LastIncludedTerm,
			Configuration:     snap.Configuration,
			Offset:            uint64(offset),
			Data:              snap.Data[offset:end],
			Done:              end == len(snap.Data),
		})
		if end == len(snap.Data) {
			return reqs, nil
		}
	}
}

// Assembler rebuilds a snapshot from its chunks on the receiving server. Chunks must arrive in order: a chunk
// with offset 0 (re)starts an assembly, every other chunk must belong to the snapshot in progress and start
// exactly where the previous one ended.
type Assembler struct {
	mu     sync.Mutex
	active bool
	leader string
	term   uint64
	index  uint64
	buf    bytes.Buffer
	// start of the last accepted chunk, to recognise a retransmission of it
	lastOffset uint64
	// the last completed snapshot, kept until the next one starts so a repeated Done chunk is still answered
	completed completedSnapshot
}

type completedSnapshot struct {
	leader     string
	term       uint64
	index      uint64
	lastOffset uint64
	data       []byte
}

func (c *completedSnapshot) matches(req *proto.InstallSnapshotRequest) bool {
	return c.data != nil && req.Done && req.LeaderId == c.leader && req.Term == c.term &&
		req.LastIncludedIndex == c.index && req.Offset == c.lastOffset
}

// Add appends one chunk. It returns the complete snapshot data once the Done chunk is added, and nil before
// that. A retransmitted copy of the last accepted chunk is acknowledged without being appended again, and a
// repeated Done chunk returns the same data as the first one. A rejected chunk leaves the assembly in progress
// untouched.
func (a *Assembler) Add(req *proto.InstallSnapshotRequest) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Offset > 0 && !a.active && a.completed.matches(req) {
		return a.completed.data, nil
	}

	if req.Offset == 0 {
		a.completed = completedSnapshot{}
		a.active = true
		a.leader, a.term, a.index = req.LeaderId, req.Term, req.LastIncludedIndex
		a.buf.Reset()
	} else {
		if !a.active || req.LeaderId != a.leader || req.Term != a.term || req.LastIncludedIndex != a.index {
			return nil, fmt.Errorf("%w: chunk at %d of snapshot %d (term %d) has no assembly in progress",
				ErrUnexpectedOffset, req.Offset, req.LastIncludedIndex, req.Term)
		}
		if req.Offset == a.lastOffset && req.Offset+uint64(len(req.Data)) == uint64(a.buf.Len()) && !req.Done {
			return nil, nil
		}
		if req.Offset != uint64(a.buf.Len()) {
			return nil, fmt.Errorf("%w: got %d, expected %d", ErrUnexpectedOffset, req.Offset, a.buf.Len())
		}
	}

	a.lastOffset = req.Offset
	a.buf.Write(req.Data)
	if !req.Done {
		return nil, nil
	}

	data := bytes.Clone(a.buf.Bytes())
	if data == nil {
		data = []byte{}
	}
	a.completed = completedSnapshot{leader: a.leader, term: a.term, index: a.index, lastOffset: req.Offset, data: data}
	a.reset()
	return data, nil
}

// Reset abandons the assembly in progress and forgets the last completed one.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	a.completed = completedSnapshot{}
}

func (a *Assembler) reset() {
	a.active = false
	a.leader, a.term, a.index, a.lastOffset = "", 0, 0, 0
	a.buf.Reset()
}
