package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"raft-engine/internal/raft/engine"
	"raft-engine/internal/raft/proto"
)

// RequestVote handles the RequestVote RPC call from a peer's client
func (s *Server) RequestVote(ctx context.Context, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	return replyAs[*proto.RequestVoteResponse](s.step(engine.RequestVoteReceived{Req: req}, req.CandidateId))
}

// AppendEntries handles the AppendEntries RPC call from a peer's client
func (s *Server) AppendEntries(ctx context.Context, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error) {
	return replyAs[*proto.AppendEntriesResponse](s.step(engine.AppendEntriesReceived{Req: req}, req.LeaderId))
}

// InstallSnapshot handles one snapshot chunk. Chunks are reassembled here; the engine only sees the assembled
// snapshot together with the final chunk.
func (s *Server) InstallSnapshot(ctx context.Context, req *proto.InstallSnapshotRequest) (*proto.InstallSnapshotResponse, error) {
	s.mu.Lock()
	term := s.state.CurrentTerm
	s.mu.Unlock()

	var data []byte
	// A stale leader is rejected by the engine; its chunks must not disturb a transfer in progress.
	if req.Term >= term {
		assembled, err := s.assembler.Add(req)
		if err != nil {
			log.Printf("[SERVER-%s] [TERM-%d] Rejecting snapshot chunk from %s at offset %d: %v",
				s.ID, term, req.LeaderId, req.Offset, err)
			return &proto.InstallSnapshotResponse{Term: term, Success: false, FollowerId: string(s.ID)}, nil
		}
		data = assembled
	}

	return replyAs[*proto.InstallSnapshotResponse](s.step(engine.InstallSnapshotReceived{Req: req, Data: data}, req.LeaderId))
}

// ReadIndex returns a commit index that is safe for a linearizable read once this server has applied it. The call
// waits for that, so a successful response means the local state machine is up to date for the read.
func (s *Server) ReadIndex(ctx context.Context, req *proto.ReadIndexRequest) (*proto.ReadIndexResponse, error) {
	res, err := s.readIndex(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &proto.ReadIndexResponse{Success: res.Success, ReadIndex: res.ReadIndex, LeaderId: res.LeaderID}, nil
}

// Propose appends a command to the log and returns once it is committed and applied.
func (s *Server) Propose(ctx context.Context, req *proto.ProposeRequest) (*proto.ProposeResponse, error) {
	if len(req.Command) == 0 {
		return nil, status.Error(codes.InvalidArgument, "command is empty")
	}
	res, err := s.propose(ctx, req.Command)
	if err != nil {
		return nil, toStatus(err)
	}
	return &proto.ProposeResponse{Success: res.Success, Index: res.Index, Term: res.Term, LeaderId: res.LeaderID}, nil
}

// Status reports the view of this server.
func (s *Server) Status(ctx context.Context, req *proto.StatusRequest) (*proto.StatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &proto.StatusResponse{
		NodeId:      string(s.ID),
		Role:        s.state.Role.String(),
		Term:        s.state.CurrentTerm,
		LeaderId:    s.state.LeaderID,
		CommitIndex: s.state.CommitIndex,
		LastApplied: s.state.LastApplied,
		Members:     engine.ServersFromMembers(s.state.Members),
	}, nil
}

// Apply proposes command and waits until it is applied. It returns ErrNotLeader, naming the known leader, when
// this server cannot accept proposals.
func (s *Server) Apply(ctx context.Context, command []byte) (index uint64, err error) {
	res, err := s.propose(ctx, command)
	if err != nil {
		return 0, err
	}
	if !res.Success {
		return 0, fmt.Errorf("%w (leader: %q)", ErrNotLeader, res.LeaderID)
	}
	return res.Index, nil
}

// ReadBarrier returns once the local state machine reflects every write committed before the call. It returns
// ErrNotLeader when this server cannot confirm its leadership.
func (s *Server) ReadBarrier(ctx context.Context) error {
	res, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w (leader: %q)", ErrNotLeader, res.LeaderID)
	}
	return nil
}

func (s *Server) propose(ctx context.Context, command []byte) (engine.ProposalResult, error) {
	start := time.Now()
	id := uuid.NewString()
	res, err := awaitResult[engine.ProposalResult](SetRequestID(ctx, id), s, engine.ProposalReceived{RequestID: id, Command: command})
	if err != nil {
		return res, err
	}
	if res.Success {
		s.Metrics.RecordCommandLatency(time.Since(start))
	}
	return res, nil
}

func (s *Server) readIndex(ctx context.Context) (engine.ReadIndexResult, error) {
	s.Metrics.RecordReadIndex()
	id := uuid.NewString()
	ctx = SetRequestID(ctx, id)
	res, err := awaitResult[engine.ReadIndexResult](ctx, s, engine.ReadIndexRequested{RequestID: id})
	if err != nil || !res.Success {
		return res, err
	}
	if err := s.waitApplied(ctx, res.ReadIndex); err != nil {
		return res, err
	}
	return res, nil
}

// awaitResult steps ev and waits for the result action carrying the request id stored in ctx.
func awaitResult[T engine.Action](ctx context.Context, s *Server, ev engine.Event) (T, error) {
	var zero T
	id, _ := GetRequestID(ctx)
	ch := make(chan engine.Action, 1)

	s.mu.Lock()
	s.waiters[id] = ch
	_, err := s.stepLocked(ev, "")
	s.mu.Unlock()
	if err != nil {
		s.dropWaiter(id)
		return zero, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	select {
	case action := <-ch:
		res, ok := action.(T)
		if !ok {
			return zero, fmt.Errorf("request %s got unexpected result %T", id, action)
		}
		return res, nil
	case <-s.ctx.Done():
		s.dropWaiter(id)
		return zero, ErrShutdown
	case <-ctx.Done():
		s.dropWaiter(id)
		if errors.Is(ctx.Err(), context.Canceled) {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w: request %s", ErrTimeout, id)
	}
}

// resolve hands a result to the client waiting for it. Results nobody waits for any more are discarded. Callers
// hold s.mu.
func (s *Server) resolve(id string, result engine.Action) {
	ch, ok := s.waiters[id]
	if !ok {
		return
	}
	delete(s.waiters, id)
	select {
	case ch <- result:
	default:
	}
}

func (s *Server) dropWaiter(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, id)
}

// waitApplied blocks until LastApplied reaches index.
func (s *Server) waitApplied(ctx context.Context, index uint64) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	for {
		s.mu.Lock()
		applied := s.state.LastApplied
		ch := s.appliedCh
		s.mu.Unlock()
		if applied >= index {
			return nil
		}

		select {
		case <-ch:
		case <-s.ctx.Done():
			return ErrShutdown
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("%w: waiting for index %d to be applied", ErrTimeout, index)
		}
	}
}

// replyAs converts the reply of a step into the response type of an RPC.
func replyAs[T interface {
	proto.Message
	comparable
}](reply proto.Message, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, toStatus(err)
	}
	resp, ok := reply.(T)
	if !ok || resp == zero {
		return zero, status.Errorf(codes.Internal, "no %T reply produced", zero)
	}
	return resp, nil
}
