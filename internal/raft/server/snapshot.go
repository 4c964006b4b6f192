package server

import (
	"context"
	"errors"
	"fmt"
	"log"

	"raft-engine/internal/raft"
	"raft-engine/internal/raft/engine"
	"raft-engine/internal/raft/transport"
)

// takeSnapshot captures the state machine and stores it. It runs inside the step that emitted the action, so the
// snapshot is durable before the TruncateLogPrefix that follows it.
func (s *Server) takeSnapshot(a engine.TakeSnapshot) error {
	data, err := s.StateMachine.CreateSnapshot()
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	snap := &raft.Snapshot{
		LastIncludedIndex: a.Index,
		LastIncludedTerm:  a.Term,
		Configuration:     a.Configuration,
		Data:              data,
	}
	if err := s.snapshotStore.SaveSnapshot(snap); err != nil {
		return err
	}

	s.Metrics.RecordSnapshotTaken()
	log.Printf("[SERVER-%s] [TERM-%d] Took snapshot through index %d (%d bytes)", s.ID, s.state.CurrentTerm, a.Index, len(data))
	return nil
}

// restoreSnapshot stores a snapshot received from the leader and loads it into the state machine.
func (s *Server) restoreSnapshot(a engine.RestoreSnapshot) error {
	snap := &raft.Snapshot{
		LastIncludedIndex: a.Index,
		LastIncludedTerm:  a.Term,
		Configuration:     a.Configuration,
		Data:              a.Data,
	}
	if err := s.snapshotStore.SaveSnapshot(snap); err != nil {
		return err
	}
	if err := s.StateMachine.RestoreSnapshot(a.Data); err != nil {
		return fmt.Errorf("failed to restore state machine: %w", err)
	}

	s.Metrics.RecordSnapshotRestored()
	s.notifyApplied()
	log.Printf("[SERVER-%s] [TERM-%d] Installed snapshot through index %d", s.ID, s.state.CurrentTerm, a.Index)
	return nil
}

// startSnapshotPush streams the stored snapshot to a peer in the background. At most one push per peer runs at a
// time; a request for a peer that is already being served is ignored because the running push reports back.
func (s *Server) startSnapshotPush(a engine.SendSnapshotToPeer) {
	peer := raft.ServerID(a.PeerID)
	gate := s.snapshotGate(peer)
	if !gate.TryAcquire(1) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer gate.Release(1)
		s.pushSnapshot(SetServerID(s.ctx, peer), a.Term)
	}()
}

func (s *Server) pushSnapshot(ctx context.Context, term uint64) {
	peer, _ := GetServerID(ctx)
	failed := func(format string, args ...any) {
		log.Printf("[SERVER-%s] [TERM-%d] Snapshot push to %s failed: %s", s.ID, term, peer, fmt.Sprintf(format, args...))
		if _, err := s.step(engine.SnapshotPushFailed{PeerID: string(peer)}, ""); err != nil && !errors.Is(err, ErrShutdown) {
			log.Printf("[SERVER-%s] Failed to report snapshot push failure: %v", s.ID, err)
		}
	}

	snap, err := s.snapshotStore.LoadSnapshot()
	if err != nil {
		failed("load: %v", err)
		return
	}
	chunks, err := transport.SplitSnapshot(snap, term, string(s.ID), s.cfg.SnapshotChunkSize)
	if err != nil {
		failed("split: %v", err)
		return
	}

	log.Printf("[SERVER-%s] [TERM-%d] Sending snapshot through index %d to %s in %d chunks",
		s.ID, term, snap.LastIncludedIndex, peer, len(chunks))
	for _, req := range chunks {
		resp, err := s.transport.InstallSnapshot(ctx, peer, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failed("chunk at offset %d: %v", req.Offset, err)
			return
		}
		// Only the final chunk, a rejection or a newer term matter to the engine.
		if req.Done || !resp.Success || resp.Term > term {
			if _, err := s.step(engine.InstallSnapshotResponseReceived{From: string(peer), Req: req, Resp: resp}, ""); err != nil && !errors.Is(err, ErrShutdown) {
				log.Printf("[SERVER-%s] Failed to handle snapshot response from %s: %v", s.ID, peer, err)
			}
			return
		}
	}
}
