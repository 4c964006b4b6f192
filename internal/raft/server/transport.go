package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"raft-engine/internal/raft"
	"raft-engine/internal/raft/engine"
	"raft-engine/internal/raft/proto"
)

// peerQueue holds the outbound requests for one peer. A single goroutine drains it, so requests reach a peer in
// the order the engine emitted them while a slow peer never holds up the others or the engine.
type peerQueue struct {
	id      raft.ServerID
	limit   int
	mu      sync.Mutex
	items   []proto.Message
	dropped uint64
	// notify has room for one signal; push never blocks on it.
	notify chan struct{}
	done   chan struct{}
}

func newPeerQueue(id raft.ServerID, limit int) *peerQueue {
	return &peerQueue{
		id:     id,
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends msg, dropping the oldest request once the queue is full. Raft tolerates lost messages: a dropped
// AppendEntries is resent on the next heartbeat and a dropped vote request ends in a new election.
func (q *peerQueue) push(msg proto.Message) {
	q.mu.Lock()
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items = q.items[1:]
		q.dropped++
		if q.dropped == 1 || q.dropped%100 == 0 {
			log.Printf("[TRANSPORT] Outbound queue to %s is full, %d messages dropped so far", q.id, q.dropped)
		}
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a request is queued or the queue is closed.
func (q *peerQueue) pop(ctx context.Context) (proto.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *peerQueue) close() {
	close(q.done)
}

func (q *peerQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// syncPeers makes the transport and the outbound queues match peers. Callers hold s.mu.
func (s *Server) syncPeers(peers []*proto.ServerConfig) {
	want := make(map[raft.ServerID]raft.ServerAddress, len(peers))
	for _, p := range peers {
		if id := raft.ServerID(p.Id); id != s.ID {
			want[id] = raft.ServerAddress(p.Address)
		}
	}

	for id, q := range s.queues {
		if _, ok := want[id]; ok {
			continue
		}
		q.close()
		delete(s.queues, id)
		s.transport.RemovePeer(id)
		log.Printf("[SERVER-%s] [TERM-%d] Stopped replicating to %s", s.ID, s.state.CurrentTerm, id)
	}

	for id, addr := range want {
		if err := s.transport.AddPeer(id, addr); err != nil {
			log.Printf("[SERVER-%s] Warning: Failed to add peer %s at %s: %v", s.ID, id, addr, err)
			continue
		}
		if _, ok := s.queues[id]; ok {
			continue
		}
		q := newPeerQueue(id, s.cfg.MaxQueuedMessages)
		s.queues[id] = q
		s.wg.Add(1)
		go s.runPeer(q)
	}
}

// send queues an outbound request. Callers hold s.mu.
func (s *Server) send(to string, msg proto.Message) {
	q, ok := s.queues[raft.ServerID(to)]
	if !ok {
		log.Printf("[SERVER-%s] [TERM-%d] Dropping %T to unknown peer %s", s.ID, s.state.CurrentTerm, msg, to)
		return
	}
	q.push(msg)
}

func (s *Server) runPeer(q *peerQueue) {
	defer s.wg.Done()

	ctx := SetServerID(s.ctx, q.id)
	for {
		msg, ok := q.pop(ctx)
		if !ok {
			return
		}
		s.deliver(ctx, msg)
	}
}

// deliver sends one request and feeds the response back into the engine. Failed calls are dropped; the
// transport already retried them and the engine recovers on its next timer.
func (s *Server) deliver(ctx context.Context, msg proto.Message) {
	peer, _ := GetServerID(ctx)

	var (
		ev  engine.Event
		err error
	)
	switch m := msg.(type) {
	case *proto.RequestVoteRequest:
		var resp *proto.RequestVoteResponse
		if resp, err = s.transport.RequestVote(ctx, peer, m); err == nil {
			ev = engine.RequestVoteResponseReceived{From: string(peer), Req: m, Resp: resp}
		}
	case *proto.AppendEntriesRequest:
		var resp *proto.AppendEntriesResponse
		if resp, err = s.transport.AppendEntries(ctx, peer, m); err == nil {
			ev = engine.AppendEntriesResponseReceived{From: string(peer), Req: m, Resp: resp}
		}
	default:
		log.Printf("[TRANSPORT] Unexpected outbound message %T to %s", msg, peer)
		return
	}

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[TRANSPORT] Dropping %T to %s: %v", msg, peer, err)
		}
		return
	}
	if _, err := s.step(ev, ""); err != nil && !errors.Is(err, ErrShutdown) {
		log.Printf("[SERVER-%s] Failed to handle response from %s: %v", s.ID, peer, err)
	}
}
