// Package transport carries Raft messages between servers: a pooled gRPC client with bounded retries, a name
// resolver that dials servers by id, and the chunking used to stream snapshots.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"raft-engine/internal/raft"
	"raft-engine/internal/raft/proto"
)

// ErrUnknownPeer is returned for peers that were never added or have been removed.
var ErrUnknownPeer = errors.New("unknown peer")

// Recorder receives a tick for every outbound RPC. metrics.Metrics satisfies it.
type Recorder interface {
	RecordRequestVote()
	RecordAppendEntries()
	RecordHeartbeat()
	RecordInstallSnapshot()
}

// Options bound every outbound call.
type Options struct {
	// RPCTimeout is the deadline of a single attempt. Section 5.6 wants the broadcast time an order of magnitude
	// below the election timeout.
	RPCTimeout time.Duration
	// MaxRetries is the number of attempts after the first one before a call is dropped.
	MaxRetries int
	// RetryBackoffBase doubles after each failed attempt, up to MaxRetryBackoff.
	RetryBackoffBase time.Duration
	MaxRetryBackoff  time.Duration
	// Metrics is optional.
	Metrics Recorder
}

// DefaultOptions suit servers on a local network with election timeouts in the 150-300ms range.
func DefaultOptions() Options {
	return Options{
		RPCTimeout:       50 * time.Millisecond,
		MaxRetries:       2,
		RetryBackoffBase: 10 * time.Millisecond,
		MaxRetryBackoff:  100 * time.Millisecond,
	}
}

// GRPCTransport keeps one gRPC channel per peer. Calls to a peer are independent: the caller orders them.
type GRPCTransport struct {
	// clientsConnPool maps raft.ServerID to *grpc.ClientConn.
	clientsConnPool sync.Map
	opts            Options
}

func NewGRPCTransport(opts Options) *GRPCTransport {
	return &GRPCTransport{opts: opts}
}

// AddPeer registers the address of a peer and opens a channel to it. Adding a known peer only updates its
// address.
func (t *GRPCTransport) AddPeer(id raft.ServerID, addr raft.ServerAddress) error {
	RegisterResolverPeer(id, addr)
	if _, ok := t.clientsConnPool.Load(id); ok {
		return nil
	}

	conn, err := grpc.NewClient(peerTarget(id), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to establish gRPC channel to peer %s: %w", id, err)
	}
	if _, loaded := t.clientsConnPool.LoadOrStore(id, conn); loaded {
		conn.Close()
		return nil
	}
	log.Printf("[TRANSPORT] Added peer %s at %s", id, addr)
	return nil
}

// RemovePeer closes the channel to a peer that left the cluster.
func (t *GRPCTransport) RemovePeer(id raft.ServerID) {
	value, ok := t.clientsConnPool.LoadAndDelete(id)
	if !ok {
		return
	}
	if err := value.(*grpc.ClientConn).Close(); err != nil {
		log.Printf("[TRANSPORT] Failed to close connection to removed peer %s: %v", id, err)
		return
	}
	log.Printf("[TRANSPORT] Removed peer %s", id)
}

// Close closes every channel.
func (t *GRPCTransport) Close() {
	t.clientsConnPool.Range(func(key, value any) bool {
		t.RemovePeer(key.(raft.ServerID))
		return true
	})
}

func (t *GRPCTransport) client(id raft.ServerID) (proto.RaftServiceClient, error) {
	value, ok := t.clientsConnPool.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return proto.NewRaftServiceClient(value.(*grpc.ClientConn)), nil
}

func (t *GRPCTransport) RequestVote(ctx context.Context, peer raft.ServerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	if t.opts.Metrics != nil {
		t.opts.Metrics.RecordRequestVote()
	}
	return call(ctx, t, peer, "RequestVote", func(ctx context.Context, c proto.RaftServiceClient) (*proto.RequestVoteResponse, error) {
		return c.RequestVote(ctx, req)
	})
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, peer raft.ServerID, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error) {
	if t.opts.Metrics != nil {
		if len(req.Entries) == 0 {
			t.opts.Metrics.RecordHeartbeat()
		} else {
			t.opts.Metrics.RecordAppendEntries()
		}
	}
	return call(ctx, t, peer, "AppendEntries", func(ctx context.Context, c proto.RaftServiceClient) (*proto.AppendEntriesResponse, error) {
		return c.AppendEntries(ctx, req)
	})
}

func (t *GRPCTransport) InstallSnapshot(ctx context.Context, peer raft.ServerID, req *proto.InstallSnapshotRequest) (*proto.InstallSnapshotResponse, error) {
	if t.opts.Metrics != nil {
		t.opts.Metrics.RecordInstallSnapshot()
	}
	return call(ctx, t, peer, "InstallSnapshot", func(ctx context.Context, c proto.RaftServiceClient) (*proto.InstallSnapshotResponse, error) {
		return c.InstallSnapshot(ctx, req)
	})
}

// call runs fn with a per-attempt timeout, retrying with exponential backoff until it succeeds, the retries run
// out or ctx is done.
func call[Resp any](ctx context.Context, t *GRPCTransport, peer raft.ServerID, method string, fn func(context.Context, proto.RaftServiceClient) (Resp, error)) (Resp, error) {
	var zero Resp
	client, err := t.client(peer)
	if err != nil {
		return zero, err
	}

	backoff := t.opts.RetryBackoffBase
	var lastErr error
	for attempt := 0; attempt <= t.opts.MaxRetries; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, t.opts.RPCTimeout)
		resp, err := fn(rpcCtx, client)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == t.opts.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%s to %s cancelled: %w", method, peer, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, t.opts.MaxRetryBackoff)
	}

	return zero, fmt.Errorf("%s to %s failed after %d attempts: %w", method, peer, t.opts.MaxRetries+1, lastErr)
}

// Dial opens a client for the administrative surface of the server at addr.
func Dial(addr string) (proto.RaftServiceClient, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return proto.NewRaftServiceClient(conn), conn, nil
}
