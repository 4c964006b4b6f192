package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"raft-engine/internal/raft"
	"raft-engine/internal/raft/proto"
)

// MockTransport is a testify mock of server.Transport. The response of an RPC may be given as a value or as a
// func(raft.ServerID, *Request) *Response that builds it from the request.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) RequestVote(ctx context.Context, peer raft.ServerID, req *proto.RequestVoteRequest) (*proto.RequestVoteResponse, error) {
	args := m.Called(ctx, peer, req)
	if fn, ok := args.Get(0).(func(raft.ServerID, *proto.RequestVoteRequest) *proto.RequestVoteResponse); ok {
		return fn(peer, req), args.Error(1)
	}
	resp, _ := args.Get(0).(*proto.RequestVoteResponse)
	return resp, args.Error(1)
}

func (m *MockTransport) AppendEntries(ctx context.Context, peer raft.ServerID, req *proto.AppendEntriesRequest) (*proto.AppendEntriesResponse, error) {
	args := m.Called(ctx, peer, req)
	if fn, ok := args.Get(0).(func(raft.ServerID, *proto.AppendEntriesRequest) *proto.AppendEntriesResponse); ok {
		return fn(peer, req), args.Error(1)
	}
	resp, _ := args.Get(0).(*proto.AppendEntriesResponse)
	return resp, args.Error(1)
}

func (m *MockTransport) InstallSnapshot(ctx context.Context, peer raft.ServerID, req *proto.InstallSnapshotRequest) (*proto.InstallSnapshotResponse, error) {
	args := m.Called(ctx, peer, req)
	if fn, ok := args.Get(0).(func(raft.ServerID, *proto.InstallSnapshotRequest) *proto.InstallSnapshotResponse); ok {
		return fn(peer, req), args.Error(1)
	}
	resp, _ := args.Get(0).(*proto.InstallSnapshotResponse)
	return resp, args.Error(1)
}

func (m *MockTransport) AddPeer(id raft.ServerID, addr raft.ServerAddress) error {
	return m.Called(id, addr).Error(0)
}

func (m *MockTransport) RemovePeer(id raft.ServerID) {
	m.Called(id)
}

func (m *MockTransport) Close() {
	m.Called()
}
