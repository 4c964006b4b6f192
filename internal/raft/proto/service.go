package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	RaftService_RequestVote_FullMethodName         = "/raft.RaftService/RequestVote"
	RaftService_AppendEntries_FullMethodName       = "/raft.RaftService/AppendEntries"
	RaftService_InstallSnapshot_FullMethodName     = "/raft.RaftService/InstallSnapshot"
	RaftService_ReadIndex_FullMethodName           = "/raft.RaftService/ReadIndex"
	RaftService_ChangeConfiguration_FullMethodName = "/raft.RaftService/ChangeConfiguration"
	RaftService_Propose_FullMethodName             = "/raft.RaftService/Propose"
	RaftService_Status_FullMethodName              = "/raft.RaftService/Status"
)

// RaftServiceClient is the client API for the Raft service. The first three methods are used between servers,
// the rest form the administrative surface.
type RaftServiceClient interface {
	RequestVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, in *AppendEntriesRequest, opts ...grpc.CallOption) (*AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, in *InstallSnapshotRequest, opts ...grpc.CallOption) (*InstallSnapshotResponse, error)
	ReadIndex(ctx context.Context, in *ReadIndexRequest, opts ...grpc.CallOption) (*ReadIndexResponse, error)
	ChangeConfiguration(ctx context.Context, in *ConfigurationChangeRequest, opts ...grpc.CallOption) (*ConfigurationChangeResponse, error)
	Propose(ctx context.Context, in *ProposeRequest, opts ...grpc.CallOption) (*ProposeResponse, error)
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
}

type raftServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRaftServiceClient wraps cc. Every call is sent with the raftwire content-subtype.
func NewRaftServiceClient(cc grpc.ClientConnInterface) RaftServiceClient {
	return &raftServiceClient{cc}
}

func (c *raftServiceClient) invoke(ctx context.Context, method string, in, out Message, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *raftServiceClient) RequestVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error) {
	out := new(RequestVoteResponse)
	if err := c.invoke(ctx, RaftService_RequestVote_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) AppendEntries(ctx context.Context, in *AppendEntriesRequest, opts ...grpc.CallOption) (*AppendEntriesResponse, error) {
	out := new(AppendEntriesResponse)
	if err := c.invoke(ctx, RaftService_AppendEntries_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) InstallSnapshot(ctx context.Context, in *InstallSnapshotRequest, opts ...grpc.CallOption) (*InstallSnapshotResponse, error) {
	out := new(InstallSnapshotResponse)
	if err := c.invoke(ctx, RaftService_InstallSnapshot_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) ReadIndex(ctx context.Context, in *ReadIndexRequest, opts ...grpc.CallOption) (*ReadIndexResponse, error) {
	out := new(ReadIndexResponse)
	if err := c.invoke(ctx, RaftService_ReadIndex_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) ChangeConfiguration(ctx context.Context, in *ConfigurationChangeRequest, opts ...grpc.CallOption) (*ConfigurationChangeResponse, error) {
	out := new(ConfigurationChangeResponse)
	if err := c.invoke(ctx, RaftService_ChangeConfiguration_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) Propose(ctx context.Context, in *ProposeRequest, opts ...grpc.CallOption) (*ProposeResponse, error) {
	out := new(ProposeResponse)
	if err := c.invoke(ctx, RaftService_Propose_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.invoke(ctx, RaftService_Status_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// RaftServiceServer is the server API for the Raft service.
type RaftServiceServer interface {
	RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error)
	InstallSnapshot(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
	ReadIndex(context.Context, *ReadIndexRequest) (*ReadIndexResponse, error)
	ChangeConfiguration(context.Context, *ConfigurationChangeRequest) (*ConfigurationChangeResponse, error)
	Propose(context.Context, *ProposeRequest) (*ProposeResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

// UnimplementedRaftServiceServer can be embedded to have forward compatible implementations.
type UnimplementedRaftServiceServer struct{}

func (UnimplementedRaftServiceServer) RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RequestVote not implemented")
}
func (UnimplementedRaftServiceServer) AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method AppendEntries not implemented")
}
func (UnimplementedRaftServiceServer) InstallSnapshot(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method InstallSnapshot not implemented")
}
func (UnimplementedRaftServiceServer) ReadIndex(context.Context, *ReadIndexRequest) (*ReadIndexResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ReadIndex not implemented")
}
func (UnimplementedRaftServiceServer) ChangeConfiguration(context.Context, *ConfigurationChangeRequest) (*ConfigurationChangeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ChangeConfiguration not implemented")
}
func (UnimplementedRaftServiceServer) Propose(context.Context, *ProposeRequest) (*ProposeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Propose not implemented")
}
func (UnimplementedRaftServiceServer) Status(context.Context, *StatusRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}

// RegisterRaftServiceServer registers srv on s.
func RegisterRaftServiceServer(s grpc.ServiceRegistrar, srv RaftServiceServer) {
	s.RegisterService(&RaftService_ServiceDesc, srv)
}

// unaryHandler adapts a typed RaftServiceServer method to a grpc.MethodDesc handler.
func unaryHandler[Req any, PReq interface {
	*Req
	Message
}, Resp Message](method string, call func(RaftServiceServer, context.Context, PReq) (Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RaftServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RaftServiceServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RaftService_ServiceDesc is the grpc.ServiceDesc for the Raft service.
var RaftService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "raft.RaftService",
	HandlerType: (*RaftServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestVote",
			Handler: unaryHandler(RaftService_RequestVote_FullMethodName,
				func(s RaftServiceServer, ctx context.Context, in *RequestVoteRequest) (*RequestVoteResponse, error) {
					return s.RequestVote(ctx, in)
				}),
		},
		{
			MethodName: "AppendEntries",
			Handler: unaryHandler(RaftService_AppendEntries_FullMethodName,
				func(s RaftServiceServer, ctx context.Context, in *AppendEntriesRequest) (*AppendEntriesResponse, error) {
					return s.AppendEntries(ctx, in)
				}),
		},
		{
			MethodName: "InstallSnapshot",
			Handler: unaryHandler(RaftService_InstallSnapshot_FullMethodName,
				func(s RaftServiceServer, ctx context.Context, in *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
					return s.InstallSnapshot(ctx, in)
				}),
		},
		{
			MethodName: "ReadIndex",
			Handler: unaryHandler(RaftService_ReadIndex_FullMethodName,
				func(s RaftServiceServer, ctx context.Context, in *ReadIndexRequest) (*ReadIndexResponse, error) {
					return s.ReadIndex(ctx, in)
				}),
		},
		{
			MethodName: "ChangeConfiguration",
			Handler: unaryHandler(RaftService_ChangeConfiguration_FullMethodName,
				func(s RaftServiceServer, ctx context.Context, in *ConfigurationChangeRequest) (*ConfigurationChangeResponse, error) {
					return s.ChangeConfiguration(ctx, in)
				}),
		},
		{
			MethodName: "Propose",
			Handler: unaryHandler(RaftService_Propose_FullMethodName,
				func(s RaftServiceServer, ctx context.Context, in *ProposeRequest) (*ProposeResponse, error) {
					return s.Propose(ctx, in)
				}),
		},
		{
			MethodName: "Status",
			Handler: unaryHandler(RaftService_Status_FullMethodName,
				func(s RaftServiceServer, ctx context.Context, in *StatusRequest) (*StatusResponse, error) {
					return s.Status(ctx, in)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft.proto",
}
