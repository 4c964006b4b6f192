package server

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"raft-engine/internal/raft/engine"
	"raft-engine/internal/raft/proto"
)

// ChangeConfiguration adds or removes one server using joint consensus (Section 6). Only the leader accepts the
// request; it answers once C_new has committed, or with IN_PROGRESS while another change is still running.
// A change that outlives Config.RequestTimeout answers TIMEOUT but keeps running in the cluster.
func (s *Server) ChangeConfiguration(ctx context.Context, req *proto.ConfigurationChangeRequest) (*proto.ConfigurationChangeResponse, error) {
	if req.ServerId == "" {
		return nil, status.Error(codes.InvalidArgument, "server id is required")
	}
	if req.Type == proto.ConfigChangeType_ADD_SERVER && req.ServerAddress == "" {
		return nil, status.Error(codes.InvalidArgument, "server address is required to add a server")
	}

	log.Printf("[SERVER-%s] %s request for %s at %q", s.ID, req.Type, req.ServerId, req.ServerAddress)

	res, err := s.changeConfiguration(ctx, req)
	switch {
	case errors.Is(err, ErrTimeout):
		return &proto.ConfigurationChangeResponse{Status: proto.ConfigChangeStatus_TIMEOUT, Reason: err.Error()}, nil
	case err != nil:
		return nil, toStatus(err)
	}

	if res.Status != proto.ConfigChangeStatus_OK {
		log.Printf("[SERVER-%s] %s of %s ended with %s: %s", s.ID, req.Type, req.ServerId, res.Status, res.Reason)
	}
	return &proto.ConfigurationChangeResponse{Status: res.Status, LeaderId: res.LeaderID, Reason: res.Reason}, nil
}

// AddServer is the Go form of an ADD_SERVER change.
func (s *Server) AddServer(ctx context.Context, id, address string) (*proto.ConfigurationChangeResponse, error) {
	return s.ChangeConfiguration(ctx, &proto.ConfigurationChangeRequest{
		Type:          proto.ConfigChangeType_ADD_SERVER,
		ServerId:      id,
		ServerAddress: address,
	})
}

// RemoveServer is the Go form of a REMOVE_SERVER change.
func (s *Server) RemoveServer(ctx context.Context, id string) (*proto.ConfigurationChangeResponse, error) {
	return s.ChangeConfiguration(ctx, &proto.ConfigurationChangeRequest{
		Type:     proto.ConfigChangeType_REMOVE_SERVER,
		ServerId: id,
	})
}

func (s *Server) changeConfiguration(ctx context.Context, req *proto.ConfigurationChangeRequest) (engine.ConfigurationChangeResult, error) {
	id := uuid.NewString()
	return awaitResult[engine.ConfigurationChangeResult](SetRequestID(ctx, id), s, engine.ConfigurationChangeRequested{RequestID: id, Change: req})
}

// Members returns the committed membership, sorted by id.
func (s *Server) Members() []*proto.ServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return engine.ServersFromMembers(s.state.Members)
}
