package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotLeader is returned by client operations sent to a server that is not the leader.
	ErrNotLeader = errors.New("not the leader")
	// ErrPersistence wraps a failed write to durable storage. The server stops serving after one.
	ErrPersistence = errors.New("persistence failure")
	// ErrShutdown is returned once the server is shutting down.
	ErrShutdown = errors.New("server is shutting down")
	// ErrTimeout is returned when a client operation did not complete within Config.RequestTimeout.
	ErrTimeout = errors.New("request timed out")
)

// toStatus maps runtime errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
