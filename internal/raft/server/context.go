package server

import (
	"context"

	"raft-engine/internal/raft"
)

// ctxKey is a typed context key. The type parameter ties every key to the type of the value stored under it, so
// lookups never need a type switch.
type ctxKey[T any] struct {
	name string
}

func newCtxKey[T any](name string) ctxKey[T] {
	return ctxKey[T]{name: name}
}

func setCtxKey[T any](ctx context.Context, key ctxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func getCtxKey[T any](ctx context.Context, key ctxKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}

var (
	requestID = newCtxKey[string]("requestID")
	serverID  = newCtxKey[raft.ServerID]("serverID")
)

func SetRequestID(ctx context.Context, id string) context.Context {
	return setCtxKey(ctx, requestID, id)
}

func GetRequestID(ctx context.Context) (string, bool) {
	return getCtxKey(ctx, requestID)
}

func SetServerID(ctx context.Context, id raft.ServerID) context.Context {
	return setCtxKey(ctx, serverID, id)
}

func GetServerID(ctx context.Context) (raft.ServerID, bool) {
	return getCtxKey(ctx, serverID)
}
