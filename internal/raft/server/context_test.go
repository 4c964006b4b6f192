package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"raft-engine/internal/raft"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()

	_, ok := GetRequestID(ctx)
	assert.False(t, ok)
	_, ok = GetServerID(ctx)
	assert.False(t, ok)

	ctx = SetServerID(SetRequestID(ctx, "req-1"), raft.ServerID("n2"))

	id, ok := GetRequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)

	peer, ok := GetServerID(ctx)
	assert.True(t, ok)
	assert.Equal(t, raft.ServerID("n2"), peer)
}

func TestContextValues_KeysDoNotCollide(t *testing.T) {
	// Two keys with the same name but different value types are distinct.
	a := newCtxKey[string]("id")
	b := newCtxKey[int]("id")

	ctx := setCtxKey(context.Background(), a, "x")
	_, ok := getCtxKey(ctx, b)
	assert.False(t, ok)

	v, ok := getCtxKey(ctx, a)
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}
