package server

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"raft-engine/internal/pubsub"
	"raft-engine/internal/raft"
	"raft-engine/internal/raft/engine"
	"raft-engine/internal/raft/mocks"
	"raft-engine/internal/raft/proto"
	"raft-engine/internal/raft/transport"
)

type testServer struct {
	*Server
	store     *mocks.MemoryStore
	sm        *mocks.MockStateMachine
	transport *mocks.MockTransport
	metrics   *mocks.MockMetricsCollector

	fatalMu sync.Mutex
	fatal   []error
}

func (ts *testServer) fatalErrors() []error {
	ts.fatalMu.Lock()
	defer ts.fatalMu.Unlock()
	return append([]error(nil), ts.fatal...)
}

func testConfig(id string, peers ...string) Config {
	cfg := Config{
		ID:                 id,
		AdvertiseAddress:   "127.0.0.1:7000",
		ElectionTimeoutMin: 30 * time.Millisecond,
		ElectionTimeoutMax: 60 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		RequestTimeout:     time.Second,
		SnapshotChunkSize:  8,
	}
	for _, p := range peers {
		cfg.Peers = append(cfg.Peers, PeerConfig{ID: p, Address: "127.0.0.1:7" + p})
	}
	return cfg
}

// newTestServer builds a server over in-memory stores. The store is handed back so tests can seed it first via
// prepare.
func newTestServer(t *testing.T, cfg Config, prepare func(store *mocks.MemoryStore, sm *mocks.MockStateMachine)) *testServer {
	ts := &testServer{
		store:     mocks.NewMemoryStore(),
		sm:        mocks.NewMockStateMachine(),
		transport: &mocks.MockTransport{},
		metrics:   mocks.NewMockMetricsCollector(),
	}
	if prepare != nil {
		prepare(ts.store, ts.sm)
	}
	ts.transport.On("AddPeer", mock.Anything, mock.Anything).Return(nil).Maybe()
	ts.transport.On("RemovePeer", mock.Anything).Maybe()
	ts.transport.On("Close").Maybe()

	s, err := NewServer(cfg, Deps{
		StateStore:    ts.store,
		LogStore:      ts.store,
		SnapshotStore: ts.store,
		StateMachine:  ts.sm,
		Transport:     ts.transport,
		Metrics:       ts.metrics,
		OnFatal: func(err error) {
			ts.fatalMu.Lock()
			defer ts.fatalMu.Unlock()
			ts.fatal = append(ts.fatal, err)
		},
	})
	require.NoError(t, err)
	ts.Server = s
	t.Cleanup(s.ForceShutdown)
	return ts
}

// elect makes a single-member server leader without running its timers.
func (ts *testServer) elect(t *testing.T) {
	_, err := ts.step(engine.ElectionTimeoutElapsed{}, "")
	require.NoError(t, err)
	require.Equal(t, engine.Leader, ts.StateChange().Role)
}

func TestNewServer_Validation(t *testing.T) {
	t.Run("requires every collaborator", func(t *testing.T) {
		_, err := NewServer(testConfig("n1"), Deps{})
		assert.ErrorContains(t, err, "required")
	})

	t.Run("rejects an invalid config", func(t *testing.T) {
		cfg := testConfig("n1")
		cfg.HeartbeatInterval = time.Second
		store := mocks.NewMemoryStore()
		_, err := NewServer(cfg, Deps{
			StateStore:    store,
			LogStore:      store,
			SnapshotStore: store,
			StateMachine:  mocks.NewMockStateMachine(),
			Transport:     &mocks.MockTransport{},
		})
		assert.ErrorContains(t, err, "heartbeat interval")
	})

	t.Run("propagates load failures", func(t *testing.T) {
		store := mocks.NewMemoryStore()
		store.LoadError = errors.New("disk gone")
		_, err := NewServer(testConfig("n1"), Deps{
			StateStore:    store,
			LogStore:      store,
			SnapshotStore: store,
			StateMachine:  mocks.NewMockStateMachine(),
			Transport:     &mocks.MockTransport{},
		})
		assert.ErrorContains(t, err, "disk gone")
	})
}

func TestNewServer_RestoresPersistedState(t *testing.T) {
	members := &proto.Configuration{Servers: []*proto.ServerConfig{
		{Id: "n1", Address: "a:1"}, {Id: "n2", Address: "a:2"}, {Id: "n3", Address: "a:3"}, {Id: "n4", Address: "a:4"},
	}}
	ts := newTestServer(t, testConfig("n1", "n2", "n3"), func(store *mocks.MemoryStore, _ *mocks.MockStateMachine) {
		require.NoError(t, store.SaveState(4, "n2"))
		require.NoError(t, store.SaveSnapshot(&raft.Snapshot{
			LastIncludedIndex: 3,
			LastIncludedTerm:  2,
			Configuration:     members,
			Data:              []byte("image"),
		}))
		require.NoError(t, store.Append([]*proto.LogEntry{
			{Index: 4, Term: 3, Command: []byte("SET a=1")},
			{Index: 5, Term: 4, Command: []byte("SET b=2")},
		}))
	})

	assert.Equal(t, [][]byte{[]byte("image")}, ts.sm.GetRestored())

	resp, err := ts.Status(context.Background(), &proto.StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Follower", resp.Role)
	assert.Equal(t, uint64(4), resp.Term)
	assert.Equal(t, uint64(3), resp.CommitIndex)
	assert.Equal(t, uint64(3), resp.LastApplied)
	assert.Len(t, resp.Members, 4, "the snapshot membership wins over the configured peers")

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, "n2", ts.state.VotedFor)
	assert.Equal(t, uint64(5), ts.state.LastLogIndex())
}

func TestServer_RequestVote(t *testing.T) {
	ts := newTestServer(t, testConfig("n1", "n2", "n3"), nil)
	ctx := context.Background()

	resp, err := ts.RequestVote(ctx, &proto.RequestVoteRequest{Term: 1, CandidateId: "n2"})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted)
	assert.Equal(t, uint64(1), resp.Term)

	term, votedFor := ts.store.State()
	assert.Equal(t, uint64(1), term, "the vote is durable before the reply")
	assert.Equal(t, "n2", votedFor)

	resp, err = ts.RequestVote(ctx, &proto.RequestVoteRequest{Term: 1, CandidateId: "n3"})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted, "one vote per term")

	resp, err = ts.RequestVote(ctx, &proto.RequestVoteRequest{Term: 0, CandidateId: "n3"})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted)
	assert.Equal(t, uint64(1), resp.Term)
}

func TestServer_AppendEntries(t *testing.T) {
	ts := newTestServer(t, testConfig("n1", "n2", "n3"), nil)
	ctx := context.Background()

	t.Run("stores and applies committed entries", func(t *testing.T) {
		resp, err := ts.AppendEntries(ctx, &proto.AppendEntriesRequest{
			Term:     1,
			LeaderId: "n2",
			Entries: []*proto.LogEntry{
				{Index: 1, Term: 1, Command: []byte("SET a=1")},
				{Index: 2, Term: 1, Command: []byte("SET b=2")},
			},
			LeaderCommit: 1,
		})
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, "n1", resp.FollowerId)

		assert.Len(t, ts.store.Entries(), 2)
		applied := ts.sm.GetAppliedLogs()
		require.Len(t, applied, 1)
		assert.Equal(t, []byte("SET a=1"), applied[0].Command)
		assert.Equal(t, 1, ts.metrics.Snapshot().CommandsCommittedCount)
	})

	t.Run("rejects a mismatched previous entry", func(t *testing.T) {
		resp, err := ts.AppendEntries(ctx, &proto.AppendEntriesRequest{
			Term:         1,
			LeaderId:     "n2",
			PrevLogIndex: 2,
			PrevLogTerm:  7,
		})
		require.NoError(t, err)
		assert.False(t, resp.Success)
	})

	t.Run("rejects a stale leader", func(t *testing.T) {
		resp, err := ts.AppendEntries(ctx, &proto.AppendEntriesRequest{Term: 0, LeaderId: "n3"})
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, uint64(1), resp.Term)
	})

	t.Run("status reflects the leader", func(t *testing.T) {
		resp, err := ts.Status(ctx, &proto.StatusRequest{})
		require.NoError(t, err)
		assert.Equal(t, "n2", resp.LeaderId)
		assert.Equal(t, uint64(1), resp.CommitIndex)
		assert.Equal(t, uint64(1), resp.LastApplied)
	})
}

func TestServer_FollowerRedirectsClients(t *testing.T) {
	ts := newTestServer(t, testConfig("n1", "n2", "n3"), nil)
	ctx := context.Background()

	_, err := ts.AppendEntries(ctx, &proto.AppendEntriesRequest{Term: 2, LeaderId: "n3"})
	require.NoError(t, err)

	propose, err := ts.Propose(ctx, &proto.ProposeRequest{Command: []byte("SET a=1")})
	require.NoError(t, err)
	assert.False(t, propose.Success)
	assert.Equal(t, "n3", propose.LeaderId)

	_, err = ts.Apply(ctx, []byte("SET a=1"))
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.ErrorContains(t, err, "n3")

	read, err := ts.ReadIndex(ctx, &proto.ReadIndexRequest{})
	require.NoError(t, err)
	assert.False(t, read.Success)
	assert.Equal(t, "n3", read.LeaderId)
	assert.ErrorIs(t, ts.ReadBarrier(ctx), ErrNotLeader)

	change, err := ts.AddServer(ctx, "n4", "127.0.0.1:7004")
	require.NoError(t, err)
	assert.Equal(t, proto.ConfigChangeStatus_NOT_LEADER, change.Status)
	assert.Equal(t, "n3", change.LeaderId)
}

func TestServer_RejectsMalformedClientRequests(t *testing.T) {
	ts := newTestServer(t, testConfig("n1"), nil)
	ctx := context.Background()

	_, err := ts.Propose(ctx, &proto.ProposeRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = ts.ChangeConfiguration(ctx, &proto.ConfigurationChangeRequest{Type: proto.ConfigChangeType_ADD_SERVER, ServerId: "n2"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = ts.RemoveServer(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_SingleNodeLeader(t *testing.T) {
	ts := newTestServer(t, testConfig("n1"), nil)
	ctx := context.Background()
	ts.elect(t)

	index, err := ts.Apply(ctx, []byte("SET a=1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), index, "index 1 holds the leader's no-op")

	resp, err := ts.Propose(ctx, &proto.ProposeRequest{Command: []byte("SET b=2")})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, uint64(3), resp.Index)
	assert.Equal(t, "n1", resp.LeaderId)

	var commands []string
	for _, e := range ts.sm.GetAppliedLogs() {
		if e.Type == proto.LogEntryType_LOG_COMMAND {
			commands = append(commands, string(e.Command))
		}
	}
	assert.Equal(t, []string{"SET a=1", "SET b=2"}, commands)
	assert.Len(t, ts.store.Entries(), 3)

	require.NoError(t, ts.ReadBarrier(ctx))
	read, err := ts.ReadIndex(ctx, &proto.ReadIndexRequest{})
	require.NoError(t, err)
	assert.True(t, read.Success)
	assert.Equal(t, uint64(3), read.ReadIndex)

	m := ts.metrics.Snapshot()
	assert.Equal(t, 2, m.CommandsCommittedCount)
	assert.Len(t, m.CommandLatencies, 2)
	assert.Equal(t, 1, m.ElectionCount)
	assert.Len(t, m.ElectionDurations, 1)
	assert.Equal(t, 2, m.ReadIndexCount)
}

func TestServer_PersistenceFailureIsFatal(t *testing.T) {
	ts := newTestServer(t, testConfig("n1"), nil)
	ts.elect(t)

	ts.store.AppendError = errors.New("disk full")
	_, err := ts.Apply(context.Background(), []byte("SET a=1"))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, ts.sm.GetAppliedLogs()[1:], "nothing past the no-op is applied")

	fatal := ts.fatalErrors()
	require.Len(t, fatal, 1)
	assert.ErrorIs(t, fatal[0], ErrPersistence)

	_, err = ts.Status(context.Background(), &proto.StatusRequest{})
	assert.NoError(t, err, "status still answers")
	_, err = ts.RequestVote(context.Background(), &proto.RequestVoteRequest{Term: 9, CandidateId: "n2"})
	assert.Equal(t, codes.Internal, status.Code(err), "no further steps are taken")
}

func TestServer_SnapshotAfterThreshold(t *testing.T) {
	cfg := testConfig("n1")
	cfg.SnapshotThreshold = 3
	ts := newTestServer(t, cfg, nil)
	ts.sm.SnapshotData = []byte(`{"a":"1"}`)
	ts.elect(t)

	for _, cmd := range []string{"SET a=1", "SET b=2", "SET c=3"} {
		_, err := ts.Apply(context.Background(), []byte(cmd))
		require.NoError(t, err)
	}

	snap, err := ts.store.LoadSnapshot()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.LastIncludedIndex, uint64(3))
	assert.Equal(t, []byte(`{"a":"1"}`), snap.Data)
	for _, e := range ts.store.Entries() {
		assert.Greater(t, e.Index, snap.LastIncludedIndex, "compacted entries are gone from the log store")
	}
	assert.Equal(t, 1, ts.metrics.Snapshot().SnapshotsTaken)
}

func TestServer_InstallSnapshot(t *testing.T) {
	snap := &raft.Snapshot{
		LastIncludedIndex: 10,
		LastIncludedTerm:  2,
		Configuration: &proto.Configuration{Servers: []*proto.ServerConfig{
			{Id: "n1", Address: "a:1"}, {Id: "n2", Address: "a:2"}, {Id: "n3", Address: "a:3"},
		}},
		Data: bytes.Repeat([]byte("ab"), 10),
	}
	chunks, err := transport.SplitSnapshot(snap, 2, "n2", 7)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	t.Run("assembles the chunks and restores the state machine", func(t *testing.T) {
		ts := newTestServer(t, testConfig("n1", "n2", "n3"), nil)
		for _, chunk := range chunks {
			resp, err := ts.InstallSnapshot(context.Background(), chunk)
			require.NoError(t, err)
			require.True(t, resp.Success, "chunk at offset %d", chunk.Offset)
			assert.Equal(t, uint64(2), resp.Term)
		}

		assert.Equal(t, [][]byte{snap.Data}, ts.sm.GetRestored())
		stored, err := ts.store.LoadSnapshot()
		require.NoError(t, err)
		assert.Equal(t, snap.LastIncludedIndex, stored.LastIncludedIndex)
		assert.Equal(t, snap.Data, stored.Data)

		st, err := ts.Status(context.Background(), &proto.StatusRequest{})
		require.NoError(t, err)
		assert.Equal(t, uint64(10), st.LastApplied)
		assert.Equal(t, "n2", st.LeaderId)
		assert.Equal(t, 1, ts.metrics.Snapshot().SnapshotsRestored)
	})

	t.Run("rejects a chunk out of order", func(t *testing.T) {
		ts := newTestServer(t, testConfig("n1", "n2", "n3"), nil)
		resp, err := ts.InstallSnapshot(context.Background(), chunks[0])
		require.NoError(t, err)
		require.True(t, resp.Success)

		resp, err = ts.InstallSnapshot(context.Background(), chunks[2])
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Empty(t, ts.sm.GetRestored())
	})

	t.Run("rejects a stale leader without touching the transfer", func(t *testing.T) {
		ts := newTestServer(t, testConfig("n1", "n2", "n3"), func(store *mocks.MemoryStore, _ *mocks.MockStateMachine) {
			require.NoError(t, store.SaveState(5, ""))
		})
		resp, err := ts.InstallSnapshot(context.Background(), chunks[0])
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, uint64(5), resp.Term)
	})
}

func TestServer_ElectsItselfThroughTheTransport(t *testing.T) {
	ts := newTestServer(t, testConfig("n1", "n2", "n3"), nil)

	var heartbeats atomic.Int64
	ts.transport.On("RequestVote", mock.Anything, mock.Anything, mock.Anything).Return(
		func(peer raft.ServerID, req *proto.RequestVoteRequest) *proto.RequestVoteResponse {
			return &proto.RequestVoteResponse{Term: req.Term, VoteGranted: true, VoterId: string(peer)}
		}, nil).Maybe()
	ts.transport.On("AppendEntries", mock.Anything, mock.Anything, mock.Anything).Return(
		func(peer raft.ServerID, req *proto.AppendEntriesRequest) *proto.AppendEntriesResponse {
			if len(req.Entries) == 0 {
				heartbeats.Add(1)
			}
			return &proto.AppendEntriesResponse{Term: req.Term, Success: true, FollowerId: string(peer)}
		}, nil).Maybe()

	changes := make(chan *pubsub.Event[StateChange], 16)
	pubsub.Subscribe(ts.PubSub(), StateChanged, changes, pubsub.SubscriptionOptions{IsBlocking: false})

	ts.Start()

	require.Eventually(t, func() bool {
		return ts.StateChange().Role == engine.Leader
	}, 2*time.Second, 5*time.Millisecond)
	ts.transport.AssertCalled(t, "AddPeer", raft.ServerID("n2"), raft.ServerAddress("127.0.0.1:7n2"))
	ts.transport.AssertCalled(t, "AddPeer", raft.ServerID("n3"), raft.ServerAddress("127.0.0.1:7n3"))

	index, err := ts.Apply(context.Background(), []byte("SET a=1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), index)

	require.Eventually(t, func() bool { return heartbeats.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	sawLeader := false
	for !sawLeader {
		select {
		case ev := <-changes:
			sawLeader = ev.Payload.Role == engine.Leader && ev.Payload.LeaderID == "n1"
		case <-time.After(time.Second):
			t.Fatal("no StateChanged event for the new leader")
		}
	}
}

func TestServer_ShutdownReleasesWaiters(t *testing.T) {
	ts := newTestServer(t, testConfig("n1", "n2", "n3"), nil)
	// A leader whose followers never answer cannot commit.
	ts.transport.On("RequestVote", mock.Anything, mock.Anything, mock.Anything).Return(
		func(peer raft.ServerID, req *proto.RequestVoteRequest) *proto.RequestVoteResponse {
			return &proto.RequestVoteResponse{Term: req.Term, VoteGranted: true, VoterId: string(peer)}
		}, nil).Maybe()
	ts.transport.On("AppendEntries", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("unreachable")).Maybe()
	ts.Start()

	require.Eventually(t, func() bool {
		return ts.StateChange().Role == engine.Leader
	}, 2*time.Second, 5*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := ts.Apply(context.Background(), []byte("SET a=1"))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	ts.GracefulShutdown()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("Apply did not return after shutdown")
	}
	_, err := ts.Status(context.Background(), &proto.StatusRequest{})
	assert.NoError(t, err)
	_, err = ts.RequestVote(context.Background(), &proto.RequestVoteRequest{Term: 9, CandidateId: "n2"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestServer_RequestTimeout(t *testing.T) {
	cfg := testConfig("n1", "n2", "n3")
	cfg.RequestTimeout = 50 * time.Millisecond
	ts := newTestServer(t, cfg, nil)
	ts.transport.On("AppendEntries", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("unreachable")).Maybe()

	// Drive the election by hand. No follower ever acknowledges, so nothing proposed afterwards can commit.
	_, err := ts.step(engine.ElectionTimeoutElapsed{}, "")
	require.NoError(t, err)
	for _, peer := range []string{"n2", "n3"} {
		_, err := ts.step(engine.RequestVoteResponseReceived{From: peer, Resp: &proto.RequestVoteResponse{Term: 1, VoteGranted: true, VoterId: peer}}, "")
		require.NoError(t, err)
	}
	require.Equal(t, engine.Leader, ts.StateChange().Role)

	_, err = ts.Apply(context.Background(), []byte("SET a=1"))
	assert.ErrorIs(t, err, ErrTimeout)

	resp, err := ts.AddServer(context.Background(), "n4", "127.0.0.1:7004")
	require.NoError(t, err)
	assert.Equal(t, proto.ConfigChangeStatus_TIMEOUT, resp.Status)

	_, err = ts.Propose(context.Background(), &proto.ProposeRequest{Command: []byte("SET b=2")})
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Empty(t, ts.waiters, "timed out requests do not leak waiters")
}
