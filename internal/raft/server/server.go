package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"

	"raft-engine/internal/pubsub"
	"raft-engine/internal/raft"
	"raft-engine/internal/raft/engine"
	"raft-engine/internal/raft/proto"
	"raft-engine/internal/raft/state_machine"
	"raft-engine/internal/raft/transport"
)

// Deps are the collaborators of a Server. StateMachine, the three stores and Transport are required.
type Deps struct {
	StateStore    raft.StateStore
	LogStore      raft.LogStore
	SnapshotStore raft.SnapshotStore
	StateMachine  state_machine.StateMachine
	Transport     Transport
	// Metrics is optional.
	Metrics MetricsCollector
	// PubSub is optional. A private bus is created when nil.
	PubSub *pubsub.PubSubClient
	// OnFatal handles persistence failures. It defaults to log.Fatalf.
	OnFatal func(err error)
}

// Server runs one Raft node: it owns the NodeState, feeds every event through the engine and carries out the
// actions that come back.
type Server struct {
	// This makes the Server struct impl the proto.RaftServiceServer interface
	proto.UnimplementedRaftServiceServer

	// The ID of the server in the cluster
	ID raft.ServerID
	// The network address peers reach the server on
	Address raft.ServerAddress
	// StateMachine is the state machine of the Server as per Section 2 from the
	// [Raft paper](https://raft.github.io/raft.pdf)
	StateMachine state_machine.StateMachine
	Metrics      MetricsCollector

	cfg    Config
	engine *engine.Engine

	// mu serializes every engine step. state, queues, waiters, appliedCh and grpcServer are only touched while it
	// is held.
	mu    sync.Mutex
	state *engine.NodeState
	// appliedCh is closed and replaced every time LastApplied moves.
	appliedCh chan struct{}
	waiters   map[string]chan engine.Action
	queues    map[raft.ServerID]*peerQueue
	// electionStart is when this server last became a candidate, for election duration metrics.
	electionStart time.Time
	fatalErr      error

	stateStore    raft.StateStore
	logStore      raft.LogStore
	snapshotStore raft.SnapshotStore
	transport     Transport
	assembler     transport.Assembler
	// snapshotGates maps raft.ServerID to a *semaphore.Weighted of size one.
	snapshotGates sync.Map

	electionTimer  *timerJob
	heartbeatTimer *timerJob
	orchestrator   *Orchestrator

	pubSub     *pubsub.PubSubClient
	ownsPubSub bool
	grpcServer *grpc.Server
	onFatal    func(err error)
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewServer restores a server from its stores. The state machine is loaded from the latest snapshot and the
// server starts as a follower; nothing runs until Start.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.StateStore == nil || deps.LogStore == nil || deps.SnapshotStore == nil {
		return nil, errors.New("state, log and snapshot stores are required")
	}
	if deps.StateMachine == nil || deps.Transport == nil {
		return nil, errors.New("state machine and transport are required")
	}

	term, votedFor, err := deps.StateStore.LoadState()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	snap, err := deps.SnapshotStore.LoadSnapshot()
	if errors.Is(err, raft.ErrNoSnapshot) {
		snap = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	entries, err := deps.LogStore.GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load log: %w", err)
	}

	boot := engine.Bootstrap{
		ID:          cfg.ID,
		Members:     cfg.Members(),
		CurrentTerm: term,
		VotedFor:    votedFor,
		Log:         entries,
	}
	if snap != nil {
		if err := deps.StateMachine.RestoreSnapshot(snap.Data); err != nil {
			return nil, fmt.Errorf("failed to restore snapshot at index %d: %w", snap.LastIncludedIndex, err)
		}
		boot.LastIncludedIndex = snap.LastIncludedIndex
		boot.LastIncludedTerm = snap.LastIncludedTerm
		boot.Configuration = snap.Configuration
	}

	s := &Server{
		ID:            raft.ServerID(cfg.ID),
		Address:       raft.ServerAddress(cfg.AdvertiseAddress),
		StateMachine:  deps.StateMachine,
		Metrics:       deps.Metrics,
		cfg:           cfg,
		engine:        engine.New(cfg.engineConfig()),
		state:         engine.NewNodeState(boot),
		appliedCh:     make(chan struct{}),
		waiters:       make(map[string]chan engine.Action),
		queues:        make(map[raft.ServerID]*peerQueue),
		stateStore:    deps.StateStore,
		logStore:      deps.LogStore,
		snapshotStore: deps.SnapshotStore,
		transport:     deps.Transport,
		pubSub:        deps.PubSub,
		onFatal:       deps.OnFatal,
	}
	if s.Metrics == nil {
		s.Metrics = noopMetrics{}
	}
	if s.onFatal == nil {
		s.onFatal = func(err error) { log.Fatalf("[SERVER-%s] %v", s.ID, err) }
	}
	if s.pubSub == nil {
		s.pubSub = pubsub.NewPubSub(64)
		s.ownsPubSub = true
	}
	s.ctx, s.cancel = context.WithCancel(SetServerID(context.Background(), s.ID))
	s.electionTimer = newTimerJob("election", ElectionTimeoutExpired, cfg.electionTimeout, s.pubSub)
	s.heartbeatTimer = newTimerJob("heartbeat", HeartbeatTimeoutExpired, func() time.Duration { return cfg.HeartbeatInterval }, s.pubSub)

	log.Printf("[SERVER-%s] [TERM-%d] Restored: %d log entries, snapshot at %d, %d members",
		s.ID, term, len(s.state.Log), s.state.LastIncludedIndex, len(s.state.Members))
	return s, nil
}

// Start connects to the peers, arms the election timer and starts the Orchestrator. It does not serve RPCs; see
// StartServer.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		s.orchestrator = NewOrchestrator(s.pubSub, s)

		s.mu.Lock()
		s.syncPeers(s.state.PeerAddresses())
		s.electionTimer.Reset()
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.orchestrator.Run()
		}()
	})
}

// StartServer starts the node and serves the Raft gRPC service on lis. It blocks until the server stops.
func (s *Server) StartServer(lis net.Listener) error {
	g := grpc.NewServer(grpc.ConnectionTimeout(time.Second * 30))
	proto.RegisterRaftServiceServer(g, s)
	s.mu.Lock()
	s.grpcServer = g
	s.mu.Unlock()

	s.Start()

	log.Printf("Raft node with ID %s running on %s with peers %v\n", s.ID, lis.Addr(), s.Peers())

	// This one blocks as under the hood there is a call to lis.Accept which is a blocking operation.
	err := g.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// GracefulShutdown lets in-flight RPCs finish before closing connections and stopping every job.
func (s *Server) GracefulShutdown() {
	log.Printf("Shutting down server %s gracefully", s.ID)
	s.shutdown(func(g *grpc.Server) { g.GracefulStop() })
}

func (s *Server) ForceShutdown() {
	log.Printf("Force shutting down server %s", s.ID)
	s.shutdown(func(g *grpc.Server) { g.Stop() })
}

func (s *Server) shutdown(stopGRPC func(*grpc.Server)) {
	s.stopOnce.Do(func() {
		// Cancelling first releases clients still waiting on a result, so GracefulStop does not wait for them.
		s.cancel()
		// Taking the lock once waits for a step that started before the cancel to finish.
		s.mu.Lock()
		s.electionTimer.Stop()
		s.heartbeatTimer.Stop()
		for id, q := range s.queues {
			q.close()
			delete(s.queues, id)
		}
		g := s.grpcServer
		s.mu.Unlock()

		if g != nil {
			stopGRPC(g)
		}
		// Send a signal to all listeners that the server is shutting down
		pubsub.Publish(s.pubSub, pubsub.NewEvent(ServerShutDown, struct{}{}))
		s.wg.Wait()
		s.transport.Close()
		if s.ownsPubSub {
			s.pubSub.GracefulShutdown()
		}
	})
}

// Done is closed once shutdown has begun.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// PubSub returns the bus the server publishes StateChanged and ServerShutDown events on.
func (s *Server) PubSub() *pubsub.PubSubClient {
	return s.pubSub
}

// Peers returns the ids of the other servers in the configurations in force.
func (s *Server) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Peers()
}

// StateChange returns the current role, term and known leader.
func (s *Server) StateChange() StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotState()
}

func (s *Server) snapshotState() StateChange {
	return StateChange{ID: s.ID, Role: s.state.Role, Term: s.state.CurrentTerm, LeaderID: s.state.LeaderID}
}

// step runs one event through the engine and carries out the resulting actions, all under s.mu. It returns the
// response the engine addressed to replyTo, if any.
func (s *Server) step(ev engine.Event, replyTo string) (proto.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepLocked(ev, replyTo)
}

func (s *Server) stepLocked(ev engine.Event, replyTo string) (proto.Message, error) {
	if s.fatalErr != nil {
		return nil, s.fatalErr
	}
	if s.ctx.Err() != nil {
		return nil, ErrShutdown
	}

	before := s.snapshotState()
	actions := s.engine.Handle(s.state, ev)
	reply, err := s.execute(actions, replyTo)
	s.observeTransition(before)
	return reply, err
}

// execute carries out actions in order. Persistence failures stop the batch: nothing that depends on the lost
// write may be sent or applied.
func (s *Server) execute(actions []engine.Action, replyTo string) (proto.Message, error) {
	var reply proto.Message
	for _, action := range actions {
		var err error
		switch a := action.(type) {
		case engine.PersistState:
			err = s.stateStore.SaveState(a.Term, a.VotedFor)
		case engine.PersistEntries:
			err = s.logStore.Append(a.Entries)
		case engine.TruncateLogSuffix:
			err = s.logStore.TruncateSuffix(a.FromIndex)
		case engine.TruncateLogPrefix:
			err = s.logStore.TruncatePrefix(a.ThroughIndex)
		case engine.TakeSnapshot:
			err = s.takeSnapshot(a)
		case engine.RestoreSnapshot:
			err = s.restoreSnapshot(a)
		case engine.SendMessage:
			if isResponse(a.Message) {
				if a.To == replyTo && reply == nil {
					reply = a.Message
				}
				continue
			}
			s.send(a.To, a.Message)
		case engine.ApplyToStateMachine:
			s.apply(a.Entries)
		case engine.ResetElectionTimer:
			s.electionTimer.Reset()
		case engine.ResetHeartbeatTimer:
			s.heartbeatTimer.Reset()
		case engine.StopHeartbeatTimer:
			s.heartbeatTimer.Stop()
		case engine.SendSnapshotToPeer:
			s.startSnapshotPush(a)
		case engine.UpdatePeers:
			s.syncPeers(a.Peers)
		case engine.ReadIndexResult:
			s.resolve(a.RequestID, a)
		case engine.ProposalResult:
			s.resolve(a.RequestID, a)
		case engine.ConfigurationChangeResult:
			s.resolve(a.RequestID, a)
		}
		if err != nil {
			s.fail(fmt.Errorf("%w: %T: %w", ErrPersistence, action, err))
			return nil, s.fatalErr
		}
	}
	return reply, nil
}

func isResponse(msg proto.Message) bool {
	switch msg.(type) {
	case *proto.RequestVoteResponse, *proto.AppendEntriesResponse, *proto.InstallSnapshotResponse:
		return true
	default:
		return false
	}
}

// fail stops the server from taking further steps and hands err to the fatal handler. Callers hold s.mu.
func (s *Server) fail(err error) {
	s.fatalErr = err
	s.electionTimer.Stop()
	s.heartbeatTimer.Stop()
	log.Printf("[SERVER-%s] [TERM-%d] Fatal: %v", s.ID, s.state.CurrentTerm, err)
	s.onFatal(err)
}

func (s *Server) apply(entries []*proto.LogEntry) {
	s.StateMachine.Apply(entries)
	for _, e := range entries {
		if e.Type == proto.LogEntryType_LOG_COMMAND {
			s.Metrics.RecordCommandCommitted()
		}
	}
	s.notifyApplied()
}

func (s *Server) notifyApplied() {
	close(s.appliedCh)
	s.appliedCh = make(chan struct{})
}

// observeTransition logs and publishes role, term and leader changes made by the last step. Callers hold s.mu.
func (s *Server) observeTransition(before StateChange) {
	after := s.snapshotState()
	if after == before {
		return
	}

	// A server only moves itself to a newer term by starting an election.
	if after.Term != before.Term && (after.Role == engine.Candidate || after.Role == engine.Leader) {
		s.Metrics.RecordElection()
		if s.electionStart.IsZero() {
			s.electionStart = time.Now()
		}
	}
	if after.Role != before.Role {
		log.Printf("[SERVER-%s] [TERM-%d] %s -> %s", s.ID, after.Term, before.Role, after.Role)
		switch after.Role {
		case engine.Leader:
			s.Metrics.RecordElectionDuration(time.Since(s.electionStart))
			s.electionStart = time.Time{}
		case engine.Follower:
			s.electionStart = time.Time{}
		}
	}
	if after.LeaderID != before.LeaderID && after.LeaderID != "" {
		log.Printf("[SERVER-%s] [TERM-%d] Leader is now %s", s.ID, after.Term, after.LeaderID)
	}

	pubsub.Publish(s.pubSub, pubsub.NewEvent(StateChanged, after))
}

// onTimer steps ev if job fired since it was last armed. A stale expiry is ignored.
func (s *Server) onTimer(job *timerJob, ev engine.Event, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !job.take() {
		return
	}
	if _, ok := ev.(engine.ElectionTimeoutElapsed); ok {
		log.Printf("[JOB] [SERVER-%s] [TERM-%d] %s timeout expired (generation %d)", s.ID, s.state.CurrentTerm, job.name, gen)
	}
	if _, err := s.stepLocked(ev, ""); err != nil && !errors.Is(err, ErrShutdown) {
		log.Printf("[SERVER-%s] Failed to handle %s timeout: %v", s.ID, job.name, err)
	}
}

func (s *Server) snapshotGate(peer raft.ServerID) *semaphore.Weighted {
	gate, _ := s.snapshotGates.LoadOrStore(peer, semaphore.NewWeighted(1))
	return gate.(*semaphore.Weighted)
}
